package cli

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/presence-ledger/internal/probe"
)

// sampleLimit is how many players vanilla servers list in a status reply
const sampleLimit = 12

var namePrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func playerName(idx int) string {
	return fmt.Sprintf("%s%d", namePrefixes[idx%len(namePrefixes)], idx/len(namePrefixes)+1)
}

// offlineID derives the stable id a server in offline mode assigns to name
func offlineID(name string) string {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte("OfflinePlayer:"+name)).String()
}

// roster is a simulated player base whose online set changes each step
type roster struct {
	mu        sync.Mutex
	players   []probe.SamplePlayer
	online    []bool
	maxOnline int
	rng       *rand.Rand
}

func newRoster(size, maxOnline int, rng *rand.Rand) *roster {
	r := &roster{
		players:   make([]probe.SamplePlayer, size),
		online:    make([]bool, size),
		maxOnline: maxOnline,
		rng:       rng,
	}
	for i := range r.players {
		name := playerName(i)
		r.players[i] = probe.SamplePlayer{Name: name, ID: offlineID(name)}
	}
	return r
}

// step flips one random player, never exceeding maxOnline
func (r *roster) step() {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.rng.IntN(len(r.players))
	if !r.online[i] && r.countOnline() >= r.maxOnline {
		return
	}
	r.online[i] = !r.online[i]
}

func (r *roster) countOnline() int {
	n := 0
	for _, on := range r.online {
		if on {
			n++
		}
	}
	return n
}

// status renders the roster as a status reply
func (r *roster) status() *probe.ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := &probe.ServerStatus{}
	status.Version.Name = "presencectl fakeserver"
	status.Players.Max = r.maxOnline
	status.Players.Sample = []probe.SamplePlayer{}
	for i, on := range r.online {
		if !on {
			continue
		}
		status.Players.Online++
		if len(status.Players.Sample) < sampleLimit {
			status.Players.Sample = append(status.Players.Sample, r.players[i])
		}
	}
	return status
}

func newFakeServerCmd(opts *options) *cobra.Command {
	var (
		listen    string
		players   int
		maxOnline int
		churn     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fakeserver",
		Short: "Run a simulated game server for local development",
		Long: `Answer status pings like a game server whose players come and go.

Every churn period one random player joins or leaves. Point poll.server_address
and poll.server_port at the listen address to drive the ledger without a real
server.

Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if players < 1 || maxOnline < 1 {
				return fmt.Errorf("--players and --max-online must be positive")
			}

			r := newRoster(players, maxOnline, rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)))

			listener, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", listen, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				ticker := time.NewTicker(churn)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						r.step()
					}
				}
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "fake server listening on %s with %d players\n", listener.Addr(), players)
			return probe.NewResponder(r.status, opts.logger).Serve(ctx, listener)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:25565", "Address to listen on")
	cmd.Flags().IntVar(&players, "players", 40, "Size of the simulated player base")
	cmd.Flags().IntVar(&maxOnline, "max-online", 20, "Most players online at once")
	cmd.Flags().DurationVar(&churn, "churn", 5*time.Second, "How often a player joins or leaves")

	return cmd
}
