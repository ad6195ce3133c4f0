package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/probe"
)

// ProbeResult is what the probe command reports
type ProbeResult struct {
	Target  string                `json:"target"`
	Version string                `json:"version"`
	Online  int                   `json:"online"`
	Max     int                   `json:"max"`
	Latency time.Duration         `json:"latency_ns"`
	Players []domain.OnlinePlayer `json:"players"`
}

func newProbeCmd(opts *options) *cobra.Command {
	var (
		address string
		port    int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Ping the game server once and list who is online",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				address = opts.cfg.Poll.ServerAddress
			}
			if port == 0 {
				port = opts.cfg.Poll.ServerPort
			}
			if timeout == 0 {
				timeout = opts.cfg.Poll.ProbeTimeout
			}

			result, err := runProbe(cmd.Context(), probe.NewClient(timeout, opts.logger), address, port)
			if err != nil {
				return err
			}

			NewOutput(opts.output, cmd.OutOrStdout()).Print(*result)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Server address (default from poll.server_address)")
	cmd.Flags().IntVar(&port, "port", 0, "Server port (default from poll.server_port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Probe timeout (default from poll.probe_timeout)")

	return cmd
}

func runProbe(ctx context.Context, client *probe.Client, address string, port int) (*ProbeResult, error) {
	status, err := client.Status(ctx, address, port)
	if err != nil {
		return nil, err
	}

	return &ProbeResult{
		Target:  probe.NewServer(client, address, port).Target(),
		Version: status.Version.Name,
		Online:  status.Players.Online,
		Max:     status.Players.Max,
		Latency: status.Latency,
		Players: probe.Snapshot(status),
	}, nil
}
