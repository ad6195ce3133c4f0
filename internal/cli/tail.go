package cli

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/kafka"
)

func newTailCmd(opts *options) *cobra.Command {
	var (
		brokers string
		topic   string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow presence events published by the ledger service",
		Long: `Consume the presence event topic from the newest offset and print each
event as it arrives.

Event types:
  - joined: a player appeared in the snapshot
  - left:   a player dropped out of the snapshot
  - cycle:  one summary per poll cycle

Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kafkaCfg := opts.cfg.Kafka
			if brokers != "" {
				kafkaCfg.Brokers = strings.Split(brokers, ",")
			}
			if topic != "" {
				kafkaCfg.Topic = topic
			}

			out := NewOutput(opts.output, cmd.OutOrStdout())
			handler := kafka.EventHandlerFunc(func(ctx context.Context, event domain.PresenceEvent) error {
				out.Print(event)
				return nil
			})

			tailer, err := kafka.NewTailer(&kafkaCfg, handler, opts.logger)
			if err != nil {
				return err
			}
			if err := tailer.Start(); err != nil {
				_ = tailer.Stop()
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			return tailer.Stop()
		},
	}

	cmd.Flags().StringVar(&brokers, "brokers", "", "Comma separated broker list (default from kafka.brokers)")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic to follow (default from kafka.topic)")

	return cmd
}
