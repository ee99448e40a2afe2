package worker

import (
	"github.com/jmehdipour/social-publisher/internal/app"
	"github.com/jmehdipour/social-publisher/internal/kafka"
	"github.com/jmehdipour/social-publisher/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Move due outbox rows to Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.FromCommand(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		producer := kafka.NewProducer(a.Cfg.Kafka.Brokers)
		defer producer.Close()

		r := worker.NewRelay(a.Tx, a.Outbox, producer, a.Cfg.Relay, a.Log.Named("relay"))

		ctx, stop := signalContext()
		defer stop()

		a.Log.Info("outbox relay started",
			zap.Strings("brokers", a.Cfg.Kafka.Brokers),
			zap.Duration("poll_interval", a.Cfg.Relay.PollInterval),
			zap.Int("batch_size", a.Cfg.Relay.BatchSize),
		)
		return r.Run(ctx)
	},
}
