package worker

import (
	"fmt"

	"github.com/jmehdipour/social-publisher/internal/app"
	"github.com/jmehdipour/social-publisher/internal/kafka"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var jobsCmd = &cobra.Command{
	Use:       "jobs {publish|refresh|status}",
	Short:     "Consume one job kind from Kafka",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"publish", "refresh", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := model.JobKind(args[0])
		if args[0] == "status" {
			kind = model.JobStatusCheck
		}
		if !kind.Valid() {
			return fmt.Errorf("unknown job kind %q", args[0])
		}

		a, err := app.FromCommand(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		policy, err := a.Cfg.Job(kind.String())
		if err != nil {
			return err
		}
		topic, err := a.Queue.Topic(kind)
		if err != nil {
			return err
		}

		groupID := a.Cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "publisher"
		}
		groupID = groupID + "-" + kind.String()

		consumer := kafka.NewConsumer(a.Cfg.Kafka, topic, groupID)
		defer consumer.Close()
		dlq := kafka.NewProducer(a.Cfg.Kafka.Brokers)
		defer dlq.Close()

		handle := worker.Handlers(a.Runner, a.Tokens, a.Janitor)[kind]
		w := worker.NewJobRunner(consumer, kind, handle, policy, a.Queue, a.DeadLetters,
			dlq, a.Cfg.Kafka.Topics.DeadLetter, a.Log.Named("jobs"))
		if a.Cfg.Kafka.WorkerCount > 0 {
			w.Workers = a.Cfg.Kafka.WorkerCount
		}

		ctx, stop := signalContext()
		defer stop()

		a.Log.Info("job worker started",
			zap.String("kind", kind.String()),
			zap.String("topic", topic),
			zap.String("group", groupID),
			zap.Int("workers", w.Workers),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("timeout", policy.Timeout),
		)
		return w.Run(ctx)
	},
}
