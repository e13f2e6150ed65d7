package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/dispatch-desk/internal/mq"
	"github.com/spec-kit/dispatch-desk/internal/service"
)

var (
	watchQueue   string
	watchBinding string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail triage outcomes published to RabbitMQ",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.RabbitMQ.URL == "" {
			return errors.New("watch needs RABBITMQ_URL")
		}
		consumer, err := mq.NewRabbitConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, watchQueue, watchBinding, logger)
		if err != nil {
			return err
		}
		defer consumer.Close() //nolint:errcheck

		out := cmd.OutOrStdout()
		err = consumer.Consume(ctx, func(d amqp091.Delivery) {
			var msg service.TriageNotification
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				logger.Warn("undecodable triage notification", zap.Error(err))
				return
			}
			switch d.RoutingKey {
			case mq.RoutingTicketTriageFailed:
				fmt.Fprintf(out, "%s  %s  FAILED %s at %s: %s\n",
					msg.OccurredAt.Format("15:04:05"), msg.TicketID, msg.Code, msg.Stage, msg.Message)
			default:
				fmt.Fprintf(out, "%s  %s  %s (%s)\n",
					msg.OccurredAt.Format("15:04:05"), msg.TicketID, msg.Summary, msg.Priority)
			}
		})
		if errors.Is(err, ctx.Err()) {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchQueue, "queue", "", "Queue name (empty for an exclusive temporary queue)")
	watchCmd.Flags().StringVar(&watchBinding, "binding", "ticket.#", "Routing key pattern to bind")
}
