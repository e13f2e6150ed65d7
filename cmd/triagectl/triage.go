package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spec-kit/dispatch-desk/internal/bootstrap"
	"github.com/spec-kit/dispatch-desk/internal/domain"
	"github.com/spec-kit/dispatch-desk/internal/llm"
	"github.com/spec-kit/dispatch-desk/internal/observability"
	"github.com/spec-kit/dispatch-desk/internal/service"
	"github.com/spec-kit/dispatch-desk/internal/session"
	"github.com/spec-kit/dispatch-desk/internal/triage"
	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

var triageActorID string

var triageCmd = &cobra.Command{
	Use:   "triage <ticket-id>",
	Short: "Run the triage pipeline for one ticket and print its progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Postgres.DSN == "" {
			return errors.New("triage needs POSTGRES_DSN; the in-memory store has no tickets to triage")
		}
		backend, err := bootstrap.OpenBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer backend.Close()

		publisher, closePublisher, err := bootstrap.NewPublisher(cfg.RabbitMQ, logger)
		if err != nil {
			return err
		}
		defer closePublisher()

		sessions := session.NewManager(session.Dependencies{
			Feed:     backend.Feed,
			Tickets:  backend.Tickets,
			Messages: backend.Messages,
			Logger:   logger.Named("session"),
		})
		defer sessions.Close() //nolint:errcheck

		completer := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens)
		metrics := observability.NewMetrics()
		svc := service.NewTriageService(service.TriageDependencies{
			Sessions: sessions,
			Pipeline: bootstrap.NewPipeline(cfg, backend, completer, logger),
			Notifier: service.NewNotificationService(publisher, logger.Named("notify")),
			Metrics:  metrics,
			Logger:   logger,
		})

		out := cmd.OutOrStdout()
		actor := domain.Actor{ID: triageActorID, Role: domain.RoleDispatcher}
		outcome, err := svc.Triage(ctx, actor, args[0], func(n triage.Notice) {
			fmt.Fprintf(out, "[%s] %s\n", n.Stage, n.Message)
		})
		if err != nil {
			if stage, ok := triage.StageOf(err); ok {
				fmt.Fprintf(out, "failed at %s: %s\n", stage, apperrors.ToDomainError(err).Message)
			}
			return err
		}
		fmt.Fprintln(out, outcome.Summary())
		for _, warning := range outcome.Warnings {
			fmt.Fprintf(out, "warning: %s\n", warning)
		}
		return nil
	},
}

func init() {
	triageCmd.Flags().StringVar(&triageActorID, "as", "triagectl", "Dispatcher id recorded as the trigger")
}
