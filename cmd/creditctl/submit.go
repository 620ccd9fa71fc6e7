package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Dan9191/credit-service/internal/gateway"
	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/queue/postgres"
	"github.com/Dan9191/credit-service/internal/repository"
	"github.com/Dan9191/credit-service/internal/resilience"
	"github.com/Dan9191/credit-service/internal/saga"
	"github.com/Dan9191/credit-service/internal/service"
	"github.com/spf13/cobra"
)

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit [file]",
		Short: "Queue the credits in a JSON file for integration",
		Long: `Reads a JSON array of credits in the wire format and queues every one
on the ingestion topic. The whole file is rejected if any credit is invalid.
Requires QUEUE_DRIVER=postgres, since an in-memory queue is private to a process.`,
		Args: cobra.ExactArgs(1),
		RunE: runSubmit,
	}
}

func readCredits(path string) ([]models.CreditMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var msgs []models.CreditMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return msgs, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	msgs, err := readCredits(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if e.cfg.QueueDriver != "postgres" {
		return fmt.Errorf("submit needs QUEUE_DRIVER=postgres, got %q", e.cfg.QueueDriver)
	}
	broker, err := postgres.New(ctx, e.cfg.QueueConn, e.log)
	if err != nil {
		return err
	}
	defer broker.Close()

	policies := resilience.NewRegistry(resilience.Settings{
		Timeout:          e.cfg.Timeout(),
		RetryCount:       e.cfg.RetryCount,
		RetryBaseDelay:   e.cfg.RetryBaseDelay(),
		FailureThreshold: uint32(e.cfg.BreakerFailureThreshold),
		Cooldown:         e.cfg.BreakerCooldown(),
	}, e.log)
	gw := gateway.New(broker, gateway.Config{
		Topic:            e.cfg.TopicName,
		Subscription:     e.cfg.SubscriptionName,
		AuditTopic:       e.cfg.AuditTopicName,
		MaxDeliveryCount: e.cfg.MaxDeliveryCount,
	}, policies, e.log)
	sagas := saga.NewRuntime(repository.NewSagaStore(e.db, e.dialect), nil, e.log)
	svc := service.NewService(repository.NewRepository(e.db, e.dialect), gw, sagas, e.log, e.cfg)

	n, err := svc.SubmitCredits(ctx, msgs)
	if err != nil {
		if n > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %d of %d credits before failing\n", n, len(msgs))
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %d credits on %s\n", n, e.cfg.TopicName)
	return nil
}
