// Package gateway moves credit records between the service and the queue.
// Every broker call goes through a resilience policy; send, receive and audit
// each have their own breaker.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dan9191/credit-service/internal/metrics"
	"github.com/Dan9191/credit-service/internal/models"
	"github.com/Dan9191/credit-service/internal/queue"
	"github.com/Dan9191/credit-service/internal/resilience"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Protected operation names
const (
	OperationSend    = "servicebus-send"
	OperationReceive = "servicebus-receive"
	OperationAudit   = "servicebus-audit"
)

const contentTypeJSON = "application/json"

// Config names the topics the gateway works with
type Config struct {
	Topic        string
	Subscription string
	AuditTopic   string
	// MaxDeliveryCount is how many times an unreadable message is released
	// before it is moved to the dead-letter topic. Zero disables dead-lettering.
	MaxDeliveryCount int
}

// DeadLetterTopic is where unreadable messages end up
func (c Config) DeadLetterTopic() string {
	return c.Topic + "/$deadletterqueue"
}

// Gateway sends, receives and audits credit messages
type Gateway struct {
	broker  queue.Broker
	cfg     Config
	send    *resilience.Policy
	receive *resilience.Policy
	audit   *resilience.Policy
	log     *logrus.Logger
	now     func() time.Time
}

// New wires a gateway over broker using one policy per operation from policies
func New(broker queue.Broker, cfg Config, policies *resilience.Registry, log *logrus.Logger) *Gateway {
	return &Gateway{
		broker:  broker,
		cfg:     cfg,
		send:    policies.Policy(OperationSend),
		receive: policies.Policy(OperationReceive),
		audit:   policies.Policy(OperationAudit),
		log:     log,
		now:     time.Now,
	}
}

// Send enqueues a credit on the ingestion topic.
// An error means the credit must be treated as not delivered.
func (g *Gateway) Send(ctx context.Context, msg models.CreditMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize credit %s: %w", msg.CreditNumber, err)
	}

	err = g.send.Execute(ctx, func(ctx context.Context) error {
		return g.broker.Publish(ctx, g.cfg.Topic, queue.Message{
			ID:          uuid.NewString(),
			ContentType: contentTypeJSON,
			Body:        body,
		})
	})
	if err != nil {
		g.log.WithField("numero_credito", msg.CreditNumber).Errorf("Failed to send credit to topic %s: %v", g.cfg.Topic, err)
		return fmt.Errorf("failed to send credit %s: %w", msg.CreditNumber, err)
	}

	metrics.MessagesSent.WithLabelValues("credit").Inc()
	g.log.WithField("numero_credito", msg.CreditNumber).Infof("Message sent to topic %s", g.cfg.Topic)
	return nil
}

// Receive pulls up to maxBatch credits, waiting at most maxWait.
// Returned credits are already acknowledged. Unreadable messages are released
// for redelivery and logged. An open circuit yields an empty batch.
func (g *Gateway) Receive(ctx context.Context, maxBatch int, maxWait time.Duration) ([]models.CreditMessage, error) {
	deliveries, err := resilience.Do(ctx, g.receive, func(ctx context.Context) ([]queue.Delivery, error) {
		return g.broker.Receive(ctx, g.cfg.Topic, g.cfg.Subscription, maxBatch, maxWait)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		g.log.Warn("Circuit breaker is open. Cannot receive messages")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive credits: %w", err)
	}

	credits := make([]models.CreditMessage, 0, len(deliveries))
	for _, d := range deliveries {
		msg, err := decode(d)
		if err != nil {
			g.reject(ctx, d, err)
			continue
		}

		if err := g.receive.Execute(ctx, func(ctx context.Context) error {
			return g.broker.Complete(ctx, d)
		}); err != nil {
			// Not handed over: the lease expires and the message comes back.
			g.log.WithField("message_id", d.ID).Errorf("Failed to complete message: %v", err)
			continue
		}

		metrics.MessagesReceived.WithLabelValues("completed").Inc()
		g.log.WithField("numero_credito", msg.CreditNumber).Info("Message received and completed")
		credits = append(credits, msg)
	}
	return credits, nil
}

func decode(d queue.Delivery) (models.CreditMessage, error) {
	var msg models.CreditMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return msg, err
	}
	if msg.CreditNumber == "" {
		return msg, errors.New("message carries no numeroCredito")
	}
	return msg, nil
}

func (g *Gateway) reject(ctx context.Context, d queue.Delivery, cause error) {
	entry := g.log.WithFields(logrus.Fields{"message_id": d.ID, "delivery_count": d.DeliveryCount})
	entry.Errorf("Error processing message: %v", cause)

	if g.cfg.MaxDeliveryCount > 0 && d.DeliveryCount >= g.cfg.MaxDeliveryCount {
		err := g.receive.Execute(ctx, func(ctx context.Context) error {
			if err := g.broker.Publish(ctx, g.cfg.DeadLetterTopic(), d.Message); err != nil {
				return err
			}
			return g.broker.Complete(ctx, d)
		})
		if err != nil {
			entry.Errorf("Failed to dead-letter message: %v", err)
			return
		}
		metrics.MessagesReceived.WithLabelValues("deadlettered").Inc()
		entry.Warnf("Message moved to %s", g.cfg.DeadLetterTopic())
		return
	}

	if err := g.receive.Execute(ctx, func(ctx context.Context) error {
		return g.broker.Abandon(ctx, d)
	}); err != nil {
		entry.Errorf("Failed to abandon message: %v", err)
		return
	}
	metrics.MessagesReceived.WithLabelValues("abandoned").Inc()
}

// SendAudit publishes an audit notification. It never fails the caller.
func (g *Gateway) SendAudit(ctx context.Context, eventType, key string) {
	entry := g.log.WithFields(logrus.Fields{"event_type": eventType, "key": key})

	body, err := json.Marshal(models.AuditMessage{EventType: eventType, Key: key, Timestamp: g.now().UTC()})
	if err != nil {
		entry.Errorf("Failed to serialize audit message: %v", err)
		return
	}

	err = g.audit.Execute(ctx, func(ctx context.Context) error {
		return g.broker.Publish(ctx, g.cfg.AuditTopic, queue.Message{
			ID:          uuid.NewString(),
			ContentType: contentTypeJSON,
			Body:        body,
		})
	})
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		entry.Warn("Circuit breaker is open. Audit message not sent")
	case err != nil:
		metrics.AuditFailures.Inc()
		entry.Errorf("Error sending audit message: %v", err)
	default:
		metrics.MessagesSent.WithLabelValues("audit").Inc()
		entry.Infof("Audit message sent to topic %s", g.cfg.AuditTopic)
	}
}

// BreakerStates reports send, receive and audit breaker states
func (g *Gateway) BreakerStates() map[string]string {
	return map[string]string{
		OperationSend:    g.send.State(),
		OperationReceive: g.receive.State(),
		OperationAudit:   g.audit.State(),
	}
}
