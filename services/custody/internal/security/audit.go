package security

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"securedocs/pkg/domain"
	"securedocs/pkg/store"
)

// Auditor records custody actions. Logging is strictly best-effort:
// LogAction never returns an error and never blocks the calling
// operation beyond a short write timeout.
type Auditor struct {
	store     store.Store
	publisher Publisher
	logger    *slog.Logger
}

// Publisher fans audit events out to an external consumer.
type Publisher interface {
	Publish(ctx context.Context, event domain.AuditEvent) error
}

func NewAuditor(s store.Store, publisher Publisher, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{store: s, publisher: publisher, logger: logger}
}

// LogAction appends one audit event. Failures are logged and swallowed;
// an audit outage must never fail the action being audited.
func (a *Auditor) LogAction(ctx context.Context, uid, action string, meta map[string]any) {
	if a == nil || a.store == nil {
		return
	}
	event := domain.AuditEvent{
		ID:        uuid.NewString(),
		UserID:    uid,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	}
	if len(meta) > 0 {
		if raw, err := json.Marshal(meta); err == nil {
			event.Meta = string(raw)
		}
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.store.AppendAudit(writeCtx, event); err != nil {
		a.logger.Warn("audit append failed", "action", action, "err", err)
	}
	if a.publisher != nil {
		if err := a.publisher.Publish(writeCtx, event); err != nil {
			a.logger.Warn("audit publish failed", "action", action, "err", err)
		}
	}
}

// AMQPPublisher fans audit events out over RabbitMQ.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = "securedocs.audit"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: channel, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event domain.AuditEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, "audit."+strings.ToLower(event.Action), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   event.CreatedAt,
		MessageId:   event.ID,
		Body:        body,
	})
}

func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}
