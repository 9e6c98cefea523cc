package cardfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Identity event types published by the card content service.
const (
	EventCreated = "created"
	EventDeleted = "deleted"
)

// Event is the JSON payload of a card identity notification.
type Event struct {
	Type   string `json:"type" validate:"required,oneof=created deleted"`
	CardID string `json:"card_id" validate:"required,max=256"`
	Owner  string `json:"owner" validate:"max=256"`
	Source string `json:"source" validate:"max=1024"`
}

// Conn is a NATS connection that can be shut down once its subscriptions
// have finished processing buffered messages.
type Conn struct {
	*nats.Conn
	closed chan struct{}
}

// Connect opens a NATS connection that keeps reconnecting until closed.
func Connect(url, token string, log *zap.Logger) (*Conn, error) {
	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name("knolsched"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &Conn{Conn: nc, closed: closed}, nil
}

// Shutdown drains the connection and blocks until it is closed, so no
// handler is still writing once the caller releases the store.
func (c *Conn) Shutdown(timeout time.Duration) error {
	return drainAndWait(c.Drain, c.closed, timeout)
}

func drainAndWait(drain func() error, closed <-chan struct{}, timeout time.Duration) error {
	if err := drain(); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	select {
	case <-closed:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("nats drain did not finish within %s", timeout)
	}
}

// Subscriber applies identity events received over NATS.
type Subscriber struct {
	registry Registry
	log      *zap.Logger
	validate *validator.Validate
}

// NewSubscriber returns a Subscriber feeding registry.
func NewSubscriber(registry Registry, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		registry: registry,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Subscribe consumes subject in queue group queue, so replicas of the
// scheduler share the stream. Handlers run with ctx.
func (s *Subscriber) Subscribe(ctx context.Context, nc *nats.Conn, subject, queue string) (*nats.Subscription, error) {
	sub, err := nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		if err := s.HandleMessage(ctx, m.Data); err != nil {
			s.log.Error("failed to handle card event", zap.String("subject", m.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.log.Info("listening for card events", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// HandleMessage decodes and applies one event. Malformed events are
// rejected with domain.ErrInvalidInput; deleting an unknown card is not an
// error.
func (s *Subscriber) HandleMessage(ctx context.Context, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: decoding card event: %v", domain.ErrInvalidInput, err)
	}
	if err := s.validate.Struct(ev); err != nil {
		return fmt.Errorf("%w: card event: %v", domain.ErrInvalidInput, err)
	}

	switch ev.Type {
	case EventCreated:
		_, err := s.registry.RegisterCard(ctx, domain.CardIdentity{CardID: ev.CardID, Owner: ev.Owner, Source: ev.Source})
		return err
	case EventDeleted:
		err := s.registry.RetireCard(ctx, ev.CardID)
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Debug("deleted card has no schedule", zap.String("card_id", ev.CardID))
			return nil
		}
		return err
	}
	return nil
}
