package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	wire "flowstudio/internal/api/websocket"
	"flowstudio/internal/workflow/events"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subject is the NATS subject events of one workflow are published on.
func Subject(tenantID string, workflowID string) string {
	return fmt.Sprintf("tenant.%s.workflow.%s.events", tenantID, subjectToken(workflowID))
}

// subjectToken keeps a workflow id to a single subject token.
func subjectToken(id string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}

// NATSPublisher forwards bus events to NATS so a separate realtime service
// can fan them out. Publishing is best effort: without a connection it is a
// no-op and it never fails the caller's operation.
type NATSPublisher struct {
	conn     *nats.Conn
	tenantID string
	logger   zerolog.Logger
}

func NewNATSPublisher(natsURL string, tenantID string, logger zerolog.Logger) *NATSPublisher {
	p := &NATSPublisher{tenantID: tenantID, logger: logger}
	if natsURL == "" {
		logger.Info().Msg("NATS_URL not set, cross-process fan-out disabled")
		return p
	}
	nc, err := nats.Connect(natsURL, nats.Name("flowstudio-api"), nats.MaxReconnects(-1))
	if err != nil {
		logger.Warn().Err(err).Str("url", natsURL).Msg("NATS connection failed, cross-process fan-out disabled")
		return p
	}
	p.conn = nc
	return p
}

func (p *NATSPublisher) Enabled() bool {
	return p.conn != nil
}

func (p *NATSPublisher) Publish(_ context.Context, event events.Event) error {
	if p.conn == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(Subject(p.tenantID, event.WorkflowID), data); err != nil {
		p.logger.Warn().Err(err).Str("workflowId", event.WorkflowID).Msg("NATS publish failed")
		return nil
	}
	return nil
}

// Forward publishes every event from ch until it closes or ctx is done.
func (p *NATSPublisher) Forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = p.Publish(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

// Close drains the NATS connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("NATS drain error")
	}
}

// NATSBridge subscribes to workflow events on NATS and pushes them into
// the hub.
type NATSBridge struct {
	conn     *nats.Conn
	hub      *wire.Hub
	tenantID string
	logger   zerolog.Logger
}

func NewNATSBridge(natsURL string, tenantID string, hub *wire.Hub, logger zerolog.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(natsURL, nats.Name("flowstudio-realtime"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBridge{conn: nc, hub: hub, tenantID: tenantID, logger: logger}, nil
}

// Subscribe listens on tenant.<tenantID>.workflow.*.events.
func (b *NATSBridge) Subscribe(ctx context.Context) error {
	subject := fmt.Sprintf("tenant.%s.workflow.*.events", b.tenantID)
	_, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		event, err := decodeEvent(msg.Data)
		if err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Bad event on NATS")
			return
		}
		b.hub.BroadcastEvent(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %q: %w", subject, err)
	}

	b.logger.Info().Str("subject", subject).Msg("NATS bridge subscribed")
	return nil
}

// Close drains the NATS connection.
func (b *NATSBridge) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("NATS drain error")
	}
}

func decodeEvent(data []byte) (events.Event, error) {
	var event events.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return events.Event{}, err
	}
	if event.WorkflowID == "" || event.Type == "" {
		return events.Event{}, fmt.Errorf("event without workflow or type")
	}
	return event, nil
}
