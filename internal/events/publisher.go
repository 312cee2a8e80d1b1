package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/inboxpilot/labelsync/internal/reconcile"
)

// Publisher hands reconciliation results to the downstream workflow engine
// over NATS JetStream. The run ID doubles as the dedupe message ID, so a
// replayed publish never produces a duplicate downstream event.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and ensures the label event stream exists.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	return p, nil
}

func (p *Publisher) ensureStream() error {
	if info, err := p.js.StreamInfo("LABEL_EVENTS"); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       "LABEL_EVENTS",
		Subjects:   []string{"tenant.*.labels.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})

	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// PublishReconciled publishes a finished run. The identifier map rides
// along only when the run fully converged; the workflow engine must never
// consume a partial map.
func (p *Publisher) PublishReconciled(ctx context.Context, report *reconcile.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	subject := fmt.Sprintf("tenant.%s.labels.reconciled", report.TenantID)
	if _, err := p.js.Publish(subject, payload, nats.MsgId(report.RunID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}

	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
