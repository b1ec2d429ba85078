package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iago/history-synth/internal/domain"
	"github.com/nats-io/nats.go"
)

const DefaultSubject = "history.jobs.completed"

// NATSNotifier publishes each signal as JSON on a subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if subject == "" {
		subject = DefaultSubject
	}

	conn, err := nats.Connect(url, nats.Name("history-synth"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSNotifier{conn: conn, subject: subject}, nil
}

func (n *NATSNotifier) Notify(_ context.Context, signal domain.CompletionSignal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal completion signal: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish completion signal: %w", err)
	}
	return nil
}

func (n *NATSNotifier) Close() error {
	if n.conn != nil {
		if err := n.conn.Drain(); err != nil {
			n.conn.Close()
			return err
		}
	}
	return nil
}
