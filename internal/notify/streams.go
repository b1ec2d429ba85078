package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/history-synth/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream approximately. Zero disables trimming.
	MaxLen int64
}

// StreamsNotifier appends completion signals to a Redis Stream for external
// consumers (the chat front end reads it with a consumer group).
type StreamsNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamsNotifier(ctx context.Context, cfg StreamsConfig) (*StreamsNotifier, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "history_job_completions"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newStreamsNotifier(client, cfg), nil
}

func newStreamsNotifier(client *redis.Client, cfg StreamsConfig) *StreamsNotifier {
	return &StreamsNotifier{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}
}

func (n *StreamsNotifier) Close() error {
	return n.client.Close()
}

func (n *StreamsNotifier) Notify(ctx context.Context, signal domain.CompletionSignal) error {
	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: streamValues(signal),
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	if _, err := n.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("xadd completion: %w", err)
	}
	return nil
}

func streamValues(signal domain.CompletionSignal) map[string]any {
	return map[string]any{
		"job_id":       signal.JobID,
		"owner_id":     signal.OwnerID,
		"status":       string(signal.Status),
		"error_code":   string(signal.ErrorCode),
		"chat_id":      signal.Callback.ChatID,
		"message_id":   signal.Callback.MessageID,
		"completed_at": signal.CompletedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ParseStreamSignal decodes an entry written by StreamsNotifier.
func ParseStreamSignal(item redis.XMessage) (domain.CompletionSignal, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	fields := make(map[string]string, 7)
	for _, key := range []string{"job_id", "owner_id", "status", "error_code", "chat_id", "message_id", "completed_at"} {
		value, err := getString(key)
		if err != nil {
			return domain.CompletionSignal{}, err
		}
		fields[key] = value
	}

	completedAt, err := time.Parse(time.RFC3339Nano, fields["completed_at"])
	if err != nil {
		return domain.CompletionSignal{}, fmt.Errorf("invalid completed_at: %w", err)
	}
	status := domain.JobStatus(fields["status"])
	if !status.Terminal() {
		return domain.CompletionSignal{}, fmt.Errorf("invalid status %q", status)
	}

	return domain.CompletionSignal{
		JobID:     fields["job_id"],
		OwnerID:   fields["owner_id"],
		Status:    status,
		ErrorCode: domain.ErrorCode(fields["error_code"]),
		Callback: domain.CallbackHandle{
			ChatID:    fields["chat_id"],
			MessageID: fields["message_id"],
		},
		CompletedAt: completedAt,
	}, nil
}
