package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/iago/history-synth/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doneSignal(ownerID string) domain.CompletionSignal {
	return domain.CompletionSignal{
		JobID:       "job-" + ownerID,
		OwnerID:     ownerID,
		Status:      domain.JobStatusDone,
		Callback:    domain.CallbackHandle{ChatID: "chat-9", MessageID: "msg-3"},
		CompletedAt: time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

type recordingNotifier struct {
	signals []domain.CompletionSignal
	err     error
	closed  bool
}

func (n *recordingNotifier) Notify(_ context.Context, signal domain.CompletionSignal) error {
	n.signals = append(n.signals, signal)
	return n.err
}

func (n *recordingNotifier) Close() error {
	n.closed = true
	return nil
}

func TestLogNotifierWritesSignal(t *testing.T) {
	var buf bytes.Buffer
	notifier := NewLogNotifier(zerolog.New(&buf))

	failed := doneSignal("owner-1")
	failed.Status = domain.JobStatusFailed
	failed.ErrorCode = domain.ErrorCodeJobTimeout
	require.NoError(t, notifier.Notify(context.Background(), failed))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "JOB_TIMEOUT", entry["error_code"])
	assert.Equal(t, "job-owner-1", entry["job_id"])
}

func TestMultiDeliversToEveryTarget(t *testing.T) {
	broken := &recordingNotifier{err: errors.New("connection refused")}
	healthy := &recordingNotifier{}
	multi := NewMulti(zerolog.Nop(),
		Target{Name: "broken", Notifier: broken},
		Target{Name: "nil", Notifier: nil},
		Target{Name: "healthy", Notifier: healthy},
	)

	err := multi.Notify(context.Background(), doneSignal("owner-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: connection refused")
	assert.Len(t, broken.signals, 1)
	assert.Len(t, healthy.signals, 1, "a failing target does not stop the fan-out")

	require.NoError(t, multi.Close())
	assert.True(t, broken.closed)
	assert.True(t, healthy.closed)
}

func TestHubFiltersByOwner(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	mine, unsubscribeMine := hub.Subscribe("owner-1")
	defer unsubscribeMine()
	all, unsubscribeAll := hub.Subscribe("")
	defer unsubscribeAll()

	require.NoError(t, hub.Notify(context.Background(), doneSignal("owner-2")))
	require.NoError(t, hub.Notify(context.Background(), doneSignal("owner-1")))

	got := <-mine
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Len(t, mine, 0)
	assert.Len(t, all, 2)
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	events, unsubscribe := hub.Subscribe("")
	defer unsubscribe()

	for i := 0; i < subscriberSize+5; i++ {
		require.NoError(t, hub.Notify(context.Background(), doneSignal("owner-1")))
	}
	assert.Len(t, events, subscriberSize)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	events, unsubscribe := hub.Subscribe("")
	assert.Equal(t, 1, hub.Subscribers())
	unsubscribe()
	unsubscribe()

	_, open := <-events
	assert.False(t, open)
	assert.Zero(t, hub.Subscribers())
}

func TestHubStreamsOverWebSocket(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?owner_id=owner-7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Notify(context.Background(), doneSignal("owner-7")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var message struct {
		Type string                  `json:"type"`
		Data domain.CompletionSignal `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&message))
	assert.Equal(t, "job_completed", message.Type)
	assert.Equal(t, "job-owner-7", message.Data.JobID)
	assert.Equal(t, domain.JobStatusDone, message.Data.Status)
}

func TestParseStreamSignal(t *testing.T) {
	signal := doneSignal("owner-1")
	signal.Status = domain.JobStatusFailed
	signal.ErrorCode = domain.ErrorCodeRateLimit

	parsed, err := ParseStreamSignal(redis.XMessage{ID: "1-0", Values: streamValues(signal)})
	require.NoError(t, err)
	assert.Equal(t, signal, parsed)

	_, err = ParseStreamSignal(redis.XMessage{ID: "2-0", Values: map[string]any{"job_id": "x"}})
	assert.Error(t, err)
}

func TestStreamsNotifierAgainstRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	stream := fmt.Sprintf("history_test_%d", time.Now().UnixNano())
	notifier, err := NewStreamsNotifier(ctx, StreamsConfig{Addr: addr, Stream: stream, MaxLen: 100})
	require.NoError(t, err)
	defer notifier.Close()
	defer notifier.client.Del(ctx, stream)

	require.NoError(t, notifier.Notify(ctx, doneSignal("owner-1")))

	items, err := notifier.client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, items, 1)
	parsed, err := ParseStreamSignal(items[0])
	require.NoError(t, err)
	assert.Equal(t, "job-owner-1", parsed.JobID)
}

func TestNATSNotifierPublishes(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	subject := fmt.Sprintf("history.test.%d", time.Now().UnixNano())
	notifier, err := NewNATSNotifier(url, subject)
	require.NoError(t, err)
	defer notifier.Close()

	sub, err := notifier.conn.SubscribeSync(subject)
	require.NoError(t, err)
	require.NoError(t, notifier.conn.Flush())

	require.NoError(t, notifier.Notify(context.Background(), doneSignal("owner-1")))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got domain.CompletionSignal
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "job-owner-1", got.JobID)
}
