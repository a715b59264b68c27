package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentilens/platform/pkg/common/logger"
	"github.com/sentilens/platform/pkg/common/models"
)

func init() {
	logger.Log = logger.Discard()
}

type memoryWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memoryWriter) Close() error { return nil }

type memoryReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *memoryReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			m := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *memoryReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *memoryReader) Close() error { return nil }

func TestPublishEventKeysByJobID(t *testing.T) {
	w := &memoryWriter{}
	p := NewProducerWithWriter(w, "retrain-lifecycle")

	err := p.PublishEvent(context.Background(), "retrain.completed", "retrain-poller", map[string]interface{}{"job_id": "job_7"})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "job_7", string(msg.Key))
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, "retrain.completed", string(msg.Headers[0].Value))

	var event models.Event
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, "retrain.completed", event.Type)
	assert.Equal(t, "job_7", event.Data["job_id"])
	assert.NotEmpty(t, event.ID)
}

func TestPublishEventPropagatesWriteError(t *testing.T) {
	p := NewProducerWithWriter(&memoryWriter{err: errors.New("broker down")}, "t")
	assert.Error(t, p.PublishEvent(context.Background(), "x", "y", nil))
}

func TestConsumeCommitsHandledAndUndecodable(t *testing.T) {
	good, _, err := EncodeEvent("retrain.failed", "retrain-poller", map[string]interface{}{"job_id": "j"})
	require.NoError(t, err)
	bad := kafka.Message{Value: []byte("{not json")}
	reject, _, err := EncodeEvent("retrain.completed", "retrain-poller", nil)
	require.NoError(t, err)

	r := &memoryReader{queue: []kafka.Message{good, bad, reject}}
	c := NewConsumerWithReader(r)

	ctx, cancel := context.WithCancel(context.Background())
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(_ context.Context, e models.Event) error {
			seen = append(seen, e.Type)
			if e.Type == "retrain.completed" {
				defer cancel()
				return errors.New("handler failed")
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.Equal(t, []string{"retrain.failed", "retrain.completed"}, seen)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.committed, 2)
}
