package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/runwarden/runwarden/internal/events"
	"github.com/runwarden/runwarden/internal/model"
)

type fakeWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleEvent(kind events.Kind) events.Event {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	res := model.ExecutionResult{
		ExecutionID: "login_1772359200000",
		ScriptID:    "login",
		FileName:    "login.spec.js",
		Status:      model.StatusRunning,
		StartTime:   ts.Add(-time.Second),
		Screenshots: []string{"assets/login/1_a_shot.png"},
		Traces:      []string{},
	}
	if kind == events.KindComplete {
		res.Finish(model.StatusCompleted, ts)
	}
	return events.Event{Kind: kind, Result: res, Timestamp: ts}
}

func TestNewPublisher_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewPublisher(Config{Topic: "x"})
	require.Error(t, err)
	_, err = NewPublisher(Config{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)

	p, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "x"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestHandleEvent(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	p := newPublisher(w, "runwarden-executions")

	p.HandleEvent(t.Context(), sampleEvent(events.KindStart))
	p.HandleEvent(t.Context(), sampleEvent(events.KindProgress))
	require.Empty(t, w.messages)

	e := sampleEvent(events.KindComplete)
	p.HandleEvent(t.Context(), e)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	require.Equal(t, "login_1772359200000", string(msg.Key))
	require.Equal(t, e.Timestamp, msg.Time)

	var rec Record
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	require.Equal(t, events.KindComplete, rec.Kind)
	require.Equal(t, model.StatusCompleted, rec.Status)
	require.Equal(t, int64(1000), *rec.DurationMs)
	require.Equal(t, []string{"assets/login/1_a_shot.png"}, rec.Screenshots)

	require.NoError(t, p.Close())
	require.True(t, w.closed)
}

func TestHandleEvent_WriteError(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newPublisher(w, "t")

	// logged only
	p.HandleEvent(t.Context(), sampleEvent(events.KindError))

	err := p.Publish(t.Context(), sampleEvent(events.KindError))
	require.ErrorContains(t, err, "leader not available")
}

func TestPublish_Uninitialized(t *testing.T) {
	t.Parallel()
	p := &Publisher{}
	require.Error(t, p.Publish(t.Context(), sampleEvent(events.KindComplete)))
	require.NoError(t, p.Close())
}
