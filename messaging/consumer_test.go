package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAcker records how each delivery tag was settled and signals
// every settlement on done.
type recordingAcker struct {
	mu      sync.Mutex
	settled map[uint64]string
	done    chan uint64
}

func newRecordingAcker() *recordingAcker {
	return &recordingAcker{settled: map[uint64]string{}, done: make(chan uint64, 16)}
}

func (a *recordingAcker) record(tag uint64, how string) error {
	a.mu.Lock()
	a.settled[tag] = how
	a.mu.Unlock()
	a.done <- tag
	return nil
}

func (a *recordingAcker) Ack(tag uint64, multiple bool) error {
	return a.record(tag, "ack")
}

func (a *recordingAcker) Nack(tag uint64, multiple, requeue bool) error {
	if requeue {
		return a.record(tag, "nack-requeue")
	}
	return a.record(tag, "nack-drop")
}

func (a *recordingAcker) Reject(tag uint64, requeue bool) error {
	if requeue {
		return a.record(tag, "reject-requeue")
	}
	return a.record(tag, "reject-drop")
}

func (a *recordingAcker) get(tag uint64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled[tag]
}

// bodyHandler maps the body text to a disposition.
type bodyHandler struct{}

func (bodyHandler) Dispatch(_ context.Context, body []byte) Disposition {
	switch string(body) {
	case "ack":
		return Ack
	case "reject":
		return Reject
	default:
		return Requeue
	}
}

type fakeSession struct {
	msgs   chan amqp.Delivery
	mu     sync.Mutex
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{msgs: make(chan amqp.Delivery, 8)}
}

func (s *fakeSession) Deliveries(string) (<-chan amqp.Delivery, error) { return s.msgs, nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func delivery(acker amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: acker, DeliveryTag: tag, Body: []byte(body)}
}

func waitSettled(t *testing.T, a *recordingAcker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d settlements", i, n)
		}
	}
}

func TestSettle_MapsDispositions(t *testing.T) {
	acker := newRecordingAcker()

	// WHEN: each disposition is settled
	require.NoError(t, settle(delivery(acker, 1, ""), Ack))
	require.NoError(t, settle(delivery(acker, 2, ""), Reject))
	require.NoError(t, settle(delivery(acker, 3, ""), Requeue))

	// THEN: Reject drops the message and Requeue hands it back
	assert.Equal(t, "ack", acker.get(1))
	assert.Equal(t, "reject-drop", acker.get(2))
	assert.Equal(t, "nack-requeue", acker.get(3))
}

func TestSettle_NoAcknowledger(t *testing.T) {
	err := settle(amqp.Delivery{Body: []byte("ack")}, Ack)
	assert.Error(t, err)
}

func TestConsumer_SettlesEachDelivery(t *testing.T) {
	// GIVEN: a session with three queued deliveries
	log, _ := test.NewNullLogger()
	acker := newRecordingAcker()
	sess := newFakeSession()
	sess.msgs <- delivery(acker, 1, "ack")
	sess.msgs <- delivery(acker, 2, "reject")
	sess.msgs <- delivery(acker, 3, "broker down")

	c := newConsumer(Config{Queue: "payments", Workers: 2}, bodyHandler{}, log, nil)
	c.current = sess

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	// WHEN: all three are settled and the consumer is stopped
	waitSettled(t, acker, 3)
	cancel()

	// THEN: Start returns cleanly and every delivery was settled
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, "ack", acker.get(1))
	assert.Equal(t, "reject-drop", acker.get(2))
	assert.Equal(t, "nack-requeue", acker.get(3))
	assert.True(t, sess.isClosed())
}

func TestConsumer_ReconnectsWhenStreamCloses(t *testing.T) {
	// GIVEN: a first session whose stream closes after one delivery
	log, _ := test.NewNullLogger()
	acker := newRecordingAcker()
	first := newFakeSession()
	first.msgs <- delivery(acker, 1, "ack")
	close(first.msgs)

	second := newFakeSession()
	second.msgs <- delivery(acker, 2, "ack")

	var dials int
	var mu sync.Mutex
	dial := func(Config) (session, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return nil, errors.New("connection refused")
		}
		return second, nil
	}

	c := newConsumer(Config{Queue: "payments"}, bodyHandler{}, log, dial)
	c.delay = time.Millisecond
	c.current = first

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	// WHEN: the first stream drains and one redial fails
	waitSettled(t, acker, 2)
	cancel()

	// THEN: the consumer moved to the second session
	require.NoError(t, <-done)
	assert.True(t, first.isClosed())
	assert.Equal(t, "ack", acker.get(1))
	assert.Equal(t, "ack", acker.get(2))
	mu.Lock()
	assert.Equal(t, 2, dials)
	mu.Unlock()
}

func TestConsumer_GivesUpWhenBrokerStaysDown(t *testing.T) {
	// GIVEN: no open session and a broker that refuses every dial
	log, _ := test.NewNullLogger()
	dial := func(Config) (session, error) { return nil, errors.New("connection refused") }
	c := newConsumer(Config{Queue: "payments"}, bodyHandler{}, log, dial)
	c.delay = time.Microsecond

	// WHEN: the consumer starts
	err := c.Start(context.Background())

	// THEN: it stops with an error after the retry budget
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")
}
