package pump

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-platform/cloudpin/internal/bus/bustest"
	"github.com/insight-platform/cloudpin/internal/frame"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func packed(t *testing.T, topic, body, extra []byte) []byte {
	t.Helper()
	payload, err := frame.Pack(topic, body, extra, 0)
	require.NoError(t, err)
	return payload
}

func TestInbound_IntakeDropsWhenFull(t *testing.T) {
	writer := bustest.NewWriter(10)
	p := NewInbound(writer, nil, discardLogger(), 1, time.Second)

	p.Intake([]byte("a"))
	p.Intake([]byte("b")) // queue capacity 1, this one is dropped

	assert.Equal(t, 1, p.QueueLen())
	p.mu.Lock()
	assert.Equal(t, 1, p.drops)
	p.mu.Unlock()
}

func TestInbound_MaybeWarnIsRateLimited(t *testing.T) {
	writer := bustest.NewWriter(10)
	p := NewInbound(writer, nil, discardLogger(), 1, time.Second)

	p.Intake([]byte("a"))
	p.Intake([]byte("b"))
	p.Intake([]byte("c"))

	p.mu.Lock()
	dropsBefore := p.drops
	p.mu.Unlock()
	assert.Equal(t, 2, dropsBefore)

	p.maybeWarn()
	p.mu.Lock()
	assert.Equal(t, 0, p.drops)
	lastWarn := p.lastWarn
	p.mu.Unlock()
	assert.False(t, lastWarn.IsZero())

	// A drop immediately after a warning must not reset lastWarn.
	p.Intake([]byte("d"))
	p.maybeWarn()
	p.mu.Lock()
	assert.Equal(t, lastWarn, p.lastWarn)
	p.mu.Unlock()
}

func TestInbound_PumpManyDeliversInOrder(t *testing.T) {
	writer := bustest.NewWriter(10)
	p := NewInbound(writer, nil, discardLogger(), 10, time.Second)

	p.Intake(packed(t, []byte("t1"), []byte("one"), nil))
	p.Intake(packed(t, []byte("t2"), []byte("two"), []byte("ex")))

	delivered := p.PumpMany()
	assert.Equal(t, 2, delivered)
	require.Len(t, writer.Sent, 2)
	assert.Equal(t, []byte("one"), writer.Sent[0].Message)
	assert.Equal(t, []byte("two"), writer.Sent[1].Message)
	assert.Equal(t, []byte("ex"), writer.Sent[1].Extra)
}

func TestInbound_PumpManyRespectsWriterCapacity(t *testing.T) {
	writer := bustest.NewWriter(1)
	writer.SetInflight(1) // no capacity left
	p := NewInbound(writer, nil, discardLogger(), 10, time.Second)

	p.Intake(packed(t, []byte("t"), []byte("m"), nil))
	delivered := p.PumpMany()

	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, p.QueueLen())
}

func TestInbound_PumpManyDiscardsMalformedFrame(t *testing.T) {
	writer := bustest.NewWriter(10)
	p := NewInbound(writer, nil, discardLogger(), 10, time.Second)

	p.Intake([]byte{0x01, 0x02}) // too short to be a valid frame header
	p.Intake(packed(t, []byte("t"), []byte("ok"), nil))

	delivered := p.PumpMany()
	assert.Equal(t, 1, delivered)
	require.Len(t, writer.Sent, 1)
	assert.Equal(t, []byte("ok"), writer.Sent[0].Message)
}

func TestInbound_PumpManyContinuesPastSendError(t *testing.T) {
	writer := bustest.NewWriter(10)
	writer.FailNext = 1
	writer.SendErr = errors.New("boom")
	p := NewInbound(writer, nil, discardLogger(), 10, time.Second)

	p.Intake(packed(t, []byte("t"), []byte("bad"), nil))
	p.Intake(packed(t, []byte("t"), []byte("good"), nil))

	delivered := p.PumpMany()
	assert.Equal(t, 1, delivered)
	require.Len(t, writer.Sent, 1)
	assert.Equal(t, []byte("good"), writer.Sent[0].Message)
}

func TestInbound_RunSignalsBackpressureWhenStuck(t *testing.T) {
	writer := bustest.NewWriter(1)
	writer.SetInflight(1) // writer permanently over capacity
	p := NewInbound(writer, nil, discardLogger(), 1, 5*time.Millisecond)

	fired := make(chan struct{}, 1)
	p.SetBackpressure(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	p.Intake(packed(t, []byte("t"), []byte("m"), nil)) // fills the queue

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("backpressure hook never fired")
	}
}

func TestInbound_Run_StopsOnContextCancel(t *testing.T) {
	writer := bustest.NewWriter(10)
	p := NewInbound(writer, nil, discardLogger(), 10, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
