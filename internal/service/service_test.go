package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLoops_FirstCompletedCancelsTheRest(t *testing.T) {
	var otherObservedCancel bool

	err := runLoops(context.Background(),
		func(ctx context.Context) error { return errStopped }, // finishes immediately
		func(ctx context.Context) error {
			<-ctx.Done()
			otherObservedCancel = true
			return errStopped
		},
	)

	assert.NoError(t, err)
	assert.True(t, otherObservedCancel)
}

func TestRunLoops_PropagatesRealError(t *testing.T) {
	boom := errors.New("boom")
	err := runLoops(context.Background(),
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error { <-ctx.Done(); return errStopped },
	)
	assert.ErrorIs(t, err, boom)
}

type fakeLifecycleService struct {
	lifecycle
	runDelay time.Duration
}

func (f *fakeLifecycleService) Run(parent context.Context) error {
	ctx, done := f.begin(parent)
	defer done()
	f.markStarted()
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(f.runDelay):
		return nil
	}
}

func TestLifecycle_StopBeforeRunReturnsImmediately(t *testing.T) {
	svc := &fakeLifecycleService{lifecycle: newLifecycle(nil), runDelay: time.Hour}
	done := make(chan struct{})
	go func() { svc.Stop(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop before Run did not return")
	}
}

func TestLifecycle_StartedClosesOnceRunning(t *testing.T) {
	svc := &fakeLifecycleService{lifecycle: newLifecycle(nil), runDelay: time.Hour}

	go svc.Run(context.Background())

	select {
	case <-svc.Started():
	case <-time.After(time.Second):
		t.Fatal("Started channel never closed")
	}
	svc.Stop()
}

func TestLifecycle_StopDuringRunWaitsForCompletion(t *testing.T) {
	svc := &fakeLifecycleService{lifecycle: newLifecycle(nil), runDelay: time.Hour}

	runDone := make(chan error, 1)
	go func() { runDone <- svc.Run(context.Background()) }()

	<-svc.Started()
	svc.Stop()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not finish shortly after Stop returned")
	}
}
