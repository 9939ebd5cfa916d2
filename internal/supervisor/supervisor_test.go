package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// mockService is a test Service that can be controlled.
type mockService struct {
	name       string
	runCount   atomic.Int32
	shouldFail bool
	failErr    error
	runDelay   time.Duration
	started    chan struct{}
}

func newMockService(name string) *mockService {
	return &mockService{name: name, started: make(chan struct{}, 10)}
}

func (m *mockService) Name() string { return m.name }

func (m *mockService) Run(ctx context.Context) error {
	m.runCount.Add(1)
	m.started <- struct{}{}

	if m.runDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.runDelay):
		}
	}

	if m.shouldFail {
		return m.failErr
	}

	<-ctx.Done()
	return nil
}

func TestNewDefaultsShutdownTimeout(t *testing.T) {
	sup := New(Config{})
	if sup.cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", sup.cfg.ShutdownTimeout)
	}

	sup2 := New(Config{ShutdownTimeout: 5 * time.Second})
	if sup2.cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", sup2.cfg.ShutdownTimeout)
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	sup := New(DefaultConfig())
	svc := newMockService("job-drain")

	if err := sup.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sup.Add(svc); err == nil {
		t.Fatal("expected error re-adding same service name")
	}
}

func TestRunStartsAllServicesAndStopsOnCancel(t *testing.T) {
	sup := New(DefaultConfig())
	drain := newMockService("job-drain")
	pausePoll := newMockService("pause-poll")

	if err := sup.Add(drain); err != nil {
		t.Fatalf("Add drain: %v", err)
	}
	if err := sup.Add(pausePoll); err != nil {
		t.Fatalf("Add pausePoll: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	<-drain.started
	<-pausePoll.started

	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestServiceRestartsAfterFailure(t *testing.T) {
	sup := New(DefaultConfig())
	svc := newMockService("flaky")
	svc.shouldFail = true
	svc.failErr = errors.New("boom")

	if err := sup.Add(svc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	<-svc.started
	// Give the supervisor's restart-delay loop a chance to relaunch.
	time.Sleep(1200 * time.Millisecond)
	<-svc.started

	if svc.runCount.Load() < 2 {
		t.Errorf("runCount = %d, want at least 2 restarts", svc.runCount.Load())
	}
}

func TestStatusReportsRestarts(t *testing.T) {
	sup := New(DefaultConfig())
	svc := newMockService("flaky")
	svc.shouldFail = true
	svc.failErr = errors.New("boom")
	_ = sup.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	<-svc.started
	time.Sleep(1200 * time.Millisecond)
	<-svc.started

	statuses := sup.Status()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status entry, got %d", len(statuses))
	}
	if statuses[0].Restarts < 1 {
		t.Errorf("Restarts = %d, want >= 1", statuses[0].Restarts)
	}
}

func TestRemoveStopsService(t *testing.T) {
	sup := New(DefaultConfig())
	svc := newMockService("job-drain")
	_ = sup.Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	<-svc.started

	if err := sup.Remove("job-drain"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := sup.Remove("job-drain"); err == nil {
		t.Fatal("expected error removing an already-removed service")
	}
}
