package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	commands "feeder-cloud/internal/commands/domain"
	"feeder-cloud/internal/commands/infrastructure/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeToucher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeToucher) TouchFeed(ctx context.Context, deviceID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deviceID)
	return nil
}

func newTestService(t *testing.T, clock *fakeClock, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	opts = append(opts, WithClock(clock))
	svc, err := NewService(store, Config{}, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func feedReq(device string) EnqueueRequest {
	return EnqueueRequest{Kind: commands.KindFeedNow, PortionSize: 25, DeviceID: device, Source: "manual"}
}

func TestEnqueueValidation(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	cases := []struct {
		name string
		req  EnqueueRequest
	}{
		{"missing device", EnqueueRequest{Kind: commands.KindFeedNow, PortionSize: 10}},
		{"unknown kind", EnqueueRequest{Kind: "reboot", DeviceID: "feeder-1"}},
		{"portion too small", EnqueueRequest{Kind: commands.KindFeedNow, PortionSize: 0.5, DeviceID: "feeder-1"}},
		{"portion too large", EnqueueRequest{Kind: commands.KindFeedNow, PortionSize: 101, DeviceID: "feeder-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, tc.req)
			var verr *commands.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestEnqueueDropsPortionForNonFeedKinds(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)

	cmd, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Kind: commands.KindCalibrate, PortionSize: 40, DeviceID: "feeder-1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if cmd.PortionSize != 0 {
		t.Fatalf("portion should be cleared for calibrate, got %v", cmd.PortionSize)
	}
}

func TestEnqueueDuplicateWithinWindowConflicts(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, feedReq("feeder-1"))
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	clock.Advance(5 * time.Second)
	_, err = svc.Enqueue(ctx, feedReq("feeder-1"))
	var conflict *commands.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.CommandID != first.ID {
		t.Fatalf("conflict should carry first command id %s, got %s", first.ID, conflict.CommandID)
	}
	if conflict.PortionSize != 25 {
		t.Fatalf("conflict portion = %v, want 25", conflict.PortionSize)
	}
}

func TestEnqueueReplacesStalePending(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, feedReq("feeder-1"))
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	clock.Advance(61 * time.Second)
	second, err := svc.Enqueue(ctx, feedReq("feeder-1"))
	if err != nil {
		t.Fatalf("second enqueue should replace stale pending: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("replacement must be a new command")
	}

	got, err := svc.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if got.Status != commands.StatusFailed {
		t.Fatalf("first status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != commands.ReasonExpiredPendingReplaced {
		t.Fatalf("first error = %q, want %q", got.ErrorMessage, commands.ReasonExpiredPendingReplaced)
	}

	events, err := svc.ListTransitions(ctx, first.ID)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("first command transitions = %d, want 2 (created, failed)", len(events))
	}
	if events[1].FromStatus != commands.StatusPending || events[1].ToStatus != commands.StatusFailed {
		t.Fatalf("unexpected transition %+v", events[1])
	}
}

func TestEnqueueIndependentDevicesAndKinds(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	if _, err := svc.Enqueue(ctx, feedReq("feeder-1")); err != nil {
		t.Fatalf("feeder-1 feed: %v", err)
	}
	if _, err := svc.Enqueue(ctx, feedReq("feeder-2")); err != nil {
		t.Fatalf("other device should not conflict: %v", err)
	}
	if _, err := svc.Enqueue(ctx, EnqueueRequest{Kind: commands.KindStopFeeding, DeviceID: "feeder-1"}); err != nil {
		t.Fatalf("other kind should not conflict: %v", err)
	}
}

func TestFetchNextOldestFirst(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, feedReq("feeder-1"))
	if err != nil {
		t.Fatalf("enqueue feed: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := svc.Enqueue(ctx, EnqueueRequest{Kind: commands.KindCalibrate, DeviceID: "feeder-1"}); err != nil {
		t.Fatalf("enqueue calibrate: %v", err)
	}

	got, err := svc.FetchNext(ctx, "feeder-1")
	if err != nil {
		t.Fatalf("fetch next: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("fetch next should claim oldest pending, got %+v", got)
	}
	if got.Status != commands.StatusProcessing {
		t.Fatalf("claimed status = %s, want processing", got.Status)
	}
	if got.ProcessedAt.IsZero() {
		t.Fatal("claimed command must record processed_at")
	}
}

func TestFetchNextEmptyQueue(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)

	got, err := svc.FetchNext(context.Background(), "feeder-1")
	if err != nil {
		t.Fatalf("fetch next: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on empty queue, got %+v", got)
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	toucher := &fakeToucher{}
	svc, _ := newTestService(t, clock, WithHeartbeats(toucher))
	ctx := context.Background()

	cmd, err := svc.Enqueue(ctx, feedReq("feeder-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.FetchNext(ctx, "feeder-1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	acked, err := svc.Acknowledge(ctx, cmd.ID, "feeder-1", "ok", "")
	if err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if acked.Status != commands.StatusCompleted {
		t.Fatalf("status = %s, want completed", acked.Status)
	}

	again, err := svc.Acknowledge(ctx, cmd.ID, "feeder-1", "error", "late failure")
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if again.Status != commands.StatusCompleted {
		t.Fatalf("redelivered ack must not overwrite terminal state, got %s", again.Status)
	}
	if again.ErrorMessage != "" {
		t.Fatalf("redelivered ack must not attach error, got %q", again.ErrorMessage)
	}

	events, err := svc.ListTransitions(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("transitions = %d, want 3 (created, processing, completed)", len(events))
	}
	if len(toucher.calls) != 1 {
		t.Fatalf("TouchFeed calls = %d, want 1", len(toucher.calls))
	}
}

func TestAcknowledgeFailureKeepsMessage(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	cmd, err := svc.Enqueue(ctx, feedReq("feeder-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.FetchNext(ctx, "feeder-1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	acked, err := svc.Acknowledge(ctx, cmd.ID, "feeder-1", "error", "hopper jammed")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if acked.Status != commands.StatusFailed {
		t.Fatalf("status = %s, want failed", acked.Status)
	}
	if acked.ErrorMessage != "hopper jammed" {
		t.Fatalf("error = %q, want the device-reported message", acked.ErrorMessage)
	}
}

func TestAcknowledgeWrongDevice(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	cmd, err := svc.Enqueue(ctx, feedReq("feeder-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.Acknowledge(ctx, cmd.ID, "feeder-2", "ok", ""); !errors.Is(err, commands.ErrNotFound) {
		t.Fatalf("ack from another device should be not found, got %v", err)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	cmd, err := svc.Enqueue(ctx, feedReq("feeder-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	canceled, err := svc.Cancel(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != commands.StatusFailed || canceled.ErrorMessage != commands.ReasonCanceled {
		t.Fatalf("canceled command = %+v", canceled)
	}

	clock.Advance(30 * time.Second)
	second, err := svc.Enqueue(ctx, feedReq("feeder-1"))
	if err != nil {
		t.Fatalf("enqueue after cancel window: %v", err)
	}
	if _, err := svc.FetchNext(ctx, "feeder-1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := svc.Cancel(ctx, second.ID); !errors.Is(err, commands.ErrNotCancelable) {
		t.Fatalf("cancel of processing command should fail, got %v", err)
	}
}

func TestSweepStaleFailsStuckCommands(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestService(t, clock)
	ctx := context.Background()

	pending, err := svc.Enqueue(ctx, feedReq("feeder-1"))
	if err != nil {
		t.Fatalf("enqueue pending: %v", err)
	}
	processing, err := svc.Enqueue(ctx, feedReq("feeder-2"))
	if err != nil {
		t.Fatalf("enqueue processing: %v", err)
	}
	if _, err := svc.FetchNext(ctx, "feeder-2"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	clock.Advance(61 * time.Second)
	count, err := svc.SweepStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("sweep count = %d, want 1 (only the pending one is past its window)", count)
	}
	got, _ := svc.GetByID(ctx, pending.ID)
	if got.Status != commands.StatusFailed || got.ErrorMessage != commands.ReasonExpiredPending {
		t.Fatalf("pending after sweep = %+v", got)
	}

	clock.Advance(120 * time.Second)
	count, err = svc.SweepStale(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("second sweep count = %d, want 1", count)
	}
	got, _ = svc.GetByID(ctx, processing.ID)
	if got.Status != commands.StatusFailed || got.ErrorMessage != commands.ReasonExpiredProcessing {
		t.Fatalf("processing after sweep = %+v", got)
	}
}

type stubOnline struct{ online bool }

func (s stubOnline) IsOnline(ctx context.Context, deviceID string) (bool, error) {
	return s.online, nil
}

type stubPinger struct{ ok bool }

func (s stubPinger) Ping(ctx context.Context) bool { return s.ok }

func TestEnqueueReachabilityGate(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	gated := func(opts ...Option) *Service {
		t.Helper()
		opts = append(opts, WithClock(clock))
		svc, err := NewService(memory.NewStore(), Config{RequireReachable: true}, opts...)
		if err != nil {
			t.Fatalf("NewService: %v", err)
		}
		return svc
	}

	svc := gated(WithConnectivity(stubOnline{online: false}, stubPinger{ok: false}))
	if _, err := svc.Enqueue(ctx, feedReq("feeder-1")); !errors.Is(err, commands.ErrDeviceUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}

	svc = gated(WithConnectivity(stubOnline{online: true}, stubPinger{ok: false}))
	if _, err := svc.Enqueue(ctx, feedReq("feeder-1")); err != nil {
		t.Fatalf("fresh heartbeat alone should pass the gate: %v", err)
	}

	svc = gated(WithConnectivity(stubOnline{online: false}, stubPinger{ok: true}))
	if _, err := svc.Enqueue(ctx, feedReq("feeder-1")); err != nil {
		t.Fatalf("direct ping alone should pass the gate: %v", err)
	}
}

func TestConnectivityCheckersLeaveGateFlagAlone(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// Gate disabled: wired checkers must not reject even an offline device.
	svc, _ := newTestService(t, clock, WithConnectivity(stubOnline{online: false}, stubPinger{ok: false}))
	if _, err := svc.Enqueue(ctx, feedReq("feeder-1")); err != nil {
		t.Fatalf("enqueue with gate off: %v", err)
	}
}
