package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	commands "feeder-cloud/internal/commands/domain"
	schedule "feeder-cloud/internal/scheduler/domain"
	"feeder-cloud/internal/scheduler/infrastructure/memory"
)

type dispatch struct {
	DeviceID string
	Portion  float64
	Source   string
}

type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []dispatch
	conflict bool
	err      error
}

func (f *fakeDispatcher) DispatchFeed(ctx context.Context, deviceID string, portion float64, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflict {
		return &commands.ConflictError{CommandID: "cmd-existing", PortionSize: portion}
	}
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, dispatch{DeviceID: deviceID, Portion: portion, Source: source})
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeActivity struct {
	times []time.Time
}

func (f *fakeActivity) RecentFeedTimes(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, t := range f.times {
		if !t.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func testConfig() Config {
	return Config{
		TriggerWindow:    180 * time.Second,
		DedupTTL:         180 * time.Second,
		ActivityLookback: 10 * time.Minute,
	}.WithLocation(time.UTC)
}

func mustCreate(t *testing.T, store *memory.Store, sch schedule.Schedule) schedule.Schedule {
	t.Helper()
	days, err := schedule.NormalizeDays(sch.DaysOfWeek)
	if err != nil {
		t.Fatalf("normalize days: %v", err)
	}
	sch.DaysOfWeek = days
	created, err := store.Create(context.Background(), &sch)
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return *created
}

func newTestEngine(t *testing.T, store *memory.Store, dispatcher *fakeDispatcher, activity ActivitySource) *Engine {
	t.Helper()
	engine, err := NewEngine(store, dispatcher, activity, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

// March 2, 2026 is a Monday.
var monday8am = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestEngineFiresOncePerScheduleMinute(t *testing.T) {
	store := memory.NewStore()
	mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 30, Enabled: true})
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(t, store, dispatcher, &fakeActivity{})
	ctx := context.Background()

	// Two evaluations inside the window fire exactly once.
	if got := engine.Evaluate(ctx, monday8am.Add(5*time.Second)); len(got) != 1 {
		t.Fatalf("first evaluation triggered %d, want 1", len(got))
	}
	if got := engine.Evaluate(ctx, monday8am.Add(10*time.Second)); len(got) != 0 {
		t.Fatalf("second evaluation triggered %d, want 0", len(got))
	}
	if dispatcher.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", dispatcher.count())
	}
	if dispatcher.calls[0].Portion != 30 || dispatcher.calls[0].Source != "schedule" {
		t.Fatalf("dispatch = %+v", dispatcher.calls[0])
	}
}

func TestEngineExactlyOnceOverWholeWindow(t *testing.T) {
	store := memory.NewStore()
	mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: true})
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(t, store, dispatcher, &fakeActivity{})
	ctx := context.Background()

	// Evaluate every 5 seconds across five minutes around the schedule.
	for offset := -60 * time.Second; offset <= 4*time.Minute; offset += 5 * time.Second {
		engine.Evaluate(ctx, monday8am.Add(offset))
	}
	if dispatcher.count() != 1 {
		t.Fatalf("dispatches = %d, want exactly 1", dispatcher.count())
	}
}

func TestEngineMissedWindowNeverFires(t *testing.T) {
	store := memory.NewStore()
	mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: true})
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(t, store, dispatcher, &fakeActivity{})
	ctx := context.Background()

	// First evaluation after downtime lands past the window. The feed is
	// skipped, not fired late.
	if got := engine.Evaluate(ctx, monday8am.Add(181*time.Second)); len(got) != 0 {
		t.Fatalf("triggered %d past the window, want 0", len(got))
	}
	if got := engine.Evaluate(ctx, monday8am.Add(-time.Second)); len(got) != 0 {
		t.Fatalf("triggered %d before the minute, want 0", len(got))
	}
	if dispatcher.count() != 0 {
		t.Fatalf("dispatches = %d, want 0", dispatcher.count())
	}
}

func TestEngineRestartBackstop(t *testing.T) {
	store := memory.NewStore()
	mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: true})
	ctx := context.Background()

	dispatcher := &fakeDispatcher{}
	first := newTestEngine(t, store, dispatcher, &fakeActivity{})
	if got := first.Evaluate(ctx, monday8am.Add(5*time.Second)); len(got) != 1 {
		t.Fatalf("first engine triggered %d, want 1", len(got))
	}

	// Restart: fresh cache, but the durable feed history still shows the
	// 08:00 feed.
	restarted := newTestEngine(t, store, dispatcher, &fakeActivity{
		times: []time.Time{monday8am.Add(5 * time.Second)},
	})
	if got := restarted.Evaluate(ctx, monday8am.Add(30*time.Second)); len(got) != 0 {
		t.Fatalf("restarted engine triggered %d, want 0", len(got))
	}
	if dispatcher.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", dispatcher.count())
	}
}

func TestEngineWeekdayFilter(t *testing.T) {
	store := memory.NewStore()
	mustCreate(t, store, schedule.Schedule{
		DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: true,
		DaysOfWeek: []string{"Tue", "Thu"},
	})
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(t, store, dispatcher, &fakeActivity{})
	ctx := context.Background()

	// Monday: not listed.
	if got := engine.Evaluate(ctx, monday8am.Add(5*time.Second)); len(got) != 0 {
		t.Fatalf("triggered %d on Monday, want 0", len(got))
	}
	// Tuesday: listed.
	tuesday := monday8am.AddDate(0, 0, 1)
	if got := engine.Evaluate(ctx, tuesday.Add(5*time.Second)); len(got) != 1 {
		t.Fatalf("triggered %d on Tuesday, want 1", len(got))
	}
}

func TestEngineDisabledScheduleNeverFires(t *testing.T) {
	store := memory.NewStore()
	mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: false})
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(t, store, dispatcher, &fakeActivity{})

	if got := engine.Evaluate(context.Background(), monday8am.Add(5*time.Second)); len(got) != 0 {
		t.Fatalf("disabled schedule triggered %d, want 0", len(got))
	}
}

func TestEngineFirstMatchWinsPerDevice(t *testing.T) {
	store := memory.NewStore()
	a := mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: true})
	mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 50, Enabled: true})
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(t, store, dispatcher, &fakeActivity{})

	got := engine.Evaluate(context.Background(), monday8am.Add(5*time.Second))
	if len(got) != 1 {
		t.Fatalf("triggered %d, want 1", len(got))
	}
	if got[0].ScheduleID != a.ID || got[0].PortionSize != 20 {
		t.Fatalf("lowest-id schedule should win, got %+v", got[0])
	}
}

func TestEngineIndependentDevicesBothFire(t *testing.T) {
	store := memory.NewStore()
	mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: true})
	mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-2", Time: "08:00", PortionSize: 35, Enabled: true})
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(t, store, dispatcher, &fakeActivity{})

	got := engine.Evaluate(context.Background(), monday8am.Add(5*time.Second))
	if len(got) != 2 {
		t.Fatalf("triggered %d, want 2", len(got))
	}
}

func TestEngineConflictCountsAsCovered(t *testing.T) {
	store := memory.NewStore()
	mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: true})
	dispatcher := &fakeDispatcher{conflict: true}
	engine := newTestEngine(t, store, dispatcher, &fakeActivity{})

	got := engine.Evaluate(context.Background(), monday8am.Add(5*time.Second))
	if len(got) != 0 {
		t.Fatalf("conflicting dispatch reported as trigger: %+v", got)
	}
}

func TestEngineReportsTriggerWhenDispatchFails(t *testing.T) {
	store := memory.NewStore()
	sch := mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: true})
	dispatcher := &fakeDispatcher{err: errors.New("db down")}
	engine := newTestEngine(t, store, dispatcher, &fakeActivity{})

	got := engine.Evaluate(context.Background(), monday8am.Add(5*time.Second))
	if len(got) != 1 || got[0].ScheduleID != sch.ID {
		t.Fatalf("failed dispatch must still report the trigger, got %+v", got)
	}
	// The cache was set before dispatch, so the minute does not retry.
	if got := engine.Evaluate(context.Background(), monday8am.Add(10*time.Second)); len(got) != 0 {
		t.Fatalf("re-evaluation fired again: %+v", got)
	}
}

func TestCheckDeviceSharesDedupWithLoop(t *testing.T) {
	store := memory.NewStore()
	sch := mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: true})
	dispatcher := &fakeDispatcher{}
	engine := newTestEngine(t, store, dispatcher, &fakeActivity{})
	ctx := context.Background()

	trigger, snapshot, err := engine.CheckDevice(ctx, "feeder-1", monday8am.Add(5*time.Second))
	if err != nil {
		t.Fatalf("check device: %v", err)
	}
	if trigger == nil || trigger.ScheduleID != sch.ID {
		t.Fatalf("trigger = %+v", trigger)
	}
	if len(snapshot) != 1 || snapshot[0].ID != sch.ID {
		t.Fatalf("snapshot = %+v, want the device's schedules", snapshot)
	}

	// The server loop evaluating moments later must see the cache entry.
	if got := engine.Evaluate(ctx, monday8am.Add(10*time.Second)); len(got) != 0 {
		t.Fatalf("loop re-fired after device check: %d", len(got))
	}
	if dispatcher.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", dispatcher.count())
	}
}

func TestEngineRespectsConfiguredTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	store := memory.NewStore()
	mustCreate(t, store, schedule.Schedule{DeviceID: "feeder-1", Time: "08:00", PortionSize: 20, Enabled: true})
	dispatcher := &fakeDispatcher{}
	engine, err := NewEngine(store, dispatcher, &fakeActivity{}, testConfig().WithLocation(loc), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// 08:00 Berlin in March (CET) is 07:00 UTC.
	berlin8am := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	if got := engine.Evaluate(context.Background(), monday8am.Add(5*time.Second)); len(got) != 0 {
		t.Fatalf("fired at 08:00 UTC despite Berlin wall clock, got %d", len(got))
	}
	if got := engine.Evaluate(context.Background(), berlin8am.Add(5*time.Second)); len(got) != 1 {
		t.Fatalf("did not fire at 08:00 Berlin time, got %d", len(got))
	}
}
