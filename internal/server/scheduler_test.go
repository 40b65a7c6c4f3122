package server

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepreport/internal/store"
)

type schedMemStore struct {
	*memStore
	mu        sync.Mutex
	schedules []store.Schedule
	touched   map[string]time.Time
}

func newSchedMemStore(schedules ...store.Schedule) *schedMemStore {
	return &schedMemStore{memStore: newMemStore(), schedules: schedules, touched: make(map[string]time.Time)}
}

func (m *schedMemStore) ListEnabledSchedules(ctx context.Context) ([]store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Schedule(nil), m.schedules...), nil
}

func (m *schedMemStore) TouchSchedule(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[id] = at
	return nil
}

func TestIsDue(t *testing.T) {
	hourAgo := time.Now().Add(-time.Hour)
	dayAgo := time.Now().Add(-25 * time.Hour)
	justNow := time.Now().Add(-time.Minute)

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"never run is always due", "@daily", nil, true},
		{"daily not elapsed", "@daily", &hourAgo, false},
		{"daily elapsed", "@daily", &dayAgo, true},
		{"hourly elapsed", "@hourly", &hourAgo, true},
		{"hourly not elapsed", "@hourly", &justNow, false},
		{"cron every minute", "* * * * *", &hourAgo, true},
		{"cron never run", "0 0 1 1 *", nil, true},
		{"invalid spec falls back to daily", "not-a-cron", &hourAgo, false},
	}
	for _, tc := range cases {
		if got := isDue(tc.spec, tc.last); got != tc.want {
			t.Fatalf("%s: isDue(%q) = %v, want %v", tc.name, tc.spec, got, tc.want)
		}
	}
}

func TestSchedulerFiresDueSchedules(t *testing.T) {
	st := newSchedMemStore(
		store.Schedule{ID: "s1", UserID: "user-1", Query: "solar", Cron: "@daily", Enabled: true},
	)
	_, _, orch := newTestEnv(t, defaultStubWorkers())

	sched := &Scheduler{
		Store:  st,
		Orch:   orch,
		Stop:   make(chan struct{}),
		logger: log.New(io.Discard, "", 0),
	}
	sched.tick()

	if _, ok := st.touched["s1"]; !ok {
		t.Fatalf("due schedule was not touched")
	}
	st.memStore.mu.Lock()
	created := len(st.memStore.runs)
	st.memStore.mu.Unlock()
	if created != 1 {
		t.Fatalf("expected one run created, got %d", created)
	}
}

func TestSchedulerSkipsSchedulesNotDue(t *testing.T) {
	recent := time.Now().Add(-time.Minute)
	st := newSchedMemStore(
		store.Schedule{ID: "s1", UserID: "user-1", Query: "solar", Cron: "@daily", Enabled: true, LastRunAt: &recent},
	)
	_, _, orch := newTestEnv(t, defaultStubWorkers())

	sched := &Scheduler{Store: st, Orch: orch, Stop: make(chan struct{}), logger: log.New(io.Discard, "", 0)}
	sched.tick()

	if len(st.touched) != 0 {
		t.Fatalf("schedule should not have fired: %v", st.touched)
	}
}

func TestValidateCron(t *testing.T) {
	if err := validateCron("@daily"); err != nil {
		t.Fatalf("@daily should be valid: %v", err)
	}
	if err := validateCron("*/5 * * * *"); err != nil {
		t.Fatalf("five-field cron should be valid: %v", err)
	}
	if err := validateCron("banana"); err == nil {
		t.Fatalf("invalid spec should be rejected")
	}
}
