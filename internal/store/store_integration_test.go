package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	core "github.com/mohammad-safakhou/deepreport/internal/agent/core"
	"github.com/mohammad-safakhou/deepreport/internal/ledger"
	"github.com/mohammad-safakhou/deepreport/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("deepreport"),
		tcPostgres.WithUsername("deepreport"),
		tcPostgres.WithPassword("deepreport"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	m, err := migrate.New("file://../../migrations", dsn)
	if err != nil {
		t.Fatalf("migrate.New: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("NewWithDSN: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "a@example.com", "hash"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	err := st.CreateUser(ctx, "a@example.com", "hash")
	pgErr, ok := err.(*pq.Error)
	if !ok || pgErr.Code != "23505" {
		t.Fatalf("duplicate email should violate unique constraint, got %v", err)
	}
	userID, hash, err := st.GetUserByEmail(ctx, "a@example.com")
	if err != nil || hash != "hash" {
		t.Fatalf("GetUserByEmail: id=%q hash=%q err=%v", userID, hash, err)
	}

	runID := uuid.New().String()
	if err := st.CreateRun(ctx, runID, userID, "solar growth", "executing"); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	bundle := core.ResultBundle{
		RunID:      runID,
		State:      core.RunSucceeded,
		Summary:    "short answer",
		Report:     "long report",
		Confidence: 0.9,
		Cost:       0.01,
		TokensUsed: 42,
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.SaveResultBundle(ctx, bundle); err != nil {
		t.Fatalf("SaveResultBundle: %v", err)
	}
	// saving twice must be a clean upsert
	if err := st.SaveResultBundle(ctx, bundle); err != nil {
		t.Fatalf("SaveResultBundle again: %v", err)
	}
	got, ok, err := st.GetResultBundle(ctx, runID)
	if err != nil || !ok {
		t.Fatalf("GetResultBundle: ok=%v err=%v", ok, err)
	}
	if got.Summary != "short answer" || got.Confidence != 0.9 || got.TokensUsed != 42 {
		t.Fatalf("bundle did not round-trip: %#v", got)
	}

	records := []ledger.Record{
		{Seq: 1, Claim: "solar grew", SourceURL: "https://a.com", TaskID: "t1", RecordedAt: time.Now().UTC()},
		{Seq: 2, Claim: "costs fell", SourceURL: "https://b.com", TaskID: "t2", Supersedes: 1, RecordedAt: time.Now().UTC()},
	}
	if err := st.SaveProvenance(ctx, runID, records); err != nil {
		t.Fatalf("SaveProvenance: %v", err)
	}
	// replay must not duplicate rows
	if err := st.SaveProvenance(ctx, runID, records); err != nil {
		t.Fatalf("SaveProvenance replay: %v", err)
	}
	prov, err := st.ListProvenance(ctx, runID)
	if err != nil {
		t.Fatalf("ListProvenance: %v", err)
	}
	if len(prov) != 2 || prov[0].Seq != 1 || prov[1].Supersedes != 1 {
		t.Fatalf("unexpected provenance: %#v", prov)
	}

	if err := st.FinishRun(ctx, runID, "succeeded", nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	runs, err := st.ListRuns(ctx, userID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: len=%d err=%v", len(runs), err)
	}
	if runs[0].Status != "succeeded" || runs[0].FinishedAt == nil {
		t.Fatalf("run not finished: %#v", runs[0])
	}
}

func TestStoreSchedules(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "b@example.com", "hash"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	userID, _, err := st.GetUserByEmail(ctx, "b@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}

	id, err := st.CreateSchedule(ctx, userID, "solar weekly", "@daily", 2)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	enabled, err := st.ListEnabledSchedules(ctx)
	if err != nil || len(enabled) != 1 {
		t.Fatalf("ListEnabledSchedules: len=%d err=%v", len(enabled), err)
	}
	if enabled[0].Query != "solar weekly" || enabled[0].Depth != 2 || enabled[0].LastRunAt != nil {
		t.Fatalf("unexpected schedule: %#v", enabled[0])
	}

	fired := time.Now().UTC().Truncate(time.Second)
	if err := st.TouchSchedule(ctx, id, fired); err != nil {
		t.Fatalf("TouchSchedule: %v", err)
	}
	if err := st.SetScheduleEnabled(ctx, id, userID, false); err != nil {
		t.Fatalf("SetScheduleEnabled: %v", err)
	}
	enabled, err = st.ListEnabledSchedules(ctx)
	if err != nil || len(enabled) != 0 {
		t.Fatalf("disabled schedule still listed: len=%d err=%v", len(enabled), err)
	}
	mine, err := st.ListSchedules(ctx, userID)
	if err != nil || len(mine) != 1 {
		t.Fatalf("ListSchedules: len=%d err=%v", len(mine), err)
	}
	if mine[0].LastRunAt == nil || !mine[0].LastRunAt.Equal(fired) {
		t.Fatalf("last_run_at not recorded: %#v", mine[0].LastRunAt)
	}

	if err := st.DeleteSchedule(ctx, id, "not-the-owner"); err == nil {
		t.Fatalf("foreign delete should fail")
	}
	if err := st.DeleteSchedule(ctx, id, userID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
}
