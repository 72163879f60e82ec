package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx body: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedTask(t *testing.T, r repo.Repo, id string, totalUnits int) {
	t.Helper()
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertTask(ctx, tx, domain.Task{
			ID: id, RepoURL: "https://github.com/octo/widgets", ChangeID: 7,
			Status: domain.StatusPending, CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
		})
	})
	if totalUnits >= 0 {
		inTx(t, r, func(tx *sql.Tx) error {
			return r.MarkRunning(ctx, tx, id, totalUnits, "2026-01-01T00:00:01Z")
		})
	}
}

func TestInsertAndGetTask(t *testing.T) {
	r := newTestRepo(t)
	seedTask(t, r, "task-1", -1)

	got, err := r.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.StatusPending || got.ChangeID != 7 {
		t.Fatalf("unexpected task %+v", got)
	}
	if _, err := r.GetTask(context.Background(), "missing"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateTaskIDRejected(t *testing.T) {
	r := newTestRepo(t)
	seedTask(t, r, "task-1", -1)
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.InsertTask(context.Background(), tx, domain.Task{
		ID: "task-1", RepoURL: "x", ChangeID: 1,
		Status: domain.StatusPending, CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	})
	if err == nil {
		t.Fatalf("expected unique constraint violation")
	}
}

func TestRecordUnitResultAtomicAndIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTask(t, r, "task-1", 2)

	line := 3
	res := domain.UnitResult{
		TaskID: "task-1", UnitIndex: 0, Status: domain.UnitSucceeded, Attempts: 1,
		Findings: []domain.Finding{
			{Path: "a.go", Line: &line, Severity: "bug", Message: "off by one", Suggestion: "use <="},
		},
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.RecordUnitResult(ctx, tx, res, "2026-01-01T00:00:02Z") })
	// Duplicate delivery of the same unit must not double-count.
	inTx(t, r, func(tx *sql.Tx) error { return r.RecordUnitResult(ctx, tx, res, "2026-01-01T00:00:03Z") })

	got, err := r.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedUnits != 1 || got.FailedUnits != 0 {
		t.Fatalf("counters %d/%d, want 1/0", got.CompletedUnits, got.FailedUnits)
	}

	report, err := r.GetReport(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Entries) != 1 || len(report.Entries[0].Findings) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Summary.CriticalIssues != 1 {
		t.Fatalf("expected critical issue, got %+v", report.Summary)
	}
}

func TestCountersNeverExceedTotal(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTask(t, r, "task-1", 1)

	inTx(t, r, func(tx *sql.Tx) error {
		return r.RecordUnitResult(ctx, tx, domain.UnitResult{TaskID: "task-1", UnitIndex: 0, Status: domain.UnitFailed, Error: "boom", Attempts: 3}, "2026-01-01T00:00:02Z")
	})
	// A result for an index beyond the pinned total must not push counters
	// past total_units.
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.RecordUnitResult(ctx, tx, domain.UnitResult{TaskID: "task-1", UnitIndex: 1, Status: domain.UnitFailed, Error: "boom", Attempts: 1}, "2026-01-01T00:00:03Z")
	if err == nil {
		t.Fatalf("expected counter guard to reject overflow")
	}
}

func TestFinalizeExactlyOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTask(t, r, "task-1", 0)

	inTx(t, r, func(tx *sql.Tx) error {
		return r.Finalize(ctx, tx, "task-1", domain.StatusCompleted, "", "2026-01-01T00:00:05Z")
	})
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.Finalize(ctx, tx, "task-1", domain.StatusFailed, "late", "2026-01-01T00:00:06Z"); err != repo.ErrNotFound {
		t.Fatalf("expected second finalize to find no transitionable row, got %v", err)
	}
	got, _ := r.GetTask(ctx, "task-1")
	if got.Status != domain.StatusCompleted {
		t.Fatalf("terminal status overwritten: %s", got.Status)
	}
}

func TestListTasksFilterAndPagination(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, status := range []domain.TaskStatus{domain.StatusCompleted, domain.StatusFailed, domain.StatusCompleted} {
		id := string(rune('a' + i))
		seedTask(t, r, id, 0)
		inTx(t, r, func(tx *sql.Tx) error {
			return r.Finalize(ctx, tx, id, status, "", "2026-01-01T00:00:05Z")
		})
	}

	tasks, total, err := r.ListTasks(ctx, repo.ListFilter{Status: "completed", Page: 1, PerPage: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(tasks) != 1 {
		t.Fatalf("total=%d len=%d, want 2/1", total, len(tasks))
	}

	counts, err := r.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["completed"] != 2 || counts["failed"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTask(t, r, "task-1", 1)
	inTx(t, r, func(tx *sql.Tx) error {
		return r.RecordUnitResult(ctx, tx, domain.UnitResult{
			TaskID: "task-1", UnitIndex: 0, Status: domain.UnitSucceeded, Attempts: 1,
			Findings: []domain.Finding{{Path: "a.go", Severity: "style", Message: "m"}},
		}, "2026-01-01T00:00:02Z")
	})

	if err := r.DeleteTask(ctx, "task-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetTask(ctx, "task-1"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	var orphans int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM findings`).Scan(&orphans); err != nil {
		t.Fatal(err)
	}
	if orphans != 0 {
		t.Fatalf("findings not cascaded: %d rows", orphans)
	}
	if err := r.DeleteTask(ctx, "task-1"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
