package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reviewline/internal/domain"
)

// Repo is the task state store over SQLite. All mutations for one task go
// through transactions opened by the orchestrator so counters, unit results
// and events commit together; readers never observe a torn update.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,repo_url,change_id,status,title,author,files_count,additions,deletions,
total_units,completed_units,failed_units,error,created_at,updated_at,started_at,completed_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var status string
	var title, author, errMsg, startedAt, completedAt sql.NullString
	var filesCount, additions, deletions sql.NullInt64
	err := row.Scan(&t.ID, &t.RepoURL, &t.ChangeID, &status, &title, &author,
		&filesCount, &additions, &deletions,
		&t.TotalUnits, &t.CompletedUnits, &t.FailedUnits,
		&errMsg, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	t.Title = optString(title)
	t.Author = optString(author)
	t.Error = optString(errMsg)
	t.StartedAt = optString(startedAt)
	t.CompletedAt = optString(completedAt)
	t.FilesCount = optInt(filesCount)
	t.Additions = optInt(additions)
	t.Deletions = optInt(deletions)
	return t, nil
}

func optString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func optInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

// InsertTask creates the task record in its initial state. The primary key
// enforces identifier uniqueness for the lifetime of the store.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks(id,repo_url,change_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.RepoURL, t.ChangeID, string(t.Status), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask returns a point-in-time snapshot of one task.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// SetChangeMeta stores the fetched change-set metadata on the task.
func (r Repo) SetChangeMeta(ctx context.Context, tx *sql.Tx, id, title, author string, filesCount, additions, deletions int, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title=?,author=?,files_count=?,additions=?,deletions=?,updated_at=? WHERE id=?`,
		nullable(title), nullable(author), filesCount, additions, deletions, now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkRunning moves a pending task to running and pins its unit total. The
// total is fixed once chunking completes and never changes afterwards.
func (r Repo) MarkRunning(ctx context.Context, tx *sql.Tx, id string, totalUnits int, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?,total_units=?,started_at=?,updated_at=? WHERE id=? AND status=?`,
		string(domain.StatusRunning), totalUnits, now, now, id, string(domain.StatusPending))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecordUnitResult stores one unit's terminal outcome: the unit_results row,
// its findings and the task counters move in the caller's transaction. A
// duplicate delivery of the same unit index is a no-op, which keeps counters
// correct under at-least-once semantics.
func (r Repo) RecordUnitResult(ctx context.Context, tx *sql.Tx, res domain.UnitResult, now string) error {
	ins, err := tx.ExecContext(ctx,
		`INSERT INTO unit_results(task_id,unit_index,status,error,attempts) VALUES (?,?,?,?,?)
		 ON CONFLICT(task_id,unit_index) DO NOTHING`,
		res.TaskID, res.UnitIndex, string(res.Status), nullable(res.Error), res.Attempts)
	if err != nil {
		return err
	}
	affected, err := ins.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil // unit already recorded
	}
	for _, f := range res.Findings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO findings(task_id,unit_index,path,line,severity,message,suggestion) VALUES (?,?,?,?,?,?,?)`,
			res.TaskID, res.UnitIndex, f.Path, nullableInt(f.Line), f.Severity, f.Message, nullable(f.Suggestion)); err != nil {
			return err
		}
	}
	counter := "completed_units"
	if res.Status == domain.UnitFailed {
		counter = "failed_units"
	}
	upd, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE tasks SET %s=%s+1,updated_at=? WHERE id=? AND completed_units+failed_units<total_units`,
		counter, counter), now, res.TaskID)
	if err != nil {
		return err
	}
	n, err := upd.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unit counters would exceed total_units for task %s", res.TaskID)
	}
	return nil
}

// Finalize moves a non-terminal task to its terminal state exactly once.
func (r Repo) Finalize(ctx context.Context, tx *sql.Tx, id string, status domain.TaskStatus, errMsg, now string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %s", status)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?,error=?,completed_at=?,updated_at=? WHERE id=? AND status IN (?,?)`,
		string(status), nullable(errMsg), now, now, id,
		string(domain.StatusPending), string(domain.StatusRunning))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListFilter selects and pages task listings.
type ListFilter struct {
	Status  string
	Page    int
	PerPage int
}

// ListTasks returns one page of tasks ordered newest first, plus the total
// match count for pagination.
func (r Repo) ListTasks(ctx context.Context, f ListFilter) ([]domain.Task, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = 10
	}
	var (
		where string
		args  []any
	)
	if f.Status != "" {
		where = " WHERE status=?"
		args = append(args, f.Status)
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.PerPage, (f.Page-1)*f.PerPage)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// TasksInStatus returns every task currently in one of the given states.
// Used by restart recovery.
func (r Repo) TasksInStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes the task, its unit results and findings atomically.
func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetReport assembles the ordered report for a task. Entries come back in
// unit-index order with failed units present as placeholders.
func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return domain.Report{}, err
	}
	report := domain.Report{TaskID: id, Status: t.Status}
	report.Summary.TotalUnits = t.TotalUnits

	rows, err := r.DB.QueryContext(ctx,
		`SELECT unit_index,status,COALESCE(error,''),attempts FROM unit_results WHERE task_id=? ORDER BY unit_index`, id)
	if err != nil {
		return domain.Report{}, err
	}
	defer rows.Close()
	byIndex := map[int]int{}
	for rows.Next() {
		var e domain.ReportEntry
		var status string
		if err := rows.Scan(&e.UnitIndex, &status, &e.Error, &e.Attempts); err != nil {
			return domain.Report{}, err
		}
		e.Status = domain.UnitStatus(status)
		switch e.Status {
		case domain.UnitSucceeded:
			report.Summary.SucceededUnits++
		case domain.UnitFailed:
			report.Summary.FailedUnits++
		}
		byIndex[e.UnitIndex] = len(report.Entries)
		report.Entries = append(report.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return domain.Report{}, err
	}

	frows, err := r.DB.QueryContext(ctx,
		`SELECT unit_index,path,line,severity,message,COALESCE(suggestion,'') FROM findings WHERE task_id=? ORDER BY unit_index,id`, id)
	if err != nil {
		return domain.Report{}, err
	}
	defer frows.Close()
	for frows.Next() {
		var idx int
		var f domain.Finding
		var line sql.NullInt64
		if err := frows.Scan(&idx, &f.Path, &line, &f.Severity, &f.Message, &f.Suggestion); err != nil {
			return domain.Report{}, err
		}
		f.Line = optInt(line)
		pos, ok := byIndex[idx]
		if !ok {
			continue
		}
		report.Entries[pos].Findings = append(report.Entries[pos].Findings, f)
		report.Summary.TotalIssues++
		if f.Critical() {
			report.Summary.CriticalIssues++
		}
	}
	return report, frows.Err()
}

// CountTasksByStatus returns the per-status task census.
func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status,COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// EventsAfter returns up to limit events with id greater than afterID,
// optionally restricted to one task.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, taskID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(task_id,''),payload_json FROM events WHERE id>?`
	args := []any{afterID}
	if taskID != "" {
		query += ` AND task_id=?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestEvents returns the newest n events in chronological order, optionally
// filtered by event type or task.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, taskID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(task_id,''),payload_json FROM events`
	var conds []string
	var args []any
	if evtType != "" {
		conds = append(conds, "type=?")
		args = append(args, evtType)
	}
	if taskID != "" {
		conds = append(conds, "task_id=?")
		args = append(args, taskID)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.Payload); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// LatestEventID returns the id of the newest event, or 0 when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
