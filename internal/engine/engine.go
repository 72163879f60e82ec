// Package engine is the asynchronous review orchestrator. It owns task
// lifecycle, change-set chunking, per-unit analysis dispatch and result
// aggregation. One goroutine per task is the task's single writer; unit
// workers hand their outcomes back to it over a channel.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/analysis"
	"reviewline/internal/chunk"
	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/github"
	"reviewline/internal/logging"
	"reviewline/internal/repo"
)

// UnitAnalyzer is the retrying analysis adapter consumed by the engine.
type UnitAnalyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Fetcher  github.Fetcher
	Analyzer UnitAnalyzer
	Chunker  chunk.Chunker
	Log      *slog.Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running map[string]*taskHandle
}

// taskHandle tracks one in-flight task's orchestration goroutine.
type taskHandle struct {
	canceled atomic.Bool
	done     chan struct{}
}

func New(conn *sql.DB, cfg *config.Config, fetcher github.Fetcher, analyzer UnitAnalyzer, log *slog.Logger) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn},
		Config:   cfg,
		Fetcher:  fetcher,
		Analyzer: analyzer,
		Chunker:  chunk.New(cfg.Chunking.MaxUnitBytes),
		Log:      log.With("component", "engine"),
		Now:      time.Now,
		Sleep:    sleepCtx,
		running:  map[string]*taskHandle{},
	}
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// SubmitOptions are parameters for starting a review task.
type SubmitOptions struct {
	TaskID   string
	RepoURL  string
	ChangeID int
}

// Submit creates a review task and starts its orchestration. Submission is
// idempotent per task identifier: resubmitting an id that already exists, in
// any state, returns the existing task unchanged and dispatches nothing.
// The returned bool is true when a new task was created.
func (e *Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Task, bool, error) {
	if opts.RepoURL == "" {
		return domain.Task{}, false, errors.New("repo_url is required")
	}
	if opts.ChangeID <= 0 {
		return domain.Task{}, false, errors.New("change_id must be positive")
	}
	if _, _, err := github.ParseRepoURL(opts.RepoURL); err != nil {
		return domain.Task{}, false, err
	}
	id := opts.TaskID
	if id == "" {
		id = uuid.New().String()
	} else if existing, err := e.Repo.GetTask(ctx, id); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, false, err
	}

	now := e.now()
	t := domain.Task{
		ID:        id,
		RepoURL:   opts.RepoURL,
		ChangeID:  opts.ChangeID,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "task.submitted", t.ID, events.EventPayload{
			"repo_url": t.RepoURL, "change_id": t.ChangeID,
		})
	})
	if err != nil {
		// Two concurrent submissions can race on the same id; the loser
		// resolves to the winner's record.
		if existing, gerr := e.Repo.GetTask(ctx, id); gerr == nil {
			return existing, false, nil
		}
		return domain.Task{}, false, fmt.Errorf("create task: %w", err)
	}

	h := &taskHandle{done: make(chan struct{})}
	e.mu.Lock()
	e.running[t.ID] = h
	e.mu.Unlock()
	go e.run(t, h)
	e.Log.Info("task submitted", "task_id", t.ID, "repo_url", t.RepoURL, "change_id", t.ChangeID)
	return t, true, nil
}

// run drives one task from fetch to terminal state. It is the only writer
// for its task record.
func (e *Engine) run(t domain.Task, h *taskHandle) {
	ctx := context.Background()
	defer func() {
		e.mu.Lock()
		delete(e.running, t.ID)
		e.mu.Unlock()
		close(h.done)
	}()
	log := e.Log.With("task_id", t.ID)

	cs, err := e.Fetcher.FetchChangeSet(ctx, t.RepoURL, t.ChangeID)
	if err != nil {
		log.Warn("change-set fetch failed", "error", err.Error())
		e.fail(ctx, t.ID, fmt.Sprintf("fetch change-set: %v", err))
		return
	}
	units := e.Chunker.Split(cs.Files)

	err = e.withStoreRetry(ctx, func() error {
		return e.inTx(ctx, func(tx *sql.Tx) error {
			now := e.now()
			if err := e.Repo.SetChangeMeta(ctx, tx, t.ID, cs.Title, cs.Author, len(cs.Files), cs.Additions, cs.Deletions, now); err != nil {
				return err
			}
			if err := e.Repo.MarkRunning(ctx, tx, t.ID, len(units), now); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "task.running", t.ID, events.EventPayload{"total_units": len(units)})
		})
	})
	if errors.Is(err, repo.ErrNotFound) {
		log.Info("task disappeared before dispatch; dropping")
		return
	}
	if err != nil {
		e.fail(ctx, t.ID, fmt.Sprintf("store unavailable: %v", err))
		return
	}
	log.Info("task running", "units", len(units), "files", len(cs.Files))

	outcomes := make(chan domain.UnitResult, len(units))
	go e.dispatch(ctx, t, cs, units, h, outcomes)

	completed, failed := 0, 0
	for range units {
		res := <-outcomes
		if res.Status == domain.UnitFailed {
			failed++
		} else {
			completed++
		}
		err := e.withStoreRetry(ctx, func() error {
			return e.inTx(ctx, func(tx *sql.Tx) error {
				now := e.now()
				if err := e.Repo.RecordUnitResult(ctx, tx, res, now); err != nil {
					return err
				}
				if res.Status == domain.UnitFailed {
					return e.Events.Append(ctx, tx, "unit.failed", t.ID, events.EventPayload{
						"unit_index": res.UnitIndex, "error": res.Error, "attempts": res.Attempts,
					})
				}
				return nil
			})
		})
		if errors.Is(err, repo.ErrNotFound) {
			log.Info("task deleted mid-flight; dropping remaining results")
			return
		}
		if err != nil {
			e.fail(ctx, t.ID, fmt.Sprintf("store unavailable while recording unit %d: %v", res.UnitIndex, err))
			return
		}
	}

	status, reason := FinalStatus(len(units), completed, failed, h.canceled.Load())
	e.finalize(ctx, t.ID, status, reason)
	log.Info("task finished", "status", string(status), "completed_units", completed, "failed_units", failed)
}

// dispatch feeds units to workers, bounded by the per-task concurrency cap.
// After cancellation, units not yet dispatched are failed without an
// analysis call; units already in flight run to completion.
func (e *Engine) dispatch(ctx context.Context, t domain.Task, cs *github.ChangeSet, units []chunk.Unit, h *taskHandle, outcomes chan<- domain.UnitResult) {
	sem := make(chan struct{}, e.Config.Orchestrator.TaskConcurrency)
	for _, u := range units {
		sem <- struct{}{}
		// Checked after the slot acquire so a unit that was queued behind
		// in-flight work when cancellation landed is never dispatched.
		if h.canceled.Load() {
			<-sem
			outcomes <- domain.UnitResult{
				TaskID: t.ID, UnitIndex: u.Index, Status: domain.UnitFailed,
				Error: "canceled before dispatch",
			}
			continue
		}
		go func(u chunk.Unit) {
			defer func() { <-sem }()
			outcomes <- e.analyzeUnit(ctx, t, cs, u)
		}(u)
	}
}

// analyzeUnit resolves one unit to a terminal outcome. Oversized units are
// truncated or skipped per the configured policy before dispatch.
func (e *Engine) analyzeUnit(ctx context.Context, t domain.Task, cs *github.ChangeSet, u chunk.Unit) domain.UnitResult {
	if u.Oversized {
		switch e.Config.Orchestrator.OversizedPolicy {
		case config.OversizedSkip:
			return domain.UnitResult{
				TaskID: t.ID, UnitIndex: u.Index, Status: domain.UnitFailed,
				Error: fmt.Sprintf("oversized unit skipped: %d bytes exceeds %d byte bound", u.Size(), e.Chunker.MaxUnitBytes),
			}
		default:
			u = chunk.Truncate(u, e.Chunker.MaxUnitBytes)
		}
	}
	req := analysis.Request{
		TaskID:      t.ID,
		UnitIndex:   u.Index,
		Title:       cs.Title,
		Description: cs.Description,
	}
	for _, s := range u.Segments {
		req.Files = append(req.Files, analysis.FileChange{Path: s.Path, Diff: s.Content})
	}
	res, err := e.Analyzer.Analyze(ctx, req)
	if err != nil {
		return domain.UnitResult{
			TaskID: t.ID, UnitIndex: u.Index, Status: domain.UnitFailed,
			Error: err.Error(), Attempts: res.Attempts,
		}
	}
	return domain.UnitResult{
		TaskID: t.ID, UnitIndex: u.Index, Status: domain.UnitSucceeded,
		Attempts: res.Attempts, Findings: res.Findings,
	}
}

// Cancel requests cancellation of a running task. In-flight unit calls are
// allowed to finish; no further units are dispatched. Canceling a terminal
// task is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status.Terminal() {
		return t, nil
	}
	e.mu.Lock()
	h := e.running[id]
	e.mu.Unlock()
	if h != nil {
		if !h.canceled.Swap(true) {
			e.Log.Info("task cancellation requested", "task_id", id)
			_ = e.inTx(ctx, func(tx *sql.Tx) error {
				return e.Events.Append(ctx, tx, "task.cancel_requested", id, nil)
			})
		}
		return e.Repo.GetTask(ctx, id)
	}
	// No orchestration goroutine owns the task in this process; fail it
	// directly so the caller sees a deterministic terminal state.
	e.finalize(ctx, id, domain.StatusFailed, "canceled")
	return e.Repo.GetTask(ctx, id)
}

// Delete removes a task and its report. A running task is canceled first;
// its in-flight results are dropped once the record is gone.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if _, err := e.Repo.GetTask(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	h := e.running[id]
	e.mu.Unlock()
	if h != nil {
		h.canceled.Store(true)
	}
	return e.Repo.DeleteTask(ctx, id)
}

// RecoverInterrupted fails every non-terminal task found at startup. Unit
// progress is not persisted across restarts, so failing deterministically
// and letting callers resubmit beats silently re-running half a task.
func (e *Engine) RecoverInterrupted(ctx context.Context) error {
	tasks, err := e.Repo.TasksInStatus(ctx, domain.StatusPending, domain.StatusRunning)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		e.finalize(ctx, t.ID, domain.StatusFailed, "interrupted by restart")
		e.Log.Warn("failed interrupted task", "task_id", t.ID, "previous_status", string(t.Status))
	}
	return nil
}

// WaitTask blocks until the task's orchestration goroutine exits, or ctx is
// done. Returns immediately when the task is not running in this process.
func (e *Engine) WaitTask(ctx context.Context, id string) error {
	e.mu.Lock()
	h := e.running[id]
	e.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for all in-flight tasks to drain or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	handles := make([]*taskHandle, 0, len(e.running))
	for _, h := range e.running {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// fail moves the task to FAILED with a reason, retrying store writes.
func (e *Engine) fail(ctx context.Context, id, reason string) {
	e.finalize(ctx, id, domain.StatusFailed, reason)
}

func (e *Engine) finalize(ctx context.Context, id string, status domain.TaskStatus, reason string) {
	err := e.withStoreRetry(ctx, func() error {
		return e.inTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.Finalize(ctx, tx, id, status, reason, e.now()); err != nil {
				return err
			}
			payload := events.EventPayload{}
			if reason != "" {
				payload["reason"] = reason
			}
			return e.Events.Append(ctx, tx, "task."+string(status), id, payload)
		})
	})
	if errors.Is(err, repo.ErrNotFound) {
		return // already terminal or deleted
	}
	if err != nil {
		e.Log.Error("finalize failed; task may be stuck non-terminal",
			"task_id", id, "status", string(status), "error", err.Error())
	}
}

// withStoreRetry retries a store mutation with a fixed backoff before giving
// up. NotFound is not retried: the task is gone or already terminal.
func (e *Engine) withStoreRetry(ctx context.Context, fn func() error) error {
	attempts := e.Config.Orchestrator.StoreRetryAttempts
	var err error
	for i := 1; i <= attempts; i++ {
		err = fn()
		if err == nil || errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if i == attempts {
			break
		}
		e.Log.Warn("store write failed; retrying", "attempt", i, "error", err.Error())
		if serr := e.Sleep(ctx, e.Config.StoreRetryDelay()); serr != nil {
			return err
		}
	}
	return err
}

func (e *Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
