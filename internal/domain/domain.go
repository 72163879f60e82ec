package domain

// TaskStatus is the lifecycle state of a review task.
// Transitions are monotonic: pending -> running -> {completed|partial|failed}.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusPartial   TaskStatus = "partial"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// SourceRef identifies the change-set under review.
type SourceRef struct {
	RepoURL  string `json:"repo_url"`
	ChangeID int    `json:"change_id"`
}

// Task is one end-to-end review request.
type Task struct {
	ID             string     `json:"id"`
	RepoURL        string     `json:"repo_url"`
	ChangeID       int        `json:"change_id"`
	Status         TaskStatus `json:"status" enum:"pending,running,completed,partial,failed"`
	Title          *string    `json:"title,omitempty"`
	Author         *string    `json:"author,omitempty"`
	FilesCount     *int       `json:"files_count,omitempty"`
	Additions      *int       `json:"additions,omitempty"`
	Deletions      *int       `json:"deletions,omitempty"`
	TotalUnits     int        `json:"total_units"`
	CompletedUnits int        `json:"completed_units"`
	FailedUnits    int        `json:"failed_units"`
	Error          *string    `json:"error,omitempty"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
	StartedAt      *string    `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string    `json:"completed_at,omitempty" format:"date-time"`
}

// UnitStatus is the outcome of one analyzable unit.
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitSucceeded UnitStatus = "succeeded"
	UnitFailed    UnitStatus = "failed"
)

// FileDiff is one changed file as returned by the change-set source.
type FileDiff struct {
	Path      string `json:"path"`
	Patch     string `json:"patch"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Finding is one reviewer observation inside a unit.
type Finding struct {
	Path       string `json:"path"`
	Line       *int   `json:"line,omitempty"`
	Severity   string `json:"severity" enum:"bug,security,performance,style,best_practice"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Critical reports whether the finding counts as critical in summaries.
func (f Finding) Critical() bool {
	return f.Severity == "bug" || f.Severity == "security"
}

// UnitResult is the terminal outcome of one unit, including its findings.
// A failed unit carries Error and no findings; it still occupies its index in
// the report so downstream consumers see a contiguous sequence.
type UnitResult struct {
	TaskID    string     `json:"task_id"`
	UnitIndex int        `json:"unit_index"`
	Status    UnitStatus `json:"status" enum:"succeeded,failed"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
	Findings  []Finding  `json:"findings,omitempty"`
}

// ReportEntry is one unit's slot in the aggregated report.
type ReportEntry struct {
	UnitIndex int        `json:"unit_index"`
	Status    UnitStatus `json:"status" enum:"succeeded,failed"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
	Findings  []Finding  `json:"findings,omitempty"`
}

// ReportSummary aggregates issue counts across a report.
type ReportSummary struct {
	TotalUnits     int `json:"total_units"`
	SucceededUnits int `json:"succeeded_units"`
	FailedUnits    int `json:"failed_units"`
	TotalIssues    int `json:"total_issues"`
	CriticalIssues int `json:"critical_issues"`
}

// Report is the final ordered output of a review task. Entries are ordered by
// unit index regardless of completion order.
type Report struct {
	TaskID  string        `json:"task_id"`
	Status  TaskStatus    `json:"status"`
	Entries []ReportEntry `json:"entries"`
	Summary ReportSummary `json:"summary"`
}

// Event is one row of the append-only task event log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	Payload string `json:"payload_json"`
}

// Stats is the system-wide task census served by /stats.
type Stats struct {
	TotalTasks  int            `json:"total_tasks"`
	ByStatus    map[string]int `json:"by_status"`
	SuccessRate float64        `json:"success_rate"`
}
