package server

import (
	"reviewline/internal/domain"
)

// Request payloads

type SubmitReviewRequest struct {
	ID       *string `json:"id,omitempty"`
	RepoURL  string  `json:"repo_url"`
	ChangeID int     `json:"change_id"`
}

// Response payloads

type TaskResponse struct {
	ID             string  `json:"id"`
	RepoURL        string  `json:"repo_url"`
	ChangeID       int     `json:"change_id"`
	Status         string  `json:"status" enum:"pending,running,completed,partial,failed"`
	Title          *string `json:"title,omitempty"`
	Author         *string `json:"author,omitempty"`
	FilesCount     *int    `json:"files_count,omitempty"`
	Additions      *int    `json:"additions,omitempty"`
	Deletions      *int    `json:"deletions,omitempty"`
	TotalUnits     int     `json:"total_units"`
	CompletedUnits int     `json:"completed_units"`
	FailedUnits    int     `json:"failed_units"`
	Error          *string `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
}

type paginatedTasks struct {
	Items   []TaskResponse `json:"items"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
}

type ReportEntryResponse struct {
	UnitIndex int              `json:"unit_index"`
	Status    string           `json:"status" enum:"succeeded,failed"`
	Error     string           `json:"error,omitempty"`
	Attempts  int              `json:"attempts"`
	Findings  []domain.Finding `json:"findings,omitempty"`
}

type ReportResponse struct {
	TaskID  string                `json:"task_id"`
	Status  string                `json:"status" enum:"completed,partial,failed"`
	Entries []ReportEntryResponse `json:"entries"`
	Summary domain.ReportSummary  `json:"summary"`
}

type StatsResponse struct {
	TotalTasks  int            `json:"total_tasks"`
	ByStatus    map[string]int `json:"by_status"`
	SuccessRate float64        `json:"success_rate"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		RepoURL:        t.RepoURL,
		ChangeID:       t.ChangeID,
		Status:         string(t.Status),
		Title:          t.Title,
		Author:         t.Author,
		FilesCount:     t.FilesCount,
		Additions:      t.Additions,
		Deletions:      t.Deletions,
		TotalUnits:     t.TotalUnits,
		CompletedUnits: t.CompletedUnits,
		FailedUnits:    t.FailedUnits,
		Error:          t.Error,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

func reportResponse(r domain.Report) ReportResponse {
	resp := ReportResponse{
		TaskID:  r.TaskID,
		Status:  string(r.Status),
		Entries: []ReportEntryResponse{},
		Summary: r.Summary,
	}
	for _, e := range r.Entries {
		resp.Entries = append(resp.Entries, ReportEntryResponse{
			UnitIndex: e.UnitIndex,
			Status:    string(e.Status),
			Error:     e.Error,
			Attempts:  e.Attempts,
			Findings:  e.Findings,
		})
	}
	return resp
}
