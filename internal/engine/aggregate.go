package engine

import "reviewline/internal/domain"

// FinalStatus maps a finished task's unit tallies to its terminal status.
// Cancellation wins over everything else. An empty change-set completes
// trivially. A mix of succeeded and failed units yields PARTIAL so callers
// can still read the findings that did land.
func FinalStatus(total, completed, failed int, canceled bool) (domain.TaskStatus, string) {
	switch {
	case canceled:
		return domain.StatusFailed, "canceled"
	case total == 0:
		return domain.StatusCompleted, ""
	case failed == 0:
		return domain.StatusCompleted, ""
	case completed == 0:
		return domain.StatusFailed, "all units failed"
	default:
		return domain.StatusPartial, ""
	}
}
