package healthcheck

import (
	"context"
	"sort"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
	// StatusUnknown indicates check result is not yet known.
	StatusUnknown = "unknown"
)

// CheckResult is one runtime check item produced by a checker.
type CheckResult struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker evaluates one or more runtime checks of the worker.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}

// Run collects the results of every checker, ordered by ID.
func Run(ctx context.Context, checkers ...Checker) []CheckResult {
	var results []CheckResult
	for _, c := range checkers {
		if c == nil {
			continue
		}
		results = append(results, c.ListChecks(ctx)...)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].ID < results[j].ID
	})
	return results
}

var severity = map[string]int{
	StatusOK:      0,
	StatusUnknown: 1,
	StatusWarn:    2,
	StatusError:   3,
}

// Overall returns the worst status in results, StatusOK when there are none.
func Overall(results []CheckResult) string {
	worst := StatusOK
	for _, r := range results {
		if severity[r.Status] > severity[worst] {
			worst = r.Status
		}
	}
	return worst
}
