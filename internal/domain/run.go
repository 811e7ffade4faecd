package domain

import "time"

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// RunCounts are the aggregate counters stored on a pipeline run.
type RunCounts struct {
	Fetched  int
	Staged   int
	Rejected int
	Inserted int
	Updated  int
	Reviewed int
	GapFill  GapFillStats
}

type GapFillStats struct {
	Requested int
	Recovered int
	Absent    int
	Failed    int
	Truncated bool
}

type PipelineRun struct {
	ID         int64
	Status     RunStatus
	WindowFrom time.Time
	WindowTo   time.Time
	StartedAt  time.Time
	FinishedAt *time.Time
	Counts     RunCounts
	Error      string
}

type RawWriteResult struct {
	Count    int
	IDBySRID map[string]int64
	IDByRef  map[string]int64
}

// RawID resolves the raw row for an event, by identifier first and by
// correlation handle when the identifier is missing or unknown.
func (r RawWriteResult) RawID(ev RawEvent) (int64, bool) {
	if ev.ServiceRequestID != "" {
		if id, ok := r.IDBySRID[ev.ServiceRequestID]; ok {
			return id, true
		}
	}
	id, ok := r.IDByRef[ev.Ref]
	return id, ok
}

// RejectRecord is a rejection linked to the raw row it came from.
type RejectRecord struct {
	RawID int64
	Rejection
}

type UpsertResult struct {
	Total    int
	Inserted int
	Updated  int
}
