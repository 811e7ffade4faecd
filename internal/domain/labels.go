package domain

import "time"

type LabelPhase string

const (
	Phase1 LabelPhase = "phase1"
	Phase2 LabelPhase = "phase2"
)

// LabelCandidate is a canonical event selected for a labeling pass.
type LabelCandidate struct {
	ServiceRequestID    string
	Title               string
	DescriptionRedacted string
	RequestedAt         time.Time
	Year                int
	SequenceNumber      int
}

type Phase1Label struct {
	ServiceRequestID string
	Model            string
	PromptVersion    string
	InputHash        string
	BikeRelated      *bool // nil for "uncertain"
	Confidence       float64
	Evidence         []string
	Reasoning        string
}

type Phase2Label struct {
	ServiceRequestID  string
	Model             string
	PromptVersion     string
	InputHash         string
	BikeIssueCategory string
	Confidence        float64
	Evidence          []string
	Reasoning         string
}

type LabelRun struct {
	ID             int64
	Phase          LabelPhase
	Model          string
	PromptVersion  string
	DryRun         bool
	RequestedLimit int // 0 means no limit
}

// LabelRunResult is written when a labeling run completes.
type LabelRunResult struct {
	Attempted      int
	Inserted       int
	Skipped        int
	Failed         int
	FirstLabeledID string
	LastLabeledID  string
	MinRequestedAt *time.Time
	MaxRequestedAt *time.Time
}
