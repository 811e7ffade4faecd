package labeling

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"civicreg/internal/domain"
	"civicreg/internal/storage/sqlite"
)

type fakeClassifier struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string, call int) (string, error)
}

func (f *fakeClassifier) Classify(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	call := len(f.prompts)
	f.mu.Unlock()
	return f.reply(prompt, call)
}

func phase1Reply(prompt string, _ int) (string, error) {
	input := prompt[strings.LastIndex(prompt, "INPUT:"):]
	if strings.Contains(input, "Radweg") {
		return "```json\n{\"label\":\"true\",\"evidence\":[\"Radweg\"],\"reasoning\":\"Radweg genannt\",\"confidence\":0.9}\n```", nil
	}
	return `{"label":"false","evidence":[],"reasoning":"kein Radbezug","confidence":0.8}`, nil
}

func phase2Reply(string, int) (string, error) {
	return `{"category":"Oberflächenqualität / Schäden","evidence":["Schlagloch"],"reasoning":"Schaden","confidence":0.7}`, nil
}

func newLabelStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "civicreg-label-test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	runID, err := store.CreateRun(ctx, at, at)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	events := []domain.CanonicalEvent{
		labelEvent("1-2026", 1, at, "Schlagloch auf dem Radweg"),
		labelEvent("2-2026", 2, at.Add(time.Hour), "Laterne defekt"),
		labelEvent("3-2026", 3, at.Add(2*time.Hour), "Scherben am Radweg"),
	}
	events[2].SkipLLM = true
	if _, err := store.UpsertEvents(ctx, runID, events); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	return store
}

func labelEvent(srid string, seq int, at time.Time, description string) domain.CanonicalEvent {
	return domain.CanonicalEvent{
		ServiceRequestID:    srid,
		Title:               "Meldung " + srid,
		Description:         description,
		DescriptionRedacted: description,
		DedupeText:          strings.ToLower(description),
		RequestedAt:         at,
		Status:              "open",
		Lat:                 50.94,
		Lon:                 6.96,
		AddressString:       "Ring 1",
		ServiceName:         "Schlaglöcher",
		Year:                2026,
		SequenceNumber:      seq,
		HasDescription:      true,
	}
}

type labelRunRow struct {
	status    string
	selected  int
	inserted  int
	attempted int
	failed    int
	first     string
	last      string
}

func readLabelRun(t *testing.T, store *sqlite.Store, phase domain.LabelPhase) labelRunRow {
	t.Helper()
	var row labelRunRow
	var first, last *string
	err := store.DB().QueryRow(
		`SELECT status, COALESCE(selected_count, 0), COALESCE(inserted_count, 0),
		        COALESCE(attempted_count, 0), COALESCE(failed_count, 0),
		        first_labeled_service_request_id, last_labeled_service_request_id
		   FROM labeling_runs WHERE phase = ? ORDER BY label_run_id DESC LIMIT 1`, string(phase),
	).Scan(&row.status, &row.selected, &row.inserted, &row.attempted, &row.failed, &first, &last)
	if err != nil {
		t.Fatalf("read labeling run failed: %v", err)
	}
	if first != nil {
		row.first = *first
	}
	if last != nil {
		row.last = *last
	}
	return row
}

func countRows(t *testing.T, store *sqlite.Store, table string) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s failed: %v", table, err)
	}
	return n
}

func TestRunPhase1LabelsCandidates(t *testing.T) {
	store := newLabelStore(t)
	classifier := &fakeClassifier{reply: phase1Reply}
	runner := NewRunner(store, classifier, Options{Model: "claude-test", MaxAttempts: 2}, nil)

	res, err := runner.RunPhase1(context.Background(), Request{PromptVersion: "p1_v006"})
	if err != nil {
		t.Fatalf("RunPhase1 failed: %v", err)
	}
	if res.Attempted != 2 || res.Inserted != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.FirstLabeledID != "1-2026" || res.LastLabeledID != "2-2026" {
		t.Fatalf("frontier = %s .. %s", res.FirstLabeledID, res.LastLabeledID)
	}
	if res.MinRequestedAt == nil || !res.MaxRequestedAt.After(*res.MinRequestedAt) {
		t.Fatalf("unexpected requested_at bounds %v .. %v", res.MinRequestedAt, res.MaxRequestedAt)
	}
	if !strings.Contains(classifier.prompts[0], "\n\nINPUT:\nMeldung 2-2026\n\nLaterne defekt\n") {
		t.Fatalf("unexpected prompt tail %q", classifier.prompts[0][len(classifier.prompts[0])-60:])
	}

	row := readLabelRun(t, store, domain.Phase1)
	if row.status != "success" || row.selected != 2 || row.inserted != 2 || row.first != "1-2026" || row.last != "2-2026" {
		t.Fatalf("unexpected labeling run %+v", row)
	}
	var bike *bool
	if err := store.DB().QueryRow(`SELECT bike_related FROM event_phase1_labels WHERE service_request_id = '1-2026'`).Scan(&bike); err != nil {
		t.Fatalf("read label failed: %v", err)
	}
	if bike == nil || !*bike {
		t.Fatalf("expected bike_related true, got %v", bike)
	}

	again, err := runner.RunPhase1(context.Background(), Request{PromptVersion: "p1_v006"})
	if err != nil {
		t.Fatalf("second RunPhase1 failed: %v", err)
	}
	if again.Attempted != 0 || again.Inserted != 0 {
		t.Fatalf("expected nothing left to label, got %+v", again)
	}
}

func TestRunPhase1RepairsInvalidOutput(t *testing.T) {
	store := newLabelStore(t)
	classifier := &fakeClassifier{reply: func(prompt string, call int) (string, error) {
		if !strings.HasSuffix(prompt, RepairSuffix) {
			return "Das ist radbezogen.", nil
		}
		return phase1Reply(prompt, call)
	}}
	runner := NewRunner(store, classifier, Options{Model: "m", MaxAttempts: 2, Sleep: time.Millisecond}, nil)

	res, err := runner.RunPhase1(context.Background(), Request{PromptVersion: "p1_v006", Limit: 1})
	if err != nil {
		t.Fatalf("RunPhase1 failed: %v", err)
	}
	if res.Inserted != 1 || len(classifier.prompts) != 2 {
		t.Fatalf("expected one label after a repair attempt, got %+v with %d calls", res, len(classifier.prompts))
	}
}

func TestRunPhase1CountsExhaustedAttempts(t *testing.T) {
	store := newLabelStore(t)
	classifier := &fakeClassifier{reply: func(string, int) (string, error) {
		return "", errors.New("overloaded")
	}}
	runner := NewRunner(store, classifier, Options{Model: "m", MaxAttempts: 3}, nil)

	res, err := runner.RunPhase1(context.Background(), Request{PromptVersion: "p1_v006"})
	if err != nil {
		t.Fatalf("RunPhase1 failed: %v", err)
	}
	if res.Failed != 2 || res.Inserted != 0 || len(classifier.prompts) != 6 {
		t.Fatalf("unexpected result %+v with %d calls", res, len(classifier.prompts))
	}
	if row := readLabelRun(t, store, domain.Phase1); row.status != "success" || row.failed != 2 {
		t.Fatalf("unexpected labeling run %+v", row)
	}
}

func TestRunPhase1DryRunWritesNoLabels(t *testing.T) {
	store := newLabelStore(t)
	runner := NewRunner(store, &fakeClassifier{reply: phase1Reply}, Options{Model: "m"}, nil)

	res, err := runner.RunPhase1(context.Background(), Request{PromptVersion: "p1_v006", DryRun: true})
	if err != nil {
		t.Fatalf("RunPhase1 failed: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("expected 2 would-be labels, got %+v", res)
	}
	if n := countRows(t, store, "event_phase1_labels"); n != 0 {
		t.Fatalf("dry run wrote %d labels", n)
	}
}

// staleStore replays a candidate list captured before labels existed.
type staleStore struct {
	*sqlite.Store
	stale []domain.LabelCandidate
}

func (s staleStore) Phase1Candidates(context.Context, int) ([]domain.LabelCandidate, error) {
	return s.stale, nil
}

func TestRunPhase1ConflictIsSkipped(t *testing.T) {
	store := newLabelStore(t)
	ctx := context.Background()
	stale, err := store.Phase1Candidates(ctx, 0)
	if err != nil {
		t.Fatalf("Phase1Candidates failed: %v", err)
	}
	runner := NewRunner(store, &fakeClassifier{reply: phase1Reply}, Options{Model: "m"}, nil)
	if _, err := runner.RunPhase1(ctx, Request{PromptVersion: "p1_v006"}); err != nil {
		t.Fatalf("RunPhase1 failed: %v", err)
	}

	replay := NewRunner(staleStore{Store: store, stale: stale}, &fakeClassifier{reply: phase1Reply}, Options{Model: "m"}, nil)
	res, err := replay.RunPhase1(ctx, Request{PromptVersion: "p1_v006"})
	if err != nil {
		t.Fatalf("replayed RunPhase1 failed: %v", err)
	}
	if res.Skipped != 2 || res.Inserted != 0 || res.FirstLabeledID != "" {
		t.Fatalf("expected conflicts to be skipped, got %+v", res)
	}
}

func TestRunPhase2LabelsBikeRelated(t *testing.T) {
	store := newLabelStore(t)
	ctx := context.Background()
	if _, err := NewRunner(store, &fakeClassifier{reply: phase1Reply}, Options{Model: "m"}, nil).
		RunPhase1(ctx, Request{PromptVersion: "p1_v006"}); err != nil {
		t.Fatalf("RunPhase1 failed: %v", err)
	}

	classifier := &fakeClassifier{reply: phase2Reply}
	runner := NewRunner(store, classifier, Options{Model: "m"}, nil)
	res, err := runner.RunPhase2(ctx, Request{PromptVersion: "p2_v001"})
	if err != nil {
		t.Fatalf("RunPhase2 failed: %v", err)
	}
	if res.Inserted != 1 || res.FirstLabeledID != "1-2026" || len(classifier.prompts) != 1 {
		t.Fatalf("unexpected phase2 result %+v", res)
	}
	var category string
	if err := store.DB().QueryRow(`SELECT bike_issue_category FROM event_phase2_labels WHERE service_request_id = '1-2026'`).Scan(&category); err != nil {
		t.Fatalf("read phase2 label failed: %v", err)
	}
	if category != "Oberflächenqualität / Schäden" {
		t.Fatalf("category = %q", category)
	}
	if row := readLabelRun(t, store, domain.Phase2); row.status != "success" || row.selected != 1 {
		t.Fatalf("unexpected labeling run %+v", row)
	}

	again, err := runner.RunPhase2(ctx, Request{PromptVersion: "p2_v001"})
	if err != nil {
		t.Fatalf("second RunPhase2 failed: %v", err)
	}
	if again.Attempted != 0 {
		t.Fatalf("expected labeled hash to be filtered, got %+v", again)
	}
}

func TestRunRejectsPromptVersionForOtherPhase(t *testing.T) {
	store := newLabelStore(t)
	runner := NewRunner(store, &fakeClassifier{reply: phase1Reply}, Options{Model: "m"}, nil)
	if _, err := runner.RunPhase1(context.Background(), Request{PromptVersion: "p2_v001"}); !errors.Is(err, ErrPromptVersion) {
		t.Fatalf("expected ErrPromptVersion, got %v", err)
	}
	if n := countRows(t, store, "labeling_runs"); n != 0 {
		t.Fatalf("expected no labeling run, got %d", n)
	}
}

func TestRunFailsOnCancelledContext(t *testing.T) {
	store := newLabelStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	classifier := &fakeClassifier{reply: func(string, int) (string, error) {
		cancel()
		return "", context.Canceled
	}}
	runner := NewRunner(store, classifier, Options{Model: "m", MaxAttempts: 2}, nil)

	if _, err := runner.RunPhase1(ctx, Request{PromptVersion: "p1_v006"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if row := readLabelRun(t, store, domain.Phase1); row.status != "failed" {
		t.Fatalf("expected failed run, got %+v", row)
	}
}
