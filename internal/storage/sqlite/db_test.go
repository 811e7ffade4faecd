package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"civicreg/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "civicreg-test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEvent(srid string, seq int, at time.Time) domain.CanonicalEvent {
	return domain.CanonicalEvent{
		ServiceRequestID:    srid,
		Title:               "Schlagloch",
		Description:         "Tiefes Schlagloch auf dem Radweg",
		DescriptionRedacted: "Tiefes Schlagloch auf dem Radweg",
		DedupeText:          "tiefes schlagloch auf dem radweg",
		RequestedAt:         at,
		Status:              "open",
		Lat:                 50.9375,
		Lon:                 6.9603,
		AddressString:       "Ring 1",
		ServiceName:         "Schlaglöcher",
		Category:            "Straßen und Wege",
		Subcategory:         "Schlaglöcher",
		Year:                2026,
		SequenceNumber:      seq,
		HasDescription:      true,
	}
}

func TestInitDBMigratesRunColumns(t *testing.T) {
	store := newTestStore(t)
	for _, col := range []string{"reviewed_count", "gap_failed_count"} {
		var count int
		if err := store.DB().QueryRow(`SELECT COUNT(*) FROM pragma_table_info('pipeline_runs') WHERE name = ?`, col).Scan(&count); err != nil {
			t.Fatalf("query pragma_table_info failed: %v", err)
		}
		if count != 1 {
			t.Fatalf("expected %s column to exist, count=%d", col, count)
		}
	}

	// Re-running the migration on an existing file is a no-op.
	db, err := InitDB(filepath.Join(t.TempDir(), "again.db"))
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	_ = db.Close()
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	runID, err := store.CreateRun(ctx, from, to)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunRunning || !run.WindowFrom.Equal(from) || !run.WindowTo.Equal(to) {
		t.Fatalf("unexpected run: %+v", run)
	}

	counts := domain.RunCounts{Fetched: 3, Staged: 2, Rejected: 1, Inserted: 2, GapFill: domain.GapFillStats{Requested: 4, Absent: 2}}
	if err := store.CompleteRunSuccess(ctx, runID, counts); err != nil {
		t.Fatalf("CompleteRunSuccess failed: %v", err)
	}
	run, err = store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != domain.RunSuccess || run.FinishedAt == nil {
		t.Fatalf("expected finished success run, got %+v", run)
	}
	if run.Counts.Fetched != 3 || run.Counts.Inserted != 2 || run.Counts.GapFill.Absent != 2 {
		t.Fatalf("unexpected counts: %+v", run.Counts)
	}

	// A resolved run is terminal.
	if err := store.CompleteRunFailed(ctx, runID, counts, errors.New("late")); err != nil {
		t.Fatalf("CompleteRunFailed failed: %v", err)
	}
	run, _ = store.GetRun(ctx, runID)
	if run.Status != domain.RunSuccess {
		t.Fatalf("terminal run changed status to %s", run.Status)
	}

	failedID, _ := store.CreateRun(ctx, from, to)
	if err := store.CompleteRunFailed(ctx, failedID, domain.RunCounts{Fetched: 7}, errors.New("fetch window: boom")); err != nil {
		t.Fatalf("CompleteRunFailed failed: %v", err)
	}
	run, _ = store.GetRun(ctx, failedID)
	if run.Status != domain.RunFailed || run.Error != "fetch window: boom" || run.Counts.Fetched != 7 {
		t.Fatalf("unexpected failed run: %+v", run)
	}
}

func TestUpsertInsertThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 22, 34, 39, 0, time.UTC)
	runID, _ := store.CreateRun(ctx, at, at)

	res, err := store.UpsertEvents(ctx, runID, []domain.CanonicalEvent{testEvent("1-2026", 1, at)})
	if err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 || res.Total != 1 {
		t.Fatalf("first upsert = %+v", res)
	}

	var firstSeen string
	_ = store.DB().QueryRow(`SELECT first_seen_at FROM events WHERE service_request_id = '1-2026'`).Scan(&firstSeen)

	changed := testEvent("1-2026", 1, at)
	changed.Status = "closed"
	changed.Title = "Schlagloch (erledigt)"
	runID2, _ := store.CreateRun(ctx, at, at)
	res, err = store.UpsertEvents(ctx, runID2, []domain.CanonicalEvent{changed, testEvent("2-2026", 2, at)})
	if err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 1 {
		t.Fatalf("second upsert = %+v", res)
	}

	got, err := store.GetEvent(ctx, "1-2026")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if got.Status != "closed" || got.Title != "Schlagloch (erledigt)" {
		t.Fatalf("fields not overwritten: %+v", got)
	}
	if !got.RequestedAt.Equal(at) {
		t.Fatalf("requested_at = %v, want %v", got.RequestedAt, at)
	}

	var lastRun int64
	var firstSeenAfter string
	_ = store.DB().QueryRow(`SELECT last_run_id, first_seen_at FROM events WHERE service_request_id = '1-2026'`).Scan(&lastRun, &firstSeenAfter)
	if lastRun != runID2 {
		t.Fatalf("last_run_id = %d, want %d", lastRun, runID2)
	}
	if firstSeenAfter != firstSeen {
		t.Fatalf("first_seen_at changed from %s to %s", firstSeen, firstSeenAfter)
	}
}

func TestWriteRawAndRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	runID, _ := store.CreateRun(ctx, time.Now(), time.Now())

	lat := 50.0
	raws := []domain.RawEvent{
		{Ref: "a", ServiceRequestID: "1-2026", RequestedDatetime: "2026-01-15T23:34:39+01:00", Lat: &lat, Payload: json.RawMessage(`{"service_request_id":"1-2026"}`)},
		{Ref: "b", Title: "ohne id"},
	}
	res, err := store.WriteRaw(ctx, runID, raws)
	if err != nil {
		t.Fatalf("WriteRaw failed: %v", err)
	}
	if res.Count != 2 || len(res.IDByRef) != 2 || len(res.IDBySRID) != 1 {
		t.Fatalf("unexpected raw result: %+v", res)
	}

	idB, ok := res.RawID(raws[1])
	if !ok {
		t.Fatal("expected raw id for event without identifier")
	}
	written, err := store.WriteRejected(ctx, runID, []domain.RejectRecord{
		{RawID: idB, Rejection: domain.Rejection{Raw: raws[1], Reason: domain.ReasonMissingServiceRequestID, Details: map[string]any{}}},
		{RawID: res.IDBySRID["1-2026"], Rejection: domain.Rejection{
			Raw: raws[0], Reason: domain.ReviewUnmappedServiceName, Accepted: true,
			Details: map[string]any{"accepted": true, "service_name": "Stadtbild"},
		}},
	})
	if err != nil {
		t.Fatalf("WriteRejected failed: %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d", written)
	}

	var accepted int
	var details string
	if err := store.DB().QueryRow(
		`SELECT accepted, reject_details FROM events_rejected WHERE reject_reason = 'unmapped_service_name'`,
	).Scan(&accepted, &details); err != nil {
		t.Fatalf("query rejected failed: %v", err)
	}
	if accepted != 1 || details != `{"accepted":true,"service_name":"Stadtbild"}` {
		t.Fatalf("unexpected audit row: accepted=%d details=%s", accepted, details)
	}

	var payload string
	_ = store.DB().QueryRow(`SELECT payload FROM events_raw WHERE correlation_ref = 'b'`).Scan(&payload)
	if payload != "{}" {
		t.Fatalf("empty payload stored as %q", payload)
	}
}

func TestFindDuplicateCandidatesAndMaxSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	runID, _ := store.CreateRun(ctx, at, at)

	other := testEvent("9-2026", 9, at.Add(-48*time.Hour))
	differentService := testEvent("11-2026", 11, at)
	differentService.ServiceName = "Radweg"
	if _, err := store.UpsertEvents(ctx, runID, []domain.CanonicalEvent{
		testEvent("10-2026", 10, at),
		other,
		differentService,
	}); err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}

	got, err := store.FindDuplicateCandidates(ctx, domain.DuplicateQuery{
		Text:        "tiefes schlagloch auf dem radweg",
		ServiceName: "Schlaglöcher",
		From:        at.Add(-24 * time.Hour),
		To:          at.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("FindDuplicateCandidates failed: %v", err)
	}
	if len(got) != 1 || got[0].ServiceRequestID != "10-2026" || got[0].Lat != 50.9375 {
		t.Fatalf("unexpected candidates: %+v", got)
	}

	got, _ = store.FindDuplicateCandidates(ctx, domain.DuplicateQuery{
		Text: "tiefes schlagloch auf dem radweg",
		From: at.Add(-time.Hour),
		To:   at.Add(time.Hour),
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates without service filter, got %+v", got)
	}

	max, ok, err := store.MaxSequenceForYear(ctx, 2026)
	if err != nil || !ok || max != 11 {
		t.Fatalf("MaxSequenceForYear(2026) = %d, %v, %v", max, ok, err)
	}
	if _, ok, _ := store.MaxSequenceForYear(ctx, 2025); ok {
		t.Fatal("expected no max for an empty year")
	}
}

func TestLabelStorage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	runID, _ := store.CreateRun(ctx, at, at)

	skipped := testEvent("3-2026", 3, at)
	skipped.SkipLLM = true
	_, err := store.UpsertEvents(ctx, runID, []domain.CanonicalEvent{
		testEvent("1-2026", 1, at),
		testEvent("2-2026", 2, at.Add(time.Hour)),
		skipped,
	})
	if err != nil {
		t.Fatalf("UpsertEvents failed: %v", err)
	}

	candidates, err := store.Phase1Candidates(ctx, 0)
	if err != nil {
		t.Fatalf("Phase1Candidates failed: %v", err)
	}
	if len(candidates) != 2 || candidates[0].ServiceRequestID != "2-2026" {
		t.Fatalf("unexpected phase1 candidates: %+v", candidates)
	}

	yes := true
	label := domain.Phase1Label{
		ServiceRequestID: "1-2026", Model: "m", PromptVersion: "p1_v006", InputHash: "h1",
		BikeRelated: &yes, Confidence: 0.9, Evidence: []string{"Radweg"},
	}
	inserted, err := store.InsertPhase1Label(ctx, label)
	if err != nil || !inserted {
		t.Fatalf("InsertPhase1Label = %v, %v", inserted, err)
	}
	inserted, err = store.InsertPhase1Label(ctx, label)
	if err != nil || inserted {
		t.Fatalf("duplicate InsertPhase1Label = %v, %v", inserted, err)
	}
	uncertain := domain.Phase1Label{ServiceRequestID: "2-2026", Model: "m", PromptVersion: "p1_v006", InputHash: "h2"}
	if _, err := store.InsertPhase1Label(ctx, uncertain); err != nil {
		t.Fatalf("InsertPhase1Label uncertain failed: %v", err)
	}

	candidates, _ = store.Phase1Candidates(ctx, 1)
	if len(candidates) != 0 {
		t.Fatalf("labeled events must not be phase1 candidates: %+v", candidates)
	}

	p2, err := store.Phase2Candidates(ctx)
	if err != nil {
		t.Fatalf("Phase2Candidates failed: %v", err)
	}
	if len(p2) != 1 || p2[0].ServiceRequestID != "1-2026" {
		t.Fatalf("unexpected phase2 candidates: %+v", p2)
	}

	if _, err := store.InsertPhase2Label(ctx, domain.Phase2Label{
		ServiceRequestID: "1-2026", Model: "m", PromptVersion: "p2_v001", InputHash: "h1",
		BikeIssueCategory: "Oberflächenqualität / Schäden", Confidence: 0.8,
	}); err != nil {
		t.Fatalf("InsertPhase2Label failed: %v", err)
	}
	hashes, err := store.Phase2LabeledHashes(ctx, "p2_v001")
	if err != nil {
		t.Fatalf("Phase2LabeledHashes failed: %v", err)
	}
	if _, ok := hashes["1-2026|h1"]; !ok || len(hashes) != 1 {
		t.Fatalf("unexpected hashes: %v", hashes)
	}

	labelRunID, err := store.CreateLabelRun(ctx, domain.LabelRun{Phase: domain.Phase1, Model: "m", PromptVersion: "p1_v006"})
	if err != nil {
		t.Fatalf("CreateLabelRun failed: %v", err)
	}
	if err := store.SetLabelRunSelected(ctx, labelRunID, 2); err != nil {
		t.Fatalf("SetLabelRunSelected failed: %v", err)
	}
	if err := store.CompleteLabelRunSuccess(ctx, labelRunID, domain.LabelRunResult{Attempted: 2, Inserted: 1, Skipped: 1, FirstLabeledID: "1-2026", MinRequestedAt: &at}); err != nil {
		t.Fatalf("CompleteLabelRunSuccess failed: %v", err)
	}
	var status string
	var selected int
	_ = store.DB().QueryRow(`SELECT status, selected_count FROM labeling_runs WHERE label_run_id = ?`, labelRunID).Scan(&status, &selected)
	if status != "success" || selected != 2 {
		t.Fatalf("label run status=%s selected=%d", status, selected)
	}
}
