package storage

import (
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"

	"civicreg/internal/domain"
)

func TestDuplicateCandidatesOptionalFilters(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)

	query, args, err := DuplicateCandidates(sq.Dollar, domain.DuplicateQuery{Text: "laterne"}, from, to)
	if err != nil {
		t.Fatalf("DuplicateCandidates failed: %v", err)
	}
	if strings.Contains(query, "service_name") || strings.Contains(query, "address_string") {
		t.Fatalf("unexpected optional filters in %q", query)
	}
	if !strings.Contains(query, "$3") || len(args) != 3 {
		t.Fatalf("expected 3 dollar placeholders, got %q args=%v", query, args)
	}

	query, args, err = DuplicateCandidates(sq.Question, domain.DuplicateQuery{
		Text:        "laterne",
		ServiceName: "Straßenbeleuchtung",
		Address:     "Ring 1",
	}, "a", "b")
	if err != nil {
		t.Fatalf("DuplicateCandidates failed: %v", err)
	}
	if !strings.Contains(query, "service_name = ?") || !strings.Contains(query, "address_string = ?") {
		t.Fatalf("expected optional filters in %q", query)
	}
	if len(args) != 5 {
		t.Fatalf("expected 5 args, got %v", args)
	}
}

func TestPhase1CandidatesLimit(t *testing.T) {
	query, _, err := Phase1Candidates(sq.Question, 0)
	if err != nil {
		t.Fatalf("Phase1Candidates failed: %v", err)
	}
	if strings.Contains(query, "LIMIT") {
		t.Fatalf("unexpected LIMIT in %q", query)
	}
	query, _, err = Phase1Candidates(sq.Question, 25)
	if err != nil {
		t.Fatalf("Phase1Candidates failed: %v", err)
	}
	if !strings.Contains(query, "LIMIT 25") {
		t.Fatalf("expected LIMIT 25 in %q", query)
	}
}
