package labeling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"civicreg/internal/domain"
	"civicreg/internal/storage"
)

// Classifier sends one prompt to a language model and returns its raw text.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

type Store interface {
	CreateLabelRun(ctx context.Context, run domain.LabelRun) (int64, error)
	SetLabelRunSelected(ctx context.Context, labelRunID int64, selected int) error
	CompleteLabelRunSuccess(ctx context.Context, labelRunID int64, r domain.LabelRunResult) error
	CompleteLabelRunFailed(ctx context.Context, labelRunID int64, attempted int, runErr error) error
	Phase1Candidates(ctx context.Context, limit int) ([]domain.LabelCandidate, error)
	Phase2Candidates(ctx context.Context) ([]domain.LabelCandidate, error)
	Phase2LabeledHashes(ctx context.Context, promptVersion string) (map[string]struct{}, error)
	InsertPhase1Label(ctx context.Context, l domain.Phase1Label) (bool, error)
	InsertPhase2Label(ctx context.Context, l domain.Phase2Label) (bool, error)
}

type Options struct {
	Model       string
	MaxAttempts int
	Sleep       time.Duration
}

type Runner struct {
	store      Store
	classifier Classifier
	opts       Options
	log        *slog.Logger
}

func NewRunner(store Store, classifier Classifier, opts Options, log *slog.Logger) *Runner {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: store, classifier: classifier, opts: opts, log: log.With("component", "labeling")}
}

type Request struct {
	PromptVersion string
	Limit         int // 0 means all candidates
	DryRun        bool
}

// RunPhase1 labels unlabeled events as bike related, not bike related or
// uncertain.
func (r *Runner) RunPhase1(ctx context.Context, req Request) (domain.LabelRunResult, error) {
	return runPass(ctx, r, domain.Phase1, req,
		func(ctx context.Context) ([]domain.LabelCandidate, error) {
			return r.store.Phase1Candidates(ctx, req.Limit)
		},
		ParsePhase1,
		func(ctx context.Context, c domain.LabelCandidate, hash string, out Phase1Output) (bool, error) {
			return r.store.InsertPhase1Label(ctx, domain.Phase1Label{
				ServiceRequestID: c.ServiceRequestID,
				Model:            r.opts.Model,
				PromptVersion:    req.PromptVersion,
				InputHash:        hash,
				BikeRelated:      out.BikeRelated(),
				Confidence:       out.Confidence,
				Evidence:         out.Evidence,
				Reasoning:        out.Reasoning,
			})
		},
	)
}

// RunPhase2 assigns a bike-issue category to events whose latest phase-1
// label is bike related and that have no phase-2 label for this prompt
// version and input.
func (r *Runner) RunPhase2(ctx context.Context, req Request) (domain.LabelRunResult, error) {
	return runPass(ctx, r, domain.Phase2, req,
		func(ctx context.Context) ([]domain.LabelCandidate, error) {
			all, err := r.store.Phase2Candidates(ctx)
			if err != nil {
				return nil, err
			}
			done, err := r.store.Phase2LabeledHashes(ctx, req.PromptVersion)
			if err != nil {
				return nil, err
			}
			var out []domain.LabelCandidate
			for _, c := range all {
				hash := InputHash(Input(c.Title, c.DescriptionRedacted))
				if _, ok := done[storage.LabelKey(c.ServiceRequestID, hash)]; ok {
					continue
				}
				out = append(out, c)
				if req.Limit > 0 && len(out) >= req.Limit {
					break
				}
			}
			return out, nil
		},
		ParsePhase2,
		func(ctx context.Context, c domain.LabelCandidate, hash string, out Phase2Output) (bool, error) {
			return r.store.InsertPhase2Label(ctx, domain.Phase2Label{
				ServiceRequestID:  c.ServiceRequestID,
				Model:             r.opts.Model,
				PromptVersion:     req.PromptVersion,
				InputHash:         hash,
				BikeIssueCategory: out.Category,
				Confidence:        out.Confidence,
				Evidence:          out.Evidence,
				Reasoning:         out.Reasoning,
			})
		},
	)
}

func runPass[T any](
	ctx context.Context,
	r *Runner,
	phase domain.LabelPhase,
	req Request,
	selectCandidates func(context.Context) ([]domain.LabelCandidate, error),
	parse func(string) (T, error),
	insert func(context.Context, domain.LabelCandidate, string, T) (bool, error),
) (domain.LabelRunResult, error) {
	var res domain.LabelRunResult
	prompt, err := LoadPrompt(phase, req.PromptVersion)
	if err != nil {
		return res, err
	}
	event := string(phase)

	runID, err := r.store.CreateLabelRun(ctx, domain.LabelRun{
		Phase:          phase,
		Model:          r.opts.Model,
		PromptVersion:  req.PromptVersion,
		DryRun:         req.DryRun,
		RequestedLimit: req.Limit,
	})
	if err != nil {
		return res, fmt.Errorf("create label run: %w", err)
	}
	r.log.Info(event+".run.start", "label_run_id", runID, "model", r.opts.Model,
		"prompt_version", req.PromptVersion, "limit", req.Limit, "dry_run", req.DryRun)

	fail := func(err error) (domain.LabelRunResult, error) {
		if ferr := r.store.CompleteLabelRunFailed(context.WithoutCancel(ctx), runID, res.Attempted, err); ferr != nil {
			r.log.Error(event+".run.mark_failed", "label_run_id", runID, "error", ferr)
		}
		r.log.Error(event+".run.failed", "label_run_id", runID, "attempted", res.Attempted, "error", err)
		return res, err
	}

	candidates, err := selectCandidates(ctx)
	if err != nil {
		return fail(fmt.Errorf("select candidates: %w", err))
	}
	if err := r.store.SetLabelRunSelected(ctx, runID, len(candidates)); err != nil {
		return fail(fmt.Errorf("set selected count: %w", err))
	}

	var first, last *domain.LabelCandidate
	for i := range candidates {
		c := candidates[i]
		input := Input(c.Title, c.DescriptionRedacted)
		if strings.TrimSpace(input) == "" {
			res.Skipped++
			continue
		}
		hash := InputHash(input)
		res.Attempted++

		out, err := classify(ctx, r, buildPrompt(prompt, input), parse)
		if err != nil {
			if ctx.Err() != nil {
				return fail(ctx.Err())
			}
			res.Failed++
			r.log.Warn(event+".label.failed", "service_request_id", c.ServiceRequestID, "error", err)
			continue
		}
		if req.DryRun {
			res.Inserted++
			continue
		}
		ok, err := insert(ctx, c, hash, out)
		if err != nil {
			return fail(fmt.Errorf("insert label %s: %w", c.ServiceRequestID, err))
		}
		if !ok {
			res.Skipped++
			continue
		}
		res.Inserted++
		r.log.Debug(event+".label.ok", "service_request_id", c.ServiceRequestID)
		if first == nil || candidateLess(c, *first) {
			first = &candidates[i]
		}
		if last == nil || candidateLess(*last, c) {
			last = &candidates[i]
		}
		if res.MinRequestedAt == nil || c.RequestedAt.Before(*res.MinRequestedAt) {
			at := c.RequestedAt
			res.MinRequestedAt = &at
		}
		if res.MaxRequestedAt == nil || c.RequestedAt.After(*res.MaxRequestedAt) {
			at := c.RequestedAt
			res.MaxRequestedAt = &at
		}
	}
	if first != nil {
		res.FirstLabeledID = first.ServiceRequestID
		res.LastLabeledID = last.ServiceRequestID
	}

	if err := r.store.CompleteLabelRunSuccess(ctx, runID, res); err != nil {
		return fail(fmt.Errorf("complete label run: %w", err))
	}
	r.log.Info(event+".run.complete", "label_run_id", runID, "selected", len(candidates),
		"attempted", res.Attempted, "inserted", res.Inserted, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// classify asks the model up to MaxAttempts times, appending RepairSuffix
// after the first attempt.
func classify[T any](ctx context.Context, r *Runner, prompt string, parse func(string) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		p := prompt
		if attempt > 1 {
			p += RepairSuffix
		}
		text, err := r.classifier.Classify(ctx, p)
		if err == nil {
			out, perr := parse(text)
			if perr == nil {
				return out, nil
			}
			err = perr
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt < r.opts.MaxAttempts && r.opts.Sleep > 0 {
			t := time.NewTimer(r.opts.Sleep)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, ctx.Err()
			case <-t.C:
			}
		}
	}
	return zero, errors.Join(ErrExhausted, lastErr)
}

// ErrExhausted marks an event whose every classification attempt failed.
var ErrExhausted = errors.New("classification attempts exhausted")

func candidateLess(a, b domain.LabelCandidate) bool {
	if a.Year != b.Year {
		return a.Year < b.Year
	}
	if a.SequenceNumber != b.SequenceNumber {
		return a.SequenceNumber < b.SequenceNumber
	}
	return a.ServiceRequestID < b.ServiceRequestID
}
