package gate

import (
	"context"
	"math"
	"strings"

	"civicreg/internal/category"
	"civicreg/internal/dedupe"
	"civicreg/internal/domain"
	"civicreg/internal/normalize"
)

type Categories interface {
	Lookup(serviceName string) (category.Entry, bool)
}

type Options struct {
	LinkOnlyMinChars int
}

// Gate validates raw events for one ingestion run. Detection state lives in
// the detector, so a Gate must not be reused across runs.
type Gate struct {
	categories Categories
	dup        *dedupe.Detector
	opts       Options
}

func New(categories Categories, dup *dedupe.Detector, opts Options) *Gate {
	return &Gate{categories: categories, dup: dup, opts: opts}
}

// Evaluate runs the checks in order and stops at the first failure. The
// error is reserved for store failures during duplicate lookup; every data
// problem becomes a rejection.
func (g *Gate) Evaluate(ctx context.Context, raw domain.RawEvent) (domain.Decision, error) {
	srid := strings.TrimSpace(raw.ServiceRequestID)
	if srid == "" {
		return reject(raw, domain.ReasonMissingServiceRequestID, nil), nil
	}

	if normalize.IsBlank(raw.RequestedDatetime) {
		return reject(raw, domain.ReasonMissingRequestedAt, nil), nil
	}
	requestedAt, err := normalize.ParseRequestedAt(raw.RequestedDatetime)
	if err != nil {
		return reject(raw, domain.ReasonInvalidRequestedAt, map[string]any{
			"requested_datetime": raw.RequestedDatetime,
		}), nil
	}

	if raw.Lat == nil || raw.Lon == nil {
		return reject(raw, domain.ReasonMissingCoords, nil), nil
	}
	lat, lon := *raw.Lat, *raw.Lon
	if !validCoord(lat, 90) || !validCoord(lon, 180) {
		return reject(raw, domain.ReasonInvalidCoords, map[string]any{"lat": lat, "lon": lon}), nil
	}

	seq, year, ok := normalize.ValidServiceRequestID(srid)
	if !ok {
		return reject(raw, domain.ReasonInvalidServiceRequestID, map[string]any{"service_request_id": srid}), nil
	}

	serviceName := strings.TrimSpace(raw.ServiceName)
	if serviceName == "" {
		return reject(raw, domain.ReasonMissingServiceName, nil), nil
	}
	if normalize.IsBlank(raw.Title) {
		return reject(raw, domain.ReasonMissingTitle, nil), nil
	}
	if normalize.IsBlank(raw.AddressString) {
		return reject(raw, domain.ReasonMissingAddressString, nil), nil
	}

	address := strings.TrimSpace(raw.AddressString)

	status := strings.ToLower(strings.TrimSpace(raw.Status))
	if status != "open" && status != "closed" {
		return reject(raw, domain.ReasonInvalidStatus, map[string]any{"status": raw.Status}), nil
	}

	var review *domain.Review
	entry, mapped := g.categories.Lookup(serviceName)
	if !mapped {
		entry = category.Entry{Category: category.Unmapped, Subcategory: serviceName}
		review = &domain.Review{
			Reason:  domain.ReviewUnmappedServiceName,
			Details: map[string]any{"service_name": serviceName},
		}
	}

	hasDescription := !normalize.IsBlank(raw.Description)
	dedupeText := normalize.ForDedupe(raw.Description)
	if hasDescription {
		if isSpam(dedupeText) {
			return reject(raw, domain.ReasonSpamText, nil), nil
		}

		key := g.dup.Key(raw.Description, lat, lon, serviceName, address)
		match, hit, err := g.dup.Check(ctx, key, srid, requestedAt)
		if err != nil {
			return domain.Decision{}, err
		}
		if hit {
			cfg := g.dup.Config()
			return reject(raw, domain.ReasonDuplicateStrict, map[string]any{
				"duplicate_of":    match.DuplicateOf,
				"window_hours":    cfg.WindowHours,
				"coord_precision": cfg.CoordPrecision,
				"source":          match.Source,
			}), nil
		}
		g.dup.Record(key, srid, requestedAt)
	}

	linkOnly := hasDescription && normalize.IsLinkOnly(raw.Description, g.opts.LinkOnlyMinChars)
	event := domain.CanonicalEvent{
		ServiceRequestID:    srid,
		Title:               strings.TrimSpace(raw.Title),
		Description:         raw.Description,
		DescriptionRedacted: normalize.Redact(raw.Description),
		RequestedAt:         requestedAt,
		Status:              status,
		Lat:                 lat,
		Lon:                 lon,
		AddressString:       address,
		ServiceName:         serviceName,
		Category:            entry.Category,
		Subcategory:         entry.Subcategory,
		Subcategory2:        entry.Subcategory2,
		MediaPath:           normalize.MediaPath(raw.MediaURL),
		Year:                year,
		SequenceNumber:      seq,
		HasDescription:      hasDescription,
		HasMedia:            strings.TrimSpace(raw.MediaURL) != "",
		IsLinkOnly:          linkOnly,
		SkipLLM:             !hasDescription || linkOnly,
		IsFlaggedAbuse:      hasDescription && isAbusive(dedupeText),
		DedupeText:          dedupeText,
	}
	return domain.Accept(domain.Acceptance{Raw: raw, Event: event, Review: review}), nil
}

// EvaluateAll evaluates events in order with one shared detector.
func (g *Gate) EvaluateAll(ctx context.Context, raws []domain.RawEvent) ([]domain.Decision, error) {
	out := make([]domain.Decision, 0, len(raws))
	for _, raw := range raws {
		d, err := g.Evaluate(ctx, raw)
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

func reject(raw domain.RawEvent, reason domain.Reason, details map[string]any) domain.Decision {
	if details == nil {
		details = map[string]any{}
	}
	return domain.Reject(domain.Rejection{Raw: raw, Reason: reason, Details: details})
}

func validCoord(v, limit float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= -limit && v <= limit
}
