package domain

// Reason codes written to events_rejected.reject_reason.
type Reason string

const (
	ReasonMissingServiceRequestID Reason = "missing_service_request_id"
	ReasonMissingRequestedAt      Reason = "missing_requested_at"
	ReasonInvalidRequestedAt      Reason = "invalid_requested_at"
	ReasonMissingCoords           Reason = "missing_coords"
	ReasonInvalidCoords           Reason = "invalid_coords"
	ReasonInvalidServiceRequestID Reason = "invalid_service_request_id"
	ReasonMissingServiceName      Reason = "missing_service_name"
	ReasonMissingTitle            Reason = "missing_title"
	ReasonMissingAddressString    Reason = "missing_address_string"
	ReasonInvalidStatus           Reason = "invalid_status"
	ReasonSpamText                Reason = "spam_text"
	ReasonDuplicateStrict         Reason = "duplicate_strict"

	// Review reasons annotate an accept; they never reject.
	ReviewUnmappedServiceName Reason = "unmapped_service_name"
)

// RejectReasons is the closed set of rejection codes.
var RejectReasons = []Reason{
	ReasonMissingServiceRequestID,
	ReasonMissingRequestedAt,
	ReasonInvalidRequestedAt,
	ReasonMissingCoords,
	ReasonInvalidCoords,
	ReasonInvalidServiceRequestID,
	ReasonMissingServiceName,
	ReasonMissingTitle,
	ReasonMissingAddressString,
	ReasonInvalidStatus,
	ReasonSpamText,
	ReasonDuplicateStrict,
}

type Review struct {
	Reason  Reason
	Details map[string]any
}

type Acceptance struct {
	Raw    RawEvent
	Event  CanonicalEvent
	Review *Review
}

// AuditRecord turns a review annotation into the rejection row that is kept
// for audit. ok is false when the accept carries no review.
func (a Acceptance) AuditRecord() (Rejection, bool) {
	if a.Review == nil {
		return Rejection{}, false
	}
	details := make(map[string]any, len(a.Review.Details)+1)
	for k, v := range a.Review.Details {
		details[k] = v
	}
	details["accepted"] = true
	return Rejection{
		Raw:      a.Raw,
		Reason:   a.Review.Reason,
		Details:  details,
		Accepted: true,
	}, true
}

type Rejection struct {
	Raw      RawEvent
	Reason   Reason
	Details  map[string]any
	Accepted bool
}

type DecisionKind int

const (
	KindAccept DecisionKind = iota + 1
	KindReject
)

// Decision holds exactly one of Acceptance or Rejection. The zero value is
// neither and reports Kind 0.
type Decision struct {
	kind   DecisionKind
	accept Acceptance
	reject Rejection
}

func Accept(a Acceptance) Decision { return Decision{kind: KindAccept, accept: a} }

func Reject(r Rejection) Decision { return Decision{kind: KindReject, reject: r} }

func (d Decision) Kind() DecisionKind { return d.kind }

func (d Decision) Accepted() (Acceptance, bool) {
	return d.accept, d.kind == KindAccept
}

func (d Decision) Rejected() (Rejection, bool) {
	return d.reject, d.kind == KindReject
}

// Reason is "accepted" for an accept and the reject code otherwise.
func (d Decision) Reason() string {
	switch d.kind {
	case KindAccept:
		return "accepted"
	case KindReject:
		return string(d.reject.Reason)
	default:
		return ""
	}
}

func (d Decision) Raw() RawEvent {
	if d.kind == KindReject {
		return d.reject.Raw
	}
	return d.accept.Raw
}
