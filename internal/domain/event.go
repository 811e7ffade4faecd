package domain

import (
	"encoding/json"
	"time"
)

// RawEvent is a service request as the feed delivered it. Nothing about it
// is validated yet.
type RawEvent struct {
	Ref               string // correlation handle assigned at fetch time
	ServiceRequestID  string
	Title             string
	Description       string
	RequestedDatetime string
	Status            string
	Lat               *float64
	Lon               *float64
	AddressString     string
	ServiceName       string
	MediaURL          string
	Payload           json.RawMessage
}

type CanonicalEvent struct {
	ServiceRequestID    string
	Title               string
	Description         string
	DescriptionRedacted string
	RequestedAt         time.Time
	Status              string // "open" or "closed"
	Lat                 float64
	Lon                 float64
	AddressString       string
	ServiceName         string
	Category            string
	Subcategory         string
	Subcategory2        string
	MediaPath           string
	Year                int
	SequenceNumber      int
	HasDescription      bool
	HasMedia            bool
	SkipLLM             bool
	IsLinkOnly          bool
	IsFlaggedAbuse      bool
	DedupeText          string
}

// DuplicateKey is comparable and used directly as a map key. ServiceName and
// Address stay empty unless the matching toggle is on.
type DuplicateKey struct {
	Text        string
	LatRound    float64
	LonRound    float64
	ServiceName string
	Address     string
}

// DuplicateQuery asks the store for canonical events that share the
// fingerprint text inside a time window.
type DuplicateQuery struct {
	Text        string
	ServiceName string
	Address     string
	From        time.Time
	To          time.Time
}

type DuplicateCandidate struct {
	ServiceRequestID string
	Lat              float64
	Lon              float64
	RequestedAt      time.Time
}
