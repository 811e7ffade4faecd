package open311

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"civicreg/internal/domain"
)

var errNotArray = errors.New("response is not a JSON array")

// ParseRequests reads a requests.json body. Every record gets a fresh
// correlation handle and keeps its original bytes as payload.
func ParseRequests(body []byte) ([]domain.RawEvent, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, errNotArray
	}
	var out []domain.RawEvent
	root.ForEach(func(_, rec gjson.Result) bool {
		if rec.IsObject() {
			out = append(out, parseRecord(rec))
		}
		return true
	})
	return out, nil
}

func parseRecord(rec gjson.Result) domain.RawEvent {
	lon := floatField(rec, "long")
	if lon == nil {
		lon = floatField(rec, "lon")
	}
	return domain.RawEvent{
		Ref:               uuid.NewString(),
		ServiceRequestID:  stringField(rec, "service_request_id"),
		Title:             stringField(rec, "title"),
		Description:       stringField(rec, "description"),
		RequestedDatetime: stringField(rec, "requested_datetime"),
		Status:            stringField(rec, "status"),
		Lat:               floatField(rec, "lat"),
		Lon:               lon,
		AddressString:     stringField(rec, "address_string"),
		ServiceName:       stringField(rec, "service_name"),
		MediaURL:          stringField(rec, "media_url"),
		Payload:           json.RawMessage(rec.Raw),
	}
}

func stringField(rec gjson.Result, key string) string {
	v := rec.Get(key)
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Raw
	default:
		return ""
	}
}

func floatField(rec gjson.Result, key string) *float64 {
	v := rec.Get(key)
	switch v.Type {
	case gjson.Number:
		f := v.Num
		return &f
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}
