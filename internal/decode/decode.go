// Package decode turns raw MQTT messages into validated location records.
// Decoding is pure: the caller decides what to log and what to do with a
// rejection.
package decode

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"owntracks/db-bridge/internal/model"
)

const typeLocation = "location"

var (
	eventTypeCodes  = map[string]struct{}{"p": {}, "c": {}, "b": {}, "r": {}, "u": {}, "t": {}}
	connStatusCodes = map[string]struct{}{"w": {}, "o": {}, "m": {}}
)

// Decode parses an OwnTracks message into an EventRecord. The topic must look
// like owntracks/<user>/<device>; user and device identity comes only from the
// topic, never from the payload. Optional fields that are absent or wrongly
// typed become nil and persist as NULL; the full payload is kept in Raw so no
// information is lost.
func Decode(topic string, payload []byte) (*model.EventRecord, *model.Rejection) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &model.Rejection{Reason: model.MalformedPayload, Cause: err}
	}

	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return nil, &model.Rejection{
			Reason: model.MalformedTopic,
			Cause:  fmt.Errorf("topic %q does not match <prefix>/<user>/<device>", topic),
		}
	}
	user, device := parts[1], parts[2]

	if typ, _ := raw["_type"].(string); typ != typeLocation {
		return nil, &model.Rejection{Reason: model.NotLocationEvent}
	}

	lat, ok := floatField(raw, "lat")
	if !ok || lat == nil || *lat < -90 || *lat > 90 {
		return nil, &model.Rejection{
			Reason: model.InvalidFields,
			Cause:  fmt.Errorf("lat missing or out of range"),
		}
	}
	lon, ok := floatField(raw, "lon")
	if !ok || lon == nil || *lon < -180 || *lon > 180 {
		return nil, &model.Rejection{
			Reason: model.InvalidFields,
			Cause:  fmt.Errorf("lon missing or out of range"),
		}
	}
	tst, ok := floatField(raw, "tst")
	if !ok || tst == nil {
		return nil, &model.Rejection{
			Reason: model.InvalidFields,
			Cause:  fmt.Errorf("tst missing or not numeric"),
		}
	}
	sec, frac := math.Modf(*tst)
	ts := time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()

	rec := &model.EventRecord{
		User:               user,
		Device:             device,
		Latitude:           *lat,
		Longitude:          *lon,
		Timestamp:          ts,
		Raw:                raw,
		Accuracy:           optionalFloat(raw, "acc"),
		Altitude:           optionalFloat(raw, "alt"),
		BatteryPercent:     batteryField(raw),
		CourseOverGround:   optionalFloat(raw, "cog"),
		RegionRadius:       optionalFloat(raw, "rad"),
		EventType:          codeField(raw, "t", eventTypeCodes),
		TrackerID:          stringField(raw, "tid"),
		VerticalAccuracy:   optionalFloat(raw, "vac"),
		Velocity:           optionalFloat(raw, "vel"),
		BarometricPressure: optionalFloat(raw, "p"),
		ConnectionStatus:   codeField(raw, "conn", connStatusCodes),
	}
	return rec, nil
}

// floatField reads a numeric field permissively: JSON numbers and numeric
// strings both count. The second return is false only when the key is present
// but not coercible.
func floatField(raw map[string]any, key string) (*float64, bool) {
	v, present := raw[key]
	if !present || v == nil {
		return nil, true
	}
	switch n := v.(type) {
	case float64:
		return &n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, false
		}
		return &f, true
	default:
		return nil, false
	}
}

// optionalFloat is floatField with the persist-with-nulls policy applied:
// an uncoercible value degrades to absent instead of rejecting the record.
func optionalFloat(raw map[string]any, key string) *float64 {
	f, _ := floatField(raw, key)
	return f
}

func batteryField(raw map[string]any) *int {
	f, _ := floatField(raw, "batt")
	if f == nil {
		return nil
	}
	pct := int(*f)
	if pct < 0 || pct > 100 {
		return nil
	}
	return &pct
}

func stringField(raw map[string]any, key string) *string {
	s, ok := raw[key].(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// codeField accepts only single-character codes from the given alphabet.
func codeField(raw map[string]any, key string, alphabet map[string]struct{}) *string {
	s, ok := raw[key].(string)
	if !ok {
		return nil
	}
	if _, ok := alphabet[s]; !ok {
		return nil
	}
	return &s
}
