package weather

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrDecode marks payloads that are not a JSON reading. The message is dropped.
var ErrDecode = errors.New("decode reading")

// Variant names one of the two supported inbound reading shapes.
type Variant string

const (
	VariantNested Variant = "nested"
	VariantFlat   Variant = "flat"
)

// Reading is one decoded sensor sample. Every measurement is optional; the
// mapper skips whatever is absent.
type Reading struct {
	// Object carries the nested, metric shape ({"object": {...}}).
	Object *NestedReading

	// Flat shape, already in imperial units.
	WindDirDeg   *float64
	WindAvgMiH   *float64
	Humidity     *float64
	TemperatureF *float64
	Time         *string

	// Skipped lists flat keys that were present with the wrong JSON type.
	Skipped []string
}

type NestedReading struct {
	Temperature *float64 `json:"Temperature,omitempty"` // °C
	Humidity    *float64 `json:"Humidity,omitempty"`    // %
	AirPressure *float64 `json:"AirPressure,omitempty"` // hPa, station level
}

// DecodeReading parses a UTF-8 JSON object into a Reading of the given
// variant. Top-level keys the variant does not read are ignored.
func DecodeReading(payload []byte, variant Variant) (Reading, error) {
	if !utf8.Valid(payload) {
		return Reading{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrDecode)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return Reading{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if variant == VariantFlat {
		return decodeFlat(top), nil
	}
	return decodeNested(top)
}

func decodeNested(top map[string]json.RawMessage) (Reading, error) {
	raw, ok := top["object"]
	if !ok || isNull(raw) {
		return Reading{}, nil
	}
	var o NestedReading
	if err := json.Unmarshal(raw, &o); err != nil {
		return Reading{}, fmt.Errorf("%w: object: %w", ErrDecode, err)
	}
	return Reading{Object: &o}, nil
}

// decodeFlat never fails: a value of the wrong type is recorded in Skipped
// and left nil.
func decodeFlat(top map[string]json.RawMessage) Reading {
	var r Reading
	for _, ff := range flatFields {
		raw, ok := top[ff.key]
		if !ok || isNull(raw) {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			r.Skipped = append(r.Skipped, ff.key)
			continue
		}
		*ff.ref(&r) = &v
	}

	if raw, ok := top["time"]; ok && !isNull(raw) {
		var ts string
		if err := json.Unmarshal(raw, &ts); err != nil {
			r.Skipped = append(r.Skipped, "time")
		} else {
			r.Time = &ts
		}
	}
	return r
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
