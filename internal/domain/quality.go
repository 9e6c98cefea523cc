package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Quality is the outcome of a single review on the SM-2 scale 0..5.
// Anything below PassThreshold means the card was not recalled.
type Quality int

const (
	MinQuality    Quality = 0
	PassThreshold Quality = 3
	MaxQuality    Quality = 5
)

// Binary outcomes used by clients that only grade recalled / not recalled.
const (
	Fail Quality = 0
	Pass Quality = 4
)

var qualityByName = map[string]Quality{
	"fail": Fail,
	"pass": Pass,
}

// IsValid reports whether q is on the 0..5 scale.
func (q Quality) IsValid() bool {
	return q >= MinQuality && q <= MaxQuality
}

// Passed reports whether q counts as a successful recall.
func (q Quality) Passed() bool {
	return q >= PassThreshold
}

func (q Quality) String() string {
	if !q.IsValid() {
		return fmt.Sprintf("Quality(%d)", int(q))
	}
	return strconv.Itoa(int(q))
}

// ParseQuality accepts a number on the 0..5 scale or one of the names
// "fail" and "pass".
func ParseQuality(s string) (Quality, error) {
	s = strings.TrimSpace(s)
	if q, ok := qualityByName[strings.ToLower(s)]; ok {
		return q, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Quality(n).IsValid() {
		return 0, fmt.Errorf("%w: quality %q", ErrInvalidInput, s)
	}
	return Quality(n), nil
}

// MarshalJSON implements json.Marshaler. Quality serializes as a number.
func (q Quality) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(q))), nil
}

// UnmarshalJSON implements json.Unmarshaler. Accepts a number or a string.
// Range checking is left to the caller so that out-of-range values can be
// reported as invalid input with the rest of the request.
func (q *Quality) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*q = Quality(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: quality %s", ErrInvalidInput, data)
	}
	v, err := ParseQuality(s)
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(strconv.Itoa(int(q))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unlike UnmarshalJSON
// it rejects values outside the scale.
func (q *Quality) UnmarshalText(text []byte) error {
	v, err := ParseQuality(string(text))
	if err != nil {
		return err
	}
	*q = v
	return nil
}
