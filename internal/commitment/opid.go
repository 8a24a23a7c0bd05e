package commitment

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// opIDRegex matches: OP-{YYYYMMDD}-{8 upper-case hex}
// Example: OP-20261016-3FA9C01B
var opIDRegex = regexp.MustCompile(`^OP-(\d{8})-([0-9A-F]{8})$`)

var ErrInvalidOpID = errors.New("commitment: invalid op id format")

// OpID is a parsed human-readable operation identifier.
type OpID struct {
	Value  string    `json:"op_id"`
	Date   time.Time `json:"date"`
	Suffix string    `json:"suffix"`
}

// NewOpID builds an op id for a commitment starting on date. The suffix is
// the head of a random UUID; uniqueness is enforced by the store.
func NewOpID(date time.Time) string {
	id := uuid.New()
	suffix := strings.ToUpper(fmt.Sprintf("%x", id[:4]))
	return fmt.Sprintf("OP-%s-%s", date.UTC().Format("20060102"), suffix)
}

// ParseOpID parses and validates an op id string.
// Format: OP-{YYYYMMDD}-{XXXXXXXX}
func ParseOpID(s string) (*OpID, error) {
	matches := opIDRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected OP-{YYYYMMDD}-{XXXXXXXX})", ErrInvalidOpID, s)
	}

	date, err := time.Parse("20060102", matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidOpID, matches[1])
	}

	return &OpID{
		Value:  s,
		Date:   date,
		Suffix: matches[2],
	}, nil
}
