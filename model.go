package gapline

import (
	"crypto/rand"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

// Span is a half-open interval [Start, End) in milliseconds.
type Span struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// NewSpan constructs a span. Callers validate Start < End via ValidateSpan.
func NewSpan(start, end int64) Span {
	return Span{Start: start, End: end}
}

// Overlaps reports whether two half-open spans collide.
// Adjacent spans (s.End == o.Start) do not collide.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Contains reports whether o lies fully inside s.
func (s Span) Contains(o Span) bool {
	return s.Start <= o.Start && o.End <= s.End
}

// Duration returns End - Start.
func (s Span) Duration() int64 {
	return s.End - s.Start
}

// Clamp intersects s with bounds, returning the intersection and whether it is non-empty.
func (s Span) Clamp(bounds Span) (Span, bool) {
	out := Span{Start: max64(s.Start, bounds.Start), End: min64(s.End, bounds.End)}
	return out, out.Start < out.End
}

func (s Span) String() string {
	return fmt.Sprintf("[%d, %d)", s.Start, s.End)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// IntervalKind discriminates the segments placed on a resource line.
type IntervalKind uint8

const (
	// KindOpenRule opens an availability window.
	KindOpenRule IntervalKind = iota
	// KindBlockRule closes an availability window.
	KindBlockRule
	// KindBooking is a permanent allocation.
	KindBooking
	// KindHold is an allocation with an expiry bound.
	KindHold
)

func (k IntervalKind) String() string {
	switch k {
	case KindOpenRule:
		return "open_rule"
	case KindBlockRule:
		return "block_rule"
	case KindBooking:
		return "booking"
	case KindHold:
		return "hold"
	}
	return "unknown"
}

// IsAllocation reports whether the kind consumes capacity.
func (k IntervalKind) IsAllocation() bool {
	return k == KindBooking || k == KindHold
}

// Interval is one placed segment on a resource line.
type Interval struct {
	ID   string
	Kind IntervalKind
	Span Span

	// Label is set for bookings only.
	Label *string

	// ExpiresAt is set for holds only; the hold is active while now < ExpiresAt.
	ExpiresAt int64
}

// ActiveAt reports whether the interval consumes capacity at the given wall clock.
// Bookings are always active; holds only before expiry.
func (iv Interval) ActiveAt(now int64) bool {
	switch iv.Kind {
	case KindBooking:
		return true
	case KindHold:
		return now < iv.ExpiresAt
	}
	return false
}

// Resource is a bookable node in the resource forest.
type Resource struct {
	ID          string
	ParentID    *string
	Name        *string
	Capacity    int64
	BufferAfter int64
}

// ResourceInfo is the read-model row for a resource.
type ResourceInfo struct {
	ID          string  `json:"id"`
	ParentID    *string `json:"parent_id"`
	Name        *string `json:"name"`
	Capacity    int64   `json:"capacity"`
	BufferAfter *int64  `json:"buffer_after"`
}

// RuleInfo is the read-model row for a rule.
type RuleInfo struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	Span       Span   `json:"span"`
	Blocking   bool   `json:"blocking"`
}

// BookingInfo is the read-model row for a booking.
type BookingInfo struct {
	ID         string  `json:"id"`
	ResourceID string  `json:"resource_id"`
	Span       Span    `json:"span"`
	Label      *string `json:"label"`
}

// HoldInfo is the read-model row for a hold.
type HoldInfo struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	Span       Span   `json:"span"`
	ExpiresAt  int64  `json:"expires_at"`
}

// IDLen is the canonical identity length (26-char Crockford base32 ULID).
const IDLen = 26

// NewID generates a fresh lexicographically ordered identity.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// ParseID validates a 26-char identity string and returns its canonical form.
func ParseID(s string) (string, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return "", &ReferenceError{ID: s, Cause: err}
	}
	return id.String(), nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func sortResourceInfos(rows []ResourceInfo) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
}

func sortRuleInfos(rows []RuleInfo) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		if a.Span.Start != b.Span.Start {
			return a.Span.Start < b.Span.Start
		}
		return a.ID < b.ID
	})
}

func sortBookingInfos(rows []BookingInfo) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		if a.Span.Start != b.Span.Start {
			return a.Span.Start < b.Span.Start
		}
		return a.ID < b.ID
	})
}

func sortHoldInfos(rows []HoldInfo) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		if a.Span.Start != b.Span.Start {
			return a.Span.Start < b.Span.Start
		}
		return a.ID < b.ID
	})
}
