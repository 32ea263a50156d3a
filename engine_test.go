package gapline

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

type testClock struct{ ms int64 }

func (c *testClock) Now() int64 { return c.ms }

func newTestEngine(t *testing.T, clock *testClock) *Engine {
	t.Helper()
	opts := EngineOptions{
		WALPath: filepath.Join(t.TempDir(), "wal.log"),
		Logger:  discardLogger(),
	}
	if clock != nil {
		opts.Clock = clock.Now
	}
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// newOpenResource creates a resource whose whole [0, 1000000) window is open.
func newOpenResource(t *testing.T, e *Engine, parentID *string, capacity, buffer int64) string {
	t.Helper()
	res, err := e.CreateResource(nil, parentID, nil, capacity, buffer)
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if _, err := e.AddRule(nil, res.ID, Span{Start: 0, End: 1000000}, false); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	return res.ID
}

func TestCreateResourceDefaults(t *testing.T) {
	e := newTestEngine(t, nil)
	res, err := e.CreateResource(nil, nil, strPtr("room a"), 1, 0)
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if len(res.ID) != IDLen {
		t.Fatalf("id length = %d, want %d", len(res.ID), IDLen)
	}
	if res.Capacity != 1 {
		t.Fatalf("capacity = %d, want 1", res.Capacity)
	}
	if res.Name == nil || *res.Name != "room a" {
		t.Fatalf("name = %v, want room a", res.Name)
	}

	if _, err := e.CreateResource(nil, nil, nil, 0, 0); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("capacity 0: err = %v, want ErrLimitExceeded", err)
	}
	if _, err := e.CreateResource(nil, nil, nil, 1, -1); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("negative buffer: err = %v, want ErrLimitExceeded", err)
	}
}

func TestCreateResourceUnknownParent(t *testing.T) {
	e := newTestEngine(t, nil)
	missing := NewID()
	_, err := e.CreateResource(nil, &missing, nil, 1, 0)
	if !errors.Is(err, ErrInvalidReference) && !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want invalid reference", err)
	}
}

func TestClientSuppliedIdentity(t *testing.T) {
	e := newTestEngine(t, nil)
	id := NewID()
	res, err := e.CreateResource(&id, nil, nil, 1, 0)
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if res.ID != id {
		t.Fatalf("id = %q, want %q", res.ID, id)
	}

	if _, err := e.CreateResource(&id, nil, nil, 1, 0); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate id: err = %v, want ErrAlreadyExists", err)
	}

	bad := "not-a-valid-identity"
	if _, err := e.CreateResource(&bad, nil, nil, 1, 0); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("malformed id: err = %v, want ErrInvalidReference", err)
	}
}

func TestIdentityUniqueAcrossKinds(t *testing.T) {
	e := newTestEngine(t, nil)
	rid := newOpenResource(t, e, nil, 1, 0)
	booking, err := e.ConfirmBooking(rid, Span{Start: 100, End: 200}, nil)
	if err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}
	if _, err := e.AddRule(&booking.ID, rid, Span{Start: 0, End: 1000}, true); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("rule with booking id: err = %v, want ErrAlreadyExists", err)
	}
}

func TestBookingRequiresOpenRule(t *testing.T) {
	e := newTestEngine(t, nil)
	res, err := e.CreateResource(nil, nil, nil, 1, 0)
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if _, err := e.ConfirmBooking(res.ID, Span{Start: 100, End: 200}, nil); !errors.Is(err, ErrOutsideAvailability) {
		t.Fatalf("no rules: err = %v, want ErrOutsideAvailability", err)
	}

	if _, err := e.AddRule(nil, res.ID, Span{Start: 0, End: 1000}, false); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if _, err := e.ConfirmBooking(res.ID, Span{Start: 100, End: 200}, nil); err != nil {
		t.Fatalf("inside open rule: %v", err)
	}
	if _, err := e.ConfirmBooking(res.ID, Span{Start: 900, End: 1100}, nil); !errors.Is(err, ErrOutsideAvailability) {
		t.Fatalf("straddling open edge: err = %v, want ErrOutsideAvailability", err)
	}
}

func TestOpenRuleInheritance(t *testing.T) {
	e := newTestEngine(t, nil)
	parent, err := e.CreateResource(nil, nil, nil, 1, 0)
	if err != nil {
		t.Fatalf("CreateResource parent: %v", err)
	}
	if _, err := e.AddRule(nil, parent.ID, Span{Start: 0, End: 1000}, false); err != nil {
		t.Fatalf("AddRule parent: %v", err)
	}
	child, err := e.CreateResource(nil, &parent.ID, nil, 1, 0)
	if err != nil {
		t.Fatalf("CreateResource child: %v", err)
	}

	// no own non-blocking rules: the parent's open region applies
	if _, err := e.ConfirmBooking(child.ID, Span{Start: 100, End: 200}, nil); err != nil {
		t.Fatalf("inherited open region: %v", err)
	}

	// own non-blocking rule overrides inheritance entirely
	if _, err := e.AddRule(nil, child.ID, Span{Start: 500, End: 800}, false); err != nil {
		t.Fatalf("AddRule child: %v", err)
	}
	if _, err := e.ConfirmBooking(child.ID, Span{Start: 300, End: 400}, nil); !errors.Is(err, ErrOutsideAvailability) {
		t.Fatalf("outside own open rule: err = %v, want ErrOutsideAvailability", err)
	}
	if _, err := e.ConfirmBooking(child.ID, Span{Start: 600, End: 700}, nil); err != nil {
		t.Fatalf("inside own open rule: %v", err)
	}
}

func TestBlockingRulesAccumulate(t *testing.T) {
	e := newTestEngine(t, nil)
	parentID := newOpenResource(t, e, nil, 1, 0)
	childID := newOpenResource(t, e, &parentID, 1, 0)

	if _, err := e.AddRule(nil, parentID, Span{Start: 400, End: 500}, true); err != nil {
		t.Fatalf("AddRule blocking: %v", err)
	}
	// the parent's blocking rule reaches the child even though the child has
	// its own open rules
	if _, err := e.ConfirmBooking(childID, Span{Start: 450, End: 460}, nil); !errors.Is(err, ErrBlockedByRule) {
		t.Fatalf("err = %v, want ErrBlockedByRule", err)
	}
	if _, err := e.ConfirmBooking(childID, Span{Start: 500, End: 600}, nil); err != nil {
		t.Fatalf("adjacent to blocked region: %v", err)
	}
}

func TestChildOpenRuleCoverage(t *testing.T) {
	e := newTestEngine(t, nil)
	parent, err := e.CreateResource(nil, nil, nil, 1, 0)
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if _, err := e.AddRule(nil, parent.ID, Span{Start: 100, End: 500}, false); err != nil {
		t.Fatalf("AddRule parent: %v", err)
	}
	child, err := e.CreateResource(nil, &parent.ID, nil, 1, 0)
	if err != nil {
		t.Fatalf("CreateResource child: %v", err)
	}
	if _, err := e.AddRule(nil, child.ID, Span{Start: 50, End: 200}, false); !errors.Is(err, ErrNotCovered) {
		t.Fatalf("uncovered child rule: err = %v, want ErrNotCovered", err)
	}
	if _, err := e.AddRule(nil, child.ID, Span{Start: 150, End: 300}, false); err != nil {
		t.Fatalf("covered child rule: %v", err)
	}
	// blocking rules are never coverage-checked
	if _, err := e.AddRule(nil, child.ID, Span{Start: 0, End: 1000}, true); err != nil {
		t.Fatalf("blocking child rule: %v", err)
	}
}

func TestCapacityStacking(t *testing.T) {
	e := newTestEngine(t, nil)
	rid := newOpenResource(t, e, nil, 2, 0)

	if _, err := e.ConfirmBooking(rid, Span{Start: 100, End: 200}, nil); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := e.ConfirmBooking(rid, Span{Start: 100, End: 200}, nil); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := e.ConfirmBooking(rid, Span{Start: 150, End: 250}, nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("third overlapping: err = %v, want ErrCapacityExceeded", err)
	}
	if _, err := e.ConfirmBooking(rid, Span{Start: 200, End: 300}, nil); err != nil {
		t.Fatalf("after the stack: %v", err)
	}
}

func TestCapacityOneConflict(t *testing.T) {
	e := newTestEngine(t, nil)
	rid := newOpenResource(t, e, nil, 1, 0)
	first, err := e.ConfirmBooking(rid, Span{Start: 100, End: 200}, nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err = e.ConfirmBooking(rid, Span{Start: 150, End: 250}, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	var adm *AdmissionError
	if !errors.As(err, &adm) || adm.ConflictID != first.ID {
		t.Fatalf("conflict id = %v, want %s", err, first.ID)
	}
}

func TestBufferAfterSpacing(t *testing.T) {
	e := newTestEngine(t, nil)
	rid := newOpenResource(t, e, nil, 1, 50)

	if _, err := e.ConfirmBooking(rid, Span{Start: 100, End: 200}, nil); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := e.ConfirmBooking(rid, Span{Start: 220, End: 300}, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("inside trailing buffer: err = %v, want ErrConflict", err)
	}
	if _, err := e.ConfirmBooking(rid, Span{Start: 250, End: 300}, nil); err != nil {
		t.Fatalf("past the buffer: %v", err)
	}
	// the new booking's own buffer must clear the next allocation too
	if _, err := e.ConfirmBooking(rid, Span{Start: 0, End: 60}, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("buffer reaching into first: err = %v, want ErrConflict", err)
	}
}

func TestHierarchyExclusion(t *testing.T) {
	e := newTestEngine(t, nil)
	parentID := newOpenResource(t, e, nil, 1, 0)
	childID := newOpenResource(t, e, &parentID, 1, 0)

	if _, err := e.ConfirmBooking(parentID, Span{Start: 100, End: 200}, nil); err != nil {
		t.Fatalf("parent booking: %v", err)
	}
	if _, err := e.ConfirmBooking(childID, Span{Start: 150, End: 250}, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("child under booked parent: err = %v, want ErrConflict", err)
	}
	if _, err := e.ConfirmBooking(childID, Span{Start: 300, End: 400}, nil); err != nil {
		t.Fatalf("child clear of parent: %v", err)
	}
	if _, err := e.ConfirmBooking(parentID, Span{Start: 350, End: 450}, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("parent over booked child: err = %v, want ErrConflict", err)
	}
}

func TestBatchAtomicity(t *testing.T) {
	e := newTestEngine(t, nil)
	rid := newOpenResource(t, e, nil, 1, 0)

	_, err := e.ConfirmBookings([]BookingRequest{
		{ResourceID: rid, Span: Span{Start: 100, End: 200}},
		{ResourceID: rid, Span: Span{Start: 150, End: 250}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if got := len(e.ListBookings()); got != 0 {
		t.Fatalf("bookings after failed batch = %d, want 0", got)
	}

	infos, err := e.ConfirmBookings([]BookingRequest{
		{ResourceID: rid, Span: Span{Start: 100, End: 200}},
		{ResourceID: rid, Span: Span{Start: 200, End: 300}},
	})
	if err != nil {
		t.Fatalf("ConfirmBookings: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d, want 2", len(infos))
	}
}

func TestBatchDuplicateIdentity(t *testing.T) {
	e := newTestEngine(t, nil)
	rid := newOpenResource(t, e, nil, 1, 0)
	id := NewID()
	_, err := e.ConfirmBookings([]BookingRequest{
		{ID: &id, ResourceID: rid, Span: Span{Start: 100, End: 200}},
		{ID: &id, ResourceID: rid, Span: Span{Start: 300, End: 400}},
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	if got := len(e.ListBookings()); got != 0 {
		t.Fatalf("bookings after failed batch = %d, want 0", got)
	}
}

func TestBatchSizeLimit(t *testing.T) {
	e, err := NewEngine(EngineOptions{
		WALPath: filepath.Join(t.TempDir(), "wal.log"),
		Limits:  Limits{MaxBatchSize: 2},
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Close()
	rid := newOpenResource(t, e, nil, 1, 0)
	reqs := []BookingRequest{
		{ResourceID: rid, Span: Span{Start: 0, End: 10}},
		{ResourceID: rid, Span: Span{Start: 10, End: 20}},
		{ResourceID: rid, Span: Span{Start: 20, End: 30}},
	}
	if _, err := e.ConfirmBookings(reqs); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("err = %v, want ErrLimitExceeded", err)
	}
}

func TestHoldExpiryIsInvisibleImmediately(t *testing.T) {
	clock := &testClock{ms: 1000}
	e := newTestEngine(t, clock)
	rid := newOpenResource(t, e, nil, 1, 0)

	hold, err := e.PlaceHold(nil, rid, Span{Start: 100, End: 200}, 2000)
	if err != nil {
		t.Fatalf("PlaceHold: %v", err)
	}
	if _, err := e.ConfirmBooking(rid, Span{Start: 150, End: 250}, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("live hold: err = %v, want ErrConflict", err)
	}
	if got := len(e.ListHolds()); got != 1 {
		t.Fatalf("holds = %d, want 1", got)
	}

	clock.ms = 2000
	if got := len(e.ListHolds()); got != 0 {
		t.Fatalf("holds after expiry = %d, want 0", got)
	}
	if _, err := e.ConfirmBooking(rid, Span{Start: 150, End: 250}, nil); err != nil {
		t.Fatalf("expired hold still admitted conflicts: %v", err)
	}
	// the expired hold is still releasable until the reaper removes it
	if err := e.ReleaseHold(hold.ID); err != nil {
		t.Fatalf("ReleaseHold: %v", err)
	}
}

func TestReapExpiredHolds(t *testing.T) {
	clock := &testClock{ms: 1000}
	e := newTestEngine(t, clock)
	rid := newOpenResource(t, e, nil, 2, 0)

	if _, err := e.PlaceHold(nil, rid, Span{Start: 100, End: 200}, 1500); err != nil {
		t.Fatalf("PlaceHold: %v", err)
	}
	if _, err := e.PlaceHold(nil, rid, Span{Start: 300, End: 400}, 5000); err != nil {
		t.Fatalf("PlaceHold: %v", err)
	}

	clock.ms = 2000
	n, err := e.ReapExpiredHolds()
	if err != nil {
		t.Fatalf("ReapExpiredHolds: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	if got := len(e.ListHolds()); got != 1 {
		t.Fatalf("holds = %d, want 1", got)
	}
}

func TestDeleteResource(t *testing.T) {
	clock := &testClock{ms: 1000}
	e := newTestEngine(t, clock)
	parentID := newOpenResource(t, e, nil, 1, 0)
	child, err := e.CreateResource(nil, &parentID, nil, 1, 0)
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}

	if err := e.DeleteResource(parentID); !errors.Is(err, ErrHasChildren) {
		t.Fatalf("delete with child: err = %v, want ErrHasChildren", err)
	}
	if err := e.DeleteResource(child.ID); err != nil {
		t.Fatalf("delete leaf: %v", err)
	}
	if err := e.DeleteResource(child.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete twice: err = %v, want ErrNotFound", err)
	}

	// rules keep a resource in use; an expired hold does not
	booking, err := e.ConfirmBooking(parentID, Span{Start: 100, End: 200}, nil)
	if err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}
	if err := e.DeleteResource(parentID); !errors.Is(err, ErrInUse) {
		t.Fatalf("delete in use: err = %v, want ErrInUse", err)
	}
	if err := e.CancelBooking(booking.ID); err != nil {
		t.Fatalf("CancelBooking: %v", err)
	}

	if _, err := e.PlaceHold(nil, parentID, Span{Start: 100, End: 200}, 1500); err != nil {
		t.Fatalf("PlaceHold: %v", err)
	}
	clock.ms = 2000
	rules := e.ListRules()
	for _, r := range rules {
		if err := e.RemoveRule(r.ID); err != nil {
			t.Fatalf("RemoveRule: %v", err)
		}
	}
	if err := e.DeleteResource(parentID); err != nil {
		t.Fatalf("delete with only expired hold: %v", err)
	}
}

func TestUpdateRule(t *testing.T) {
	e := newTestEngine(t, nil)
	rid := newOpenResource(t, e, nil, 1, 0)
	rule, err := e.AddRule(nil, rid, Span{Start: 400, End: 500}, true)
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	updated, err := e.UpdateRule(rule.ID, Span{Start: 600, End: 700}, true)
	if err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if updated.Span.Start != 600 || !updated.Blocking {
		t.Fatalf("updated = %+v", updated)
	}
	if _, err := e.ConfirmBooking(rid, Span{Start: 420, End: 440}, nil); err != nil {
		t.Fatalf("old blocked region freed: %v", err)
	}
	if _, err := e.ConfirmBooking(rid, Span{Start: 620, End: 640}, nil); !errors.Is(err, ErrBlockedByRule) {
		t.Fatalf("new blocked region: err = %v, want ErrBlockedByRule", err)
	}

	// moving the blocking rule over the existing [420, 440) booking is
	// allowed; the booking stays and later admissions respect the new region
	if _, err := e.UpdateRule(rule.ID, Span{Start: 400, End: 500}, true); err != nil {
		t.Fatalf("UpdateRule over existing booking: %v", err)
	}
	if got := len(e.ListBookings()); got != 1 {
		t.Fatalf("bookings after blocking update = %d, want 1", got)
	}
	if _, err := e.ConfirmBooking(rid, Span{Start: 460, End: 480}, nil); !errors.Is(err, ErrBlockedByRule) {
		t.Fatalf("booking in moved region: err = %v, want ErrBlockedByRule", err)
	}

	booking := e.ListBookings()[0]
	if _, err := e.UpdateRule(booking.ID, Span{Start: 0, End: 1}, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update a booking as a rule: err = %v, want ErrNotFound", err)
	}
}

func TestValidateSpan(t *testing.T) {
	cases := []struct {
		name string
		span Span
		ok   bool
	}{
		{"ordered", Span{Start: 0, End: 1}, true},
		{"empty", Span{Start: 5, End: 5}, false},
		{"inverted", Span{Start: 10, End: 5}, false},
		{"too long", Span{Start: 0, End: 11 * millisPerYear}, false},
		{"far future", Span{Start: maxTimestamp, End: maxTimestamp + 10}, false},
		{"negative ok", Span{Start: -1000, End: 0}, true},
	}
	for _, tc := range cases {
		err := ValidateSpan(tc.span)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidSpan) {
			t.Errorf("%s: err = %v, want ErrInvalidSpan", tc.name, err)
		}
	}
}

func TestReplayRestoresState(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")
	opts := EngineOptions{WALPath: walPath, Logger: discardLogger()}

	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	rid := newOpenResource(t, e, nil, 1, 0)
	booking, err := e.ConfirmBooking(rid, Span{Start: 100, End: 200}, strPtr("standup"))
	if err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}
	cancelled, err := e.ConfirmBooking(rid, Span{Start: 300, End: 400}, nil)
	if err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}
	if err := e.CancelBooking(cancelled.ID); err != nil {
		t.Fatalf("CancelBooking: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	bookings := e2.ListBookings()
	if len(bookings) != 1 || bookings[0].ID != booking.ID {
		t.Fatalf("bookings = %+v, want only %s", bookings, booking.ID)
	}
	if bookings[0].Label == nil || *bookings[0].Label != "standup" {
		t.Fatalf("label = %v, want standup", bookings[0].Label)
	}
	// the projection carries identity uniqueness across restarts
	if _, err := e2.ConfirmBookings([]BookingRequest{{ID: &booking.ID, ResourceID: rid, Span: Span{Start: 500, End: 600}}}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestCompactPreservesState(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")
	opts := EngineOptions{WALPath: walPath, Logger: discardLogger()}

	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	rid := newOpenResource(t, e, nil, 2, 10)
	if _, err := e.ConfirmBooking(rid, Span{Start: 100, End: 200}, nil); err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}
	if err := e.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if got := e.RecordCount(); got != 1 {
		t.Fatalf("RecordCount = %d, want 1", got)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("reopen after compact: %v", err)
	}
	defer e2.Close()
	res, err := e2.GetResource(rid)
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if res.Capacity != 2 || res.BufferAfter == nil || *res.BufferAfter != 10 {
		t.Fatalf("resource = %+v", res)
	}
	if got := len(e2.ListBookings()); got != 1 {
		t.Fatalf("bookings = %d, want 1", got)
	}
	if got := len(e2.ListRules()); got != 1 {
		t.Fatalf("rules = %d, want 1", got)
	}
}

func TestClosedEngine(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := e.CreateResource(nil, nil, nil, 1, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSubscribeDeliversCommits(t *testing.T) {
	e := newTestEngine(t, nil)
	rid := newOpenResource(t, e, nil, 1, 0)

	sub, err := e.Subscribe(rid)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	booking, err := e.ConfirmBooking(rid, Span{Start: 100, End: 200}, nil)
	if err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}
	ev := <-sub.Events
	confirmed, ok := ev.(BookingConfirmed)
	if !ok {
		t.Fatalf("event = %T, want BookingConfirmed", ev)
	}
	if confirmed.ID != booking.ID {
		t.Fatalf("event id = %s, want %s", confirmed.ID, booking.ID)
	}

	if err := e.CancelBooking(booking.ID); err != nil {
		t.Fatalf("CancelBooking: %v", err)
	}
	ev = <-sub.Events
	if _, ok := ev.(BookingCancelled); !ok {
		t.Fatalf("event = %T, want BookingCancelled", ev)
	}
}

func TestSubscribeIsChannelScoped(t *testing.T) {
	e := newTestEngine(t, nil)
	a := newOpenResource(t, e, nil, 1, 0)
	b := newOpenResource(t, e, nil, 1, 0)

	sub, err := e.Subscribe(a)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := e.ConfirmBooking(b, Span{Start: 100, End: 200}, nil); err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}
	booking, err := e.ConfirmBooking(a, Span{Start: 100, End: 200}, nil)
	if err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}

	ev := <-sub.Events
	if ev.Resource() != a {
		t.Fatalf("event resource = %s, want %s", ev.Resource(), a)
	}
	if confirmed, ok := ev.(BookingConfirmed); !ok || confirmed.ID != booking.ID {
		t.Fatalf("event = %#v, want confirmation of %s", ev, booking.ID)
	}
}
