package gapline

import "sort"

// intervalIndex is the per-resource ordered set of placed segments, keyed by
// (span start, identity) for deterministic iteration. The index is a sorted
// slice: finding an insertion point or the end of a range is a binary search,
// but Insert shifts the slice tail, and Remove and Get scan by identity, so
// those operations are linear in the segment count.
type intervalIndex struct {
	items []Interval
}

// insertionPoint returns the slot for an interval with the given start and id.
func (ix *intervalIndex) insertionPoint(start int64, id string) int {
	return sort.Search(len(ix.items), func(i int) bool {
		it := ix.items[i]
		if it.Span.Start != start {
			return it.Span.Start > start
		}
		return it.ID >= id
	})
}

// Insert places an interval, keeping (start, id) order.
func (ix *intervalIndex) Insert(iv Interval) {
	i := ix.insertionPoint(iv.Span.Start, iv.ID)
	ix.items = append(ix.items, Interval{})
	copy(ix.items[i+1:], ix.items[i:])
	ix.items[i] = iv
}

// Remove deletes the interval with the given identity. It returns the removed
// interval and whether it was present.
func (ix *intervalIndex) Remove(id string) (Interval, bool) {
	for i, it := range ix.items {
		if it.ID == id {
			out := it
			ix.items = append(ix.items[:i], ix.items[i+1:]...)
			return out, true
		}
	}
	return Interval{}, false
}

// Get returns the interval with the given identity.
func (ix *intervalIndex) Get(id string) (Interval, bool) {
	for _, it := range ix.items {
		if it.ID == id {
			return it, true
		}
	}
	return Interval{}, false
}

// Len returns the number of placed intervals.
func (ix *intervalIndex) Len() int {
	return len(ix.items)
}

// Overlapping appends to dst every interval whose span collides with query.
// The scan starts from the ordered slice and stops at the partition point
// where start >= query.End, so segments past the window are never visited.
func (ix *intervalIndex) Overlapping(query Span, dst []Interval) []Interval {
	hi := sort.Search(len(ix.items), func(i int) bool {
		return ix.items[i].Span.Start >= query.End
	})
	for _, it := range ix.items[:hi] {
		if it.Span.End > query.Start {
			dst = append(dst, it)
		}
	}
	return dst
}

// All iterates every interval in (start, id) order until fn returns false.
func (ix *intervalIndex) All(fn func(Interval) bool) {
	for _, it := range ix.items {
		if !fn(it) {
			return
		}
	}
}

// CountAt returns the stack-count of allocations covering instant t,
// counting only segments active at the given wall clock.
func (ix *intervalIndex) CountAt(t, now int64) int64 {
	var n int64
	for _, it := range ix.items {
		if it.Span.Start > t {
			break
		}
		if !it.Kind.IsAllocation() || !it.ActiveAt(now) {
			continue
		}
		if t < it.Span.End {
			n++
		}
	}
	return n
}

// sweepEvent is one endpoint in a sweep across a window: delta +1 at a span
// start, -1 at a span end.
type sweepEvent struct {
	at    int64
	delta int
}

// sortSweepEvents orders events by time with ends (-1) before starts (+1) at
// equal timestamps, honoring half-open semantics.
func sortSweepEvents(events []sweepEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].at != events[j].at {
			return events[i].at < events[j].at
		}
		return events[i].delta < events[j].delta
	})
}

// spanSweepEvents appends the ±1 endpoint events of the given spans to dst.
func spanSweepEvents(spans []Span, dst []sweepEvent) []sweepEvent {
	for _, s := range spans {
		dst = append(dst, sweepEvent{at: s.Start, delta: +1}, sweepEvent{at: s.End, delta: -1})
	}
	return dst
}
