package gapline

// overlay carries intervals admitted earlier in the same batch but not yet
// committed. Admission sees them exactly as if they were already placed.
type overlay map[string][]Interval

func (o overlay) add(resourceID string, iv Interval) {
	o[resourceID] = append(o[resourceID], iv)
}

// allocationsOverlapping gathers active allocations on a resource whose spans
// collide with query, merging committed intervals with the batch overlay.
func (st *engineState) allocationsOverlapping(rs *resourceState, query Span, now int64, extra overlay) []Interval {
	var out []Interval
	for _, iv := range rs.index.Overlapping(query, nil) {
		if iv.Kind.IsAllocation() && iv.ActiveAt(now) {
			out = append(out, iv)
		}
	}
	for _, iv := range extra[rs.res.ID] {
		if iv.Kind.IsAllocation() && iv.ActiveAt(now) && iv.Span.Overlaps(query) {
			out = append(out, iv)
		}
	}
	return out
}

// effectiveSpan widens an allocation by the resource's buffer so that the
// mandatory gap after it reads as part of the occupied region.
func effectiveSpan(iv Interval, buffer int64) Span {
	if iv.Kind == KindBooking || iv.Kind == KindHold {
		return Span{Start: iv.Span.Start, End: iv.Span.End + buffer}
	}
	return iv.Span
}

// admit runs the ordered admission checks for a candidate span on a resource.
// Checks run in a fixed order so a span failing several of them always
// reports the same error: availability, blocking rules, capacity, buffer
// spacing, then hierarchy exclusion.
func (st *engineState) admit(rs *resourceState, span Span, now int64, extra overlay) error {
	regions := st.regionsFor(rs, span)

	if ok, _ := coveredBy(span, regions.open); !ok {
		return &AdmissionError{Type: AdmissionErrorTypeOutsideAvailability}
	}

	for _, b := range regions.blocked {
		if b.Overlaps(span) {
			return &AdmissionError{Type: AdmissionErrorTypeBlockedByRule}
		}
	}

	buffer := rs.bufferAfter()

	// widen the probe so allocations whose trailing buffer reaches into the
	// candidate are seen, and so the candidate's own buffer is respected
	probe := Span{Start: span.Start - buffer, End: span.End + buffer}
	if buffer == 0 {
		probe = span
	}
	allocs := st.allocationsOverlapping(rs, probe, now, extra)

	if rs.res.Capacity <= 1 {
		for _, iv := range allocs {
			if effectiveSpan(iv, buffer).Overlaps(span) {
				return &AdmissionError{Type: AdmissionErrorTypeConflict, ConflictID: iv.ID}
			}
		}
	} else {
		saturated := st.saturatedSpans(rs, span, now, extra)
		for _, s := range saturated {
			if s.Overlaps(span) {
				return &AdmissionError{Type: AdmissionErrorTypeCapacity, Capacity: rs.res.Capacity}
			}
		}
	}

	if buffer > 0 {
		candidateEff := Span{Start: span.Start, End: span.End + buffer}
		for _, iv := range allocs {
			if effectiveSpan(iv, buffer).Overlaps(span) || candidateEff.Overlaps(iv.Span) {
				return &AdmissionError{Type: AdmissionErrorTypeConflict, ConflictID: iv.ID}
			}
		}
	}

	if err := st.checkHierarchyExclusion(rs, span, now, extra); err != nil {
		return err
	}

	return nil
}

// saturatedSpans returns the merged sub-spans of window where the count of
// active allocations, with buffers applied, has reached the resource's
// capacity.
func (st *engineState) saturatedSpans(rs *resourceState, window Span, now int64, extra overlay) []Span {
	buffer := rs.bufferAfter()
	probe := Span{Start: window.Start - buffer, End: window.End + buffer}
	if buffer == 0 {
		probe = window
	}

	var spans []Span
	for _, iv := range st.allocationsOverlapping(rs, probe, now, extra) {
		spans = append(spans, effectiveSpan(iv, buffer))
	}
	if int64(len(spans)) < rs.res.Capacity {
		return nil
	}

	events := spanSweepEvents(spans, nil)
	sortSweepEvents(events)

	var out []Span
	var depth int64
	var openAt int64
	saturated := false
	for _, ev := range events {
		depth += int64(ev.delta)
		if !saturated && depth >= rs.res.Capacity {
			saturated = true
			openAt = ev.at
		} else if saturated && depth < rs.res.Capacity {
			saturated = false
			if ev.at > openAt {
				out = append(out, Span{Start: openAt, End: ev.at})
			}
		}
	}
	return mergeSpans(out)
}

// checkHierarchyExclusion refuses a candidate that overlaps any active
// allocation on an ancestor or descendant of the resource. A slot on a room
// cannot be taken while the whole room is, and vice versa.
func (st *engineState) checkHierarchyExclusion(rs *resourceState, span Span, now int64, extra overlay) error {
	for _, anc := range rs.ancestors {
		ars, ok := st.resources[anc]
		if !ok {
			continue
		}
		for _, iv := range st.allocationsOverlapping(ars, span, now, extra) {
			return &AdmissionError{Type: AdmissionErrorTypeConflict, ConflictID: iv.ID}
		}
	}
	for _, desc := range st.descendants(rs.res.ID) {
		drs, ok := st.resources[desc]
		if !ok {
			continue
		}
		for _, iv := range st.allocationsOverlapping(drs, span, now, extra) {
			return &AdmissionError{Type: AdmissionErrorTypeConflict, ConflictID: iv.ID}
		}
	}
	return nil
}
