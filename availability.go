package gapline

// availableSpans computes the free spans of one resource inside window: the
// effective open region, minus blocking regions, minus spans where the
// resource itself is saturated, minus spans claimed by ancestor or descendant
// allocations.
func (st *engineState) availableSpans(rs *resourceState, window Span, now int64) []Span {
	regions := st.regionsFor(rs, window)
	free := subtractSpans(regions.open, regions.blocked)
	if len(free) == 0 {
		return nil
	}

	var cuts []Span

	if rs.res.Capacity <= 1 {
		buffer := rs.bufferAfter()
		probe := Span{Start: window.Start - buffer, End: window.End + buffer}
		if buffer == 0 {
			probe = window
		}
		for _, iv := range st.allocationsOverlapping(rs, probe, now, nil) {
			cuts = append(cuts, effectiveSpan(iv, buffer))
		}
	} else {
		cuts = append(cuts, st.saturatedSpans(rs, window, now, nil)...)
	}

	for _, anc := range rs.ancestors {
		ars, ok := st.resources[anc]
		if !ok {
			continue
		}
		for _, iv := range st.allocationsOverlapping(ars, window, now, nil) {
			cuts = append(cuts, iv.Span)
		}
	}
	for _, desc := range st.descendants(rs.res.ID) {
		drs, ok := st.resources[desc]
		if !ok {
			continue
		}
		for _, iv := range st.allocationsOverlapping(drs, window, now, nil) {
			cuts = append(cuts, iv.Span)
		}
	}

	free = subtractSpans(free, mergeSpans(cuts))

	out := free[:0]
	for _, s := range free {
		if c, ok := s.Clamp(window); ok {
			out = append(out, c)
		}
	}
	return out
}

// AvailabilitySlot is one free span of a resource in the read model.
type AvailabilitySlot struct {
	ResourceID string `json:"resource_id"`
	Span       Span   `json:"span"`
}

// filterMinDuration drops spans shorter than minDuration. Zero means no
// filtering.
func filterMinDuration(spans []Span, minDuration int64) []Span {
	if minDuration <= 0 {
		return spans
	}
	out := spans[:0]
	for _, s := range spans {
		if s.Duration() >= minDuration {
			out = append(out, s)
		}
	}
	return out
}

// availability resolves the free slots of the given resources in window. A
// single-resource query reports that resource's own slots. A multi-resource
// query sums the per-resource free indicators and emits the disjoint spans
// where at least minAvailable resources are simultaneously free, reported
// once per query rather than per resource.
func (st *engineState) availability(resourceIDs []string, window Span, now, minDuration, minAvailable int64) ([]AvailabilitySlot, error) {
	perResource := make([][]Span, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		rs, ok := st.resources[id]
		if !ok {
			return nil, newEntityError(EntityErrorTypeNotFound, id)
		}
		perResource = append(perResource, st.availableSpans(rs, window, now))
	}

	if len(resourceIDs) == 1 {
		var out []AvailabilitySlot
		for _, s := range filterMinDuration(perResource[0], minDuration) {
			out = append(out, AvailabilitySlot{ResourceID: resourceIDs[0], Span: s})
		}
		return out, nil
	}

	if minAvailable < 1 {
		minAvailable = 1
	}

	var events []sweepEvent
	for _, spans := range perResource {
		events = spanSweepEvents(spans, events)
	}
	sortSweepEvents(events)

	var joint []Span
	var depth int64
	var openAt int64
	open := false
	for _, ev := range events {
		depth += int64(ev.delta)
		if !open && depth >= minAvailable {
			open = true
			openAt = ev.at
		} else if open && depth < minAvailable {
			open = false
			if ev.at > openAt {
				joint = append(joint, Span{Start: openAt, End: ev.at})
			}
		}
	}

	joint = filterMinDuration(mergeSpans(joint), minDuration)
	out := make([]AvailabilitySlot, 0, len(joint))
	for _, s := range joint {
		out = append(out, AvailabilitySlot{Span: s})
	}
	return out, nil
}
