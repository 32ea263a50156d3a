package gapline

// ruleRegions is the effective availability picture for one resource over a
// window: the open spans it may admit into and the blocked spans it may not.
// Both lists are clamped to the window and merged.
type ruleRegions struct {
	open    []Span
	blocked []Span
}

// openRuleSpans collects the resource's own non-blocking rule spans clamped
// to the window. The boolean reports whether the resource has ANY
// non-blocking rule at all, clamped or not, which drives inheritance.
func (st *engineState) openRuleSpans(rs *resourceState, window Span) ([]Span, bool) {
	var spans []Span
	has := false
	rs.index.All(func(iv Interval) bool {
		if iv.Kind != KindOpenRule {
			return true
		}
		has = true
		if c, ok := iv.Span.Clamp(window); ok {
			spans = append(spans, c)
		}
		return true
	})
	return spans, has
}

// blockingRuleSpans collects the resource's own blocking rule spans clamped
// to the window.
func (st *engineState) blockingRuleSpans(rs *resourceState, window Span) []Span {
	var spans []Span
	rs.index.All(func(iv Interval) bool {
		if iv.Kind == KindBlockRule {
			if c, ok := iv.Span.Clamp(window); ok {
				spans = append(spans, c)
			}
		}
		return true
	})
	return spans
}

// regionsFor computes the effective rule regions for a resource. Open spans
// come from the resource's own non-blocking rules when it has any; otherwise
// from the nearest ancestor that has non-blocking rules. Blocking spans
// accumulate from the resource and every ancestor.
func (st *engineState) regionsFor(rs *resourceState, window Span) ruleRegions {
	open, has := st.openRuleSpans(rs, window)
	if !has {
		for _, anc := range rs.ancestors {
			ars, ok := st.resources[anc]
			if !ok {
				continue
			}
			spans, ancHas := st.openRuleSpans(ars, window)
			if ancHas {
				open = spans
				break
			}
		}
	}

	blocked := st.blockingRuleSpans(rs, window)
	for _, anc := range rs.ancestors {
		ars, ok := st.resources[anc]
		if !ok {
			continue
		}
		blocked = append(blocked, st.blockingRuleSpans(ars, window)...)
	}

	return ruleRegions{
		open:    mergeSpans(open),
		blocked: mergeSpans(blocked),
	}
}

// mergeSpans sorts and coalesces spans, merging overlapping and adjacent
// neighbors. The input slice is reordered in place.
func mergeSpans(spans []Span) []Span {
	if len(spans) <= 1 {
		return spans
	}
	sortSpans(spans)
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func sortSpans(spans []Span) {
	// insertion sort; rule lists per resource are short and often presorted
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].Start < spans[j-1].Start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
}

// subtractSpans removes the merged cut list from the merged base list,
// returning the surviving fragments. Both inputs must be sorted and merged.
func subtractSpans(base, cuts []Span) []Span {
	if len(cuts) == 0 {
		return base
	}
	var out []Span
	ci := 0
	for _, b := range base {
		cur := b.Start
		for ci < len(cuts) && cuts[ci].End <= cur {
			ci++
		}
		for j := ci; j < len(cuts) && cuts[j].Start < b.End; j++ {
			c := cuts[j]
			if c.Start > cur {
				out = append(out, Span{Start: cur, End: c.Start})
			}
			if c.End > cur {
				cur = c.End
			}
		}
		if cur < b.End {
			out = append(out, Span{Start: cur, End: b.End})
		}
	}
	return out
}

// coveredBy reports whether s lies entirely within the merged span list, and
// when it does not, returns the uncovered fragments.
func coveredBy(s Span, merged []Span) (bool, []Span) {
	missing := subtractSpans([]Span{s}, merged)
	return len(missing) == 0, missing
}

// validateRuleCoverage enforces that a child's non-blocking rule stays inside
// the parent's open region. Resources without a parent, and blocking rules,
// are never constrained.
func (st *engineState) validateRuleCoverage(rs *resourceState, span Span, blocking bool) error {
	if blocking || rs.res.ParentID == nil {
		return nil
	}
	parent, ok := st.resources[*rs.res.ParentID]
	if !ok {
		return nil
	}
	regions := st.regionsFor(parent, span)
	avail := subtractSpans(regions.open, regions.blocked)
	if ok, missing := coveredBy(span, avail); !ok {
		return &CoverageError{RuleSpan: span, Uncovered: missing}
	}
	return nil
}
