package gapline

import "sort"

// resourceState is one node of the per-tenant projection: the resource record,
// its precomputed ancestor chain (nearest parent first), and the interval
// index carrying its rules, bookings, and holds.
type resourceState struct {
	res       Resource
	ancestors []string
	index     intervalIndex
}

func (rs *resourceState) bufferAfter() int64 {
	return rs.res.BufferAfter
}

// engineState is the full in-memory projection for one tenant. The child
// index and the entity-to-resource map live beside the record map; resource
// records never hold back-pointers.
type engineState struct {
	resources map[string]*resourceState
	children  map[string]map[string]struct{}
	owner     map[string]string
}

func newEngineState() *engineState {
	return &engineState{
		resources: make(map[string]*resourceState),
		children:  make(map[string]map[string]struct{}),
		owner:     make(map[string]string),
	}
}

func (st *engineState) resource(id string) (*resourceState, bool) {
	rs, ok := st.resources[id]
	return rs, ok
}

// ancestorChain walks parent pointers from the given parent id to the root.
func (st *engineState) ancestorChain(parentID *string) []string {
	var chain []string
	for p := parentID; p != nil; {
		chain = append(chain, *p)
		rs, ok := st.resources[*p]
		if !ok {
			break
		}
		p = rs.res.ParentID
	}
	return chain
}

// descendants returns every resource below id, breadth-first.
func (st *engineState) descendants(id string) []string {
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for child := range st.children[cur] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

func (st *engineState) addChild(parent, child string) {
	set, ok := st.children[parent]
	if !ok {
		set = make(map[string]struct{})
		st.children[parent] = set
	}
	set[child] = struct{}{}
}

func (st *engineState) removeChild(parent, child string) {
	set, ok := st.children[parent]
	if !ok {
		return
	}
	delete(set, child)
	if len(set) == 0 {
		delete(st.children, parent)
	}
}

func derefBuffer(b *int64) int64 {
	if b == nil {
		return 0
	}
	return *b
}

func bufferPtr(b int64) *int64 {
	if b == 0 {
		return nil
	}
	v := b
	return &v
}

// snapshotEvents serializes the projection as a replayable event sequence:
// resources parents-first so every ParentID resolves, then each resource's
// rules, bookings, and holds in index order.
func (st *engineState) snapshotEvents() []Event {
	var order []string
	var roots []string
	for id, rs := range st.resources {
		if rs.res.ParentID == nil {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	queue := roots
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		var kids []string
		for child := range st.children[cur] {
			kids = append(kids, child)
		}
		sort.Strings(kids)
		queue = append(queue, kids...)
	}

	var events []Event
	for _, id := range order {
		rs := st.resources[id]
		r := rs.res
		events = append(events, ResourceCreated{
			ID:          r.ID,
			ParentID:    r.ParentID,
			Name:        r.Name,
			Capacity:    r.Capacity,
			BufferAfter: bufferPtr(r.BufferAfter),
		})
	}
	for _, id := range order {
		rs := st.resources[id]
		rs.index.All(func(iv Interval) bool {
			switch iv.Kind {
			case KindOpenRule:
				events = append(events, RuleAdded{ID: iv.ID, ResourceID: id, Span: iv.Span, Blocking: false})
			case KindBlockRule:
				events = append(events, RuleAdded{ID: iv.ID, ResourceID: id, Span: iv.Span, Blocking: true})
			case KindBooking:
				events = append(events, BookingConfirmed{ID: iv.ID, ResourceID: id, Span: iv.Span, Label: iv.Label})
			case KindHold:
				events = append(events, HoldPlaced{ID: iv.ID, ResourceID: id, Span: iv.Span, ExpiresAt: iv.ExpiresAt})
			}
			return true
		})
	}
	return events
}

// apply folds one committed event into the projection. It is the single
// mutation path shared by commit and replay, so a replayed log reproduces the
// live state exactly.
func (st *engineState) apply(e Event) {
	switch ev := e.(type) {
	case ResourceCreated:
		rs := &resourceState{
			res: Resource{
				ID:          ev.ID,
				ParentID:    ev.ParentID,
				Name:        ev.Name,
				Capacity:    ev.Capacity,
				BufferAfter: derefBuffer(ev.BufferAfter),
			},
			ancestors: st.ancestorChain(ev.ParentID),
		}
		st.resources[ev.ID] = rs
		if ev.ParentID != nil {
			st.addChild(*ev.ParentID, ev.ID)
		}

	case ResourceUpdated:
		rs, ok := st.resources[ev.ID]
		if !ok {
			return
		}
		rs.res.Name = ev.Name
		rs.res.Capacity = ev.Capacity
		rs.res.BufferAfter = derefBuffer(ev.BufferAfter)

	case ResourceDeleted:
		rs, ok := st.resources[ev.ID]
		if !ok {
			return
		}
		rs.index.All(func(iv Interval) bool {
			delete(st.owner, iv.ID)
			return true
		})
		if rs.res.ParentID != nil {
			st.removeChild(*rs.res.ParentID, ev.ID)
		}
		delete(st.resources, ev.ID)

	case RuleAdded:
		rs, ok := st.resources[ev.ResourceID]
		if !ok {
			return
		}
		kind := KindOpenRule
		if ev.Blocking {
			kind = KindBlockRule
		}
		rs.index.Insert(Interval{ID: ev.ID, Kind: kind, Span: ev.Span})
		st.owner[ev.ID] = ev.ResourceID

	case RuleUpdated:
		rs, ok := st.resources[ev.ResourceID]
		if !ok {
			return
		}
		rs.index.Remove(ev.ID)
		kind := KindOpenRule
		if ev.Blocking {
			kind = KindBlockRule
		}
		rs.index.Insert(Interval{ID: ev.ID, Kind: kind, Span: ev.Span})

	case RuleRemoved:
		rs, ok := st.resources[ev.ResourceID]
		if !ok {
			return
		}
		rs.index.Remove(ev.ID)
		delete(st.owner, ev.ID)

	case HoldPlaced:
		rs, ok := st.resources[ev.ResourceID]
		if !ok {
			return
		}
		rs.index.Insert(Interval{ID: ev.ID, Kind: KindHold, Span: ev.Span, ExpiresAt: ev.ExpiresAt})
		st.owner[ev.ID] = ev.ResourceID

	case HoldReleased:
		rs, ok := st.resources[ev.ResourceID]
		if !ok {
			return
		}
		rs.index.Remove(ev.ID)
		delete(st.owner, ev.ID)

	case BookingConfirmed:
		rs, ok := st.resources[ev.ResourceID]
		if !ok {
			return
		}
		rs.index.Insert(Interval{ID: ev.ID, Kind: KindBooking, Span: ev.Span, Label: ev.Label})
		st.owner[ev.ID] = ev.ResourceID

	case BookingCancelled:
		rs, ok := st.resources[ev.ResourceID]
		if !ok {
			return
		}
		rs.index.Remove(ev.ID)
		delete(st.owner, ev.ID)
	}
}
