package gapline

import (
	"log/slog"
	"sync"
)

const (
	millisPerYear = 365 * 24 * 60 * 60 * 1000

	// maxSpanDuration bounds a single span to ten years.
	maxSpanDuration = 10 * millisPerYear

	// maxTimestamp bounds span endpoints to ten thousand years either side
	// of the epoch.
	maxTimestamp = 10000 * millisPerYear
)

// Limits bound the per-tenant engine. Zero values fall back to the defaults.
type Limits struct {
	// MaxResources caps the resource count per tenant. Default: 100000.
	MaxResources int

	// MaxIntervalsPerResource caps placed segments per resource. Default: 100000.
	MaxIntervalsPerResource int

	// MaxRulesPerResource caps rules per resource. Default: 10000.
	MaxRulesPerResource int

	// MaxBatchSize caps the bookings admitted in one batch. Default: 1000.
	MaxBatchSize int

	// MaxDepth caps the resource forest depth. Default: 32.
	MaxDepth int
}

// DefaultLimits returns the standard engine bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxResources:            100000,
		MaxIntervalsPerResource: 100000,
		MaxRulesPerResource:     10000,
		MaxBatchSize:            1000,
		MaxDepth:                32,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxResources <= 0 {
		l.MaxResources = d.MaxResources
	}
	if l.MaxIntervalsPerResource <= 0 {
		l.MaxIntervalsPerResource = d.MaxIntervalsPerResource
	}
	if l.MaxRulesPerResource <= 0 {
		l.MaxRulesPerResource = d.MaxRulesPerResource
	}
	if l.MaxBatchSize <= 0 {
		l.MaxBatchSize = d.MaxBatchSize
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	return l
}

// EngineOptions configure a tenant engine.
type EngineOptions struct {
	// WALPath is the write-ahead log file for this tenant.
	WALPath string

	// Limits bound the engine. Zero fields use DefaultLimits.
	Limits Limits

	// Logger receives structured engine logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Clock returns the wall clock in milliseconds. Defaults to real time.
	Clock func() int64
}

// Engine is the per-tenant interval database: a projection rebuilt from the
// WAL, guarded by a single writer lock, with committed changes fanned out to
// channel subscribers.
type Engine struct {
	mu     sync.RWMutex
	state  *engineState
	wal    *WAL
	hub    *Hub
	limits Limits
	logger *slog.Logger
	now    func() int64
	closed bool
}

// NewEngine opens the WAL at opts.WALPath, replays it into a fresh
// projection, and returns the ready engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = nowMs
	}

	e := &Engine{
		state:  newEngineState(),
		hub:    NewHub(logger),
		limits: opts.Limits.withDefaults(),
		logger: logger,
		now:    clock,
	}

	wal, err := OpenWAL(opts.WALPath, logger)
	if err != nil {
		return nil, err
	}
	replayed := 0
	err = wal.Replay(func(rec WALRecord) error {
		for _, ev := range rec.Events {
			e.state.apply(ev)
			replayed++
		}
		return nil
	})
	if err != nil {
		wal.Close()
		return nil, err
	}
	e.wal = wal
	if replayed > 0 {
		logger.Info("engine replayed", "path", opts.WALPath, "events", replayed)
	}
	return e, nil
}

// Close flushes and closes the WAL and drops all subscribers. Afterwards the
// methods that return an error fail with ErrClosed; the List methods and
// RecordCount still answer from the in-memory state.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.hub.Close()
	return e.wal.Close()
}

// commit is the single write path: append to the WAL, fold into the
// projection, then broadcast. Callers hold the write lock.
func (e *Engine) commit(events []Event) error {
	if _, err := e.wal.Append(e.now(), events); err != nil {
		return err
	}
	for _, ev := range events {
		e.state.apply(ev)
	}
	for _, ev := range events {
		e.hub.Publish(ev)
	}
	return nil
}

// ValidateSpan checks ordering, endpoint range, and duration bounds.
func ValidateSpan(s Span) error {
	if s.Start >= s.End {
		return &AdmissionError{Type: AdmissionErrorTypeInvalidSpan}
	}
	if s.Start < -maxTimestamp || s.End > maxTimestamp {
		return &AdmissionError{Type: AdmissionErrorTypeInvalidSpan}
	}
	if s.Duration() > maxSpanDuration {
		return &AdmissionError{Type: AdmissionErrorTypeInvalidSpan}
	}
	return nil
}

// claimIDLocked validates a caller-supplied identity or mints a fresh one.
// Callers hold the write lock.
func (e *Engine) claimIDLocked(id *string) (string, error) {
	if id == nil {
		return NewID(), nil
	}
	canonical, err := ParseID(*id)
	if err != nil {
		return "", err
	}
	if _, ok := e.state.resources[canonical]; ok {
		return "", newEntityError(EntityErrorTypeAlreadyExists, canonical)
	}
	if _, ok := e.state.owner[canonical]; ok {
		return "", newEntityError(EntityErrorTypeAlreadyExists, canonical)
	}
	return canonical, nil
}

// CreateResource adds a resource to the forest and returns its row. A nil id
// mints a fresh identity.
func (e *Engine) CreateResource(id *string, parentID, name *string, capacity int64, bufferAfter int64) (ResourceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ResourceInfo{}, ErrClosed
	}
	if capacity < 1 {
		return ResourceInfo{}, &LimitError{What: "capacity must be at least 1"}
	}
	if bufferAfter < 0 {
		return ResourceInfo{}, &LimitError{What: "buffer_after must not be negative"}
	}
	if len(e.state.resources) >= e.limits.MaxResources {
		return ResourceInfo{}, &LimitError{What: "resources per tenant"}
	}
	if parentID != nil {
		prs, ok := e.state.resources[*parentID]
		if !ok {
			return ResourceInfo{}, &ReferenceError{ID: *parentID, Cause: ErrNotFound}
		}
		if len(prs.ancestors)+2 > e.limits.MaxDepth {
			return ResourceInfo{}, &LimitError{What: "resource tree depth"}
		}
	}

	rid, err := e.claimIDLocked(id)
	if err != nil {
		return ResourceInfo{}, err
	}
	ev := ResourceCreated{
		ID:          rid,
		ParentID:    parentID,
		Name:        name,
		Capacity:    capacity,
		BufferAfter: bufferPtr(bufferAfter),
	}
	if err := e.commit([]Event{ev}); err != nil {
		return ResourceInfo{}, err
	}
	return e.resourceInfoLocked(rid)
}

// UpdateResource replaces the mutable attributes of a resource. The parent
// link is fixed at creation.
func (e *Engine) UpdateResource(id string, name *string, capacity int64, bufferAfter int64) (ResourceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ResourceInfo{}, ErrClosed
	}
	if _, ok := e.state.resources[id]; !ok {
		return ResourceInfo{}, newEntityError(EntityErrorTypeNotFound, id)
	}
	if capacity < 1 {
		return ResourceInfo{}, &LimitError{What: "capacity must be at least 1"}
	}
	if bufferAfter < 0 {
		return ResourceInfo{}, &LimitError{What: "buffer_after must not be negative"}
	}
	ev := ResourceUpdated{ID: id, Name: name, Capacity: capacity, BufferAfter: bufferPtr(bufferAfter)}
	if err := e.commit([]Event{ev}); err != nil {
		return ResourceInfo{}, err
	}
	return e.resourceInfoLocked(id)
}

// DeleteResource removes a leaf resource with no attached entities. Expired
// holds do not hold the resource in use and are released with it.
func (e *Engine) DeleteResource(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	rs, ok := e.state.resources[id]
	if !ok {
		return newEntityError(EntityErrorTypeNotFound, id)
	}
	if len(e.state.children[id]) > 0 {
		return newEntityError(EntityErrorTypeHasChildren, id)
	}

	now := e.now()
	inUse := false
	var expired []Event
	rs.index.All(func(iv Interval) bool {
		if iv.Kind == KindHold && !iv.ActiveAt(now) {
			expired = append(expired, HoldReleased{ID: iv.ID, ResourceID: id})
			return true
		}
		inUse = true
		return false
	})
	if inUse {
		return newEntityError(EntityErrorTypeInUse, id)
	}

	events := append(expired, ResourceDeleted{ID: id})
	return e.commit(events)
}

func (e *Engine) ruleCountLocked(rs *resourceState) int {
	n := 0
	rs.index.All(func(iv Interval) bool {
		if iv.Kind == KindOpenRule || iv.Kind == KindBlockRule {
			n++
		}
		return true
	})
	return n
}

// AddRule attaches a rule to a resource. Non-blocking rules on child
// resources must stay inside the parent's availability. A nil id mints a
// fresh identity.
func (e *Engine) AddRule(id *string, resourceID string, span Span, blocking bool) (RuleInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return RuleInfo{}, ErrClosed
	}
	rs, ok := e.state.resources[resourceID]
	if !ok {
		return RuleInfo{}, &ReferenceError{ID: resourceID, Cause: ErrNotFound}
	}
	if err := ValidateSpan(span); err != nil {
		return RuleInfo{}, err
	}
	if e.ruleCountLocked(rs) >= e.limits.MaxRulesPerResource {
		return RuleInfo{}, &LimitError{What: "rules per resource"}
	}
	if rs.index.Len() >= e.limits.MaxIntervalsPerResource {
		return RuleInfo{}, &LimitError{What: "intervals per resource"}
	}
	if err := e.state.validateRuleCoverage(rs, span, blocking); err != nil {
		return RuleInfo{}, err
	}

	rid, err := e.claimIDLocked(id)
	if err != nil {
		return RuleInfo{}, err
	}
	ev := RuleAdded{ID: rid, ResourceID: resourceID, Span: span, Blocking: blocking}
	if err := e.commit([]Event{ev}); err != nil {
		return RuleInfo{}, err
	}
	return RuleInfo{ID: rid, ResourceID: resourceID, Span: span, Blocking: blocking}, nil
}

// UpdateRule replaces a rule's span and blocking flag in place.
func (e *Engine) UpdateRule(id string, span Span, blocking bool) (RuleInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return RuleInfo{}, ErrClosed
	}
	resourceID, rs, iv, err := e.ownedIntervalLocked(id)
	if err != nil {
		return RuleInfo{}, err
	}
	if iv.Kind != KindOpenRule && iv.Kind != KindBlockRule {
		return RuleInfo{}, newEntityError(EntityErrorTypeNotFound, id)
	}
	if err := ValidateSpan(span); err != nil {
		return RuleInfo{}, err
	}
	if err := e.state.validateRuleCoverage(rs, span, blocking); err != nil {
		return RuleInfo{}, err
	}

	ev := RuleUpdated{ID: id, ResourceID: resourceID, Span: span, Blocking: blocking}
	if err := e.commit([]Event{ev}); err != nil {
		return RuleInfo{}, err
	}
	return RuleInfo{ID: id, ResourceID: resourceID, Span: span, Blocking: blocking}, nil
}

// RemoveRule deletes a rule.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	resourceID, _, iv, err := e.ownedIntervalLocked(id)
	if err != nil {
		return err
	}
	if iv.Kind != KindOpenRule && iv.Kind != KindBlockRule {
		return newEntityError(EntityErrorTypeNotFound, id)
	}
	return e.commit([]Event{RuleRemoved{ID: id, ResourceID: resourceID}})
}

// BookingRequest is one candidate booking in a batch. A nil ID mints a fresh
// identity.
type BookingRequest struct {
	ID         *string
	ResourceID string
	Span       Span
	Label      *string
}

// ConfirmBooking admits and commits a single booking.
func (e *Engine) ConfirmBooking(resourceID string, span Span, label *string) (BookingInfo, error) {
	infos, err := e.ConfirmBookings([]BookingRequest{{ResourceID: resourceID, Span: span, Label: label}})
	if err != nil {
		return BookingInfo{}, err
	}
	return infos[0], nil
}

// ConfirmBookings admits a batch atomically: every candidate is checked
// against committed state plus the candidates admitted before it, and either
// all bookings commit or none do.
func (e *Engine) ConfirmBookings(reqs []BookingRequest) ([]BookingInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	if len(reqs) > e.limits.MaxBatchSize {
		return nil, &LimitError{What: "bookings per batch"}
	}

	now := e.now()
	extra := make(overlay)
	claimed := make(map[string]struct{}, len(reqs))
	events := make([]Event, 0, len(reqs))
	infos := make([]BookingInfo, 0, len(reqs))
	for _, req := range reqs {
		rs, ok := e.state.resources[req.ResourceID]
		if !ok {
			return nil, &ReferenceError{ID: req.ResourceID, Cause: ErrNotFound}
		}
		if err := ValidateSpan(req.Span); err != nil {
			return nil, err
		}
		if rs.index.Len()+len(extra[req.ResourceID]) >= e.limits.MaxIntervalsPerResource {
			return nil, &LimitError{What: "intervals per resource"}
		}
		if err := e.state.admit(rs, req.Span, now, extra); err != nil {
			return nil, err
		}
		id, err := e.claimIDLocked(req.ID)
		if err != nil {
			return nil, err
		}
		if _, dup := claimed[id]; dup {
			return nil, newEntityError(EntityErrorTypeAlreadyExists, id)
		}
		claimed[id] = struct{}{}
		extra.add(req.ResourceID, Interval{ID: id, Kind: KindBooking, Span: req.Span, Label: req.Label})
		events = append(events, BookingConfirmed{ID: id, ResourceID: req.ResourceID, Span: req.Span, Label: req.Label})
		infos = append(infos, BookingInfo{ID: id, ResourceID: req.ResourceID, Span: req.Span, Label: req.Label})
	}

	if err := e.commit(events); err != nil {
		return nil, err
	}
	return infos, nil
}

// CancelBooking removes a booking.
func (e *Engine) CancelBooking(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	resourceID, _, iv, err := e.ownedIntervalLocked(id)
	if err != nil {
		return err
	}
	if iv.Kind != KindBooking {
		return newEntityError(EntityErrorTypeNotFound, id)
	}
	return e.commit([]Event{BookingCancelled{ID: id, ResourceID: resourceID}})
}

// PlaceHold admits a temporary allocation that expires at expiresAt. A nil
// id mints a fresh identity.
func (e *Engine) PlaceHold(id *string, resourceID string, span Span, expiresAt int64) (HoldInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return HoldInfo{}, ErrClosed
	}
	rs, ok := e.state.resources[resourceID]
	if !ok {
		return HoldInfo{}, &ReferenceError{ID: resourceID, Cause: ErrNotFound}
	}
	if err := ValidateSpan(span); err != nil {
		return HoldInfo{}, err
	}
	if rs.index.Len() >= e.limits.MaxIntervalsPerResource {
		return HoldInfo{}, &LimitError{What: "intervals per resource"}
	}
	now := e.now()
	if err := e.state.admit(rs, span, now, nil); err != nil {
		return HoldInfo{}, err
	}

	hid, err := e.claimIDLocked(id)
	if err != nil {
		return HoldInfo{}, err
	}
	ev := HoldPlaced{ID: hid, ResourceID: resourceID, Span: span, ExpiresAt: expiresAt}
	if err := e.commit([]Event{ev}); err != nil {
		return HoldInfo{}, err
	}
	return HoldInfo{ID: hid, ResourceID: resourceID, Span: span, ExpiresAt: expiresAt}, nil
}

// ReleaseHold removes a hold, expired or not.
func (e *Engine) ReleaseHold(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	resourceID, _, iv, err := e.ownedIntervalLocked(id)
	if err != nil {
		return err
	}
	if iv.Kind != KindHold {
		return newEntityError(EntityErrorTypeNotFound, id)
	}
	return e.commit([]Event{HoldReleased{ID: id, ResourceID: resourceID}})
}

// ReapExpiredHolds releases every hold whose expiry has passed and returns
// how many were released.
func (e *Engine) ReapExpiredHolds() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	now := e.now()
	var events []Event
	for id, rs := range e.state.resources {
		rs.index.All(func(iv Interval) bool {
			if iv.Kind == KindHold && now >= iv.ExpiresAt {
				events = append(events, HoldReleased{ID: iv.ID, ResourceID: id})
			}
			return true
		})
	}
	if len(events) == 0 {
		return 0, nil
	}
	if err := e.commit(events); err != nil {
		return 0, err
	}
	return len(events), nil
}

// ownedIntervalLocked resolves an entity id to its resource and interval via
// the owner map. Callers hold the lock.
func (e *Engine) ownedIntervalLocked(id string) (string, *resourceState, Interval, error) {
	resourceID, ok := e.state.owner[id]
	if !ok {
		return "", nil, Interval{}, newEntityError(EntityErrorTypeNotFound, id)
	}
	rs, ok := e.state.resources[resourceID]
	if !ok {
		return "", nil, Interval{}, newEntityError(EntityErrorTypeNotFound, id)
	}
	iv, ok := rs.index.Get(id)
	if !ok {
		return "", nil, Interval{}, newEntityError(EntityErrorTypeNotFound, id)
	}
	return resourceID, rs, iv, nil
}

func (e *Engine) resourceInfoLocked(id string) (ResourceInfo, error) {
	rs, ok := e.state.resources[id]
	if !ok {
		return ResourceInfo{}, newEntityError(EntityErrorTypeNotFound, id)
	}
	r := rs.res
	return ResourceInfo{
		ID:          r.ID,
		ParentID:    r.ParentID,
		Name:        r.Name,
		Capacity:    r.Capacity,
		BufferAfter: bufferPtr(r.BufferAfter),
	}, nil
}

// GetResource returns one resource row.
func (e *Engine) GetResource(id string) (ResourceInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ResourceInfo{}, ErrClosed
	}
	return e.resourceInfoLocked(id)
}

// ListResources returns every resource row ordered by id.
func (e *Engine) ListResources() []ResourceInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ResourceInfo, 0, len(e.state.resources))
	for id := range e.state.resources {
		info, _ := e.resourceInfoLocked(id)
		out = append(out, info)
	}
	sortResourceInfos(out)
	return out
}

// ListRules returns every rule row ordered by (resource, start, id).
func (e *Engine) ListRules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []RuleInfo
	for id, rs := range e.state.resources {
		rs.index.All(func(iv Interval) bool {
			switch iv.Kind {
			case KindOpenRule:
				out = append(out, RuleInfo{ID: iv.ID, ResourceID: id, Span: iv.Span, Blocking: false})
			case KindBlockRule:
				out = append(out, RuleInfo{ID: iv.ID, ResourceID: id, Span: iv.Span, Blocking: true})
			}
			return true
		})
	}
	sortRuleInfos(out)
	return out
}

// ListBookings returns every booking row ordered by (resource, start, id).
func (e *Engine) ListBookings() []BookingInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []BookingInfo
	for id, rs := range e.state.resources {
		rs.index.All(func(iv Interval) bool {
			if iv.Kind == KindBooking {
				out = append(out, BookingInfo{ID: iv.ID, ResourceID: id, Span: iv.Span, Label: iv.Label})
			}
			return true
		})
	}
	sortBookingInfos(out)
	return out
}

// ListHolds returns the active hold rows ordered by (resource, start, id).
// Expired holds are invisible even before the reaper releases them.
func (e *Engine) ListHolds() []HoldInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := e.now()
	var out []HoldInfo
	for id, rs := range e.state.resources {
		rs.index.All(func(iv Interval) bool {
			if iv.Kind == KindHold && iv.ActiveAt(now) {
				out = append(out, HoldInfo{ID: iv.ID, ResourceID: id, Span: iv.Span, ExpiresAt: iv.ExpiresAt})
			}
			return true
		})
	}
	sortHoldInfos(out)
	return out
}

// Availability returns the free slots of the given resources inside window.
func (e *Engine) Availability(resourceIDs []string, window Span, minDuration, minAvailable int64) ([]AvailabilitySlot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	if window.Start >= window.End {
		return nil, &AdmissionError{Type: AdmissionErrorTypeInvalidSpan}
	}
	if window.Duration() > maxSpanDuration {
		return nil, &LimitError{What: "availability window"}
	}
	return e.state.availability(resourceIDs, window, e.now(), minDuration, minAvailable)
}

// Subscribe opens a change feed for one resource's channel.
func (e *Engine) Subscribe(resourceID string) (*Subscription, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.hub.Subscribe(resourceID), nil
}

// Compact snapshots the projection into a fresh WAL. It compacts on every
// call; the Compactor decides when the record count warrants it.
func (e *Engine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.wal.Compact(e.now(), e.state.snapshotEvents())
}

// RecordCount returns the number of records in the WAL: those replayed at
// open or written by the last compaction, plus those appended since.
func (e *Engine) RecordCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wal.RecordCount()
}
