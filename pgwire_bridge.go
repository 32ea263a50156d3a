package gapline

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gapline-db/gapline/internal/pgwire"
)

// WireBackend adapts the tenant manager to the wire protocol: one shared
// server password, one store per database name.
type WireBackend struct {
	tenants  *TenantManager
	password string
}

// NewWireBackend returns a protocol backend over the tenant manager. The
// password may be plaintext or a bcrypt hash.
func NewWireBackend(tenants *TenantManager, password string) *WireBackend {
	return &WireBackend{tenants: tenants, password: password}
}

// Authenticate checks the cleartext password against the configured secret.
// The user name only selects the session identity.
func (b *WireBackend) Authenticate(_, password string) bool {
	if strings.HasPrefix(b.password, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(b.password), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(b.password), []byte(password)) == 1
}

// Store resolves a database name to its tenant engine.
func (b *WireBackend) Store(database string) (pgwire.Store, error) {
	engine, err := b.tenants.Engine(database)
	if err != nil {
		return nil, wireError(err)
	}
	return &wireStore{engine: engine}, nil
}

// wireError maps an engine error onto its SQLSTATE.
func wireError(err error) *pgwire.WireError {
	var we *pgwire.WireError
	if errors.As(err, &we) {
		return we
	}
	switch {
	case errors.Is(err, ErrAlreadyExists):
		return pgwire.Wire("23505", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidReference):
		return pgwire.Wire("23503", err.Error())
	case errors.Is(err, ErrHasChildren), errors.Is(err, ErrInUse),
		errors.Is(err, ErrOutsideAvailability), errors.Is(err, ErrBlockedByRule),
		errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidSpan), errors.Is(err, ErrNotCovered):
		return pgwire.Wire("23514", err.Error())
	case errors.Is(err, ErrLimitExceeded):
		return pgwire.Wire("54000", err.Error())
	case errors.Is(err, ErrClosed):
		return pgwire.Wire("57P01", err.Error())
	}
	return pgwire.Wire("XX000", err.Error())
}

// wireStore executes translated commands against one tenant engine.
type wireStore struct {
	engine *Engine
}

var tableColumns = map[string][]string{
	"resources": {"id", "parent_id", "name", "capacity", "buffer_after"},
	"rules":     {"id", "resource_id", "start", "end", "blocking"},
	"bookings":  {"id", "resource_id", "start", "end", "label"},
	"holds":     {"id", "resource_id", "start", "end", "expires_at"},
}

func checkColumns(table string, row pgwire.Row) error {
	allowed := tableColumns[table]
	for col := range row {
		found := false
		for _, a := range allowed {
			if col == a {
				found = true
				break
			}
		}
		if !found {
			return pgwire.Wire("42703", "column \""+col+"\" of relation \""+table+"\" does not exist")
		}
	}
	return nil
}

func rowRequiredString(row pgwire.Row, col string) (string, error) {
	val, ok := row[col]
	if !ok || val == nil {
		return "", pgwire.Wire("23502", "column \""+col+"\" must not be NULL")
	}
	return *val, nil
}

func rowInt(row pgwire.Row, col string, def int64) (int64, error) {
	val, ok := row[col]
	if !ok || val == nil {
		return def, nil
	}
	n, err := strconv.ParseInt(*val, 10, 64)
	if err != nil {
		return 0, pgwire.Wire("22P02", "invalid integer for column \""+col+"\": "+*val)
	}
	return n, nil
}

func rowRequiredInt(row pgwire.Row, col string) (int64, error) {
	if val, ok := row[col]; !ok || val == nil {
		return 0, pgwire.Wire("23502", "column \""+col+"\" must not be NULL")
	}
	return rowInt(row, col, 0)
}

func rowBool(row pgwire.Row, col string, def bool) (bool, error) {
	val, ok := row[col]
	if !ok || val == nil {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.ToLower(*val))
	if err != nil {
		return false, pgwire.Wire("22P02", "invalid boolean for column \""+col+"\": "+*val)
	}
	return b, nil
}

func rowSpan(row pgwire.Row) (Span, error) {
	start, err := rowRequiredInt(row, "start")
	if err != nil {
		return Span{}, err
	}
	end, err := rowRequiredInt(row, "end")
	if err != nil {
		return Span{}, err
	}
	return NewSpan(start, end), nil
}

func insertTag(n int) string {
	return "INSERT 0 " + strconv.Itoa(n)
}

func (s *wireStore) Insert(cmd pgwire.InsertCommand) (*pgwire.PGQueryResult, error) {
	for _, row := range cmd.Rows {
		if err := checkColumns(cmd.Table, row); err != nil {
			return nil, err
		}
	}

	switch cmd.Table {
	case "resources":
		for _, row := range cmd.Rows {
			capacity, err := rowInt(row, "capacity", 1)
			if err != nil {
				return nil, err
			}
			buffer, err := rowInt(row, "buffer_after", 0)
			if err != nil {
				return nil, err
			}
			_, err = s.engine.CreateResource(row["id"], row["parent_id"], row["name"], capacity, buffer)
			if err != nil {
				return nil, wireError(err)
			}
		}
		return &pgwire.PGQueryResult{Tag: insertTag(len(cmd.Rows))}, nil

	case "rules":
		for _, row := range cmd.Rows {
			resourceID, err := rowRequiredString(row, "resource_id")
			if err != nil {
				return nil, err
			}
			span, err := rowSpan(row)
			if err != nil {
				return nil, err
			}
			blocking, err := rowBool(row, "blocking", false)
			if err != nil {
				return nil, err
			}
			if _, err := s.engine.AddRule(row["id"], resourceID, span, blocking); err != nil {
				return nil, wireError(err)
			}
		}
		return &pgwire.PGQueryResult{Tag: insertTag(len(cmd.Rows))}, nil

	case "bookings":
		reqs := make([]BookingRequest, 0, len(cmd.Rows))
		for _, row := range cmd.Rows {
			resourceID, err := rowRequiredString(row, "resource_id")
			if err != nil {
				return nil, err
			}
			span, err := rowSpan(row)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, BookingRequest{
				ID:         row["id"],
				ResourceID: resourceID,
				Span:       span,
				Label:      row["label"],
			})
		}
		if _, err := s.engine.ConfirmBookings(reqs); err != nil {
			return nil, wireError(err)
		}
		return &pgwire.PGQueryResult{Tag: insertTag(len(reqs))}, nil

	case "holds":
		for _, row := range cmd.Rows {
			resourceID, err := rowRequiredString(row, "resource_id")
			if err != nil {
				return nil, err
			}
			span, err := rowSpan(row)
			if err != nil {
				return nil, err
			}
			expiresAt, err := rowRequiredInt(row, "expires_at")
			if err != nil {
				return nil, err
			}
			if _, err := s.engine.PlaceHold(row["id"], resourceID, span, expiresAt); err != nil {
				return nil, wireError(err)
			}
		}
		return &pgwire.PGQueryResult{Tag: insertTag(len(cmd.Rows))}, nil
	}
	return nil, pgwire.Wire("42P01", "relation \""+cmd.Table+"\" does not exist")
}

func (s *wireStore) Update(cmd pgwire.UpdateCommand) (*pgwire.PGQueryResult, error) {
	if err := checkColumns(cmd.Table, cmd.Set); err != nil {
		return nil, err
	}

	switch cmd.Table {
	case "resources":
		current, err := s.engine.GetResource(cmd.ID)
		if err != nil {
			return nil, wireError(err)
		}
		name := current.Name
		if val, ok := cmd.Set["name"]; ok {
			name = val
		}
		capacity := current.Capacity
		if _, ok := cmd.Set["capacity"]; ok {
			if capacity, err = rowRequiredInt(cmd.Set, "capacity"); err != nil {
				return nil, err
			}
		}
		buffer := int64(0)
		if current.BufferAfter != nil {
			buffer = *current.BufferAfter
		}
		if _, ok := cmd.Set["buffer_after"]; ok {
			if buffer, err = rowRequiredInt(cmd.Set, "buffer_after"); err != nil {
				return nil, err
			}
		}
		if _, err := s.engine.UpdateResource(cmd.ID, name, capacity, buffer); err != nil {
			return nil, wireError(err)
		}
		return &pgwire.PGQueryResult{Tag: "UPDATE 1"}, nil

	case "rules":
		span, err := rowSpan(cmd.Set)
		if err != nil {
			return nil, err
		}
		blocking, err := rowBool(cmd.Set, "blocking", false)
		if err != nil {
			return nil, err
		}
		if _, ok := cmd.Set["blocking"]; !ok {
			return nil, pgwire.Wire("23502", "column \"blocking\" must not be NULL")
		}
		if _, err := s.engine.UpdateRule(cmd.ID, span, blocking); err != nil {
			return nil, wireError(err)
		}
		return &pgwire.PGQueryResult{Tag: "UPDATE 1"}, nil

	case "bookings", "holds":
		return nil, pgwire.Wire("0A000", cmd.Table+" cannot be updated")
	}
	return nil, pgwire.Wire("42P01", "relation \""+cmd.Table+"\" does not exist")
}

func (s *wireStore) Delete(cmd pgwire.DeleteCommand) (*pgwire.PGQueryResult, error) {
	var err error
	switch cmd.Table {
	case "resources":
		err = s.engine.DeleteResource(cmd.ID)
	case "rules":
		err = s.engine.RemoveRule(cmd.ID)
	case "bookings":
		err = s.engine.CancelBooking(cmd.ID)
	case "holds":
		err = s.engine.ReleaseHold(cmd.ID)
	default:
		return nil, pgwire.Wire("42P01", "relation \""+cmd.Table+"\" does not exist")
	}
	if err != nil {
		return nil, wireError(err)
	}
	return &pgwire.PGQueryResult{Tag: "DELETE 1"}, nil
}

func textPtr(s string) *string { return &s }

func intText(n int64) *string {
	v := strconv.FormatInt(n, 10)
	return &v
}

func boolText(b bool) *string {
	if b {
		return textPtr("t")
	}
	return textPtr("f")
}

func selectTag(n int) string {
	return "SELECT " + strconv.Itoa(n)
}

func (s *wireStore) Select(cmd pgwire.SelectCommand) (*pgwire.PGQueryResult, error) {
	switch cmd.Table {
	case "resources":
		columns := []pgwire.PGColumn{
			pgwire.TextColumn("id"),
			pgwire.TextColumn("parent_id"),
			pgwire.TextColumn("name"),
			pgwire.Int8Column("capacity"),
			pgwire.Int8Column("buffer_after"),
		}
		var rows [][]*string
		for _, info := range s.engine.ListResources() {
			if cmd.ParentIsNull && info.ParentID != nil {
				continue
			}
			if cmd.ParentID != nil && (info.ParentID == nil || *info.ParentID != *cmd.ParentID) {
				continue
			}
			buffer := int64(0)
			if info.BufferAfter != nil {
				buffer = *info.BufferAfter
			}
			rows = append(rows, []*string{
				textPtr(info.ID), info.ParentID, info.Name,
				intText(info.Capacity), intText(buffer),
			})
		}
		return &pgwire.PGQueryResult{Columns: columns, Rows: rows, Tag: selectTag(len(rows))}, nil

	case "rules":
		columns := []pgwire.PGColumn{
			pgwire.TextColumn("id"),
			pgwire.TextColumn("resource_id"),
			pgwire.Int8Column("start"),
			pgwire.Int8Column("end"),
			pgwire.BoolColumn("blocking"),
		}
		var rows [][]*string
		for _, info := range s.engine.ListRules() {
			if cmd.ResourceID != nil && info.ResourceID != *cmd.ResourceID {
				continue
			}
			rows = append(rows, []*string{
				textPtr(info.ID), textPtr(info.ResourceID),
				intText(info.Span.Start), intText(info.Span.End), boolText(info.Blocking),
			})
		}
		return &pgwire.PGQueryResult{Columns: columns, Rows: rows, Tag: selectTag(len(rows))}, nil

	case "bookings":
		columns := []pgwire.PGColumn{
			pgwire.TextColumn("id"),
			pgwire.TextColumn("resource_id"),
			pgwire.Int8Column("start"),
			pgwire.Int8Column("end"),
			pgwire.TextColumn("label"),
		}
		var rows [][]*string
		for _, info := range s.engine.ListBookings() {
			if cmd.ResourceID != nil && info.ResourceID != *cmd.ResourceID {
				continue
			}
			rows = append(rows, []*string{
				textPtr(info.ID), textPtr(info.ResourceID),
				intText(info.Span.Start), intText(info.Span.End), info.Label,
			})
		}
		return &pgwire.PGQueryResult{Columns: columns, Rows: rows, Tag: selectTag(len(rows))}, nil

	case "holds":
		columns := []pgwire.PGColumn{
			pgwire.TextColumn("id"),
			pgwire.TextColumn("resource_id"),
			pgwire.Int8Column("start"),
			pgwire.Int8Column("end"),
			pgwire.Int8Column("expires_at"),
		}
		var rows [][]*string
		for _, info := range s.engine.ListHolds() {
			if cmd.ResourceID != nil && info.ResourceID != *cmd.ResourceID {
				continue
			}
			rows = append(rows, []*string{
				textPtr(info.ID), textPtr(info.ResourceID),
				intText(info.Span.Start), intText(info.Span.End), intText(info.ExpiresAt),
			})
		}
		return &pgwire.PGQueryResult{Columns: columns, Rows: rows, Tag: selectTag(len(rows))}, nil

	case "availability":
		window := NewSpan(*cmd.Start, *cmd.End)
		minDuration := int64(0)
		if cmd.MinDuration != nil {
			minDuration = *cmd.MinDuration
		}
		minAvailable := int64(len(cmd.ResourceIDs))
		if cmd.MinAvailable != nil {
			minAvailable = *cmd.MinAvailable
		}
		slots, err := s.engine.Availability(cmd.ResourceIDs, window, minDuration, minAvailable)
		if err != nil {
			return nil, wireError(err)
		}
		columns := []pgwire.PGColumn{
			pgwire.TextColumn("resource_id"),
			pgwire.Int8Column("start"),
			pgwire.Int8Column("end"),
		}
		rows := make([][]*string, 0, len(slots))
		for _, slot := range slots {
			var rid *string
			if slot.ResourceID != "" {
				rid = textPtr(slot.ResourceID)
			}
			rows = append(rows, []*string{rid, intText(slot.Span.Start), intText(slot.Span.End)})
		}
		return &pgwire.PGQueryResult{Columns: columns, Rows: rows, Tag: selectTag(len(rows))}, nil
	}
	return nil, pgwire.Wire("42P01", "relation \""+cmd.Table+"\" does not exist")
}

// Subscribe opens a change feed for one resource and serializes each event
// into the notification payload.
func (s *wireStore) Subscribe(resourceID string) (pgwire.Stream, error) {
	canonical, err := ParseID(resourceID)
	if err != nil {
		return nil, wireError(err)
	}
	sub, err := s.engine.Subscribe(canonical)
	if err != nil {
		return nil, wireError(err)
	}
	ws := &wireStream{
		sub:      sub,
		payloads: make(chan []byte, subscriptionBuffer),
		done:     make(chan struct{}),
	}
	go ws.run()
	return ws, nil
}

// wireStream pumps serialized events from a subscription into the protocol
// session until either side closes.
type wireStream struct {
	sub      *Subscription
	payloads chan []byte
	done     chan struct{}
	once     sync.Once
}

func (s *wireStream) run() {
	defer close(s.payloads)
	for {
		select {
		case ev, ok := <-s.sub.Events:
			if !ok {
				return
			}
			payload, err := MarshalEvent(ev)
			if err != nil {
				continue
			}
			select {
			case s.payloads <- payload:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wireStream) Payloads() <-chan []byte { return s.payloads }

func (s *wireStream) Close() {
	s.once.Do(func() {
		s.sub.Close()
		close(s.done)
	})
}

// WireObserver feeds protocol measurements into the Prometheus collectors.
type WireObserver struct {
	metrics *Metrics
}

// NewWireObserver returns an observer over the given collectors.
func NewWireObserver(metrics *Metrics) *WireObserver {
	return &WireObserver{metrics: metrics}
}

func (o *WireObserver) ConnectionOpened() {
	o.metrics.ConnectionsTotal.Inc()
	o.metrics.ConnectionsActive.Inc()
}

func (o *WireObserver) ConnectionClosed() {
	o.metrics.ConnectionsActive.Dec()
}

func (o *WireObserver) ConnectionRejected() {
	o.metrics.ConnectionsRejected.Inc()
}

func (o *WireObserver) AuthFailed() {
	o.metrics.AuthFailures.Inc()
}

func (o *WireObserver) QueryExecuted(command string, elapsed time.Duration) {
	o.metrics.ObserveQuery(command, elapsed)
}
