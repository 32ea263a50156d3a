// Package pgwire implements the PostgreSQL v3 wire protocol front end. It
// parses client SQL into typed commands and hands them to a Store; it knows
// nothing about the engine behind the interface.
package pgwire

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PostgreSQL wire protocol v3 message types
const (
	// Frontend (client) messages
	PGMsgQuery     byte = 'Q'
	PGMsgTerminate byte = 'X'
	PGMsgParse     byte = 'P'
	PGMsgBind      byte = 'B'
	PGMsgDescribe  byte = 'D'
	PGMsgExecute   byte = 'E'
	PGMsgSync      byte = 'S'
	PGMsgFlush     byte = 'H'
	PGMsgClose     byte = 'C'
	PGMsgPassword  byte = 'p'

	// Backend (server) messages
	PGMsgAuth            byte = 'R'
	PGMsgParamStatus     byte = 'S'
	PGMsgBackendKeyData  byte = 'K'
	PGMsgReadyForQuery   byte = 'Z'
	PGMsgRowDescription  byte = 'T'
	PGMsgDataRow         byte = 'D'
	PGMsgCommandComplete byte = 'C'
	PGMsgErrorResponse   byte = 'E'
	PGMsgNoticeResponse  byte = 'N'
	PGMsgNotification    byte = 'A'
	PGMsgEmptyQuery      byte = 'I'
	PGMsgNoData          byte = 'n'

	// Auth subtypes
	PGAuthOK          int32 = 0
	PGAuthCleartextPw int32 = 3

	// Transaction states
	PGTxIdle   byte = 'I'
	PGTxInTx   byte = 'T'
	PGTxFailed byte = 'E'

	// SSLRequest magic (1234.5679)
	sslRequestCode = 80877103

	DefaultPGPort = 5433
)

// PostgreSQL OID type constants for common types
const (
	PGTypeInt8    int32 = 20
	PGTypeInt4    int32 = 23
	PGTypeFloat8  int32 = 701
	PGTypeVarchar int32 = 1043
	PGTypeText    int32 = 25
	PGTypeBool    int32 = 16
)

// WireError is an error with a SQLSTATE code attached. The message goes to
// the client verbatim.
type WireError struct {
	Code    string
	Message string
}

func (e *WireError) Error() string { return e.Message }

// Wire wraps a message with a SQLSTATE code.
func Wire(code, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

func syntaxErr(format string, args ...any) *WireError {
	return &WireError{Code: "42601", Message: fmt.Sprintf(format, args...)}
}

// Row maps column names to literal values. A nil value is SQL NULL.
type Row map[string]*string

// InsertCommand inserts one or more rows into a virtual table. Multi-row
// inserts on bookings are admitted atomically.
type InsertCommand struct {
	Table string
	Rows  []Row
}

// UpdateCommand replaces attributes of one entity.
type UpdateCommand struct {
	Table string
	ID    string
	Set   Row
}

// DeleteCommand removes one entity.
type DeleteCommand struct {
	Table string
	ID    string
}

// SelectCommand reads from one virtual table.
type SelectCommand struct {
	Table string

	// resources filter
	ParentID     *string
	ParentIsNull bool

	// rules, bookings, holds filter
	ResourceID *string

	// availability filters
	ResourceIDs  []string
	Start        *int64
	End          *int64
	MinDuration  *int64
	MinAvailable *int64
}

// Store executes translated commands for one database.
type Store interface {
	Insert(cmd InsertCommand) (*PGQueryResult, error)
	Update(cmd UpdateCommand) (*PGQueryResult, error)
	Delete(cmd DeleteCommand) (*PGQueryResult, error)
	Select(cmd SelectCommand) (*PGQueryResult, error)

	// Subscribe opens a change feed for one resource id. Payloads are the
	// serialized notification bodies, delivered in commit order.
	Subscribe(resourceID string) (Stream, error)
}

// Stream is an open change feed.
type Stream interface {
	Payloads() <-chan []byte
	Close()
}

// Backend authenticates clients and resolves databases to stores.
type Backend interface {
	Authenticate(user, password string) bool
	Store(database string) (Store, error)
}

// Observer receives protocol-level measurements. All methods may be called
// concurrently.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRejected()
	AuthFailed()
	QueryExecuted(command string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()                  {}
func (nopObserver) ConnectionClosed()                  {}
func (nopObserver) ConnectionRejected()                {}
func (nopObserver) AuthFailed()                        {}
func (nopObserver) QueryExecuted(string, time.Duration) {}

// PGWireConfig configures the wire protocol server.
type PGWireConfig struct {
	// Address is the listen address, host:port.
	Address string `json:"address"`

	// ServerVersion is reported in the startup parameters.
	ServerVersion string `json:"server_version"`

	// MaxConnections caps concurrent sessions. Default: 100.
	MaxConnections int `json:"max_connections"`

	// QueryTimeout bounds a single read from an idle connection carrying a
	// statement. Default: 0 (no timeout); LISTEN sessions sit idle for long.
	QueryTimeout time.Duration `json:"query_timeout"`

	// ReadBufSize and WriteBufSize size the per-session buffers.
	ReadBufSize  int `json:"read_buffer_size"`
	WriteBufSize int `json:"write_buffer_size"`
}

// DefaultPGWireConfig returns default configuration.
func DefaultPGWireConfig() *PGWireConfig {
	return &PGWireConfig{
		Address:        fmt.Sprintf(":%d", DefaultPGPort),
		ServerVersion:  "15.0 (gapline)",
		MaxConnections: 100,
		ReadBufSize:    64 * 1024,
		WriteBufSize:   64 * 1024,
	}
}

// PGServer accepts connections and runs one session per client.
type PGServer struct {
	backend  Backend
	config   *PGWireConfig
	observer Observer

	listener net.Listener
	sessions sync.Map

	running  atomic.Bool
	shutdown chan struct{}

	totalConns   atomic.Int64
	activeConns  atomic.Int64
	totalQueries atomic.Int64
	queryErrors  atomic.Int64
}

// NewPGServer creates a wire protocol server over the backend.
func NewPGServer(backend Backend, config *PGWireConfig, observer Observer) (*PGServer, error) {
	if config == nil {
		config = DefaultPGWireConfig()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &PGServer{
		backend:  backend,
		config:   config,
		observer: observer,
		shutdown: make(chan struct{}),
	}, nil
}

// PGServerStats contains server statistics.
type PGServerStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TotalQueries      int64 `json:"total_queries"`
	QueryErrors       int64 `json:"query_errors"`
}

// Stats returns current server statistics.
func (s *PGServer) Stats() PGServerStats {
	return PGServerStats{
		TotalConnections:  s.totalConns.Load(),
		ActiveConnections: s.activeConns.Load(),
		TotalQueries:      s.totalQueries.Load(),
		QueryErrors:       s.queryErrors.Load(),
	}
}

// PGSession is one client connection.
type PGSession struct {
	id       string
	server   *PGServer
	conn     net.Conn
	writer   *bytes.Buffer
	store    Store
	database string
	user     string
	txState  byte
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex

	subMu sync.Mutex
	subs  map[string]*sessionSub
}

type sessionSub struct {
	channel string
	stream  Stream
}

func newPGSession(server *PGServer, conn net.Conn) *PGSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &PGSession{
		id:      uuid.NewString(),
		server:  server,
		conn:    conn,
		writer:  bytes.NewBuffer(make([]byte, 0, server.config.WriteBufSize)),
		txState: PGTxIdle,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*sessionSub),
	}
}

// PGQueryResult is a fully materialized statement result. Nil entries in a
// row render as SQL NULL.
type PGQueryResult struct {
	Columns []PGColumn
	Rows    [][]*string
	Tag     string
}

// PGColumn is a result column.
type PGColumn struct {
	Name    string
	TypeOID int32
	TypeLen int16
	TypeMod int32
}

// TextColumn returns a text column descriptor.
func TextColumn(name string) PGColumn {
	return PGColumn{Name: name, TypeOID: PGTypeText, TypeLen: -1, TypeMod: -1}
}

// Int8Column returns a bigint column descriptor.
func Int8Column(name string) PGColumn {
	return PGColumn{Name: name, TypeOID: PGTypeInt8, TypeLen: 8, TypeMod: -1}
}

// BoolColumn returns a boolean column descriptor.
func BoolColumn(name string) PGColumn {
	return PGColumn{Name: name, TypeOID: PGTypeBool, TypeLen: 1, TypeMod: -1}
}
