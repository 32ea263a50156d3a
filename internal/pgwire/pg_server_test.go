package pgwire

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

type fakeStore struct {
	selects []SelectCommand
	inserts []InsertCommand
}

func (s *fakeStore) Insert(cmd InsertCommand) (*PGQueryResult, error) {
	s.inserts = append(s.inserts, cmd)
	return &PGQueryResult{Tag: "INSERT 0 1"}, nil
}

func (s *fakeStore) Update(cmd UpdateCommand) (*PGQueryResult, error) {
	return &PGQueryResult{Tag: "UPDATE 1"}, nil
}

func (s *fakeStore) Delete(cmd DeleteCommand) (*PGQueryResult, error) {
	return &PGQueryResult{Tag: "DELETE 1"}, nil
}

func (s *fakeStore) Select(cmd SelectCommand) (*PGQueryResult, error) {
	s.selects = append(s.selects, cmd)
	id := "r1"
	return &PGQueryResult{
		Columns: []PGColumn{TextColumn("id"), Int8Column("capacity")},
		Rows:    [][]*string{{&id, nil}},
		Tag:     "SELECT 1",
	}, nil
}

func (s *fakeStore) Subscribe(resourceID string) (Stream, error) {
	return &fakeStream{ch: make(chan []byte)}, nil
}

type fakeStream struct{ ch chan []byte }

func (s *fakeStream) Payloads() <-chan []byte { return s.ch }
func (s *fakeStream) Close()                  {}

type fakeBackend struct {
	password string
	store    *fakeStore
}

func (b *fakeBackend) Authenticate(user, password string) bool {
	return password == b.password
}

func (b *fakeBackend) Store(database string) (Store, error) {
	if database == "missing" {
		return nil, Wire("3D000", "database \"missing\" is not available")
	}
	return b.store, nil
}

func startTestServer(t *testing.T) (*PGServer, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	cfg := DefaultPGWireConfig()
	cfg.Address = "127.0.0.1:0"
	srv, err := NewPGServer(&fakeBackend{password: "sesame", store: store}, cfg, nil)
	if err != nil {
		t.Fatalf("NewPGServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, store
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) startup(user, database string) {
	c.t.Helper()
	var body []byte
	body = binary.BigEndian.AppendUint32(body, 196608)
	for _, kv := range [][2]string{{"user", user}, {"database", database}} {
		body = append(body, kv[0]...)
		body = append(body, 0)
		body = append(body, kv[1]...)
		body = append(body, 0)
	}
	body = append(body, 0)
	var msg []byte
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(body)+4))
	msg = append(msg, body...)
	if _, err := c.conn.Write(msg); err != nil {
		c.t.Fatalf("startup write: %v", err)
	}
}

func (c *testClient) send(msgType byte, body []byte) {
	c.t.Helper()
	msg := []byte{msgType}
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(body)+4))
	msg = append(msg, body...)
	if _, err := c.conn.Write(msg); err != nil {
		c.t.Fatalf("write %c: %v", msgType, err)
	}
}

func (c *testClient) sendPassword(pw string) {
	c.send(PGMsgPassword, append([]byte(pw), 0))
}

func (c *testClient) sendQuery(sql string) {
	c.send(PGMsgQuery, append([]byte(sql), 0))
}

func (c *testClient) recv() (byte, []byte) {
	c.t.Helper()
	header := make([]byte, 5)
	if _, err := io.ReadFull(c.r, header); err != nil {
		c.t.Fatalf("read header: %v", err)
	}
	length := int(binary.BigEndian.Uint32(header[1:])) - 4
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		c.t.Fatalf("read payload: %v", err)
	}
	return header[0], payload
}

// recvUntil collects messages through the next ReadyForQuery.
func (c *testClient) recvUntil() map[byte][][]byte {
	c.t.Helper()
	got := make(map[byte][][]byte)
	for {
		msgType, payload := c.recv()
		got[msgType] = append(got[msgType], payload)
		if msgType == PGMsgReadyForQuery {
			return got
		}
	}
}

func (c *testClient) handshake(user, database, password string) {
	c.t.Helper()
	c.startup(user, database)
	msgType, payload := c.recv()
	if msgType != PGMsgAuth || binary.BigEndian.Uint32(payload) != uint32(PGAuthCleartextPw) {
		c.t.Fatalf("expected cleartext password request, got %c %v", msgType, payload)
	}
	c.sendPassword(password)
	msgs := c.recvUntil()
	auth := msgs[PGMsgAuth]
	if len(auth) == 0 || binary.BigEndian.Uint32(auth[0]) != uint32(PGAuthOK) {
		c.t.Fatalf("auth not OK: %v", msgs)
	}
}

func errorCode(payload []byte) string {
	for _, field := range strings.Split(string(payload), "\x00") {
		if strings.HasPrefix(field, "C") {
			return field[1:]
		}
	}
	return ""
}

func TestStartupAndSimpleQuery(t *testing.T) {
	srv, store := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.handshake("app", "testdb", "sesame")

	c.sendQuery("SELECT * FROM resources")
	msgs := c.recvUntil()
	if len(msgs[PGMsgRowDescription]) != 1 {
		t.Fatalf("row descriptions = %d", len(msgs[PGMsgRowDescription]))
	}
	rows := msgs[PGMsgDataRow]
	if len(rows) != 1 {
		t.Fatalf("data rows = %d", len(rows))
	}
	// two columns: "r1" and NULL
	row := rows[0]
	if binary.BigEndian.Uint16(row[:2]) != 2 {
		t.Fatalf("column count = %d", binary.BigEndian.Uint16(row[:2]))
	}
	n := binary.BigEndian.Uint32(row[2:6])
	if n != 2 || string(row[6:8]) != "r1" {
		t.Fatalf("first cell = %d %q", n, row[6:])
	}
	if int32(binary.BigEndian.Uint32(row[8:12])) != -1 {
		t.Fatal("second cell not NULL")
	}
	tag := strings.TrimRight(string(msgs[PGMsgCommandComplete][0]), "\x00")
	if tag != "SELECT 1" {
		t.Fatalf("tag = %q", tag)
	}
	if len(store.selects) != 1 || store.selects[0].Table != "resources" {
		t.Fatalf("selects = %+v", store.selects)
	}
}

func TestStartupBadPassword(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.startup("app", "testdb")
	msgType, _ := c.recv()
	if msgType != PGMsgAuth {
		t.Fatalf("expected auth request, got %c", msgType)
	}
	c.sendPassword("wrong")
	msgType, payload := c.recv()
	if msgType != PGMsgErrorResponse {
		t.Fatalf("expected error, got %c", msgType)
	}
	if code := errorCode(payload); code != "28P01" {
		t.Fatalf("code = %s, want 28P01", code)
	}
}

func TestStartupUnknownDatabase(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.startup("app", "missing")
	msgType, _ := c.recv()
	if msgType != PGMsgAuth {
		t.Fatalf("expected auth request, got %c", msgType)
	}
	c.sendPassword("sesame")
	msgType, payload := c.recv()
	if msgType != PGMsgErrorResponse {
		t.Fatalf("expected error, got %c", msgType)
	}
	if code := errorCode(payload); code != "3D000" {
		t.Fatalf("code = %s, want 3D000", code)
	}
}

func TestSSLRequestRefused(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestClient(t, srv.Addr())

	var msg []byte
	msg = binary.BigEndian.AppendUint32(msg, 8)
	msg = binary.BigEndian.AppendUint32(msg, uint32(sslRequestCode))
	if _, err := c.conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := make([]byte, 1)
	if _, err := io.ReadFull(c.r, reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply[0] != 'N' {
		t.Fatalf("ssl reply = %c, want N", reply[0])
	}

	// the startup retries in plaintext on the same connection
	c.handshake("app", "testdb", "sesame")
}

func TestQueryErrorKeepsSession(t *testing.T) {
	srv, store := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.handshake("app", "testdb", "sesame")

	c.sendQuery("SELECT * FROM widgets")
	msgs := c.recvUntil()
	errs := msgs[PGMsgErrorResponse]
	if len(errs) != 1 || errorCode(errs[0]) != "42P01" {
		t.Fatalf("errors = %v", errs)
	}

	// session survives a statement failure
	c.sendQuery("INSERT INTO bookings VALUES ('b1', 'r1', 100, 200, NULL)")
	msgs = c.recvUntil()
	tag := strings.TrimRight(string(msgs[PGMsgCommandComplete][0]), "\x00")
	if tag != "INSERT 0 1" {
		t.Fatalf("tag = %q", tag)
	}
	if len(store.inserts) != 1 || store.inserts[0].Table != "bookings" {
		t.Fatalf("inserts = %+v", store.inserts)
	}
}

func TestMultiStatementQuery(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.handshake("app", "testdb", "sesame")

	c.sendQuery("BEGIN; SELECT * FROM resources; COMMIT")
	msgs := c.recvUntil()
	if got := len(msgs[PGMsgCommandComplete]); got != 3 {
		t.Fatalf("command completes = %d, want 3", got)
	}
	if got := len(msgs[PGMsgReadyForQuery]); got != 1 {
		t.Fatalf("ready markers = %d, want 1", got)
	}
}

func TestCompatibilityStatements(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.handshake("app", "testdb", "sesame")

	c.sendQuery("SET client_encoding TO 'UTF8'")
	msgs := c.recvUntil()
	if tag := strings.TrimRight(string(msgs[PGMsgCommandComplete][0]), "\x00"); tag != "SET" {
		t.Fatalf("tag = %q", tag)
	}

	c.sendQuery("SHOW server_version")
	msgs = c.recvUntil()
	if len(msgs[PGMsgDataRow]) != 1 {
		t.Fatal("SHOW returned no row")
	}

	c.sendQuery("")
	msgs = c.recvUntil()
	if len(msgs[PGMsgEmptyQuery]) != 1 {
		t.Fatal("empty query not acknowledged")
	}
}

func TestListenUnlisten(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.handshake("app", "testdb", "sesame")

	c.sendQuery("LISTEN resource_r1")
	msgs := c.recvUntil()
	if tag := strings.TrimRight(string(msgs[PGMsgCommandComplete][0]), "\x00"); tag != "LISTEN" {
		t.Fatalf("tag = %q", tag)
	}

	c.sendQuery("UNLISTEN resource_r1")
	msgs = c.recvUntil()
	if tag := strings.TrimRight(string(msgs[PGMsgCommandComplete][0]), "\x00"); tag != "UNLISTEN" {
		t.Fatalf("tag = %q", tag)
	}
}

func TestServerStats(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialTestClient(t, srv.Addr())
	c.handshake("app", "testdb", "sesame")
	c.sendQuery("SELECT * FROM resources")
	c.recvUntil()

	stats := srv.Stats()
	if stats.TotalConnections != 1 || stats.TotalQueries != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`INSERT INTO bookings VALUES ('b;1', 'r1', 1, 2, NULL); SELECT * FROM resources;`)
	if len(stmts) != 2 {
		t.Fatalf("stmts = %q", stmts)
	}
	if !strings.Contains(stmts[0], "b;1") {
		t.Fatalf("semicolon in string split: %q", stmts[0])
	}
}

func TestCommandLabel(t *testing.T) {
	if got := commandLabel("insert", "resources"); got != "insert_resource" {
		t.Fatalf("label = %q", got)
	}
	if got := commandLabel("select", "availability"); got != "select_availability" {
		t.Fatalf("label = %q", got)
	}
}
