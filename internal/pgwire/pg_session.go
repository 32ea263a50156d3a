package pgwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// readMessage reads one protocol message (type byte + length + payload).
func (sess *PGSession) readMessage() (byte, []byte, error) {
	if timeout := sess.server.config.QueryTimeout; timeout > 0 {
		_ = sess.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = sess.conn.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 5)
	if _, err := io.ReadFull(sess.conn, header); err != nil {
		return 0, nil, err
	}

	msgType := header[0]
	msgLen := int(binary.BigEndian.Uint32(header[1:5])) - 4

	if msgLen < 0 || msgLen > 10*1024*1024 {
		return 0, nil, fmt.Errorf("invalid message length: %d", msgLen)
	}

	if msgLen == 0 {
		return msgType, nil, nil
	}

	payload := make([]byte, msgLen)
	if _, err := io.ReadFull(sess.conn, payload); err != nil {
		return 0, nil, err
	}

	return msgType, payload, nil
}

// writeMessage appends a single protocol message to the session buffer.
func (sess *PGSession) writeMessage(msgType byte, data []byte) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.writer.WriteByte(msgType)
	length := int32(4 + len(data))
	_ = binary.Write(sess.writer, binary.BigEndian, length)
	if len(data) > 0 {
		sess.writer.Write(data)
	}
}

// flush sends all buffered data to the client.
func (sess *PGSession) flush() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.writer.Len() == 0 {
		return nil
	}
	_, err := sess.conn.Write(sess.writer.Bytes())
	sess.writer.Reset()
	return err
}

// writeAuthOK sends authentication successful.
func (sess *PGSession) writeAuthOK() {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(PGAuthOK))
	sess.writeMessage(PGMsgAuth, buf[:])
}

// writeAuthCleartextPassword requests a cleartext password.
func (sess *PGSession) writeAuthCleartextPassword() {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(PGAuthCleartextPw))
	sess.writeMessage(PGMsgAuth, buf[:])
}

// writeParamStatus sends a parameter status message.
func (sess *PGSession) writeParamStatus(name, value string) {
	data := make([]byte, 0, len(name)+len(value)+2)
	data = append(data, []byte(name)...)
	data = append(data, 0)
	data = append(data, []byte(value)...)
	data = append(data, 0)
	sess.writeMessage(PGMsgParamStatus, data)
}

// writeBackendKeyData sends backend key data for cancel requests.
func (sess *PGSession) writeBackendKeyData(pid, secret int32) {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(pid))
	binary.BigEndian.PutUint32(buf[4:], uint32(secret))
	sess.writeMessage(PGMsgBackendKeyData, buf[:])
}

// writeReadyForQuery signals the server is ready for a new query.
func (sess *PGSession) writeReadyForQuery() {
	sess.writeMessage(PGMsgReadyForQuery, []byte{sess.txState})
}

// writeError sends an ErrorResponse message.
func (sess *PGSession) writeError(code, message string) {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, []byte("ERROR")...)
	buf = append(buf, 0)
	buf = append(buf, 'V')
	buf = append(buf, []byte("ERROR")...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, []byte(code)...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, []byte(message)...)
	buf = append(buf, 0)
	buf = append(buf, 0) // terminator
	sess.writeMessage(PGMsgErrorResponse, buf)
}

// writeRowDescription sends column metadata.
func (sess *PGSession) writeRowDescription(columns []PGColumn) {
	var buf []byte
	buf = appendInt16(buf, int16(len(columns)))

	for _, col := range columns {
		buf = appendString(buf, col.Name)
		buf = appendInt32(buf, 0)           // table OID
		buf = appendInt16(buf, 0)           // column attribute number
		buf = appendInt32(buf, col.TypeOID) // type OID
		buf = appendInt16(buf, col.TypeLen) // type size
		buf = appendInt32(buf, col.TypeMod) // type modifier
		buf = appendInt16(buf, 0)           // format (0=text)
	}

	sess.writeMessage(PGMsgRowDescription, buf)
}

// writeDataRow sends a single data row. A nil value renders as SQL NULL.
func (sess *PGSession) writeDataRow(values []*string) {
	var buf []byte
	buf = appendInt16(buf, int16(len(values)))

	for _, val := range values {
		if val == nil {
			buf = appendInt32(buf, -1)
		} else {
			buf = appendInt32(buf, int32(len(*val)))
			buf = append(buf, []byte(*val)...)
		}
	}

	sess.writeMessage(PGMsgDataRow, buf)
}

// writeCommandComplete sends command completion.
func (sess *PGSession) writeCommandComplete(tag string) {
	data := append([]byte(tag), 0)
	sess.writeMessage(PGMsgCommandComplete, data)
}

// writeNotification sends a NotificationResponse for one channel payload.
func (sess *PGSession) writeNotification(channel string, payload []byte) {
	var buf []byte
	buf = appendInt32(buf, 1) // sender backend pid
	buf = appendString(buf, channel)
	buf = append(buf, payload...)
	buf = append(buf, 0)
	sess.writeMessage(PGMsgNotification, buf)
}

// handleQuery processes a simple query message. Statement failures go to the
// client as ErrorResponse; a non-nil return means the connection is dead.
func (sess *PGSession) handleQuery(payload []byte) error {
	query := strings.TrimRight(string(payload), "\x00")
	query = strings.TrimSpace(query)

	if query == "" {
		sess.writeMessage(PGMsgEmptyQuery, nil)
		sess.writeReadyForQuery()
		return sess.flush()
	}

	statements := splitStatements(query)
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := sess.executeStatement(stmt); err != nil {
			sess.server.queryErrors.Add(1)
			var we *WireError
			if errors.As(err, &we) {
				sess.writeError(we.Code, we.Message)
			} else {
				sess.writeError("XX000", err.Error())
			}
			sess.writeReadyForQuery()
			return sess.flush()
		}
	}

	sess.writeReadyForQuery()
	return sess.flush()
}

func (sess *PGSession) executeStatement(stmt string) error {
	upper := strings.ToUpper(strings.TrimSpace(stmt))

	start := time.Now()
	observe := func(command string) {
		sess.server.observer.QueryExecuted(command, time.Since(start))
	}

	// Compatibility statements that psql and drivers send on connect.
	switch {
	case upper == "SELECT 1", upper == "SELECT 1;":
		return sess.handleSelectOne()
	case strings.HasPrefix(upper, "SET "):
		sess.writeCommandComplete("SET")
		return nil
	case strings.HasPrefix(upper, "SHOW "):
		return sess.handleShow(stmt)
	case strings.HasPrefix(upper, "SELECT VERSION()"):
		return sess.handleVersion()
	case strings.HasPrefix(upper, "SELECT CURRENT_DATABASE()"):
		return sess.handleCurrentDB()
	case strings.Contains(upper, "PG_CATALOG") || strings.Contains(upper, "INFORMATION_SCHEMA"):
		return sess.handleCatalogQuery(stmt)
	case strings.HasPrefix(upper, "BEGIN") || strings.HasPrefix(upper, "START TRANSACTION"):
		sess.txState = PGTxInTx
		sess.writeCommandComplete("BEGIN")
		return nil
	case strings.HasPrefix(upper, "COMMIT") || upper == "END" || strings.HasPrefix(upper, "END;"):
		sess.txState = PGTxIdle
		sess.writeCommandComplete("COMMIT")
		return nil
	case strings.HasPrefix(upper, "ROLLBACK"):
		sess.txState = PGTxIdle
		sess.writeCommandComplete("ROLLBACK")
		return nil
	case strings.HasPrefix(upper, "LISTEN"):
		return sess.handleListen(stmt)
	case strings.HasPrefix(upper, "UNLISTEN"):
		return sess.handleUnlisten(stmt)
	}

	switch {
	case strings.HasPrefix(upper, "SELECT"):
		cmd, err := parseSelect(stmt)
		if err != nil {
			return err
		}
		result, err := sess.store.Select(cmd)
		if err != nil {
			return err
		}
		sess.writeRowDescription(result.Columns)
		for _, row := range result.Rows {
			sess.writeDataRow(row)
		}
		sess.writeCommandComplete(result.Tag)
		observe(commandLabel("select", cmd.Table))
		return nil

	case strings.HasPrefix(upper, "INSERT"):
		cmd, err := parseInsert(stmt)
		if err != nil {
			return err
		}
		result, err := sess.store.Insert(cmd)
		if err != nil {
			return err
		}
		if len(result.Columns) > 0 {
			sess.writeRowDescription(result.Columns)
			for _, row := range result.Rows {
				sess.writeDataRow(row)
			}
		}
		sess.writeCommandComplete(result.Tag)
		observe(commandLabel("insert", cmd.Table))
		return nil

	case strings.HasPrefix(upper, "UPDATE"):
		cmd, err := parseUpdate(stmt)
		if err != nil {
			return err
		}
		result, err := sess.store.Update(cmd)
		if err != nil {
			return err
		}
		sess.writeCommandComplete(result.Tag)
		observe(commandLabel("update", cmd.Table))
		return nil

	case strings.HasPrefix(upper, "DELETE"):
		cmd, err := parseDelete(stmt)
		if err != nil {
			return err
		}
		result, err := sess.store.Delete(cmd)
		if err != nil {
			return err
		}
		sess.writeCommandComplete(result.Tag)
		observe(commandLabel("delete", cmd.Table))
		return nil

	default:
		return Wire("0A000", "unsupported statement: "+stmt)
	}
}

// commandLabel names a statement for measurement, e.g. insert_booking.
func commandLabel(verb, table string) string {
	return verb + "_" + strings.TrimSuffix(table, "s")
}

// handleListen opens a change feed for a resource channel. Channels outside
// the resource_<id> namespace complete without a feed.
func (sess *PGSession) handleListen(stmt string) error {
	channel := parseChannelName(stmt, "LISTEN")
	if channel == "" {
		return syntaxErr("LISTEN requires a channel name")
	}

	sess.subMu.Lock()
	_, already := sess.subs[channel]
	sess.subMu.Unlock()

	if !already && strings.HasPrefix(channel, "resource_") {
		resourceID := strings.TrimPrefix(channel, "resource_")
		stream, err := sess.store.Subscribe(resourceID)
		if err != nil {
			return err
		}
		sess.subMu.Lock()
		sess.subs[channel] = &sessionSub{channel: channel, stream: stream}
		sess.subMu.Unlock()
		go sess.forwardNotifications(channel, stream)
	}

	sess.writeCommandComplete("LISTEN")
	return nil
}

func (sess *PGSession) handleUnlisten(stmt string) error {
	channel := parseChannelName(stmt, "UNLISTEN")
	if channel == "" {
		return syntaxErr("UNLISTEN requires a channel name or *")
	}

	sess.subMu.Lock()
	if channel == "*" {
		for _, sub := range sess.subs {
			sub.stream.Close()
		}
		sess.subs = make(map[string]*sessionSub)
	} else if sub, ok := sess.subs[channel]; ok {
		sub.stream.Close()
		delete(sess.subs, channel)
	}
	sess.subMu.Unlock()

	sess.writeCommandComplete("UNLISTEN")
	return nil
}

// forwardNotifications drains one feed into the session until it closes.
func (sess *PGSession) forwardNotifications(channel string, stream Stream) {
	for payload := range stream.Payloads() {
		sess.writeNotification(channel, payload)
		if err := sess.flush(); err != nil {
			stream.Close()
			return
		}
	}
}

func (sess *PGSession) closeSubscriptions() {
	sess.subMu.Lock()
	defer sess.subMu.Unlock()
	for _, sub := range sess.subs {
		sub.stream.Close()
	}
	sess.subs = make(map[string]*sessionSub)
}

// parseChannelName extracts the channel operand of LISTEN or UNLISTEN.
func parseChannelName(stmt, keyword string) string {
	rest := strings.TrimSpace(stmt)
	if len(rest) < len(keyword) {
		return ""
	}
	rest = strings.TrimSpace(rest[len(keyword):])
	rest = strings.TrimSuffix(rest, ";")
	rest = strings.TrimSpace(rest)
	rest = strings.Trim(rest, `"`)
	if strings.ContainsAny(rest, " \t\n") {
		return ""
	}
	return rest
}

func (sess *PGSession) handleSelectOne() error {
	cols := []PGColumn{{Name: "?column?", TypeOID: PGTypeInt4, TypeLen: 4, TypeMod: -1}}
	sess.writeRowDescription(cols)
	one := "1"
	sess.writeDataRow([]*string{&one})
	sess.writeCommandComplete("SELECT 1")
	return nil
}

func (sess *PGSession) handleVersion() error {
	cols := []PGColumn{{Name: "version", TypeOID: PGTypeText, TypeLen: -1, TypeMod: -1}}
	sess.writeRowDescription(cols)
	version := fmt.Sprintf("PostgreSQL %s", sess.server.config.ServerVersion)
	sess.writeDataRow([]*string{&version})
	sess.writeCommandComplete("SELECT 1")
	return nil
}

func (sess *PGSession) handleCurrentDB() error {
	cols := []PGColumn{{Name: "current_database", TypeOID: PGTypeText, TypeLen: -1, TypeMod: -1}}
	sess.writeRowDescription(cols)
	db := sess.database
	sess.writeDataRow([]*string{&db})
	sess.writeCommandComplete("SELECT 1")
	return nil
}

func (sess *PGSession) handleShow(stmt string) error {
	parts := strings.Fields(stmt)
	if len(parts) < 2 {
		return syntaxErr("invalid SHOW statement")
	}
	param := strings.ToLower(strings.TrimSuffix(parts[1], ";"))
	var value string
	switch param {
	case "server_version":
		value = sess.server.config.ServerVersion
	case "server_encoding", "client_encoding":
		value = "UTF8"
	case "timezone":
		value = "UTC"
	case "datestyle":
		value = "ISO, MDY"
	case "search_path":
		value = "\"$user\", public"
	default:
		value = ""
	}
	cols := []PGColumn{{Name: param, TypeOID: PGTypeText, TypeLen: -1, TypeMod: -1}}
	sess.writeRowDescription(cols)
	sess.writeDataRow([]*string{&value})
	sess.writeCommandComplete("SHOW")
	return nil
}

func (sess *PGSession) handleCatalogQuery(_ string) error {
	// Empty result keeps psql's tab completion quiet.
	cols := []PGColumn{
		{Name: "oid", TypeOID: PGTypeInt4, TypeLen: 4, TypeMod: -1},
		{Name: "name", TypeOID: PGTypeText, TypeLen: -1, TypeMod: -1},
	}
	sess.writeRowDescription(cols)
	sess.writeCommandComplete("SELECT 0")
	return nil
}

func splitStatements(query string) []string {
	var stmts []string
	var current strings.Builder
	inString := false
	for _, ch := range query {
		if ch == '\'' {
			inString = !inString
		}
		if ch == ';' && !inString {
			if s := current.String(); strings.TrimSpace(s) != "" {
				stmts = append(stmts, s)
			}
			current.Reset()
			continue
		}
		current.WriteRune(ch)
	}
	if s := current.String(); strings.TrimSpace(s) != "" {
		stmts = append(stmts, s)
	}
	return stmts
}

// Helper functions for building protocol messages.
func appendInt16(buf []byte, v int16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v))
	return append(buf, b...)
}

func appendInt32(buf []byte, v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return append(buf, b...)
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, []byte(s)...)
	return append(buf, 0)
}
