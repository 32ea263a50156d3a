package pgwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Start begins accepting connections.
func (s *PGServer) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("pgwire listen: %w", err)
	}
	s.listener = ln
	s.running.Store(true)

	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (s *PGServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts down the server and closes every open session.
func (s *PGServer) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	close(s.shutdown)

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sessions.Range(func(key, val any) bool {
		if sess, ok := val.(*PGSession); ok {
			sess.cancel()
			_ = sess.conn.Close()
		}
		return true
	})
	return nil
}

func (s *PGServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			continue
		}

		if s.activeConns.Load() >= int64(s.config.MaxConnections) {
			s.observer.ConnectionRejected()
			_ = conn.Close()
			continue
		}

		s.totalConns.Add(1)
		s.activeConns.Add(1)
		s.observer.ConnectionOpened()

		sess := newPGSession(s, conn)
		s.sessions.Store(sess.id, sess)

		go s.handleSession(sess)
	}
}

func (s *PGServer) handleSession(sess *PGSession) {
	defer func() {
		sess.closeSubscriptions()
		_ = sess.conn.Close()
		sess.cancel()
		s.sessions.Delete(sess.id)
		s.activeConns.Add(-1)
		s.observer.ConnectionClosed()
	}()

	if err := sess.handleStartup(); err != nil {
		return
	}

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-s.shutdown:
			return
		default:
		}

		msgType, payload, err := sess.readMessage()
		if err != nil {
			return
		}

		switch msgType {
		case PGMsgQuery:
			s.totalQueries.Add(1)
			if err := sess.handleQuery(payload); err != nil {
				s.queryErrors.Add(1)
				return
			}
		case PGMsgTerminate:
			return
		case PGMsgParse:
			// Extended query protocol is not supported beyond the handshake.
			sess.writeMessage('1', nil)
			sess.flush()
		case PGMsgBind:
			sess.writeMessage('2', nil)
			sess.flush()
		case PGMsgDescribe:
			sess.writeMessage(PGMsgNoData, nil)
			sess.flush()
		case PGMsgExecute:
			sess.writeCommandComplete("SELECT 0")
			sess.writeReadyForQuery()
			sess.flush()
		case PGMsgSync:
			sess.writeReadyForQuery()
			sess.flush()
		case PGMsgFlush:
			sess.flush()
		default:
			// Unknown message: skip
		}
	}
}

// handleStartup runs the v3 startup sequence: optional SSLRequest refusal,
// startup parameters, mandatory cleartext password, parameter statuses.
func (sess *PGSession) handleStartup() error {
	_ = sess.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer func() { _ = sess.conn.SetReadDeadline(time.Time{}) }()

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(sess.conn, lenBuf); err != nil {
		return err
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf)) - 4

	if msgLen < 4 || msgLen > 10000 {
		return fmt.Errorf("invalid startup message length: %d", msgLen)
	}

	payload := make([]byte, msgLen)
	if _, err := io.ReadFull(sess.conn, payload); err != nil {
		return err
	}

	version := binary.BigEndian.Uint32(payload[:4])
	if version == sslRequestCode {
		// TLS is not offered; the client retries in plaintext.
		if _, err := sess.conn.Write([]byte{'N'}); err != nil {
			return err
		}
		return sess.handleStartup()
	}

	params := parseStartupParams(payload[4:])
	sess.user = params["user"]
	sess.database = params["database"]
	if sess.database == "" {
		sess.database = sess.user
	}

	sess.writeAuthCleartextPassword()
	if err := sess.flush(); err != nil {
		return err
	}

	msgType, pw, err := sess.readMessage()
	if err != nil {
		return err
	}
	if msgType != PGMsgPassword {
		return fmt.Errorf("expected password message, got %q", msgType)
	}
	password := strings.TrimRight(string(pw), "\x00")
	if !sess.server.backend.Authenticate(sess.user, password) {
		sess.server.observer.AuthFailed()
		sess.writeError("28P01", "password authentication failed for user \""+sess.user+"\"")
		sess.flush()
		return fmt.Errorf("auth failed")
	}

	store, err := sess.server.backend.Store(sess.database)
	if err != nil {
		if we, ok := err.(*WireError); ok {
			sess.writeError(we.Code, we.Message)
		} else {
			sess.writeError("3D000", "database \""+sess.database+"\" is not available")
		}
		sess.flush()
		return err
	}
	sess.store = store

	sess.writeAuthOK()

	sess.writeParamStatus("server_version", sess.server.config.ServerVersion)
	sess.writeParamStatus("server_encoding", "UTF8")
	sess.writeParamStatus("client_encoding", "UTF8")
	sess.writeParamStatus("DateStyle", "ISO, MDY")
	sess.writeParamStatus("TimeZone", "UTC")
	sess.writeParamStatus("is_superuser", "off")
	sess.writeParamStatus("application_name", "")

	sess.writeBackendKeyData(1, 1)
	sess.writeReadyForQuery()

	return sess.flush()
}

func parseStartupParams(data []byte) map[string]string {
	params := make(map[string]string)
	parts := strings.Split(string(data), "\x00")
	for i := 0; i+1 < len(parts); i += 2 {
		if parts[i] == "" {
			break
		}
		params[parts[i]] = parts[i+1]
	}
	return params
}
