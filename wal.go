package gapline

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/golang/snappy"
)

// WALRecord is one committed batch: a strictly increasing sequence number,
// the commit wall clock, and the events committed together.
type WALRecord struct {
	Seq      uint64
	CommitMs int64
	Events   []Event
}

type walFrame struct {
	Seq      uint64            `json:"seq"`
	CommitMs int64             `json:"commit_ms"`
	Events   []json.RawMessage `json:"events"`
}

// WAL is the per-tenant write-ahead log. Each record is framed as a
// little-endian length, a snappy-compressed JSON body, and a CRC32 of the
// compressed body. Append flushes and syncs before returning so a committed
// record survives a crash.
type WAL struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	logger  *slog.Logger
	nextSeq uint64
	records uint64
}

// OpenWAL creates or opens the log file at path.
func OpenWAL(path string, logger *slog.Logger) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &WALError{Op: "open", Path: path, Cause: err}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WAL{
		path:    path,
		file:    file,
		writer:  bufio.NewWriter(file),
		logger:  logger,
		nextSeq: 1,
	}, nil
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	flushErr := w.writer.Flush()
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return &WALError{Op: "sync", Path: w.path, Cause: flushErr}
	}
	if syncErr != nil {
		return &WALError{Op: "sync", Path: w.path, Cause: syncErr}
	}
	if closeErr != nil {
		return &WALError{Op: "close", Path: w.path, Cause: closeErr}
	}
	return nil
}

func encodeFrame(seq uint64, commitMs int64, events []Event) ([]byte, error) {
	frame := walFrame{Seq: seq, CommitMs: commitMs, Events: make([]json.RawMessage, 0, len(events))}
	for _, ev := range events {
		raw, err := MarshalEvent(ev)
		if err != nil {
			return nil, err
		}
		frame.Events = append(frame.Events, raw)
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, body), nil
}

func decodeFrame(compressed []byte) (WALRecord, error) {
	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return WALRecord{}, err
	}
	var frame walFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return WALRecord{}, err
	}
	rec := WALRecord{Seq: frame.Seq, CommitMs: frame.CommitMs, Events: make([]Event, 0, len(frame.Events))}
	for _, raw := range frame.Events {
		ev, err := UnmarshalEvent(raw)
		if err != nil {
			return WALRecord{}, err
		}
		rec.Events = append(rec.Events, ev)
	}
	return rec, nil
}

func (w *WAL) appendLocked(commitMs int64, events []Event) (uint64, error) {
	seq := w.nextSeq
	compressed, err := encodeFrame(seq, commitMs, events)
	if err != nil {
		return 0, &WALError{Op: "append", Path: w.path, Cause: err}
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(compressed)))
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc32.ChecksumIEEE(compressed))

	if _, err := w.writer.Write(header[:]); err != nil {
		return 0, &WALError{Op: "append", Path: w.path, Cause: err}
	}
	if _, err := w.writer.Write(compressed); err != nil {
		return 0, &WALError{Op: "append", Path: w.path, Cause: err}
	}
	if _, err := w.writer.Write(trailer[:]); err != nil {
		return 0, &WALError{Op: "append", Path: w.path, Cause: err}
	}
	if err := w.writer.Flush(); err != nil {
		return 0, &WALError{Op: "sync", Path: w.path, Cause: err}
	}
	if err := w.file.Sync(); err != nil {
		return 0, &WALError{Op: "sync", Path: w.path, Cause: err}
	}

	w.nextSeq = seq + 1
	w.records++
	return seq, nil
}

// Append writes one record and syncs it to disk.
func (w *WAL) Append(commitMs int64, events []Event) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, ErrClosed
	}
	return w.appendLocked(commitMs, events)
}

// Replay reads the log from the start and feeds each record to fn. An
// incomplete record at the tail is a torn write from a crashed append and is
// truncated away; a damaged record before the tail aborts the replay.
func (w *WAL) Replay(fn func(WALRecord) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}

	info, err := w.file.Stat()
	if err != nil {
		return &WALError{Op: "replay", Path: w.path, Cause: err}
	}
	size := info.Size()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return &WALError{Op: "replay", Path: w.path, Cause: err}
	}
	reader := bufio.NewReader(w.file)

	var offset int64
	var lastSeq uint64
	var records uint64
	for {
		var header [4]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return w.truncateTailLocked(offset, lastSeq, records)
			}
			return &WALError{Op: "replay", Path: w.path, Cause: err}
		}
		frameLen := int64(binary.LittleEndian.Uint32(header[:]))
		recordEnd := offset + 4 + frameLen + 4

		if recordEnd > size {
			return w.truncateTailLocked(offset, lastSeq, records)
		}

		buf := make([]byte, frameLen+4)
		if _, err := io.ReadFull(reader, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return w.truncateTailLocked(offset, lastSeq, records)
			}
			return &WALError{Op: "replay", Path: w.path, Cause: err}
		}
		compressed := buf[:frameLen]
		checksum := binary.LittleEndian.Uint32(buf[frameLen:])

		if crc32.ChecksumIEEE(compressed) != checksum {
			if recordEnd == size {
				return w.truncateTailLocked(offset, lastSeq, records)
			}
			return &WALError{Op: "replay", Path: w.path,
				Cause: fmt.Errorf("checksum mismatch at offset %d", offset)}
		}

		rec, err := decodeFrame(compressed)
		if err != nil {
			if recordEnd == size {
				return w.truncateTailLocked(offset, lastSeq, records)
			}
			return &WALError{Op: "replay", Path: w.path, Cause: err}
		}
		if rec.Seq <= lastSeq {
			return &WALError{Op: "replay", Path: w.path,
				Cause: fmt.Errorf("sequence %d after %d at offset %d", rec.Seq, lastSeq, offset)}
		}
		if err := fn(rec); err != nil {
			return err
		}
		lastSeq = rec.Seq
		records++
		offset = recordEnd
	}

	w.nextSeq = lastSeq + 1
	w.records = records
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return &WALError{Op: "replay", Path: w.path, Cause: err}
	}
	w.writer = bufio.NewWriter(w.file)
	return nil
}

func (w *WAL) truncateTailLocked(offset int64, lastSeq, records uint64) error {
	w.logger.Warn("WAL torn tail truncated", "path", w.path, "offset", offset)
	if err := w.file.Truncate(offset); err != nil {
		return &WALError{Op: "replay", Path: w.path, Cause: err}
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return &WALError{Op: "replay", Path: w.path, Cause: err}
	}
	w.writer = bufio.NewWriter(w.file)
	w.nextSeq = lastSeq + 1
	w.records = records
	return nil
}

// Compact rewrites the log as a single snapshot record, replacing the
// accumulated history. The sequence number keeps counting.
func (w *WAL) Compact(commitMs int64, snapshot []Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}

	tmpPath := w.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &WALError{Op: "compact", Path: w.path, Cause: err}
	}

	oldFile, oldWriter := w.file, w.writer
	w.file = tmp
	w.writer = bufio.NewWriter(tmp)
	if _, err := w.appendLocked(commitMs, snapshot); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		w.file, w.writer = oldFile, oldWriter
		return err
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		w.file, w.writer = oldFile, oldWriter
		return &WALError{Op: "compact", Path: w.path, Cause: err}
	}
	oldFile.Close()
	w.records = 1
	return nil
}

// RecordCount returns the records in the log: those found by Replay or
// written by the last compaction, plus those appended since.
func (w *WAL) RecordCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// SnapshotBytes flushes pending writes and returns the raw log contents with
// the sequence range it covers.
func (w *WAL) SnapshotBytes() ([]byte, uint64, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil, 0, 0, ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return nil, 0, 0, &WALError{Op: "sync", Path: w.path, Cause: err}
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, 0, 0, &WALError{Op: "read", Path: w.path, Cause: err}
	}
	last := w.nextSeq - 1
	first := w.nextSeq - w.records
	return data, first, last, nil
}
