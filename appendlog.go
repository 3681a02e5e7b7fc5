package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// AppendLog is the Go port of the original BinaryProtocolLogger: one line
// per mutating command, of the form
//
//	<unix_ms>,<op>,<storage_id>,<key>,<value>,<metadata>\n
//
// with each Value field tagged the way the original encodes them
// (s<len>,<bytes> / i<len>,<bytes> / d<len>,<bytes> / n, for none) so a
// reader never needs to guess a field's type while replaying. Writes go
// through a bufio.Writer, but Append flushes it after every line; there is
// no separate per-batch flush, and the file is never fsynced (best-effort
// durability).
type AppendLog struct {
	mu           sync.Mutex
	dir          string
	file         *os.File
	writer       *bufio.Writer
	lines        int
	rotateLines  int
	rotateBytes  int64
	bytesWritten int64
	segmentIndex int
	recent       *replayRing
}

func NewAppendLog(dir string, rotateLines int, rotateBytes int64) (*AppendLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating append log dir: %w", err)
	}
	al := &AppendLog{dir: dir, rotateLines: rotateLines, rotateBytes: rotateBytes, recent: newReplayRing(256)}
	if err := al.openSegment(); err != nil {
		return nil, err
	}
	return al, nil
}

// replayEntry mirrors the teacher's ReplayEntry{seq, buf}
// (src/replay_buffer.go), repurposed from per-WebSocket-client gap recovery
// to a single in-process tail cache for the append log: the last ring of
// formatted lines, addressable by sequence number, so a caller (the /health
// endpoint, or a future "replay since" command) can ask "everything after
// N" without re-reading the active segment off disk.
type replayEntry struct {
	seq  int64
	line string
}

// replayRing is a bounded ring buffer of the most recently appended lines —
// same fixed-capacity-slice-plus-mutex shape as the teacher's ReplayBuffer,
// generalized from per-client replay to a single log-wide recent-activity
// window (§4.8: "replay-oriented").
type replayRing struct {
	mu      sync.RWMutex
	entries []replayEntry
	maxSize int
	nextSeq int64
}

func newReplayRing(maxSize int) *replayRing {
	return &replayRing{entries: make([]replayEntry, 0, maxSize), maxSize: maxSize}
}

func (r *replayRing) add(line string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	r.entries = append(r.entries, replayEntry{seq: r.nextSeq, line: line})
	if len(r.entries) > r.maxSize {
		r.entries = r.entries[len(r.entries)-r.maxSize:]
	}
	return r.nextSeq
}

// since returns every buffered line with seq > fromSeq, oldest first.
// Passing 0 returns the whole ring still held in memory.
func (r *replayRing) since(fromSeq int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if e.seq > fromSeq {
			out = append(out, e.line)
		}
	}
	return out
}

func (r *replayRing) lastSeq() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextSeq
}

func (al *AppendLog) segmentPath(index int) string {
	return filepath.Join(al.dir, fmt.Sprintf("tio-%06d.log", index))
}

func (al *AppendLog) openSegment() error {
	f, err := os.OpenFile(al.segmentPath(al.segmentIndex), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening append log segment: %w", err)
	}
	al.file = f
	al.writer = bufio.NewWriterSize(f, 64*1024)
	al.lines = 0
	al.bytesWritten = 0
	return nil
}

// Append writes a single event to the active segment and flushes the
// buffered writer before returning, so every line reaches the kernel as
// soon as it is logged, though the file itself isn't fsynced (best-effort
// durability, not a Non-goal violation — §4 Non-goals excludes anything
// stronger).
func (al *AppendLog) Append(ev ContainerEvent) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	line := formatAppendLine(ev)
	n, err := al.writer.WriteString(line)
	if err != nil {
		return err
	}
	if err := al.writer.Flush(); err != nil {
		return err
	}
	al.lines++
	al.bytesWritten += int64(n)
	al.recent.add(line)

	if al.lines >= al.rotateLines || al.bytesWritten >= al.rotateBytes {
		return al.rotate()
	}
	return nil
}

// rotate closes the active segment, compresses it with zstd in the
// background (the closed segment never needs to be written to again, only
// read during replay), and opens a fresh plain-text segment so a crash
// mid-write never corrupts already-compressed history.
func (al *AppendLog) rotate() error {
	closedPath := al.segmentPath(al.segmentIndex)
	if err := al.file.Close(); err != nil {
		return err
	}
	al.segmentIndex++
	if err := al.openSegment(); err != nil {
		return err
	}
	go compressSegment(closedPath)
	return nil
}

func compressSegment(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".zst")
	if err != nil {
		return
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return
	}
	defer enc.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := enc.Write(buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			break
		}
	}
	if err := enc.Close(); err != nil {
		return
	}
	os.Remove(path)
}

// Recent returns every line appended since fromSeq (0 for everything still
// held in the in-memory ring) plus the newest sequence number, for a
// caller that wants a cheap recent-activity sample without touching disk.
func (al *AppendLog) Recent(fromSeq int64) ([]string, int64) {
	return al.recent.since(fromSeq), al.recent.lastSeq()
}

// LastSeq returns the newest in-memory replay sequence number without
// copying the backing lines, for callers (the /health endpoint) that only
// want a liveness counter.
func (al *AppendLog) LastSeq() int64 {
	return al.recent.lastSeq()
}

func (al *AppendLog) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	if err := al.writer.Flush(); err != nil {
		return err
	}
	return al.file.Close()
}

func formatAppendLine(ev ContainerEvent) string {
	op := appendOpName(ev.Kind)
	return fmt.Sprintf("%d,%s,%d,%s,%s,%s\n",
		time.Now().UnixMilli(), op, ev.StorageID,
		encodeAppendValue(ev.Record.Key),
		encodeAppendValue(ev.Record.Data),
		encodeAppendValue(ev.Record.Metadata))
}

func appendOpName(k EventKind) string {
	switch k {
	case EventPushBack:
		return "push_back"
	case EventPushFront:
		return "push_front"
	case EventPopBack:
		return "pop_back"
	case EventPopFront:
		return "pop_front"
	case EventSet:
		return "set"
	case EventDeleteKey:
		return "delete"
	case EventClear:
		return "clear"
	case EventInsert:
		return "insert"
	case EventPropertySet:
		return "prop_set"
	default:
		return "unknown"
	}
}

// encodeAppendValue matches the original BinaryProtocolLogger's per-field
// tagging: s<len>,<bytes> for strings, i<len>,<bytes> for ints, d<len>,<bytes>
// for doubles, n, for none/absent.
func encodeAppendValue(v Value) string {
	switch v.Kind {
	case ValueNone:
		return "n,"
	case ValueInt:
		s := strconv.FormatInt(v.I, 10)
		return fmt.Sprintf("i%d,%s", len(s), s)
	case ValueDouble:
		s := strconv.FormatFloat(v.D, 'g', -1, 64)
		return fmt.Sprintf("d%d,%s", len(s), s)
	case ValueString:
		return fmt.Sprintf("s%d,%s", len(v.S), string(v.S))
	default:
		return "n,"
	}
}
