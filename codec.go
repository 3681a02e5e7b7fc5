package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Command is a single parsed client request, independent of which wire
// protocol it arrived on.
type Command struct {
	ID   int64
	Name string
	Args []Value
}

// frame message types for the binary protocol (§4.1).
const (
	frameMagic   byte = 0x54 // 'T'
	frameCommand byte = 0x01
	frameAnswer  byte = 0x02
	frameEvent   byte = 0x03
	frameError   byte = 0x04
)

// Codec encodes/decodes Tio's two wire protocols: a length-prefixed binary
// framing and a line-based text protocol, chosen per-session from the first
// bytes the listener peeks (§6). Both protocols carry the same Command/
// answer/event vocabulary; only the framing differs.
type Codec struct {
	mode ProtocolMode
}

func NewCodec(mode ProtocolMode) *Codec { return &Codec{mode: mode} }

// ReadCommand blocks until one full command has been parsed off r.
func (c *Codec) ReadCommand(r *bufio.Reader) (Command, error) {
	switch c.mode {
	case ProtocolText, ProtocolHTTPOneShot:
		return c.readTextCommand(r)
	default:
		return c.readBinaryCommand(r)
	}
}

// --- binary framing ---

func (c *Codec) readBinaryCommand(r *bufio.Reader) (Command, error) {
	header := make([]byte, 6)
	if _, err := readFull(r, header); err != nil {
		return Command{}, err
	}
	if header[0] != frameMagic || header[1] != frameCommand {
		return Command{}, NewTioError(ErrInvalidArgument, "bad frame header")
	}
	length := binary.BigEndian.Uint32(header[2:6])
	payload := make([]byte, length)
	if _, err := readFull(r, payload); err != nil {
		return Command{}, err
	}
	return decodeCommandPayload(payload)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func decodeCommandPayload(payload []byte) (Command, error) {
	if len(payload) < 8 {
		return Command{}, NewTioError(ErrInvalidArgument, "short command payload")
	}
	id := int64(binary.BigEndian.Uint64(payload[0:8]))
	rest := payload[8:]

	if len(rest) < 2 {
		return Command{}, NewTioError(ErrInvalidArgument, "missing command name")
	}
	nameLen := int(binary.BigEndian.Uint16(rest[0:2]))
	rest = rest[2:]
	if len(rest) < nameLen {
		return Command{}, NewTioError(ErrInvalidArgument, "truncated command name")
	}
	name := string(rest[:nameLen])
	rest = rest[nameLen:]

	if len(rest) < 1 {
		return Command{}, NewTioError(ErrInvalidArgument, "missing arg count")
	}
	argc := int(rest[0])
	rest = rest[1:]

	args := make([]Value, 0, argc)
	for i := 0; i < argc; i++ {
		v, n, err := DecodeValue(rest)
		if err != nil {
			return Command{}, err
		}
		args = append(args, v)
		rest = rest[n:]
	}
	return Command{ID: id, Name: name, Args: args}, nil
}

func encodeBinaryFrame(msgType byte, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(frameMagic)
	buf.WriteByte(msgType)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)
	return buf.Bytes()
}

// EncodeEvent turns a container mutation into the frame form delivered to a
// subscriber, addressed by the session's local handle rather than the
// global storage id.
func (c *Codec) EncodeEvent(handle ContainerHandle, ev ContainerEvent) []byte {
	if c.mode == ProtocolText || c.mode == ProtocolHTTPOneShot {
		return c.encodeTextEvent(handle, ev)
	}
	var payload bytes.Buffer
	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], uint64(handle))
	payload.Write(hb[:])
	payload.WriteByte(byte(ev.Kind))
	var pb [8]byte
	binary.BigEndian.PutUint64(pb[:], uint64(ev.Position))
	payload.Write(pb[:])
	ev.Record.Key.EncodeBinary(&payload)
	ev.Record.Data.EncodeBinary(&payload)
	ev.Record.Metadata.EncodeBinary(&payload)
	return encodeBinaryFrame(frameEvent, payload.Bytes())
}

// EncodeAnswer builds a successful reply frame for command id, carrying an
// optional result value (used by get/count/query_ex).
func (c *Codec) EncodeAnswer(id int64, result Value) []byte {
	if c.mode == ProtocolText || c.mode == ProtocolHTTPOneShot {
		return []byte(fmt.Sprintf("answer %d ok %s\n", id, result.String()))
	}
	var payload bytes.Buffer
	var ib [8]byte
	binary.BigEndian.PutUint64(ib[:], uint64(id))
	payload.Write(ib[:])
	result.EncodeBinary(&payload)
	return encodeBinaryFrame(frameAnswer, payload.Bytes())
}

// EncodeError builds an error reply frame for command id.
func (c *Codec) EncodeError(id int64, err error) []byte {
	kind := ErrInternal
	msg := err.Error()
	if te, ok := err.(*TioError); ok {
		kind = te.Kind
		msg = te.Msg
	}
	if c.mode == ProtocolText || c.mode == ProtocolHTTPOneShot {
		return []byte(fmt.Sprintf("answer %d error %s %s\n", id, kind, msg))
	}
	var payload bytes.Buffer
	var ib [8]byte
	binary.BigEndian.PutUint64(ib[:], uint64(id))
	payload.Write(ib[:])
	payload.WriteByte(byte(kind))
	var mb [4]byte
	binary.BigEndian.PutUint32(mb[:], uint32(len(msg)))
	payload.Write(mb[:])
	payload.WriteString(msg)
	return encodeBinaryFrame(frameError, payload.Bytes())
}

func (c *Codec) encodeTextEvent(handle ContainerHandle, ev ContainerEvent) []byte {
	if ev.Kind == EventSnapshotEnd {
		return []byte(fmt.Sprintf("event %d %s\n", handle, ev.Kind))
	}
	return []byte(fmt.Sprintf("event %d %s %s %s %s\n",
		handle, ev.Kind, ev.Record.Key.String(), ev.Record.Data.String(), ev.Record.Metadata.String()))
}

// --- text protocol: one command per line, space-separated tokens ---
//
//	<id> <command> [args...]
//
// Matches the original's human-typeable console protocol, generalized to
// carry a client-assigned id so replies can be correlated the same way the
// binary protocol's answers are.

func (c *Codec) readTextCommand(r *bufio.Reader) (Command, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return Command{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Command{}, NewTioError(ErrInvalidArgument, "empty command line")
	}
	fields := splitTextFields(line)
	if len(fields) < 2 {
		return Command{}, NewTioError(ErrInvalidArgument, "command line requires an id and a name")
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Command{}, NewTioError(ErrInvalidArgument, "invalid command id %q", fields[0])
	}
	args := make([]Value, 0, len(fields)-2)
	for _, f := range fields[2:] {
		args = append(args, parseTextValue(f))
	}
	return Command{ID: id, Name: fields[1], Args: args}, nil
}

// splitTextFields splits on whitespace but keeps double-quoted strings
// (which may contain spaces) intact, e.g. `1 set "hello world" 42`.
func splitTextFields(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

// parseTextValue infers a Value's kind from its textual form: integers
// parse as ValueInt, decimals as ValueDouble, everything else as a string.
func parseTextValue(tok string) Value {
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return IntValue(i)
	}
	if d, err := strconv.ParseFloat(tok, 64); err == nil {
		return DoubleValue(d)
	}
	return StringValueStr(tok)
}

// DetectProtocol inspects the first bytes peeked off a freshly accepted
// connection and decides which ProtocolMode to use (§6): a binary frame
// always starts with frameMagic; an HTTP one-shot request starts with a
// verb like "GET "/"POST "; a WebSocket upgrade also arrives as an HTTP GET
// and is distinguished later by its Upgrade header once the HTTP layer
// parses it; anything else is treated as the text protocol.
func DetectProtocol(peek []byte) ProtocolMode {
	if len(peek) > 0 && peek[0] == frameMagic {
		return ProtocolBinary
	}
	if len(peek) >= 4 {
		prefix := string(peek[:4])
		if prefix == "GET " || prefix == "POST" || prefix == "PUT " || prefix == "HEAD" {
			return ProtocolHTTPOneShot
		}
	}
	return ProtocolText
}
