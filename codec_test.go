package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeBinaryCommand(t *testing.T, id int64, name string, args []Value) []byte {
	t.Helper()
	var payload bytes.Buffer
	var ib [8]byte
	binary.BigEndian.PutUint64(ib[:], uint64(id))
	payload.Write(ib[:])

	var nb [2]byte
	binary.BigEndian.PutUint16(nb[:], uint16(len(name)))
	payload.Write(nb[:])
	payload.WriteString(name)

	payload.WriteByte(byte(len(args)))
	for _, a := range args {
		a.EncodeBinary(&payload)
	}

	return encodeBinaryFrame(frameCommand, payload.Bytes())
}

func TestCodecReadBinaryCommand(t *testing.T) {
	raw := encodeBinaryCommand(t, 7, "set", []Value{StringValueStr("k"), IntValue(42)})
	codec := NewCodec(ProtocolBinary)
	cmd, err := codec.ReadCommand(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, int64(7), cmd.ID)
	assert.Equal(t, "set", cmd.Name)
	require.Len(t, cmd.Args, 2)
	assert.True(t, cmd.Args[0].Equal(StringValueStr("k")))
	assert.True(t, cmd.Args[1].Equal(IntValue(42)))
}

func TestCodecReadBinaryCommandBadMagic(t *testing.T) {
	codec := NewCodec(ProtocolBinary)
	bad := []byte{0x00, frameCommand, 0, 0, 0, 0}
	_, err := codec.ReadCommand(bufio.NewReader(bytes.NewReader(bad)))
	assert.Error(t, err)
}

func TestCodecReadTextCommand(t *testing.T) {
	codec := NewCodec(ProtocolText)
	line := `3 set "hello world" 42 3.5` + "\n"
	cmd, err := codec.ReadCommand(bufio.NewReader(bytes.NewReader([]byte(line))))
	require.NoError(t, err)
	assert.Equal(t, int64(3), cmd.ID)
	assert.Equal(t, "set", cmd.Name)
	require.Len(t, cmd.Args, 3)
	assert.True(t, cmd.Args[0].Equal(StringValueStr("hello world")))
	assert.True(t, cmd.Args[1].Equal(IntValue(42)))
	assert.True(t, cmd.Args[2].Equal(DoubleValue(3.5)))
}

func TestCodecReadTextCommandMissingName(t *testing.T) {
	codec := NewCodec(ProtocolText)
	_, err := codec.ReadCommand(bufio.NewReader(bytes.NewReader([]byte("5\n"))))
	assert.Error(t, err)
}

func TestCodecEncodeTextEventSnapshotEnd(t *testing.T) {
	codec := NewCodec(ProtocolText)
	out := codec.encodeTextEvent(1, ContainerEvent{Kind: EventSnapshotEnd})
	assert.Equal(t, "event 1 snapshot_end\n", string(out))
}

func TestCodecEncodeTextEventRecord(t *testing.T) {
	codec := NewCodec(ProtocolText)
	ev := ContainerEvent{
		Kind:   EventPushBack,
		Record: Record{Key: IntValue(0), Data: StringValueStr("x"), Metadata: NoneValue()},
	}
	out := codec.encodeTextEvent(2, ev)
	assert.Equal(t, "event 2 push_back 0 x \n", string(out))
}

func TestCodecEncodeAnswerAndError(t *testing.T) {
	codec := NewCodec(ProtocolText)
	ans := codec.EncodeAnswer(9, IntValue(10))
	assert.Equal(t, "answer 9 ok 10\n", string(ans))

	errOut := codec.EncodeError(9, NewTioError(ErrNotFound, "key not found"))
	assert.Equal(t, "answer 9 error not_found key not found\n", string(errOut))
}

func TestDetectProtocol(t *testing.T) {
	assert.Equal(t, ProtocolBinary, DetectProtocol([]byte{frameMagic, frameCommand}))
	assert.Equal(t, ProtocolHTTPOneShot, DetectProtocol([]byte("GET /tio HTTP/1.1")))
	assert.Equal(t, ProtocolText, DetectProtocol([]byte("1 ping\n")))
}

func TestSplitTextFieldsKeepsQuotedSpaces(t *testing.T) {
	fields := splitTextFields(`1 set "a b c" 5`)
	assert.Equal(t, []string{"1", "set", "a b c", "5"}, fields)
}

func TestParseTextValue(t *testing.T) {
	assert.True(t, parseTextValue("42").Equal(IntValue(42)))
	assert.True(t, parseTextValue("3.5").Equal(DoubleValue(3.5)))
	assert.True(t, parseTextValue("hello").Equal(StringValueStr("hello")))
}
