package main

import (
	"bytes"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsFrameConn adapts a gobwas/ws-upgraded connection to the net.Conn shape
// Session/Codec already know how to drive: Read returns the concatenated
// payload bytes of client data messages, Write sends one binary WS message
// per call. This lets the same binary-protocol parser that reads a raw TCP
// stream also read a WebSocket connection, without the codec knowing
// WebSocket framing exists (§6: WS is just another ProtocolMode at the
// transport edge).
type wsFrameConn struct {
	net.Conn
	pending bytes.Buffer
}

func newWSFrameConn(conn net.Conn) *wsFrameConn {
	return &wsFrameConn{Conn: conn}
}

func (w *wsFrameConn) Read(p []byte) (int, error) {
	for w.pending.Len() == 0 {
		data, op, err := wsutil.ReadClientData(w.Conn)
		if err != nil {
			return 0, err
		}
		if op == ws.OpClose {
			return 0, err
		}
		w.pending.Write(data)
	}
	return w.pending.Read(p)
}

func (w *wsFrameConn) Write(p []byte) (int, error) {
	if err := wsutil.WriteServerMessage(w.Conn, ws.OpBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
