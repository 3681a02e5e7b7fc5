package main

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// natsSink is an optional, additive fanout of container events onto a NATS
// JetStream stream, enabled only when Config.NATSUrl is set. It is a sink,
// not a replication source: nothing ever reads events back out of JetStream
// into this server, the SubscriptionTable is the sole delivery path to live
// subscribers. This repurposes the connect/disconnect/reconnect handler
// pattern the teacher wired for its NATS client, pointed at a stream this
// domain owns instead of the original odin.* subjects.
type natsSink struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	logger     zerolog.Logger
	paused     int32 // atomic bool, toggled by the pause/resume commands
}

// newNatsSink connects to url and ensures streamName exists, configured
// with maxAge/maxMsgs retention so the stream self-trims rather than
// growing without bound (events are a convenience fanout, not the system of
// record — AppendLog is).
func newNatsSink(url, streamName string, maxAge time.Duration, maxMsgs int64, logger zerolog.Logger) (*natsSink, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats sink connected")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats sink disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats sink reconnected")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Warn().Err(err).Msg("nats sink error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquiring jetstream context: %w", err)
	}

	subjectWildcard := streamName + ".>"
	if _, err := js.StreamInfo(streamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{subjectWildcard},
			MaxAge:   maxAge,
			MaxMsgs:  maxMsgs,
			Storage:  nats.FileStorage,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating jetstream stream %s: %w", streamName, err)
		}
	}

	return &natsSink{conn: conn, js: js, streamName: streamName, logger: logger}, nil
}

// subjectNamePattern constrains which container names are safe to fold
// directly into a NATS subject token (src/channels.go's tokenChannelPattern/
// userChannelPattern do the equivalent check before building a subject out of
// a client-supplied id). Anything else — notably the "/"-delimited
// __meta__/... containers — falls back to the plain storage id so a stray
// ">"/"*"/"." in a name can never widen a subscriber's wildcard match.
var subjectNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// buildSubject mirrors src/channels.go's ChannelToNATSSubject: a container
// name becomes <stream>.<name> when it's subject-safe, the same shape the
// teacher used to turn "token.BTC123" into "odin.token.BTC123" so consumers
// can filter by name instead of an opaque id. storageID is only the
// fallback for names that aren't subject-safe, so two containers with the
// same safe name in different eras (one deleted, one recreated) publish to
// the same subject; the storage_id field of each published event tells
// them apart.
func buildSubject(streamName, containerName string, storageID int64) string {
	if containerName != "" && subjectNamePattern.MatchString(containerName) {
		return fmt.Sprintf("%s.%s", streamName, containerName)
	}
	return fmt.Sprintf("%s.%d", streamName, storageID)
}

// wireEvent is the JSON shape published per event; kept separate from
// ContainerEvent so the wire shape doesn't silently change when the
// in-process struct does.
type wireEvent struct {
	Kind      string `json:"kind"`
	StorageID int64  `json:"storage_id"`
	Name      string `json:"name,omitempty"`
	Position  int64  `json:"position"`
	Key       string `json:"key,omitempty"`
	Data      string `json:"data,omitempty"`
}

// SetPaused toggles fanout on and off without tearing down the connection,
// the mechanism the pause/resume commands drive (dispatcher.go).
func (n *natsSink) SetPaused(paused bool) {
	if paused {
		atomic.StoreInt32(&n.paused, 1)
	} else {
		atomic.StoreInt32(&n.paused, 0)
	}
}

// Publish fans ev out to a per-container subject (buildSubject:
// <stream>.<name>, or <stream>.<storage_id> for names that aren't
// subject-safe) so consumers can filter by container without touching this
// process. Nothing is published while the sink is paused. Errors are
// logged, not returned: a JetStream hiccup must never slow or fail a live
// mutation, this is strictly best-effort (§2 domain stack).
func (n *natsSink) Publish(ev ContainerEvent, containerName string) {
	if atomic.LoadInt32(&n.paused) == 1 {
		return
	}
	we := wireEvent{
		Kind:      appendOpName(ev.Kind),
		StorageID: ev.StorageID,
		Name:      containerName,
		Position:  ev.Position,
		Key:       ev.Record.Key.String(),
		Data:      ev.Record.Data.String(),
	}
	payload, err := json.Marshal(we)
	if err != nil {
		n.logger.Warn().Err(err).Msg("nats sink marshal failed")
		return
	}
	subject := buildSubject(n.streamName, containerName, ev.StorageID)
	if _, err := n.js.Publish(subject, payload); err != nil {
		n.logger.Warn().Err(err).Str("subject", subject).Msg("nats sink publish failed")
	}
}

func (n *natsSink) Close() {
	n.conn.Close()
}
