// Package wsbridge attaches one WebSocket connection to one AgentSession,
// forwarding JSON-RPC frames in both directions and intercepting the
// first `initialize` request on a reused session so the agent never sees
// a handshake it already answered.
package wsbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-run/acpbridge/internal/bridge/session"
)

// ErrProtocolCorruption names an agent output stream the bridge can't
// interpret as JSON-RPC frames. No code path in this package returns it:
// agent frames are forwarded to the client without validation.
var ErrProtocolCorruption = errors.New("wsbridge: protocol corruption")

// writeStallTimeout is how long a WebSocket write of an agent→client frame
// may block before the bridge gives up on it as unresponsive.
const writeStallTimeout = 5 * time.Second

// handshakeEnvelope is the subset of a JSON-RPC frame the bridge needs to
// peek at; unknown fields are ignored.
type handshakeEnvelope struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
}

// Conn is the subset of *websocket.Conn the bridge depends on, so tests
// can substitute an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Bridge runs the two forwarding pumps for one (connection, session) pair.
type Bridge struct {
	conn    Conn
	session *session.Session
	reused  bool

	mu            sync.Mutex
	pendingInitID json.RawMessage

	writeMu sync.Mutex
}

// New constructs a Bridge. reused indicates whether the session already
// existed (Reused verdict) when it was acquired, which gates handshake
// interception on the first client message.
func New(conn Conn, s *session.Session, reused bool) *Bridge {
	return &Bridge{conn: conn, session: s, reused: reused}
}

// Run attaches to the session and blocks until the connection closes, a
// write to the client or the agent fails, or ctx is cancelled, whichever
// happens first. An agent exit is noticed only when the next client frame
// can't be written to the agent.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sendErrCh := make(chan error, 1)
	send := func(frame []byte) error {
		b.writeMu.Lock()
		defer b.writeMu.Unlock()
		if !b.reused {
			b.maybeCaptureHandshake(frame)
		}
		err := b.writeWithDeadline(frame)
		if err != nil {
			select {
			case sendErrCh <- err:
			default:
			}
			cancel()
		}
		return err
	}

	// Holding writeMu from attach through the flush makes a frame delivered
	// meanwhile wait in send until every buffered frame has been written.
	b.writeMu.Lock()
	buffered := b.session.AttachSink(send)
	defer b.session.DetachSink()

	for _, frame := range buffered {
		if err := b.writeWithDeadline(frame); err != nil {
			b.writeMu.Unlock()
			return fmt.Errorf("wsbridge: flush buffered frames: %w", err)
		}
	}
	b.writeMu.Unlock()

	recvErrCh := make(chan error, 1)
	go func() {
		recvErrCh <- b.pumpClientToAgent(ctx)
	}()

	select {
	case err := <-recvErrCh:
		return err
	case err := <-sendErrCh:
		return err
	case <-ctx.Done():
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		return ctx.Err()
	}
}

func (b *Bridge) writeWithDeadline(frame []byte) error {
	done := make(chan error, 1)
	go func() { done <- b.conn.WriteMessage(websocket.TextMessage, frame) }()
	select {
	case err := <-done:
		return err
	case <-time.After(writeStallTimeout):
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "write stall"), time.Now().Add(time.Second))
		return fmt.Errorf("wsbridge: write stalled past %s", writeStallTimeout)
	}
}

// pumpClientToAgent reads client frames and forwards them to the agent,
// intercepting the very first message of a reused session if it is an
// `initialize` call.
func (b *Bridge) pumpClientToAgent(ctx context.Context) error {
	first := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgType, data, err := b.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("wsbridge: read client message: %w", err)
		}
		if msgType != websocket.TextMessage {
			_ = b.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "binary frames not supported"),
				time.Now().Add(time.Second))
			return fmt.Errorf("wsbridge: unsupported binary frame")
		}

		if first && b.reused {
			first = false
			if intercepted, handled := b.tryInterceptHandshake(data); handled {
				if intercepted != nil {
					if err := b.writeWithDeadline(intercepted); err != nil {
						return err
					}
				}
				continue
			}
			slog.Warn("first message on reused session was not initialize; forwarding", "agent_id", b.session.AgentID())
		}
		if first && !b.reused {
			b.notePendingInitialize(data)
		}
		first = false

		if err := b.session.Process().WriteFrame(data); err != nil {
			return fmt.Errorf("wsbridge: write to agent: %w", err)
		}
	}
}

// notePendingInitialize remembers the id of a new session's first
// initialize request so the matching agent response can be cached as
// this session's handshake once it comes back.
func (b *Bridge) notePendingInitialize(data []byte) {
	var env handshakeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Method != "initialize" {
		return
	}
	b.mu.Lock()
	b.pendingInitID = env.ID
	b.mu.Unlock()
}

// maybeCaptureHandshake checks an agent→client frame against the
// remembered initialize id and caches it as the session's handshake on
// the first match.
func (b *Bridge) maybeCaptureHandshake(frame []byte) {
	b.mu.Lock()
	id := b.pendingInitID
	b.mu.Unlock()
	if id == nil {
		return
	}
	CaptureHandshake(b.session, id, frame)
}

// tryInterceptHandshake returns (replayFrame, true) if data is an
// initialize request the bridge answered from cache instead of forwarding.
// If data isn't an initialize call, or no cached handshake exists yet, it
// returns (nil, false) and the caller forwards normally.
func (b *Bridge) tryInterceptHandshake(data []byte) ([]byte, bool) {
	var env handshakeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Method != "initialize" {
		return nil, false
	}

	cached, ok := b.session.Handshake()
	if !ok {
		return nil, false
	}

	replay, err := substituteID(cached.Response, env.ID)
	if err != nil {
		slog.Warn("failed to substitute id into cached handshake", "err", err)
		return nil, false
	}
	return replay, true
}

// substituteID splices newID into response's top-level "id" field, leaving
// every other byte of response untouched: no key reordering, no
// whitespace normalization.
func substituteID(response []byte, newID json.RawMessage) ([]byte, error) {
	start, end, err := idValueSpan(response)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(response)-(end-start)+len(newID))
	out = append(out, response[:start]...)
	out = append(out, newID...)
	out = append(out, response[end:]...)
	return out, nil
}

// idValueSpan locates the byte range of the top-level "id" field's value
// within a JSON object, using the decoder's token offsets rather than
// unmarshaling the whole object.
func idValueSpan(response []byte) (start, end int, err error) {
	dec := json.NewDecoder(bytes.NewReader(response))

	tok, err := dec.Token()
	if err != nil {
		return 0, 0, fmt.Errorf("wsbridge: parse cached response: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return 0, 0, fmt.Errorf("wsbridge: cached response is not a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return 0, 0, fmt.Errorf("wsbridge: parse cached response: %w", err)
		}
		key, _ := keyTok.(string)

		valueStart := int(dec.InputOffset())
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return 0, 0, fmt.Errorf("wsbridge: parse cached response: %w", err)
		}
		valueEnd := int(dec.InputOffset())

		if key == "id" {
			colon := bytes.IndexByte(response[valueStart:valueEnd], ':')
			if colon < 0 {
				return 0, 0, fmt.Errorf("wsbridge: malformed id field in cached response")
			}
			valueStart += colon + 1
			for valueStart < valueEnd && isJSONSpace(response[valueStart]) {
				valueStart++
			}
			return valueStart, valueEnd, nil
		}
	}

	return 0, 0, fmt.Errorf("wsbridge: cached response has no id field")
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// CaptureHandshake inspects an agent→client frame and, for a new session
// that hasn't cached a handshake yet, caches it if the frame's id matches
// the id of the first request the client sent.
func CaptureHandshake(s *session.Session, requestID json.RawMessage, frame []byte) {
	if _, already := s.Handshake(); already {
		return
	}
	var env handshakeEnvelope
	if err := json.Unmarshal(frame, &env); err != nil || env.ID == nil {
		return
	}
	if !idsEqual(env.ID, requestID) {
		return
	}
	s.CacheHandshake(session.CachedHandshake{RequestID: requestID, Response: append([]byte(nil), frame...)})
}

func idsEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return bytes.Equal(a, b)
	}
	return av == bv
}
