package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/logger"
)

// Frame types exchanged with the native host over a websocket.
const (
	FrameCall      = "call"
	FrameCallAsync = "callAsync"
	FrameResult    = "result"
	FrameCallback  = "callback"
)

const writeWait = 10 * time.Second

// Frame is one websocket message. Payload holds the serialized bridge
// request or response envelope.
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload string `json:"payload"`
}

// WebSocketTransport multiplexes sync calls, async calls and callbacks over
// a single websocket connection to the native host.
type WebSocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	replies    map[string]chan string
	onCallback func(string)

	done      chan struct{}
	closeOnce sync.Once
}

// DialWebSocket connects to url, retrying with exponential backoff for up to
// maxElapsed (0 means a single attempt).
func DialWebSocket(ctx context.Context, url string, maxElapsed time.Duration) (*WebSocketTransport, error) {
	var conn *websocket.Conn
	dial := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			logger.Debug("bridge: dial %s failed: %v", url, err)
			return err
		}
		conn = c
		return nil
	}

	var err error
	if maxElapsed <= 0 {
		err = dial()
	} else {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = maxElapsed
		err = backoff.Retry(dial, backoff.WithContext(b, ctx))
	}
	if err != nil {
		return nil, core.ErrBridgeClosed.WithCause(fmt.Errorf("dial %s: %w", url, err))
	}

	return NewWebSocketTransport(conn), nil
}

// NewWebSocketTransport wraps an established connection and starts reading.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:    conn,
		replies: make(map[string]chan string),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// OnCallback registers the receiver for callback frames.
func (t *WebSocketTransport) OnCallback(fn func(data string)) {
	t.mu.Lock()
	t.onCallback = fn
	t.mu.Unlock()
}

// Call sends a call frame and waits for the matching result frame.
func (t *WebSocketTransport) Call(ctx context.Context, params string) (string, error) {
	id := uuid.NewString()
	ch := make(chan string, 1)

	t.mu.Lock()
	t.replies[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.replies, id)
		t.mu.Unlock()
	}()

	if err := t.send(Frame{Type: FrameCall, ID: id, Payload: params}); err != nil {
		return "", err
	}

	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.done:
		return "", core.ErrBridgeClosed
	}
}

// CallAsync sends a callAsync frame. The result arrives as a callback frame.
func (t *WebSocketTransport) CallAsync(_ context.Context, params string) error {
	return t.send(Frame{Type: FrameCallAsync, Payload: params})
}

// Close shuts the connection down. Safe to call multiple times.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// Done is closed when the read loop exits.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

func (t *WebSocketTransport) send(f Frame) error {
	select {
	case <-t.done:
		return core.ErrBridgeClosed
	default:
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.done)

	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				logger.Warn("bridge: websocket read failed: %v", err)
			}
			return
		}

		payload := gjson.GetBytes(msg, "payload").String()
		switch gjson.GetBytes(msg, "type").String() {
		case FrameResult:
			id := gjson.GetBytes(msg, "id").String()
			t.mu.Lock()
			ch, ok := t.replies[id]
			t.mu.Unlock()
			if ok {
				select {
				case ch <- payload:
				default:
				}
			}
		case FrameCallback:
			t.mu.Lock()
			fn := t.onCallback
			t.mu.Unlock()
			if fn == nil {
				logger.Warn("bridge: callback frame dropped, no receiver")
				continue
			}
			fn(payload)
		default:
			logger.Warn("bridge: unknown frame %q", gjson.GetBytes(msg, "type").String())
		}
	}
}
