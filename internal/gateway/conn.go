package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	// readLimit caps a single inbound message. Terminal input and monitor
	// requests are small; anything beyond this is a misbehaving client.
	readLimit = 1 << 20

	// sendQueueFrames bounds the outbound queue per socket. SSH output is
	// chunked at MaxChunk by the session pump, so a full queue holds at most
	// one megabyte before Send blocks and backpressure reaches the remote.
	sendQueueFrames = 32

	// MaxChunk is the largest payload producers should enqueue per frame.
	MaxChunk = 32 * 1024

	writeTimeout = 30 * time.Second

	// compressThreshold leaves small control frames uncompressed; only
	// bulk terminal output and stats batches are worth deflating.
	compressThreshold = 1024
)

// ErrClosed is returned by Send once the socket is gone.
var ErrClosed = errors.New("gateway: connection closed")

var nextConnID uint64

// Conn wraps a websocket with a bounded outbound queue. Send blocks when the
// queue is full (lossless, for terminal traffic); TrySend drops the oldest
// queued frame instead (lossy, for monitoring fan-out).
type Conn struct {
	id   uint64
	path string
	ws   *websocket.Conn

	// Identity attached by the auth gate before the handler runs.
	UserID   uint
	Username string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Close handshake parameters, written once before done is closed.
	closeStatus websocket.StatusCode
	closeReason string
	immediate   bool

	lastActivity int64 // unix seconds, atomic
	dropped      uint64
}

// Accept upgrades the request and starts the outbound pump.
func Accept(w http.ResponseWriter, r *http.Request, path string) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:       []string{"*"},
		CompressionMode:      websocket.CompressionContextTakeover,
		CompressionThreshold: compressThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("accept %s: %w", path, err)
	}
	ws.SetReadLimit(readLimit)

	c := &Conn{
		id:   atomic.AddUint64(&nextConnID, 1),
		path: path,
		ws:   ws,
		send: make(chan []byte, sendQueueFrames),
		done: make(chan struct{}),
	}
	c.Touch()
	go c.writePump()
	return c, nil
}

// ID is the monotonically increasing connection id, unique per process.
func (c *Conn) ID() uint64 { return c.id }

// Path is the websocket route this connection arrived on.
func (c *Conn) Path() string { return c.path }

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Touch records activity for the idle watchdog.
func (c *Conn) Touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().Unix())
}

// IdleSince reports the time of the last read or queued write.
func (c *Conn) IdleSince() time.Time {
	return time.Unix(atomic.LoadInt64(&c.lastActivity), 0)
}

// Dropped reports how many frames TrySend has discarded on this socket.
func (c *Conn) Dropped() uint64 { return atomic.LoadUint64(&c.dropped) }

func (c *Conn) writePump() {
	for {
		select {
		case b := <-c.send:
			if !c.write(b) {
				c.CloseNow()
				return
			}
		case <-c.done:
			if c.immediate {
				return
			}
			// Flush frames queued before the close was requested, then
			// run the close handshake.
			for {
				select {
				case b := <-c.send:
					if !c.write(b) {
						_ = c.ws.CloseNow()
						return
					}
				default:
					_ = c.ws.Close(c.closeStatus, c.closeReason)
					return
				}
			}
		}
	}
}

func (c *Conn) write(b []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, b) == nil
}

// Send enqueues a frame, blocking while the outbound queue is full so that
// producers slow down instead of ballooning memory.
func (c *Conn) Send(ctx context.Context, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case c.send <- b:
		c.Touch()
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue enqueues a frame without blocking and without evicting anything.
// Returns false when the queue is full or the socket is gone; callers that
// must not lose content (AI streaming) coalesce and retry instead.
func (c *Conn) TryEnqueue(f Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- b:
		c.Touch()
		return true
	default:
		return false
	}
}

// TrySend enqueues a frame without blocking. When the queue is full it evicts
// the oldest queued frame first; a subscriber that cannot keep up loses stale
// telemetry rather than stalling the hub. Returns false if the frame was not
// queued.
func (c *Conn) TrySend(f Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		return false
	}
	for i := 0; i < 2; i++ {
		select {
		case <-c.done:
			return false
		case c.send <- b:
			c.Touch()
			return true
		default:
		}
		select {
		case <-c.send:
			atomic.AddUint64(&c.dropped, 1)
		default:
		}
	}
	atomic.AddUint64(&c.dropped, 1)
	return false
}

// ReadFrame blocks for the next inbound message and decodes the envelope.
func (c *Conn) ReadFrame(ctx context.Context) (Frame, error) {
	_, b, err := c.ws.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	c.Touch()
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Close flushes queued frames, then runs a best-effort close handshake. The
// actual socket close happens on the pump goroutine.
func (c *Conn) Close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeStatus = status
		c.closeReason = reason
		close(c.done)
	})
}

// CloseNow tears the socket down without flushing or a handshake.
func (c *Conn) CloseNow() {
	c.closeOnce.Do(func() {
		c.immediate = true
		close(c.done)
		_ = c.ws.CloseNow()
	})
}
