package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"candlegate/internal/metrics"
	"candlegate/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// OverflowPolicy decides what happens when a subscriber cannot keep up.
type OverflowPolicy string

const (
	// DropOldest sheds the oldest buffered frame to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// CloseSlow disconnects the subscriber.
	CloseSlow OverflowPolicy = "close"
)

type outFrame struct {
	data  []byte
	quote bool
}

// Client is one downstream subscriber: a WebSocket connection bound to a
// single subscription. Deliver and Fail are called by the manager's fan-out
// and must never block, so frames pass through a bounded send buffer.
type Client struct {
	conn *websocket.Conn
	srv  *Server
	log  *slog.Logger
	met  *metrics.Metrics

	limit  int // 0 = unlimited quote frames
	policy OverflowPolicy

	mu      sync.Mutex
	send    chan outFrame
	closed  bool
	dropped uint64

	overflowOnce sync.Once
	done         chan struct{}
}

func newClient(conn *websocket.Conn, srv *Server, limit, bufferMax int, policy OverflowPolicy, log *slog.Logger, met *metrics.Metrics) *Client {
	return &Client{
		conn:   conn,
		srv:    srv,
		log:    log,
		met:    met,
		limit:  limit,
		policy: policy,
		send:   make(chan outFrame, bufferMax),
		done:   make(chan struct{}),
	}
}

// Deliver enqueues a quote frame, applying the overflow policy when the
// buffer is full.
func (c *Client) Deliver(candle *model.Candle) {
	data, err := json.Marshal(newQuoteFrame(candle))
	if err != nil {
		return
	}
	c.enqueue(outFrame{data: data, quote: true})
}

// Fail enqueues an error frame.
func (c *Client) Fail(fe *model.FeedError) {
	data, err := json.Marshal(newErrorFrame(fe))
	if err != nil {
		return
	}
	c.enqueue(outFrame{data: data})
}

func (c *Client) enqueue(f outFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- f:
		return
	default:
	}

	// Buffer full: the subscriber is not keeping up.
	c.met.SubscriberDrops.Inc()
	c.overflowOnce.Do(func() {
		data, _ := json.Marshal(newErrorFrame(&model.FeedError{
			Code:    model.ErrQueueBackpressure,
			Message: "subscriber buffer overflow, applying " + string(c.policy) + " policy",
		}))
		// Displace one frame so the notice gets through.
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- outFrame{data: data}:
		default:
		}
	})

	switch c.policy {
	case CloseSlow:
		c.closed = true
		close(c.send)
	default: // DropOldest
		select {
		case <-c.send:
			c.dropped++
		default:
		}
		select {
		case c.send <- f:
		default:
		}
	}
}

// closeSend stops the pump after the buffer drains.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump writes buffered frames, enforces the quote limit, and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	sent := 0
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
			if f.quote && c.limit > 0 {
				sent++
				if sent >= c.limit {
					// Quota served; say goodbye and hang up.
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "limit reached"))
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump exists for liveness only: subscribers speak exactly one frame (the
// subscription), so everything after it is ignored until the peer closes.
func (c *Client) readPump() {
	defer func() {
		c.srv.removeClient(c)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
