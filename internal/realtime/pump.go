package realtime

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	msgBudget      = 20               // messages
	msgBudgetEvery = 10 * time.Second // per-connection inbound rate limit window
)

// newMsgLimiter builds a per-connection inbound message rate limiter,
// grounded on internal/api/ratelimit.go's per-IP token bucket shape
// but scoped to a single connection and backed by x/time/rate instead
// of a hand-rolled bucket.
func newMsgLimiter(burst int, per time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(burst)/per.Seconds()), burst)
}

// readPump reads inbound frames, enforces the per-connection rate
// limit and the 64 KiB frame cap, and routes every frame to the Hub's
// Dispatcher. Grounded on the teacher's websocket.go client read loop.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := newMsgLimiter(msgBudget, msgBudgetEvery)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] read error: %v", err)
			}
			return
		}

		if !limiter.Allow() {
			c.closeWithPolicyViolation("message rate limit exceeded")
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}

		if c.hub.dispatcher == nil {
			continue
		}
		if err := c.hub.dispatcher.Dispatch(c, frame); err != nil {
			c.sendError(err.Error())
		}
	}
}

// writePump drains the client's send queue onto the socket and keeps
// the connection alive with periodic pings, grounded on the teacher's
// websocket.go write loop (5s/10s write-deadline pattern generalized
// to gorilla's recommended writeWait/pingPeriod split).
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithPolicyViolation sends close code 1008 (policy violation),
// per §4.6's rate-limit-violation close requirement.
func (c *Client) closeWithPolicyViolation(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (c *Client) sendError(message string) {
	data, _ := json.Marshal(Frame{Event: "error", Payload: map[string]string{"message": message}})
	c.enqueue(data)
}
