package ingestgw

import (
	"context"
	"encoding/json"
	"sync"

	"streamforge/internal/events"
	"streamforge/internal/wsconn"
)

// client is one accepted WebSocket connection. A connection starts
// unauthenticated and becomes a recorder the instant it sends a valid
// start frame; every connection, recorder or viewer, receives every
// relayed progress event — there is no per-viewer filtering (spec.md
// §4.1's Viewer fan-out paragraph).
type client struct {
	gateway *Gateway
	conn    *wsconn.Conn

	send   chan []byte
	cancel context.CancelFunc
	closed sync.Once

	// streamID is set once this connection's start frame succeeds.
	// It is only ever written by readLoop, so it is safe to read from
	// the same goroutine without a lock.
	streamID string
}

func (c *client) writeLoop() {
	defer c.close()
	for payload := range c.send {
		if err := c.conn.WriteText(payload); err != nil {
			return
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		msg, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}

		if msg.Opcode == wsconn.OpcodeBinary {
			if c.streamID == "" {
				c.sendError("binary frame before start")
				return
			}
			c.gateway.handleChunk(ctx, c, msg.Payload)
			continue
		}

		var in inboundMessage
		if err := json.Unmarshal(msg.Payload, &in); err != nil {
			c.sendError("invalid payload")
			return
		}

		switch in.Type {
		case "start":
			if err := c.gateway.handleStart(ctx, c, in); err != nil {
				c.sendError(err.Error())
			}
		case "stop":
			if err := c.gateway.handleStop(ctx, c, in); err != nil {
				c.sendError(err.Error())
			}
		case "ping":
			c.gateway.handlePing(c)
		default:
			c.sendError("unknown command")
			return
		}
	}
}

func (c *client) sendError(detail string) {
	payload, err := json.Marshal(errorAck{Type: "error", Detail: detail})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// close tears down the connection. If it was an authenticated recorder
// that never sent stop, a disconnect is treated as an implicit stop
// with empty stats (spec.md §4.1's Failure semantics paragraph).
func (c *client) close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.streamID != "" {
			go func(streamID string) {
				_ = c.gateway.StopStream(context.Background(), streamID, events.StreamStopEvent{}, nil)
			}(c.streamID)
		}
		c.gateway.removeClient(c)
		close(c.send)
		_ = c.conn.Close()
	})
}

