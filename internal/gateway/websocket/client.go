package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/events"
	"github.com/ensemble-ai/ensemble/internal/events/bus"
	"github.com/ensemble-ai/ensemble/internal/tracing"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// subscription is one live event subscription held by a client. The bus
// handles subject routing; node and type filters are applied here.
type subscription struct {
	sub      bus.Subscription
	nodeID   string
	eventSet map[string]bool
}

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]*subscription

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]*subscription),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps commands from the WebSocket connection into the
// dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var cmd protocol.Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Error("Failed to parse command", zap.Error(err))
			c.sendResponse(protocol.ErrorResponse("", protocol.ErrInvalidRequest, "invalid command format"))
			continue
		}

		c.handleCommand(ctx, &cmd)
	}
}

// handleCommand routes one command. Subscription commands bind events to
// this connection, so they are handled here; everything else goes through
// the dispatcher. Commands run concurrently because many of them block
// for the length of an execution.
func (c *Client) handleCommand(ctx context.Context, cmd *protocol.Command) {
	c.logger.Debug("Received command",
		zap.String("type", cmd.Type),
		zap.String("request_id", cmd.RequestID))

	switch cmd.Type {
	case protocol.CmdSubscribe:
		c.handleSubscribe(cmd)
		return
	case protocol.CmdUnsubscribe:
		c.handleUnsubscribe(cmd)
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Command panicked",
					zap.String("type", cmd.Type),
					zap.String("request_id", cmd.RequestID),
					zap.Any("panic", r))
				c.sendResponse(protocol.ErrorResponse(cmd.RequestID, protocol.ErrInternal,
					fmt.Sprintf("Internal: %v", r)))
			}
		}()
		var scope struct {
			SessionID string `json:"session_id"`
		}
		_ = cmd.ParseParams(&scope)
		cmdCtx, span := tracing.TraceCommand(ctx, cmd.Type, cmd.RequestID, scope.SessionID)
		defer span.End()

		response, err := c.hub.dispatcher.Dispatch(cmdCtx, cmd)
		if err != nil {
			tracing.RecordResult(span, "error", err)
			c.logger.Error("Handler error",
				zap.String("type", cmd.Type),
				zap.Error(err))
			c.sendResponse(protocol.ErrorResponse(cmd.RequestID, protocol.ErrInternal, err.Error()))
			return
		}
		if response != nil {
			if response.Success {
				tracing.RecordResult(span, "ok", nil)
			} else {
				tracing.RecordResult(span, string(response.ErrorType), nil)
			}
			c.sendResponse(response)
		}
	}()
}

// subscriptionKey identifies one subscription per session and node scope.
func subscriptionKey(sessionID, nodeID string) string {
	return sessionID + "\x00" + nodeID
}

// handleSubscribe handles the subscribe command: events from the selected
// scope start flowing to this connection.
func (c *Client) handleSubscribe(cmd *protocol.Command) {
	var p protocol.SubscribeParams
	if err := cmd.ParseParams(&p); err != nil {
		c.sendResponse(protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest,
			"invalid params: "+err.Error()))
		return
	}
	if c.hub.bus == nil {
		c.sendResponse(protocol.ErrorResponse(cmd.RequestID, protocol.ErrNotImplemented,
			"event bus is not available"))
		return
	}

	subject := events.AllPattern()
	if p.SessionID != "" {
		subject = events.SessionPattern(p.SessionID)
	}
	var eventSet map[string]bool
	if len(p.Events) > 0 {
		eventSet = make(map[string]bool, len(p.Events))
		for _, t := range p.Events {
			eventSet[t] = true
		}
	}
	filter := &subscription{nodeID: p.NodeID, eventSet: eventSet}

	key := subscriptionKey(p.SessionID, p.NodeID)
	c.mu.Lock()
	if prev, ok := c.subscriptions[key]; ok {
		_ = prev.sub.Unsubscribe()
		delete(c.subscriptions, key)
	}
	c.mu.Unlock()

	sub, err := c.hub.bus.Subscribe(subject, func(ctx context.Context, ev *protocol.Event) error {
		c.forwardEvent(filter, ev)
		return nil
	})
	if err != nil {
		c.sendResponse(protocol.ErrorResponse(cmd.RequestID, protocol.ErrInternal, err.Error()))
		return
	}
	filter.sub = sub

	c.mu.Lock()
	c.subscriptions[key] = filter
	c.mu.Unlock()

	c.logger.Debug("Client subscribed", zap.String("subject", subject))
	c.sendResponse(protocol.DataResponse(cmd.RequestID, map[string]any{
		"subscribed": true,
		"session_id": p.SessionID,
		"node_id":    p.NodeID,
	}))
}

// handleUnsubscribe handles the unsubscribe command.
func (c *Client) handleUnsubscribe(cmd *protocol.Command) {
	var p protocol.UnsubscribeParams
	if err := cmd.ParseParams(&p); err != nil {
		c.sendResponse(protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest,
			"invalid params: "+err.Error()))
		return
	}

	key := subscriptionKey(p.SessionID, p.NodeID)
	c.mu.Lock()
	sub, ok := c.subscriptions[key]
	if ok {
		delete(c.subscriptions, key)
	}
	c.mu.Unlock()
	if !ok {
		c.sendResponse(protocol.ErrorResponse(cmd.RequestID, protocol.ErrInvalidRequest,
			"no matching subscription"))
		return
	}
	_ = sub.sub.Unsubscribe()

	c.sendResponse(protocol.DataResponse(cmd.RequestID, map[string]any{
		"unsubscribed": true,
	}))
}

// forwardEvent applies the subscription's filters and queues the event.
func (c *Client) forwardEvent(filter *subscription, ev *protocol.Event) {
	if ev == nil {
		return
	}
	if filter.nodeID != "" && ev.NodeID != filter.nodeID {
		return
	}
	if filter.eventSet != nil && !filter.eventSet[ev.Type] {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// closeSubscriptions tears down every bus subscription this client holds.
func (c *Client) closeSubscriptions() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.subscriptions = make(map[string]*subscription)
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.sub.Unsubscribe()
	}
}

// sendResponse queues a response for delivery.
func (c *Client) sendResponse(resp *protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump pumps queued messages out to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
