package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/decred/slog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"community-wager-backend/internal/middleware"
	"community-wager-backend/internal/services"
)

const (
	writeWait       = 10 * time.Second
	hubQueueSize    = 256
	maxMessageBytes = 4096
)

type WebSocketHandler struct {
	ledger   *services.Ledger
	hub      *WebSocketHub
	upgrader websocket.Upgrader
	log      slog.Logger
}

// WebSocketHub owns every connection. All writes happen on the hub
// goroutine, so a connection never sees concurrent writers.
type WebSocketHub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	outbound   chan *Message
	done       chan struct{}
	log        slog.Logger
}

type Client struct {
	UserID string
	Conn   *websocket.Conn
}

type Message struct {
	Type   string      `json:"type"`
	UserID string      `json:"-"`
	Data   interface{} `json:"data"`

	// Set when the reply is for one connection only.
	client *Client
}

func NewWebSocketHub(log slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		outbound:   make(chan *Message, hubQueueSize),
		done:       make(chan struct{}),
		log:        log,
	}
}

func NewWebSocketHandler(ledger *services.Ledger, hub *WebSocketHub, allowedOrigins []string, log slog.Logger) *WebSocketHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &WebSocketHandler{
		ledger: ledger,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins["*"] || origins[origin]
			},
		},
		log: log,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnf("Failed to upgrade to WebSocket: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	client := &Client{
		UserID: userID,
		Conn:   conn,
	}

	if !h.hub.join(client) {
		conn.Close()
		return
	}
	defer h.hub.leave(client)

	h.sendBalance(c.Request.Context(), client)

	for {
		var msg Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debugf("WebSocket error for %s: %v", userID, err)
			}
			break
		}

		h.handleMessage(c.Request.Context(), client, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, client *Client, msg *Message) {
	switch msg.Type {
	case "PING":
		h.hub.send(&Message{
			Type:   "PONG",
			Data:   gin.H{"timestamp": time.Now().Unix()},
			client: client,
		})
	case "BALANCE":
		h.sendBalance(ctx, client)
	}
}

func (h *WebSocketHandler) sendBalance(ctx context.Context, client *Client) {
	wallet, err := h.ledger.Wallet(ctx, client.UserID)
	var nf *services.NotFoundError
	if errors.As(err, &nf) {
		return
	}
	if err != nil {
		h.log.Warnf("Failed to get wallet for WS: %v", err)
		return
	}

	h.hub.send(&Message{
		Type: "BALANCE_UPDATE",
		Data: gin.H{
			"amount":        wallet.Amount,
			"escrowBalance": wallet.EscrowBalance,
		},
		client: client,
	})
}

// join hands client to the hub. It reports false once the hub has stopped.
func (hub *WebSocketHub) join(client *Client) bool {
	select {
	case hub.register <- client:
		return true
	case <-hub.done:
		return false
	}
}

func (hub *WebSocketHub) leave(client *Client) {
	select {
	case hub.unregister <- client:
	case <-hub.done:
	}
}

func (hub *WebSocketHub) send(msg *Message) {
	select {
	case <-hub.done:
		return
	default:
	}
	select {
	case hub.outbound <- msg:
	default:
		hub.log.Warnf("WebSocket queue full, dropping %s", msg.Type)
	}
}

// NotifyUser queues a challenge event for every connection of userID.
func (hub *WebSocketHub) NotifyUser(userID string, event services.ChallengeEvent) {
	hub.send(&Message{
		Type:   "CHALLENGE_EVENT",
		UserID: userID,
		Data:   event,
	})
}

// Run serves the hub until ctx is done. Afterwards join, leave and the
// notify calls return without blocking.
func (hub *WebSocketHub) Run(ctx context.Context) {
	defer close(hub.done)
	for {
		select {
		case <-ctx.Done():
			for _, conns := range hub.clients {
				for client := range conns {
					client.Conn.Close()
				}
			}
			hub.clients = make(map[string]map[*Client]bool)
			return

		case client := <-hub.register:
			if hub.clients[client.UserID] == nil {
				hub.clients[client.UserID] = make(map[*Client]bool)
			}
			hub.clients[client.UserID][client] = true
			hub.log.Debugf("Client registered: %s", client.UserID)

		case client := <-hub.unregister:
			if conns, ok := hub.clients[client.UserID]; ok && conns[client] {
				delete(conns, client)
				if len(conns) == 0 {
					delete(hub.clients, client.UserID)
				}
				client.Conn.Close()
				hub.log.Debugf("Client unregistered: %s", client.UserID)
			}

		case msg := <-hub.outbound:
			hub.deliver(msg)
		}
	}
}

func (hub *WebSocketHub) deliver(msg *Message) {
	if msg.client != nil {
		if hub.clients[msg.client.UserID][msg.client] {
			hub.write(msg.client, msg)
		}
		return
	}
	for client := range hub.clients[msg.UserID] {
		hub.write(client, msg)
	}
}

func (hub *WebSocketHub) write(client *Client, msg *Message) {
	client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.Conn.WriteJSON(msg); err != nil {
		hub.log.Debugf("Write to %s failed: %v", client.UserID, err)
	}
}
