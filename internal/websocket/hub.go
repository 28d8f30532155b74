package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/adcraft/api/internal/model"
)

// Client is one WebSocket subscriber of a run.
type Client struct {
	RunID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// NewClient creates a subscriber with a send buffer large enough for a whole run.
func NewClient(runID string, conn *websocket.Conn) *Client {
	return &Client{RunID: runID, Conn: conn, Send: make(chan []byte, 256)}
}

// Hub fans run events out to WebSocket subscribers. It keeps the events of
// every live run so late subscribers get the backlog first.
type Hub struct {
	// Clients grouped by run ID
	clients map[string]map[*Client]bool

	// Encoded events of runs that have not ended yet
	history map[string][][]byte

	// all unbuffered, so operations apply in the order callers issue them
	register   chan registration
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	track      chan string
	done       chan struct{}

	logger *slog.Logger
}

// BroadcastMessage is one encoded event for a run.
type BroadcastMessage struct {
	RunID   string
	Message []byte
	Final   bool
}

type registration struct {
	client *Client
	reply  chan bool
}

// NewHub creates a new Hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		history:    make(map[string][][]byte),
		register:   make(chan registration),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage),
		track:      make(chan string),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
			}
			h.clients = map[string]map[*Client]bool{}
			return

		case runID := <-h.track:
			if _, ok := h.history[runID]; !ok {
				h.history[runID] = [][]byte{}
			}

		case reg := <-h.register:
			client := reg.client
			backlog, live := h.history[client.RunID]
			if !live {
				reg.reply <- false
				continue
			}
			for _, msg := range backlog {
				client.Send <- msg
			}
			if h.clients[client.RunID] == nil {
				h.clients[client.RunID] = make(map[*Client]bool)
			}
			h.clients[client.RunID][client] = true
			reg.reply <- true
			h.logger.Debug("client registered", "run_id", client.RunID, "backlog", len(backlog))

		case client := <-h.unregister:
			if clients, ok := h.clients[client.RunID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.RunID)
					}
				}
			}
			h.logger.Debug("client unregistered", "run_id", client.RunID)

		case msg := <-h.broadcast:
			h.history[msg.RunID] = append(h.history[msg.RunID], msg.Message)
			clients := h.clients[msg.RunID]
			for client := range clients {
				select {
				case client.Send <- msg.Message:
				default:
					h.logger.Warn("dropping slow websocket client", "run_id", msg.RunID)
					close(client.Send)
					delete(clients, client)
				}
			}
			if msg.Final {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, msg.RunID)
				delete(h.history, msg.RunID)
			}
		}
	}
}

// Track marks runID as live before its first event, so subscribers that
// connect early are attached instead of rejected.
func (h *Hub) Track(runID string) {
	select {
	case h.track <- runID:
	case <-h.done:
	}
}

// Register attaches client to its run and queues the backlog on client.Send.
// It reports false when the hub knows no live run with that ID.
func (h *Hub) Register(client *Client) bool {
	reply := make(chan bool, 1)
	select {
	case h.register <- registration{client: client, reply: reply}:
		return <-reply
	case <-h.done:
		return false
	}
}

// Unregister detaches a client.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Emit publishes one run event to the run's subscribers.
func (h *Hub) Emit(runID string, ev model.Event) {
	data, err := model.EncodeEvent(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "run_id", runID, "type", ev.Kind(), "error", err)
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{RunID: runID, Message: data, Final: ev.Kind() == model.EventEnd}:
	case <-h.done:
	}
}

// RunLookup resolves runs that are no longer live.
type RunLookup func(runID string) (*model.Run, error)

type pingMessage struct {
	Type string `json:"type"`
}

// HandleConnection serves one WebSocket subscriber. Live runs get their
// backlog followed by live events; finished runs get their stored event log.
// The connection is closed after the end event.
func (h *Hub) HandleConnection(c *websocket.Conn, runID string, lookup RunLookup) {
	client := NewClient(runID, c)

	if !h.Register(client) {
		h.replayStored(c, runID, lookup)
		return
	}
	defer h.Unregister(client)

	// pongs are written by the writer goroutine; client.Send belongs to the hub
	pongs := make(chan struct{}, 1)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					c.Close()
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				data, _ := json.Marshal(pingMessage{Type: "pong"})
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket error", "run_id", runID, "error", err)
			}
			break
		}

		var msg pingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

func (h *Hub) replayStored(c *websocket.Conn, runID string, lookup RunLookup) {
	var events []model.Event
	if lookup != nil {
		if run, err := lookup(runID); err == nil {
			events = run.Events
		}
	}
	if len(events) == 0 {
		events = []model.Event{
			model.ErrorEvent{Msg: "Run " + runID + " not found"},
			model.EndEvent{},
		}
	}

	for _, ev := range events {
		data, err := model.EncodeEvent(ev)
		if err != nil {
			continue
		}
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
