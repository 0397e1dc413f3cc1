package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cueline/api/internal/broadcast"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement happens at the CORS layer; the socket carries its
	// own bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSServer attaches editor clients to the three per-rundown streams over a
// single websocket, fanning broadcasts out and feeding client frames back
// through the service's edit paths.
type WSServer struct {
	service *Service
}

func NewWSServer(service *Service) *WSServer {
	return &WSServer{service: service}
}

func (s *WSServer) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// wsFrame is the client-to-server message envelope.
type wsFrame struct {
	Kind       string           `json:"kind"`
	Cell       *CellEditInput   `json:"cell,omitempty"`
	Global     *GlobalEditInput `json:"global,omitempty"`
	Showcaller *ShowcallerInput `json:"showcaller,omitempty"`
}

func (s *WSServer) handle(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) != 3 || parts[0] != "ws" || parts[1] != "rundowns" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	rundownID := parts[2]

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	// Touching the document before upgrading attaches the broadcast channels
	// and surfaces not-found as a plain HTTP error.
	if _, err := s.service.GetRundown(r.Context(), rundownID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
		service: s.service,
		session: session,
		rundown: rundownID,
	}
	client.attach()
	client.sendStatus()
	go client.writeLoop()
	client.readLoop()
}

// wsClient's send channel is owned by writeLoop and is never closed: a
// broadcast handler for a just-departed client may still be mid-dispatch, so
// teardown is signalled through done instead.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	service *Service
	session Session
	rundown string

	unsub     []func()
	closeOnce sync.Once
}

func (c *wsClient) attach() {
	for _, stream := range []string{broadcast.StreamContent, broadcast.StreamCell, broadcast.StreamShowcaller} {
		unsub := c.service.bus.Subscribe(broadcast.Topic(c.rundown, stream), func(msg broadcast.Message) {
			// The client's own echoes still go out; the browser-side tracker
			// drops them by (sender, timestamp).
			payload, err := msg.Encode()
			if err != nil {
				return
			}
			c.forward(payload)
		})
		c.unsub = append(c.unsub, unsub)
	}
}

func (c *wsClient) forward(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		// A reader this far behind is better served by a reconnect and full
		// refetch than an unbounded buffer.
		c.shutdown()
	}
}

// sendStatus pushes the current channel health so a freshly attached client
// knows whether it is live or should show the offline banner.
func (c *wsClient) sendStatus() {
	health := c.service.Health(c.rundown)
	payload, err := json.Marshal(map[string]any{
		"kind":                "status",
		"connected":           health.Connected,
		"consecutiveFailures": health.ConsecutiveFailures,
	})
	if err != nil {
		return
	}
	c.forward(payload)
}

func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() {
		for _, unsub := range c.unsub {
			unsub()
		}
		close(c.done)
	})
}

func (c *wsClient) readLoop() {
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read: %v", err)
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		c.dispatch(frame)
	}
}

func (c *wsClient) dispatch(frame wsFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case frame.Kind == "cell_update" && frame.Cell != nil:
		if err := c.service.EditCell(ctx, c.session, c.rundown, *frame.Cell); err != nil {
			log.Printf("ws cell edit: %v", err)
		}
	case frame.Kind == "global_update" && frame.Global != nil:
		if err := c.service.EditGlobal(ctx, c.session, c.rundown, *frame.Global); err != nil {
			log.Printf("ws global edit: %v", err)
		}
	case frame.Kind == "showcaller" && frame.Showcaller != nil:
		if _, err := c.service.Showcaller(ctx, c.session, c.rundown, *frame.Showcaller); err != nil {
			log.Printf("ws showcaller: %v", err)
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
