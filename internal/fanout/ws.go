package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/programme-lv/judge/api"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens are unguessable; cross-origin subscribers are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSSubscriber adapts one websocket connection to the Subscriber
// contract and pumps client pings back into the hub.
type WSSubscriber struct {
	id    string
	token string
	conn  *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// UpgradeAndSubscribe upgrades the request to a websocket, attaches it
// to the token's room and starts the client read loop.
func UpgradeAndSubscribe(hub *Hub, token string, w http.ResponseWriter, r *http.Request) (*WSSubscriber, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	sub := &WSSubscriber{
		id:    uuid.NewString(),
		token: token,
		conn:  conn,
	}
	hub.Subscribe(token, sub)
	go sub.readLoop(hub)
	return sub, nil
}

func (s *WSSubscriber) ID() string { return s.id }

func (s *WSSubscriber) Send(frame any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(frame)
}

func (s *WSSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// readLoop consumes client messages until the connection dies. The only
// client-to-server message is the keepalive ping.
func (s *WSSubscriber) readLoop(hub *Hub) {
	defer hub.Unsubscribe(s.token, s.id)

	s.conn.SetReadLimit(wsReadLimit)
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type == api.FramePing {
			hub.Ping(s.token, s.id)
		}
	}
}
