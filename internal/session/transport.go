package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndenisov/meshcall/internal/protocol"
)

const (
	transportWriteWait = 10 * time.Second
	transportReadWait  = 60 * time.Second
	maxMessageSize     = 64 * 1024
)

// Transport is the session's persistent bidirectional channel to the
// relay. Exactly one goroutine reads it; writes may come from the reader
// and the speaking sampler and are serialized internally.
type Transport interface {
	Read() (*protocol.Message, error)
	Write(*protocol.Message) error
	Close() error
}

// Dialer opens the relay channel for a room/user pair.
type Dialer interface {
	Dial(ctx context.Context, baseURL, roomID, userID string) (Transport, error)
}

// WSDialer is the production dialer: one websocket per session at
// /ws/{room_id}/{user_id}, JSON text frames.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, baseURL, roomID, userID string) (Transport, error) {
	u, err := wsURL(baseURL, roomID, userID)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(transportReadWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(transportReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(transportWriteWait))
	})
	return &wsTransport{conn: conn}, nil
}

func wsURL(baseURL, roomID, userID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + roomID + "/" + userID
	return u.String(), nil
}

type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func (t *wsTransport) Read() (*protocol.Message, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(transportReadWait))
	return protocol.Decode(data)
}

func (t *wsTransport) Write(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(transportWriteWait))
	return t.conn.Close()
}
