// Package transport carries binary mediator frames. The core only sees the Transport
// interface, connection management stays in this package.
package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"e2e_mediator/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotLoggedIn = errors.New("not logged in")

type (
	Transport interface {
		Send(ctx context.Context, frame []byte) error
	}

	// Handler receives every frame read from the connection, in order.
	Handler func(frame []byte)

	WebSocket struct {
		url       string
		dialer    *websocket.Dialer
		onReceive Handler

		mu   sync.RWMutex
		conn *websocket.Conn

		writeMu sync.Mutex
	}
)

// MediatorURL builds the websocket url of a device group on the mediator at base
// (for example ws://localhost:9090).
func MediatorURL(base string, groupPublicKey []byte, deviceID uint64, identity string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("mediator url %q needs a scheme and host", base)
	}
	params := url.Values{
		"device":   []string{strconv.FormatUint(deviceID, 16)},
		"identity": []string{identity},
	}
	u.Path = "/mediator/" + hex.EncodeToString(groupPublicKey)
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func NewWebSocket(u string, onReceive Handler) *WebSocket {
	return &WebSocket{
		url:       u,
		dialer:    websocket.DefaultDialer,
		onReceive: onReceive,
	}
}

func (w *WebSocket) Dial(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

// Listen reads frames until the connection fails or ctx is done. It blocks.
func (w *WebSocket) Listen(ctx context.Context) error {
	conn := w.current()
	if conn == nil {
		return ErrNotLoggedIn
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("mediator web socket closed", zap.Error(err))
			w.drop(conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if mt != websocket.BinaryMessage {
			log.Warn("ignoring non binary frame", zap.Int("type", mt))
			continue
		}
		w.onReceive(data)
	}
}

func (w *WebSocket) Send(ctx context.Context, frame []byte) error {
	conn := w.current()
	if conn == nil {
		return ErrNotLoggedIn
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		w.drop(conn)
		return fmt.Errorf("%w: %v", ErrNotLoggedIn, err)
	}
	return nil
}

func (w *WebSocket) Connected() bool {
	return w.current() != nil
}

func (w *WebSocket) Close() error {
	conn := w.current()
	if conn == nil {
		return nil
	}
	w.drop(conn)
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

func (w *WebSocket) current() *websocket.Conn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn
}

func (w *WebSocket) drop(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
}
