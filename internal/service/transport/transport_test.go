package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"e2e_mediator/internal/service/transport"

	"github.com/gorilla/websocket"
)

func TestMediatorURL(t *testing.T) {
	u, err := transport.MediatorURL("ws://localhost:9090", []byte{0xab, 0xcd}, 255, "ECHOECHO")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if u != "ws://localhost:9090/mediator/abcd?device=ff&identity=ECHOECHO" {
		t.Fatalf("url = %s", u)
	}
	if _, err := transport.MediatorURL("localhost", nil, 1, "X"); err == nil {
		t.Fatalf("url without scheme accepted")
	}
}

func TestWebSocketEcho(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	received := make(chan []byte, 1)
	ws := transport.NewWebSocket("ws"+strings.TrimPrefix(srv.URL, "http"), func(frame []byte) { received <- frame })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ws.Send(ctx, []byte("x")); !errors.Is(err, transport.ErrNotLoggedIn) {
		t.Fatalf("send before dial: want ErrNotLoggedIn, got %v", err)
	}
	if err := ws.Dial(ctx); err != nil {
		t.Fatalf("dial: %v", err)
	}
	listenErr := make(chan error, 1)
	go func() { listenErr <- ws.Listen(ctx) }()

	if err := ws.Send(ctx, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case frame := <-received:
		if string(frame) != "echo:ping" {
			t.Fatalf("frame = %q", frame)
		}
	case <-ctx.Done():
		t.Fatalf("no frame received")
	}

	cancel()
	select {
	case <-listenErr:
	case <-time.After(5 * time.Second):
		t.Fatalf("listen did not stop")
	}
	if ws.Connected() {
		t.Fatalf("still connected after listen stopped")
	}
}
