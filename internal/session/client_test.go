package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"codecollab/internal/models"
)

type frameCapture struct {
	frames []models.WSFrame
}

func (c *frameCapture) hook(frame models.WSFrame) { c.frames = append(c.frames, frame) }

func TestClientSendWithHook(t *testing.T) {
	client := NewClient(nil, "u1", "Ann")
	capture := &frameCapture{}
	client.SetSendHook(capture.hook)

	client.Send(models.WSFrame{Type: models.FrameDocUpdate})

	if len(capture.frames) != 1 || capture.frames[0].Type != models.FrameDocUpdate {
		t.Fatalf("expected frame captured, got %#v", capture.frames)
	}
}

func TestClientSendWithoutConnDoesNotPanic(t *testing.T) {
	client := NewClient(nil, "u1", "")
	client.Send(models.WSFrame{Type: "noop"})
	client.Close(websocket.CloseNormalClosure, "")
}

func TestClientIDsAreUnique(t *testing.T) {
	a, b := NewClient(nil, "u1", ""), NewClient(nil, "u1", "")
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("expected distinct connection ids, got %q and %q", a.ID(), b.ID())
	}
}

func TestClientSendWritesToConn(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan models.WSFrame, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame models.WSFrame
		if err := conn.ReadJSON(&frame); err == nil {
			received <- frame
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	client := NewClient(conn, "u1", "Ann")
	client.Send(models.WSFrame{Type: models.FrameServerShutdown})

	select {
	case frame := <-received:
		if frame.Type != models.FrameServerShutdown {
			t.Fatalf("unexpected frame: %#v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}
