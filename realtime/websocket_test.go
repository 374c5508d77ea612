package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wireMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	ch := NewChannel(WithReconnectGrace(5 * time.Second))
	defer ch.Close()
	tr, err := NewWebSocketTransport(ch)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	srv := httptest.NewServer(tr)
	defer srv.Close()
	defer tr.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dial(t, url)
	welcome := readMessage(t, conn)
	var connected ConnectedPayload
	if err := json.Unmarshal(welcome.Payload, &connected); err != nil || welcome.Type != TypeConnected {
		t.Fatalf("unexpected welcome: %+v (%v)", welcome, err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "topics": []string{"research"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypeSubscribed {
		t.Fatalf("expected subscribed, got %+v", msg)
	}

	if n := ch.Broadcast(context.Background(), Message{Type: TypeResearch, Topic: TopicResearch, Payload: JobUpdate{JobID: "j1"}}); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	msg := readMessage(t, conn)
	var update JobUpdate
	if err := json.Unmarshal(msg.Payload, &update); err != nil || update.JobID != "j1" {
		t.Fatalf("unexpected broadcast: %+v (%v)", msg, err)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	waitFor(t, "disconnect", func() bool {
		s, ok := ch.Session(connected.SessionID)
		return ok && s.Reconnect != nil
	})

	again := dial(t, url+"?session="+connected.SessionID)
	defer again.Close()
	resumed := readMessage(t, again)
	var restored ConnectedPayload
	if err := json.Unmarshal(resumed.Payload, &restored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !restored.Restored || len(restored.Subscriptions) != 2 || restored.SessionID == connected.SessionID {
		t.Fatalf("expected restored session with prior subscriptions, got %+v", restored)
	}
}

func TestWebSocketCloseSessionDropsConnection(t *testing.T) {
	ch := NewChannel()
	defer ch.Close()
	tr, _ := NewWebSocketTransport(ch)
	srv := httptest.NewServer(tr)
	defer srv.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	defer conn.Close()
	var connected ConnectedPayload
	_ = json.Unmarshal(readMessage(t, conn).Payload, &connected)

	tr.CloseSession(connected.SessionID, "idle timeout")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	waitFor(t, "session disconnect", func() bool {
		s, ok := ch.Session(connected.SessionID)
		return ok && s.Reconnect != nil
	})
	if err := tr.Send(context.Background(), connected.SessionID, Message{Type: TypePong}); err == nil {
		t.Fatalf("send to closed session should fail")
	}
}
