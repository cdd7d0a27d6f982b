package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewWSHub(t *testing.T) {
	hub := NewWSHub()

	if hub == nil {
		t.Fatal("NewWSHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("clients map should be initialized")
	}
	if hub.broadcast == nil || hub.register == nil || hub.unregister == nil {
		t.Error("hub channels should be initialized")
	}
}

func TestWSHub_Run(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{
		send: make(chan []byte, 256),
		hub:  hub,
	}

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	if hub.ClientCount() != 1 {
		t.Error("client should be registered")
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Error("client should be unregistered")
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed on unregister")
	}
}

func TestWSHub_Broadcast(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	clients := make([]*WSClient, 3)
	for i := range clients {
		clients[i] = &WSClient{
			send: make(chan []byte, 256),
			hub:  hub,
		}
		hub.register <- clients[i]
	}

	time.Sleep(10 * time.Millisecond)

	testMsg := []byte(`{"type":"test"}`)
	hub.broadcast <- testMsg

	time.Sleep(10 * time.Millisecond)

	for i, client := range clients {
		select {
		case msg := <-client.send:
			if string(msg) != string(testMsg) {
				t.Errorf("client %d received wrong message", i)
			}
		default:
			t.Errorf("client %d did not receive message", i)
		}
	}
}

func TestWSHub_BroadcastEvictsFullClient(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	client := &WSClient{
		send: make(chan []byte, 1),
		hub:  hub,
	}
	client.send <- []byte(`{"type":"pending"}`)
	hub.register <- client
	hub.broadcast <- []byte(`{"type":"test"}`)
	time.Sleep(10 * time.Millisecond)

	if hub.ClientCount() != 0 {
		t.Fatal("client with a full buffer should be evicted")
	}

	// a reply racing the eviction and the later unregister from readPump
	// must neither panic nor block
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.sendError("late", "reply after eviction")
		client.sendResponse("late", "status", nil)
		hub.unregister <- client
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send after eviction blocked")
	}

	if msg := <-client.send; string(msg) != `{"type":"pending"}` {
		t.Errorf("unexpected queued message %s", msg)
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after eviction")
	}
}

func TestWSClient_sendError(t *testing.T) {
	client := &WSClient{
		send: make(chan []byte, 256),
	}

	client.sendError("err-id", "test error message")

	select {
	case msg := <-client.send:
		var decoded WSMessage
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("failed to unmarshal error: %v", err)
		}

		if decoded.Type != "error" {
			t.Errorf("expected type 'error', got '%s'", decoded.Type)
		}
		if decoded.ID != "err-id" {
			t.Errorf("expected ID 'err-id', got '%s'", decoded.ID)
		}
		if decoded.Error != "test error message" {
			t.Errorf("expected error 'test error message', got '%s'", decoded.Error)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for error")
	}
}

// nextMessage reads the next queued message from a connection-less client.
func nextMessage(t *testing.T, client *WSClient) WSMessage {
	t.Helper()
	select {
	case raw := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return WSMessage{}
}

func TestWSClient_handleMessage(t *testing.T) {
	useFakeContext(t)

	tests := []struct {
		msgType  string
		payload  string
		wantType string
	}{
		{"list_readers", "", "readers"},
		{"version", "", "version"},
		{"health", "", "health"},
		{"status", "", "error"},
		{"transmit", `{"apdu":"00A4040000"}`, "error"},
		{"disconnect", "", "disconnected"},
		{"connect", "invalid", "error"},
		{"connect", `{"shareMode":"sometimes"}`, "error"},
		{"connect", `{"readerIndex":7}`, "error"},
		{"unknown_type", "", "error"},
	}

	for _, tt := range tests {
		t.Run(tt.msgType+tt.payload, func(t *testing.T) {
			client := &WSClient{
				id:   "test-client",
				send: make(chan []byte, 256),
			}

			var payload json.RawMessage
			if tt.payload != "" {
				payload = json.RawMessage(tt.payload)
			}

			client.handleMessage(WSMessage{
				Type:    tt.msgType,
				ID:      "test-id",
				Payload: payload,
			})

			msg := nextMessage(t, client)
			if msg.Type != tt.wantType {
				t.Errorf("expected type %q, got %q (error %q)", tt.wantType, msg.Type, msg.Error)
			}
			if msg.ID != "test-id" {
				t.Errorf("expected ID 'test-id', got %q", msg.ID)
			}
		})
	}
}

func TestWSClient_Session(t *testing.T) {
	fake := useFakeContext(t)
	client := &WSClient{
		id:   "test-client",
		send: make(chan []byte, 256),
	}

	client.handleMessage(WSMessage{Type: "connect", ID: "1", Payload: json.RawMessage(`{"reader":"yubikey","protocol":"t1"}`)})
	msg := nextMessage(t, client)
	if msg.Type != "connected" {
		t.Fatalf("connect failed: %s", msg.Error)
	}
	var connected map[string]string
	json.Unmarshal(msg.Payload, &connected)
	if connected["reader"] != "Yubico YubiKey OTP+FIDO+CCID" || connected["atr"] != "3B8F8001" {
		t.Errorf("unexpected connect payload: %v", connected)
	}

	client.handleMessage(WSMessage{Type: "transmit", ID: "2", Payload: json.RawMessage(`{"apdu":"FF CA 00 00 00"}`)})
	msg = nextMessage(t, client)
	if msg.Type != "response" {
		t.Fatalf("transmit failed: %s", msg.Error)
	}
	var result TransmitResult
	json.Unmarshal(msg.Payload, &result)
	if result.Command != "FFCA000000" || result.Response != "0442488A9000" || result.SW != "9000" || result.Data != "0442488A" {
		t.Errorf("unexpected transmit result: %+v", result)
	}

	client.handleMessage(WSMessage{Type: "transmit", ID: "3", Payload: json.RawMessage(`{"apdu":"FF CA 00 00 00","maxLength":4}`)})
	if msg = nextMessage(t, client); msg.Type != "error" || !strings.Contains(msg.Error, "exceeds buffer") {
		t.Errorf("expected buffer error, got %+v", msg)
	}

	client.handleMessage(WSMessage{Type: "status", ID: "4"})
	if msg = nextMessage(t, client); msg.Type != "status" {
		t.Errorf("status failed: %s", msg.Error)
	}

	client.handleMessage(WSMessage{Type: "disconnect", ID: "5"})
	msg = nextMessage(t, client)
	var disconnected map[string]bool
	json.Unmarshal(msg.Payload, &disconnected)
	if msg.Type != "disconnected" || !disconnected["wasConnected"] {
		t.Errorf("unexpected disconnect reply: %+v", msg)
	}
	if !fake.cards["Yubico YubiKey OTP+FIDO+CCID"].isDisconnected() {
		t.Error("card not disconnected")
	}
}

func TestWebSocket_EndToEnd(t *testing.T) {
	useFakeContext(t)

	server := httptest.NewServer(InitWebSocket())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	read := func() WSMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		return msg
	}
	send := func(msg WSMessage) {
		t.Helper()
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	hello := read()
	if hello.Type != "hello" {
		t.Fatalf("expected hello, got %q", hello.Type)
	}

	send(WSMessage{Type: "connect", ID: "c"})
	if msg := read(); msg.Type != "connected" {
		t.Fatalf("connect failed: %s", msg.Error)
	}

	send(WSMessage{Type: "transmit", ID: "t1", Payload: json.RawMessage(`{"apdu":"00 A4 04 00 00"}`)})
	msg := read()
	var result TransmitResult
	json.Unmarshal(msg.Payload, &result)
	if msg.ID != "t1" || result.SW != "9000" {
		t.Errorf("unexpected response: %+v / %+v", msg, result)
	}

	// bad hex is reported and the connection stays usable
	send(WSMessage{Type: "transmit", ID: "t2", Payload: json.RawMessage(`{"apdu":"1"}`)})
	if msg := read(); msg.Type != "error" || !strings.Contains(msg.Error, "odd number") {
		t.Errorf("expected odd length error, got %+v", msg)
	}

	send(WSMessage{Type: "transmit", ID: "t3", Payload: json.RawMessage(`{"apdu":"00A4040000"}`)})
	if msg := read(); msg.Type != "response" {
		t.Errorf("connection unusable after codec error: %+v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if msg := read(); msg.Type != "error" || msg.Error != "invalid message format" {
		t.Errorf("expected format error, got %+v", msg)
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	useFakeContext(t)

	server := httptest.NewServer(InitWebSocket())
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	header := http.Header{"Origin": {"https://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatal("handshake from a foreign origin should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v (%v)", resp, err)
	}
}

func TestWebSocket_AcceptsTrustedOrigins(t *testing.T) {
	useFakeContext(t)
	SetAllowedOrigins([]string{"https://console.example.com/"})
	t.Cleanup(func() { SetAllowedOrigins(nil) })

	server := httptest.NewServer(InitWebSocket())
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	for _, origin := range []string{"", "http://localhost:3000", "http://127.0.0.1:8080", "https://Console.Example.com"} {
		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err != nil {
			t.Errorf("origin %q rejected: %v", origin, err)
			continue
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var hello WSMessage
		if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
			t.Errorf("origin %q: expected hello, got %+v (%v)", origin, hello, err)
		}
		conn.Close()
	}
}
