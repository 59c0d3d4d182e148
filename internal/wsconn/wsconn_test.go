package wsconn_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"streamforge/internal/wsconn"
)

func TestAcceptAndDialCarriesTextAndBinaryFrames(t *testing.T) {
	var serverConn *wsconn.Conn
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Accept(w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		serverConn = conn
		if err := conn.WriteText([]byte(`{"type":"started"}`)); err != nil {
			t.Errorf("write text: %v", err)
		}
		if err := conn.WriteBinary([]byte{0x01, 0x02, 0x03}); err != nil {
			t.Errorf("write binary: %v", err)
		}
	}))
	defer ts.Close()
	defer func() {
		if serverConn != nil {
			serverConn.Close()
		}
	}()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, err := wsconn.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg1, err := conn.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read 1: %v", err)
	}
	if msg1.Opcode != wsconn.OpcodeText || string(msg1.Payload) != `{"type":"started"}` {
		t.Fatalf("unexpected first message: %+v", msg1)
	}

	msg2, err := conn.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read 2: %v", err)
	}
	if msg2.Opcode != wsconn.OpcodeBinary {
		t.Fatalf("expected binary opcode, got %v", msg2.Opcode)
	}
	if len(msg2.Payload) != 3 || msg2.Payload[0] != 0x01 {
		t.Fatalf("unexpected binary payload: %v", msg2.Payload)
	}
}

func TestClientCanSendBinaryChunkToServer(t *testing.T) {
	received := make(chan wsconn.Message, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Accept(w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		msg, err := conn.ReadMessage(context.Background())
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		received <- msg
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, err := wsconn.Dial(context.Background(), wsURL, http.Header{}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	chunk := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	if err := conn.WriteBinary(chunk); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	msg := <-received
	if msg.Opcode != wsconn.OpcodeBinary {
		t.Fatalf("expected binary opcode, got %v", msg.Opcode)
	}
	if string(msg.Payload) != string(chunk) {
		t.Fatalf("unexpected chunk payload: %v", msg.Payload)
	}
}
