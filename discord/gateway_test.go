package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func fakeGateway(t *testing.T, script func(n int32, con *websocket.Conn)) *httptest.Server {
	var conns int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("v"))
		assert.Equal(t, "json", r.URL.Query().Get("encoding"))
		con, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer con.Close()
		script(atomic.AddInt32(&conns, 1), con)
	}))
}

func sendFrame(t *testing.T, con *websocket.Conn, op int, typ string, seq int64, d any) {
	raw, err := json.Marshal(d)
	assert.NoError(t, err)
	p := Payload{Op: op, D: raw, T: typ}
	if seq > 0 {
		p.S = &seq
	}
	assert.NoError(t, con.WriteJSON(p))
}

// reads the next client frame, skipping heartbeats
func readFrame(t *testing.T, con *websocket.Conn) Payload {
	for {
		var p Payload
		if err := con.ReadJSON(&p); err != nil {
			t.Errorf("reading client frame: %v", err)
			return p
		}
		if p.Op == OpHeartbeat {
			sendFrame(t, con, OpHeartbeatAck, "", 0, nil)
			continue
		}
		return p
	}
}

// drains client frames until the client goes away
func drain(con *websocket.Conn) {
	for {
		if _, _, err := con.ReadMessage(); err != nil {
			return
		}
	}
}

func startGateway(t *testing.T, srv *httptest.Server) (*Gateway, chan *Message, context.CancelFunc, chan error) {
	u, err := GatewayURL(srv.URL)
	require.NoError(t, err)

	g := NewGateway(u, "secret-token", IntentGuilds|IntentGuildMessages|IntentMessageContent, nil)
	g.MaxBackoff = 0
	msgs := make(chan *Message, 10)
	g.OnMessageCreate = func(ctx context.Context, msg *Message) {
		msgs <- msg
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx)
	}()
	return g, msgs, cancel, done
}

func TestGatewayURL(t *testing.T) {
	assert := assert.New(t)

	testCases := []struct {
		host     string
		expected string
	}{
		{"", "wss://gateway.discord.gg/?encoding=json&v=10"},
		{"gateway.discord.gg", "wss://gateway.discord.gg/?encoding=json&v=10"},
		{"wss://gateway-us-east1-b.discord.gg", "wss://gateway-us-east1-b.discord.gg/?encoding=json&v=10"},
		{"localhost:8080", "ws://localhost:8080/?encoding=json&v=10"},
		{"127.0.0.1:8080", "ws://127.0.0.1:8080/?encoding=json&v=10"},
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/?encoding=json&v=10"},
		{"https://example.com/gw", "wss://example.com/gw?encoding=json&v=10"},
		{"wss://example.com/?v=9", "wss://example.com/?encoding=json&v=10"},
	}
	for _, c := range testCases {
		u, err := GatewayURL(c.host)
		assert.NoError(err)
		assert.Equal(c.expected, u, "host=%q", c.host)
	}

	_, err := GatewayURL("ftp://example.com")
	assert.Error(err)
}

func TestGatewayIdentifyAndDispatch(t *testing.T) {
	assert := assert.New(t)

	srv := fakeGateway(t, func(n int32, con *websocket.Conn) {
		sendFrame(t, con, OpHello, "", 0, Hello{HeartbeatInterval: 45000})

		p := readFrame(t, con)
		assert.Equal(OpIdentify, p.Op)
		var ident Identify
		assert.NoError(json.Unmarshal(p.D, &ident))
		assert.Equal("secret-token", ident.Token)
		assert.Equal(IntentGuilds|IntentGuildMessages|IntentMessageContent, ident.Intents)

		sendFrame(t, con, OpDispatch, EventReady, 1, Ready{SessionID: "sess-1", User: User{ID: "999", Username: "countkeeper", Bot: true}})
		sendFrame(t, con, OpDispatch, "GUILD_CREATE", 2, map[string]string{"id": "100"})
		sendFrame(t, con, OpDispatch, EventMessageCreate, 3, Message{ID: "m1", ChannelID: "200", GuildID: "100", Author: User{ID: "1"}, Content: "1"})
		sendFrame(t, con, OpDispatch, EventMessageCreate, 4, Message{ID: "m2", ChannelID: "200", GuildID: "100", Author: User{ID: "2"}, Content: "2"})
		drain(con)
	})
	defer srv.Close()

	g, msgs, cancel, done := startGateway(t, srv)

	for _, expected := range []string{"m1", "m2"} {
		select {
		case msg := <-msgs:
			assert.Equal(expected, msg.ID)
			assert.Equal("100", msg.GuildID)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}

	sessionID, _, seq := g.session()
	assert.Equal("sess-1", sessionID)
	require.NotNil(t, seq)
	assert.Equal(int64(4), *seq)

	cancel()
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestGatewayAuthenticationFailed(t *testing.T) {
	assert := assert.New(t)

	srv := fakeGateway(t, func(n int32, con *websocket.Conn) {
		sendFrame(t, con, OpHello, "", 0, Hello{HeartbeatInterval: 45000})
		readFrame(t, con)
		msg := websocket.FormatCloseMessage(CloseAuthenticationFailed, "Authentication failed.")
		assert.NoError(con.WriteMessage(websocket.CloseMessage, msg))
		drain(con)
	})
	defer srv.Close()

	_, _, cancel, done := startGateway(t, srv)
	defer cancel()

	select {
	case err := <-done:
		assert.ErrorIs(err, ErrAuthenticationFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestGatewayResumeAfterReconnect(t *testing.T) {
	assert := assert.New(t)

	srv := fakeGateway(t, func(n int32, con *websocket.Conn) {
		sendFrame(t, con, OpHello, "", 0, Hello{HeartbeatInterval: 45000})
		p := readFrame(t, con)

		switch n {
		case 1:
			assert.Equal(OpIdentify, p.Op)
			sendFrame(t, con, OpDispatch, EventReady, 1, Ready{SessionID: "sess-1", ResumeGatewayURL: "http://" + con.LocalAddr().String()})
			sendFrame(t, con, OpDispatch, EventMessageCreate, 2, Message{ID: "m1", ChannelID: "200", GuildID: "100"})
			sendFrame(t, con, OpReconnect, "", 0, nil)
		default:
			assert.Equal(OpResume, p.Op)
			var r Resume
			assert.NoError(json.Unmarshal(p.D, &r))
			assert.Equal("sess-1", r.SessionID)
			assert.Equal(int64(2), r.Seq)
			assert.Equal("secret-token", r.Token)
			sendFrame(t, con, OpDispatch, EventResumed, 3, nil)
			sendFrame(t, con, OpDispatch, EventMessageCreate, 4, Message{ID: "m2", ChannelID: "200", GuildID: "100"})
		}
		drain(con)
	})
	defer srv.Close()

	_, msgs, cancel, done := startGateway(t, srv)

	for _, expected := range []string{"m1", "m2"} {
		select {
		case msg := <-msgs:
			assert.Equal(expected, msg.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}
