package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	wire "flowstudio/internal/api/websocket"
	"flowstudio/pkg"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func authServer(t *testing.T) *httptest.Server {
	ctx, cancel := context.WithCancel(context.Background())
	hub := wire.NewHub(zerolog.Nop())
	go hub.Run(ctx)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, testSecret, wire.DefaultSettings(), zerolog.Nop(), w, r)
	}))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return server
}

func TestServeWS_RejectsMissingOrBadToken(t *testing.T) {
	server := authServer(t)

	tests := []struct {
		name  string
		query string
		code  int
	}{
		{"missing token", "?workflow=wf-1", http.StatusUnauthorized},
		{"bad token", "?workflow=wf-1&token=nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(server)+tt.query, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestServeWS_ObserverIsReadOnly(t *testing.T) {
	server := authServer(t)
	token, err := pkg.GenerateToken(7, "ana@example.com", "user", testSecret, 5)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server)+"?workflow=wf-1&token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var first wire.Message
	require.NoError(t, json.Unmarshal(wire.SplitFrame(frame)[0], &first))
	require.Equal(t, wire.MessageTypeConnectionEstablished, first.Type)

	var established wire.ConnectionEstablished
	require.NoError(t, first.Decode(&established))
	assert.True(t, established.ReadOnly)
}
