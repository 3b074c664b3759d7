package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formbar/internal/auth"
	"formbar/internal/config"
	"formbar/internal/integration"
	"formbar/pkg/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	v.Set("database.driver", "sqlite")
	v.Set("database.dsn", filepath.Join(t.TempDir(), "formbar.db"))
	v.Set("auth.secret_key", testSecret)
	v.Set("http.host", "127.0.0.1")
	v.Set("http.disable_request_logs", true)
	v.Set("log.level", "error")
	return config.FromViper(v)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.SecretKey = "short"
	application, err := New(cfg)
	assert.Error(t, err)
	assert.Nil(t, application)
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, ws *gorilla.Conn, event string) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Event == event {
			return f
		}
	}
}

func TestApplication_EndToEnd(t *testing.T) {
	application, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, application.hub.Start(context.Background()))
	t.Cleanup(func() {
		_ = application.hub.Stop()
		_ = application.store.Close()
	})

	server := httptest.NewServer(application.Handler())
	t.Cleanup(server.Close)

	owner := integration.SeedUser(t, application.store, "owner@school.test", types.TeacherPermissions)
	classID := integration.SeedClassroom(t, application.store, owner.UserID, "abcd")
	token, err := auth.New(testSecret, "formbar", time.Hour).GenerateToken(owner)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/join", strings.NewReader(`{"code":"abcd"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	_ = res.Body.Close()

	_, res, err = gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.Error(t, err, "upgrade without a token is refused")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	ws, _, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws?token="+token, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"event": "classUpdate"}))
	var view struct {
		ID  int64  `json:"id"`
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, ws, types.EventClassUpdate).Data, &view))
	assert.Equal(t, classID, view.ID)
	assert.Equal(t, "abcd", view.Key)

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"event": "teleport"}))
	var message types.ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, ws, types.EventMessage).Data, &message))
	assert.Equal(t, "teleport", message.Event)
	assert.Equal(t, "unknown_event", message.Reason)

	health, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	metricsRes, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer metricsRes.Body.Close()
	assert.Equal(t, http.StatusOK, metricsRes.StatusCode)
}
