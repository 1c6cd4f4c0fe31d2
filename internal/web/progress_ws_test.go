package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/composedeck/composedeck/internal/orchestrator"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress"
}

func TestProgressWSRequiresSession(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProgressWSStreamsUntilDone(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	f := newWebFixture(t, runner, "dev")
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	cookie := f.sessionCookie()
	w := f.do(http.MethodPost, "/api/action", `{"action":"start","instance":"dev"}`, cookie)
	require.Equal(t, http.StatusAccepted, w.Code)

	// Connect only once the operation is visibly in flight; the stream
	// closes after the first done snapshot, which would otherwise be the
	// idle one.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pw := f.do(http.MethodGet, "/api/progress", "", cookie)
		require.Equal(t, http.StatusOK, pw.Code)
		if done, _ := decodeBody(t, pw)["done"].(bool); !done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	header := http.Header{"Cookie": []string{cookie.String()}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	defer conn.Close()
	close(runner.gate)

	// The stream ends with a snapshot of the finished run.
	var last orchestrator.Snapshot
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var snap orchestrator.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			break
		}
		last = snap
		if snap.Done && len(snap.Stages) > 0 {
			break
		}
	}

	require.True(t, last.Done)
	require.Len(t, last.Stages, 1)
	assert.Equal(t, "Start dev", last.Stages[0].Label)
	assert.Equal(t, orchestrator.StageDone, last.Stages[0].Status)
	assert.True(t, last.Ok)
}
