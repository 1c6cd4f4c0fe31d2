package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/composedeck/composedeck/internal/compose"
	"github.com/composedeck/composedeck/internal/config"
	"github.com/composedeck/composedeck/internal/instance"
	"github.com/composedeck/composedeck/internal/orchestrator"
)

const psKey = "docker compose ps --format json"

// fakeRunner maps a joined argv string to a canned exit code and output.
// An optional gate makes non-probe commands block until released.
type fakeRunner struct {
	mu      sync.Mutex
	exits   map[string]int
	outputs map[string]string
	gate    chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, dir string, timeout time.Duration, argv ...string) (int, string) {
	return f.RunStreaming(ctx, dir, timeout, nil, argv...)
}

func (f *fakeRunner) RunStreaming(_ context.Context, _ string, _ time.Duration, onLine func(string), argv ...string) (int, string) {
	key := strings.Join(argv, " ")
	if f.gate != nil && key != psKey {
		<-f.gate
	}
	f.mu.Lock()
	code := f.exits[key]
	out := f.outputs[key]
	f.mu.Unlock()
	if onLine != nil {
		for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			if line != "" {
				onLine(line)
			}
		}
	}
	return code, out
}

type webFixture struct {
	srv     *Server
	handler http.Handler
	reg     *instance.Registry
	sel     *instance.Selection
	instDir string
}

func newWebFixture(t *testing.T, runner compose.Runner, names ...string) *webFixture {
	t.Helper()
	base := t.TempDir()
	instDir := filepath.Join(base, "instances")
	for _, name := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(instDir, name), 0o755))
	}
	reg, err := instance.NewRegistry(instDir)
	require.NoError(t, err)
	sel := instance.NewSelection(filepath.Join(base, "selected"), reg)

	tplSrc := filepath.Join(base, "template-src")
	require.NoError(t, os.MkdirAll(tplSrc, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tplSrc, "compose.yaml"), []byte("services: {}\n"), 0o644))
	tplFile := filepath.Join(base, "templates.yaml")
	require.NoError(t, os.WriteFile(tplFile, []byte(fmt.Sprintf("templates:\n  base: %q\n", tplSrc)), 0o644))
	templates := config.NewTemplateRegistry(tplFile)

	probe := compose.NewProbe(reg, runner, 5*time.Second)
	orch := orchestrator.New(reg, sel, templates, probe, runner, 5*time.Second)

	srv := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		AuthFile:   filepath.Join(base, "auth.json"),
		SessionTTL: time.Hour,
	}, Deps{
		Orch:      orch,
		Registry:  reg,
		Selection: sel,
		Probe:     probe,
		Templates: templates,
		Runner:    runner,
	})
	require.NoError(t, srv.Auth().EnsureCredentials())

	return &webFixture{srv: srv, handler: srv.Handler(), reg: reg, sel: sel, instDir: instDir}
}

func (f *webFixture) sessionCookie() *http.Cookie {
	return &http.Cookie{Name: sessionCookie, Value: f.srv.Auth().NewSession()}
}

func (f *webFixture) do(method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), "body: %s", w.Body.String())
	return m
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error object in %s", w.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

// waitIdle polls the progress endpoint until the background operation
// finishes, so a test never leaves a worker holding the action lock.
// Requiring a non-empty stage list skips the idle snapshot seen before the
// worker publishes its stages.
func (f *webFixture) waitIdle(t *testing.T, cookie *http.Cookie) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := f.do(http.MethodGet, "/api/progress", "", cookie)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		done, _ := body["done"].(bool)
		stages, _ := body["stages"].([]any)
		if done && len(stages) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("operation never finished")
}

func TestHealthz(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})
	w := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["ok"])
}

func TestLoginSuccessSetsCookie(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})

	w := f.do(http.MethodPost, "/api/login", `{"username":"root","password":"root"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["ok"])

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	// The minted session authorizes API calls.
	ok := f.do(http.MethodGet, "/api/progress", "", cookies[0])
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})

	w := f.do(http.MethodPost, "/api/login", `{"username":"root","password":"wrong"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["ok"])
	assert.Empty(t, w.Result().Cookies())
}

func TestLoginRateLimited(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})

	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		last = f.do(http.MethodPost, "/api/login", `{"username":"x","password":"y"}`, nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, last))
}

func TestLogoutDestroysSession(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})
	cookie := f.sessionCookie()

	w := f.do(http.MethodPost, "/api/logout", "", cookie)
	require.Equal(t, http.StatusOK, w.Code)

	after := f.do(http.MethodGet, "/api/progress", "", cookie)
	assert.Equal(t, http.StatusUnauthorized, after.Code)
}

func TestAPIRequiresSession(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")

	for _, path := range []string{
		"/api/status", "/api/progress", "/api/templates", "/api/env", "/api/radio",
	} {
		w := f.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, "UNAUTHORIZED", errorCode(t, w), path)
	}
	for _, path := range []string{
		"/api/action", "/api/switch_to", "/api/instance/create",
		"/api/instance/delete", "/api/env/save", "/api/radio/apply",
	} {
		w := f.do(http.MethodPost, path, "{}", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestStatusEndpoint(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		psKey: `{"Name":"dev-web-1","State":"running","Status":"Up"}` + "\n",
	}}
	f := newWebFixture(t, runner, "dev", "stage")
	require.NoError(t, f.sel.Set("stage"))

	w := f.do(http.MethodGet, "/api/status", "", f.sessionCookie())
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "stage", body["selected"])
	instances, ok := body["instances"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, instances, 2)
	dev := instances["dev"].(map[string]any)
	assert.Equal(t, true, dev["running"])
	assert.Contains(t, dev["status_text"], "dev-web-1: running")
}

func TestActionAccepted(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")
	cookie := f.sessionCookie()

	w := f.do(http.MethodPost, "/api/action", `{"action":"start","instance":"dev"}`, cookie)
	assert.Equal(t, http.StatusAccepted, w.Code)
	f.waitIdle(t, cookie)
}

func TestActionDefaultsToSelection(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")
	require.NoError(t, f.sel.Set("dev"))
	cookie := f.sessionCookie()

	w := f.do(http.MethodPost, "/api/action", `{"action":"stop"}`, cookie)
	assert.Equal(t, http.StatusAccepted, w.Code)
	f.waitIdle(t, cookie)
}

func TestActionNoSelection(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})

	w := f.do(http.MethodPost, "/api/action", `{"action":"start"}`, f.sessionCookie())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", errorCode(t, w))
}

func TestActionUnknownKind(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")

	w := f.do(http.MethodPost, "/api/action", `{"action":"reboot","instance":"dev"}`, f.sessionCookie())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", errorCode(t, w))
}

func TestActionUnknownInstance(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")

	w := f.do(http.MethodPost, "/api/action", `{"action":"start","instance":"ghost"}`, f.sessionCookie())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestActionBusyConflict(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	f := newWebFixture(t, runner, "dev")
	cookie := f.sessionCookie()

	first := f.do(http.MethodPost, "/api/action", `{"action":"start","instance":"dev"}`, cookie)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := f.do(http.MethodPost, "/api/action", `{"action":"pull","instance":"dev"}`, cookie)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "BUSY", errorCode(t, second))

	close(runner.gate)
	f.waitIdle(t, cookie)
}

func TestSwitchToEndpoint(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "blue", "green")
	require.NoError(t, f.sel.Set("blue"))
	cookie := f.sessionCookie()

	w := f.do(http.MethodPost, "/api/switch_to", `{"target":"green"}`, cookie)
	assert.Equal(t, http.StatusAccepted, w.Code)
	f.waitIdle(t, cookie)
	assert.Equal(t, "green", f.sel.Get())
}

func TestSwitchToMissingTarget(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")

	w := f.do(http.MethodPost, "/api/switch_to", `{}`, f.sessionCookie())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, w))
}

func TestInstanceCreateEndpoint(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})

	w := f.do(http.MethodPost, "/api/instance/create", `{"name":"fresh","template":"base"}`, f.sessionCookie())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.reg.Has("fresh"))
	assert.FileExists(t, filepath.Join(f.instDir, "fresh", "compose.yaml"))
}

func TestInstanceCreateBadName(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})

	w := f.do(http.MethodPost, "/api/instance/create", `{"name":"dev 1","template":"base"}`, f.sessionCookie())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", errorCode(t, w))
	assert.Equal(t, 0, f.reg.Len())
}

func TestInstanceDeleteEndpoint(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "a", "b")
	require.NoError(t, f.sel.Set("a"))
	cookie := f.sessionCookie()

	w := f.do(http.MethodPost, "/api/instance/delete", `{"name":"a"}`, cookie)
	assert.Equal(t, http.StatusAccepted, w.Code)
	f.waitIdle(t, cookie)
	assert.False(t, f.reg.Has("a"))
	assert.Equal(t, "b", f.sel.Get())
}

func TestTemplatesEndpoint(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})

	w := f.do(http.MethodGet, "/api/templates", "", f.sessionCookie())
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, []any{"base"}, body["templates"])
}

func TestEnvGetEndpoint(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")
	require.NoError(t, f.sel.Set("dev"))
	require.NoError(t, os.WriteFile(filepath.Join(f.instDir, "dev", ".env"), []byte("PORT=8080\n"), 0o644))

	w := f.do(http.MethodGet, "/api/env", "", f.sessionCookie())
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "dev", body["selected"])
	assert.Equal(t, "PORT=8080\n", body["content"])
	assert.Equal(t, "# .env.template not found", body["template"])
}

func TestEnvSaveStoppedInstance(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")
	require.NoError(t, f.sel.Set("dev"))

	w := f.do(http.MethodPost, "/api/env/save", `{"content":"PORT=9090\n"}`, f.sessionCookie())
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "none", body["restart"])

	data, err := os.ReadFile(filepath.Join(f.instDir, "dev", ".env"))
	require.NoError(t, err)
	assert.Equal(t, "PORT=9090\n", string(data))
}

func TestEnvSaveRunningInstanceRestarts(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		psKey: `{"Name":"dev-web-1","State":"running","Status":"Up"}` + "\n",
	}}
	f := newWebFixture(t, runner, "dev")
	require.NoError(t, f.sel.Set("dev"))
	cookie := f.sessionCookie()

	w := f.do(http.MethodPost, "/api/env/save", `{"content":"A=1\n"}`, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "accepted", decodeBody(t, w)["restart"])
	f.waitIdle(t, cookie)
}

func TestEnvSaveNoInstances(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{})

	w := f.do(http.MethodPost, "/api/env/save", `{"content":"A=1"}`, f.sessionCookie())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestRadioGetEndpoint(t *testing.T) {
	runner := &fakeRunner{
		exits: map[string]int{"uci get wireless.default_radio0.key": 1},
		outputs: map[string]string{
			"uci get wireless.default_radio1.ssid": "lab-net\n",
			"uci get wireless.default_radio1.key":  "hunter2\n",
			"uci get wireless.default_radio0.ssid": "upstream\n",
		},
	}
	f := newWebFixture(t, runner, "dev")

	w := f.do(http.MethodGet, "/api/radio", "", f.sessionCookie())
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "lab-net", body["hs_ssid"])
	assert.Equal(t, "hunter2", body["hs_psk"])
	assert.Equal(t, "upstream", body["sta_ssid"])
	assert.Equal(t, "", body["sta_psk"], "a failed query yields an empty field")
}

func TestRadioApplyEndpoint(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")
	cookie := f.sessionCookie()

	w := f.do(http.MethodPost, "/api/radio/apply", `{"hs_ssid":"lab"}`, cookie)
	assert.Equal(t, http.StatusAccepted, w.Code)
	f.waitIdle(t, cookie)
}

func TestRadioApplyEmptyFields(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")

	w := f.do(http.MethodPost, "/api/radio/apply", `{}`, f.sessionCookie())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", errorCode(t, w))
}

func TestMethodNotAllowed(t *testing.T) {
	f := newWebFixture(t, &fakeRunner{}, "dev")
	cookie := f.sessionCookie()

	w := f.do(http.MethodGet, "/api/action", "", cookie)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = f.do(http.MethodPost, "/api/status", "{}", cookie)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
