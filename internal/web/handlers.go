package web

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/composedeck/composedeck/internal/orchestrator"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin serves POST /api/login. Successful logins set the session
// cookie; failures report ok=false without leaking which field was wrong.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.auth.AllowAttempt() {
		writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many login attempts")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}

	if !s.auth.Check(req.Username, req.Password) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}

	token := s.auth.NewSession()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(s.auth.SessionTTL() / time.Second),
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleLogout serves POST /api/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.auth.Destroy(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "deleted",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   0,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleStatus serves GET /api/status: the selected instance plus the
// probed run-state of every registered instance.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"selected":  s.deps.Selection.Get(),
		"instances": s.deps.Probe.StatusAll(r.Context()),
	})
}

// handleProgress serves GET /api/progress with the poll snapshot.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Orch.Progress())
}

type actionRequest struct {
	Action   string `json:"action"`
	Instance string `json:"instance,omitempty"`
}

// handleAction serves POST /api/action: start, stop, pull and clear_data
// against the named instance, defaulting to the selected one. The
// operation is accepted into the background pipeline or rejected
// synchronously, never queued.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}

	name := req.Instance
	if name == "" {
		name = s.deps.Selection.Get()
	}
	if name == "" {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION", "no instance selected")
		return
	}

	if err := s.deps.Orch.StartOperation(orchestrator.Kind(req.Action), name); err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

type switchRequest struct {
	Target string `json:"target"`
}

// handleSwitchTo serves POST /api/switch_to.
func (s *Server) handleSwitchTo(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "target is required")
		return
	}

	if err := s.deps.Orch.SwitchTo(req.Target); err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

type createInstanceRequest struct {
	Name     string `json:"name"`
	Template string `json:"template"`
}

// handleInstanceCreate serves POST /api/instance/create. Creation is
// synchronous: the template copy is local and fast.
func (s *Server) handleInstanceCreate(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}

	if err := s.deps.Orch.CreateInstance(req.Name, req.Template); err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type deleteInstanceRequest struct {
	Name string `json:"name"`
}

// handleInstanceDelete serves POST /api/instance/delete. Deletion goes
// through the staged pipeline: teardown is best-effort, file removal is
// not.
func (s *Server) handleInstanceDelete(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	var req deleteInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}

	if err := s.deps.Orch.Delete(strings.TrimSpace(req.Name)); err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// handleTemplates serves GET /api/templates.
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	keys, err := s.deps.Templates.Keys()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load templates")
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"templates": keys})
}

// handleEnvGet serves GET /api/env: the selected instance's .env alongside
// its read-only .env.template.
func (s *Server) handleEnvGet(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	selected := s.deps.Selection.Get()
	writeJSON(w, http.StatusOK, map[string]string{
		"selected": selected,
		"template": s.readInstanceFile(selected, ".env.template", "# .env.template not found"),
		"content":  s.readInstanceFile(selected, ".env", ""),
	})
}

type envSaveRequest struct {
	Content string `json:"content"`
}

// handleEnvSave serves POST /api/env/save. After a successful write while
// the instance is running, an env-restart is handed to the pipeline; a
// busy pipeline is reported but does not undo the write.
func (s *Server) handleEnvSave(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	var req envSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}

	selected := s.deps.Selection.Get()
	dir, ok := s.deps.Registry.Path(selected)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "no instance selected")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(req.Content), 0o644); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	restart := "none"
	if running, _ := s.deps.Probe.Status(r.Context(), selected); running {
		switch s.deps.Orch.EnvRestart(selected) {
		case nil:
			restart = "accepted"
		case orchestrator.ErrBusy:
			restart = "busy"
		default:
			restart = "error"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "restart": restart})
}

// handleRadioGet serves GET /api/radio with the current wireless settings.
// Fields whose query fails come back empty rather than failing the whole
// response.
func (s *Server) handleRadioGet(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	get := func(key string) string {
		code, out := s.deps.Runner.Run(r.Context(), "", 5*time.Second, "uci", "get", key)
		if code != 0 {
			return ""
		}
		return strings.TrimSpace(out)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"hs_ssid":  get("wireless.default_radio1.ssid"),
		"hs_psk":   get("wireless.default_radio1.key"),
		"sta_ssid": get("wireless.default_radio0.ssid"),
		"sta_psk":  get("wireless.default_radio0.key"),
	})
}

// handleRadioApply serves POST /api/radio/apply through the staged
// config-apply pipeline.
func (s *Server) handleRadioApply(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	var fields orchestrator.RadioFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}

	if err := s.deps.Orch.ApplyRadio(fields); err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// readInstanceFile reads a file from the named instance's directory,
// returning fallback when the instance or file is missing.
func (s *Server) readInstanceFile(name, file, fallback string) string {
	dir, ok := s.deps.Registry.Path(name)
	if !ok {
		return fallback
	}
	data, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		return fallback
	}
	return string(data)
}
