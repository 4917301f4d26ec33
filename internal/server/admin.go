package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	gateway "github.com/driftgate/gateway/internal"
	"github.com/driftgate/gateway/internal/quota"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// handleListKeys returns every user record known to the live quota store
// (the hot-path source of truth; the sqlite UserStore is an audit mirror,
// not read here).
func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	snapshot := s.deps.Quota.Snapshot()
	data := make([]*gateway.User, 0, len(snapshot))
	for _, u := range snapshot {
		data = append(data, u)
	}
	writeJSON(w, http.StatusOK, adminKeyListResponse{Data: data})
}

type adminKeyListResponse struct {
	Data []*gateway.User `json:"data"`
}

// adminKeyAction is the POST /admin/keys body: action selects add, enable,
// disable, change_plan, or resetkey, per spec.md §6.
type adminKeyAction struct {
	Action   string   `json:"action"`
	APIKey   string   `json:"api_key"`
	Username string   `json:"username,omitempty"`
	Plan     string   `json:"plan,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

func (s *server) handleKeyAction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	var req adminKeyAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}

	switch req.Action {
	case "add":
		s.adminAddKey(w, req)
	case "enable":
		s.adminSetEnabled(w, req, true)
	case "disable":
		s.adminSetEnabled(w, req, false)
	case "change_plan":
		s.adminChangePlan(w, req)
	case "resetkey":
		s.adminResetKey(w, req)
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "unknown action")
	}
}

func (s *server) adminAddKey(w http.ResponseWriter, req adminKeyAction) {
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = generateAPIKey()
	}
	if s.deps.Quota.Resolve(apiKey) != nil {
		writeJSONError(w, http.StatusConflict, "invalid_request_error", "api_key already exists")
		return
	}
	now := time.Now().Unix()
	u := &gateway.User{
		APIKey:               apiKey,
		Username:             req.Username,
		Plan:                 req.Plan,
		Enabled:              true,
		Scopes:               req.Scopes,
		LastUpdatedTimestamp: now,
	}
	s.deps.Quota.Put(apiKey, u)
	writeJSON(w, http.StatusCreated, u)
}

func (s *server) adminSetEnabled(w http.ResponseWriter, req adminKeyAction, enabled bool) {
	u := s.deps.Quota.Resolve(req.APIKey)
	if u == nil {
		writeJSONError(w, http.StatusNotFound, "invalid_request_error", "api_key not found")
		return
	}
	u.Enabled = enabled
	u.LastUpdatedTimestamp = time.Now().Unix()
	s.deps.Quota.Put(req.APIKey, u)
	writeJSON(w, http.StatusOK, u)
}

func (s *server) adminChangePlan(w http.ResponseWriter, req adminKeyAction) {
	u := s.deps.Quota.Resolve(req.APIKey)
	if u == nil {
		writeJSONError(w, http.StatusNotFound, "invalid_request_error", "api_key not found")
		return
	}
	if _, err := quota.ParsePlanLimit(req.Plan); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	u.Plan = req.Plan
	u.LastUpdatedTimestamp = time.Now().Unix()
	s.deps.Quota.Put(req.APIKey, u)
	writeJSON(w, http.StatusOK, u)
}

// adminResetKey generates a fresh key and atomically (from the caller's
// perspective) renames the user record onto it; the old key stops working
// immediately, with no grace period, per spec.md §9's explicit instruction
// to preserve that behavior exactly.
func (s *server) adminResetKey(w http.ResponseWriter, req adminKeyAction) {
	u := s.deps.Quota.Resolve(req.APIKey)
	if u == nil {
		writeJSONError(w, http.StatusNotFound, "invalid_request_error", "api_key not found")
		return
	}
	newKey := generateAPIKey()
	u.APIKey = newKey
	u.LastRotationTimestamp = time.Now().Unix()
	s.deps.Quota.Put(newKey, u)
	s.deps.Quota.Delete(req.APIKey)
	writeJSON(w, http.StatusOK, u)
}

func generateAPIKey() string {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return "sk-" + base64.RawURLEncoding.EncodeToString(raw)
}
