package vault

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/svid/jwtsvid"
)

const staticToken = "dev-root-token"

type kvEntry struct {
	data    map[string]any
	version int
	deleted bool
}

// fakeVault implements the handful of store endpoints the session manager uses.
type fakeVault struct {
	t *testing.T

	mu            sync.Mutex
	loginTTL      int
	failLogin     bool
	failRevoke    bool
	loginAttempts int
	logins        int
	tokens        map[string]bool
	revokedTokens []string
	revokedLeases []string
	kv            map[string]*kvEntry
	credSeq       int
	lastSubject   string
	lastPeerURI   string
	namespaces    []string
	loginHadToken bool
}

func newFakeVault(t *testing.T) *fakeVault {
	return &fakeVault{
		t:        t,
		loginTTL: 3600,
		tokens:   map[string]bool{staticToken: true},
		kv:       map[string]*kvEntry{},
	}
}

func (f *fakeVault) start() *httptest.Server {
	srv := httptest.NewServer(f)
	f.t.Cleanup(srv.Close)
	return srv
}

func (f *fakeVault) set(fn func(f *fakeVault)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type vaultStats struct {
	loginAttempts int
	logins        int
	revokedTokens []string
	revokedLeases []string
	lastSubject   string
	lastPeerURI   string
	namespaces    []string
	loginHadToken bool
}

func (f *fakeVault) stats() vaultStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return vaultStats{
		loginAttempts: f.loginAttempts,
		logins:        f.logins,
		revokedTokens: append([]string(nil), f.revokedTokens...),
		revokedLeases: append([]string(nil), f.revokedLeases...),
		lastSubject:   f.lastSubject,
		lastPeerURI:   f.lastPeerURI,
		namespaces:    append([]string(nil), f.namespaces...),
		loginHadToken: f.loginHadToken,
	}
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ns := r.Header.Get("X-Vault-Namespace"); ns != "" {
		f.namespaces = append(f.namespaces, ns)
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	write := r.Method == http.MethodPut || r.Method == http.MethodPost

	switch {
	case path == "auth/jwt/login" && write:
		f.jwtLogin(w, r)
	case path == "auth/cert/login" && write:
		f.certLogin(w, r)
	case path == "auth/token/lookup-self" && r.Method == http.MethodGet:
		if !f.authorized(w, r) {
			return
		}
		ttl := f.loginTTL
		if r.Header.Get("X-Vault-Token") == staticToken {
			ttl = 0
		}
		reply(w, http.StatusOK, map[string]any{"data": map[string]any{
			"ttl":       ttl,
			"policies":  []string{"default", "backend"},
			"accessor":  "accessor-static",
			"renewable": false,
			"entity_id": "",
		}})
	case path == "auth/token/revoke-self" && write:
		token := r.Header.Get("X-Vault-Token")
		delete(f.tokens, token)
		f.revokedTokens = append(f.revokedTokens, token)
		w.WriteHeader(http.StatusNoContent)
	case strings.HasPrefix(path, "secret/data/"):
		if !f.authorized(w, r) {
			return
		}
		f.kvHandler(w, r, strings.TrimPrefix(path, "secret/data/"), write)
	case strings.HasPrefix(path, "database/creds/") && r.Method == http.MethodGet:
		if !f.authorized(w, r) {
			return
		}
		role := strings.TrimPrefix(path, "database/creds/")
		f.credSeq++
		reply(w, http.StatusOK, map[string]any{
			"lease_id":       fmt.Sprintf("database/creds/%s/lease-%d", role, f.credSeq),
			"lease_duration": 3600,
			"renewable":      true,
			"data": map[string]any{
				"username": fmt.Sprintf("v-%s-%d", role, f.credSeq),
				"password": fmt.Sprintf("pw-%d", f.credSeq),
			},
		})
	case path == "sys/leases/revoke" && write:
		if f.failRevoke {
			reply(w, http.StatusInternalServerError, map[string]any{"errors": []string{"revocation backend down"}})
			return
		}
		var body struct {
			LeaseID string `json:"lease_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.revokedLeases = append(f.revokedLeases, body.LeaseID)
		w.WriteHeader(http.StatusNoContent)
	default:
		reply(w, http.StatusNotFound, map[string]any{"errors": []string{}})
	}
}

func (f *fakeVault) jwtLogin(w http.ResponseWriter, r *http.Request) {
	f.loginAttempts++
	f.loginHadToken = f.loginHadToken || r.Header.Get("X-Vault-Token") != ""
	if f.failLogin {
		reply(w, http.StatusInternalServerError, map[string]any{"errors": []string{"login backend down"}})
		return
	}

	var body struct {
		Role string `json:"role"`
		JWT  string `json:"jwt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Role == "" || body.JWT == "" {
		reply(w, http.StatusBadRequest, map[string]any{"errors": []string{"missing role or jwt"}})
		return
	}
	svid, err := jwtsvid.ParseInsecure(body.JWT, []string{"vault"})
	if err != nil {
		reply(w, http.StatusBadRequest, map[string]any{"errors": []string{err.Error()}})
		return
	}
	f.lastSubject = svid.ID.String()
	f.issue(w)
}

func (f *fakeVault) certLogin(w http.ResponseWriter, r *http.Request) {
	f.loginAttempts++
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		reply(w, http.StatusBadRequest, map[string]any{"errors": []string{"client certificate required"}})
		return
	}
	if leaf := r.TLS.PeerCertificates[0]; len(leaf.URIs) > 0 {
		f.lastPeerURI = leaf.URIs[0].String()
	}
	f.issue(w)
}

func (f *fakeVault) issue(w http.ResponseWriter) {
	f.logins++
	token := fmt.Sprintf("s.token-%d", f.logins)
	f.tokens[token] = true
	reply(w, http.StatusOK, map[string]any{"auth": map[string]any{
		"client_token":   token,
		"accessor":       fmt.Sprintf("accessor-%d", f.logins),
		"policies":       []string{"default", "backend"},
		"lease_duration": f.loginTTL,
		"renewable":      true,
		"entity_id":      "entity-backend",
	}})
}

func (f *fakeVault) authorized(w http.ResponseWriter, r *http.Request) bool {
	if f.tokens[r.Header.Get("X-Vault-Token")] {
		return true
	}
	reply(w, http.StatusForbidden, map[string]any{"errors": []string{"permission denied"}})
	return false
}

func (f *fakeVault) kvHandler(w http.ResponseWriter, r *http.Request, path string, write bool) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	if write {
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			reply(w, http.StatusBadRequest, map[string]any{"errors": []string{err.Error()}})
			return
		}
		entry := f.kv[path]
		if entry == nil {
			entry = &kvEntry{}
			f.kv[path] = entry
		}
		entry.version++
		entry.data = body.Data
		entry.deleted = false
		reply(w, http.StatusOK, map[string]any{"data": map[string]any{
			"created_time":  created,
			"deletion_time": "",
			"destroyed":     false,
			"version":       entry.version,
		}})
		return
	}

	entry, ok := f.kv[path]
	if !ok {
		reply(w, http.StatusNotFound, map[string]any{"errors": []string{}})
		return
	}
	if entry.deleted {
		reply(w, http.StatusNotFound, map[string]any{"data": map[string]any{
			"data": nil,
			"metadata": map[string]any{
				"created_time":  created,
				"deletion_time": created,
				"destroyed":     false,
				"version":       entry.version,
			},
		}})
		return
	}
	reply(w, http.StatusOK, map[string]any{"data": map[string]any{
		"data": entry.data,
		"metadata": map[string]any{
			"created_time":  created,
			"deletion_time": "",
			"destroyed":     false,
			"version":       entry.version,
		},
	}})
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
