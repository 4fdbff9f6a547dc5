package provider

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/tokenvault/tokenvault/internal/models"
)

// fakeIdP is a minimal provider: token, profile and revoke endpoints.
type fakeIdP struct {
	t   *testing.T
	srv *httptest.Server

	mu              sync.Mutex
	challenges      map[string]string // code -> challenge
	refreshCalls    int
	revoked         []string
	rotate          bool
	omitExpiresIn   bool
	rejectRefresh   bool
	rejectCode      bool
	profileStatus   int
	profileBody     string
	lastTokenForm   url.Values
	nextAccessToken string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	f := &fakeIdP{t: t, challenges: map[string]string{}, nextAccessToken: "access-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/profile", f.handleProfile)
	mux.HandleFunc("/revoke", f.handleRevoke)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// expectCode registers a code bound to a PKCE challenge.
func (f *fakeIdP) expectCode(code, challenge string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges[code] = challenge
}

func (f *fakeIdP) config(p models.Provider) Config {
	var cfg Config
	if p == models.ProviderGoogle {
		cfg = Google("client-id", "client-secret", "com.example.app:/oauth2redirect")
		cfg.RevokeURL = f.srv.URL + "/revoke"
	} else {
		cfg = Microsoft("client-id", "", "msauth.com.example.app://auth", "common")
	}
	cfg.AuthURL = f.srv.URL + "/authorize"
	cfg.TokenURL = f.srv.URL + "/token"
	cfg.ProfileURL = f.srv.URL + "/profile"
	return cfg
}

func (f *fakeIdP) writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func (f *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		f.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTokenForm = r.PostForm

	resp := map[string]interface{}{
		"access_token": f.nextAccessToken,
		"token_type":   "Bearer",
	}
	if !f.omitExpiresIn {
		resp["expires_in"] = 3600
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		challenge, ok := f.challenges[r.PostForm.Get("code")]
		if f.rejectCode || !ok {
			f.writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			f.writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		resp["refresh_token"] = "refresh-1"
	case "refresh_token":
		f.refreshCalls++
		if f.rejectRefresh {
			f.writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		if f.rotate {
			resp["refresh_token"] = "refresh-rotated"
		}
	default:
		f.writeError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeIdP) handleProfile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status, body := f.profileStatus, f.profileBody
	f.mu.Unlock()

	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (f *fakeIdP) handleRevoke(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, r.PostForm.Get("token"))
	w.WriteHeader(http.StatusOK)
}

func (f *fakeIdP) revokedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}
