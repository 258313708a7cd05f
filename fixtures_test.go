package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/sessions"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testLTIKey   = "test-lti-key"
	testIssuer   = "https://platform.example.com"
	testClientID = "client-123"
	testToolURL  = "https://tool.example.com"
)

// newTestDB returns a migrated sqlite database in a temp file.
func newTestDB(t *testing.T) *Database {
	t.Helper()
	dbURL := "sqlite://" + filepath.Join(t.TempDir(), "lti.db")
	require.NoError(t, Migrate(dbURL, "up"))
	db, err := OpenDatabase(context.Background(), dbURL, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(newTestDB(t), testLTIKey)
	require.NoError(t, err)
	return s
}

// newTestProvider builds a provider whose connect callback echoes the subject and ltik.
func newTestProvider(t *testing.T, mutate func(*ProviderOptions)) *Provider {
	t.Helper()
	opts := ProviderOptions{
		TokenMaxAge: time.Minute,
		Sessions:    sessions.NewCookieStore([]byte("test-session-secret")),
		DynReg:      DynRegOptions{URL: testToolURL, Name: "Test Tool", Description: "tool under test"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := NewProvider(testLTIKey, newTestDB(t), opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	p.OnConnect(func(token *IDToken, w http.ResponseWriter, r *http.Request) error {
		writeJSON(w, http.StatusOK, map[string]string{
			"sub":  token.Subject,
			"ltik": LtikFromContext(r.Context()),
		})
		return nil
	})
	return p
}

// testPlatform is an LMS double serving a JWKS, a token endpoint and NRPS.
type testPlatform struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server

	mu           sync.Mutex
	assertionKey *rsa.PublicKey

	tokenRequests  atomic.Int32
	memberRequests atomic.Int32
}

func newTestPlatform(t *testing.T) *testPlatform {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tp := &testPlatform{key: key, kid: "platform-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", tp.handleJWKS)
	mux.HandleFunc("/token", tp.handleToken)
	mux.HandleFunc("/members", tp.handleMembers)
	tp.server = httptest.NewServer(mux)
	t.Cleanup(tp.server.Close)
	return tp
}

func (tp *testPlatform) config() PlatformConfig {
	return PlatformConfig{
		URL:                    testIssuer,
		Name:                   "Test LMS",
		ClientID:               testClientID,
		AuthenticationEndpoint: tp.server.URL + "/auth",
		AccessTokenEndpoint:    tp.server.URL + "/token",
		AuthConfig:             AuthConfig{Method: AuthMethodJWKSet, Key: tp.server.URL + "/jwks"},
	}
}

func (tp *testPlatform) handleJWKS(w http.ResponseWriter, r *http.Request) {
	key, err := jwk.Import(&tp.key.PublicKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = key.Set(jwk.KeyIDKey, tp.kid)
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	set := jwk.NewSet()
	_ = set.AddKey(key)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (tp *testPlatform) handleToken(w http.ResponseWriter, r *http.Request) {
	tp.tokenRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_assertion_type") != clientAssertionType ||
		r.PostForm.Get("scope") != scopeNRPSMembership {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}

	tp.mu.Lock()
	pub := tp.assertionKey
	tp.mu.Unlock()
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(r.PostForm.Get("client_assertion"), &claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(tp.server.URL+"/token"), jwt.WithIssuer(testClientID))
	if err != nil || claims.Subject != testClientID || claims.ID == "" {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "platform-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        scopeNRPSMembership,
	})
}

func (tp *testPlatform) handleMembers(w http.ResponseWriter, r *http.Request) {
	tp.memberRequests.Add(1)
	if r.Header.Get("Authorization") != "Bearer platform-access-token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Header.Get("Accept") != membershipMediaType {
		http.Error(w, "not acceptable", http.StatusNotAcceptable)
		return
	}
	w.Header().Set("Content-Type", membershipMediaType)
	if r.URL.Query().Get("page") == "" {
		w.Header().Set("Link", fmt.Sprintf(`<%s/members?page=2>; rel="next"`, tp.server.URL))
		_ = json.NewEncoder(w).Encode(membershipContainer{ID: "m", Members: []Member{
			{UserID: "user-1", Name: "Ada Lovelace", Roles: []string{"Instructor"}},
		}})
		return
	}
	_ = json.NewEncoder(w).Encode(membershipContainer{ID: "m", Members: []Member{
		{UserID: "user-2", Name: "Charles Babbage", Roles: []string{"Learner"}},
	}})
}

// claims returns a valid resource link launch for nonce.
func (tp *testPlatform) claims(nonce string) *IDToken {
	now := time.Now()
	return &IDToken{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{testClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Nonce:         nonce,
		Name:          "Ada Lovelace",
		Email:         "ada@example.com",
		MessageType:   MessageResourceLink,
		Version:       ltiVersion,
		DeploymentID:  "deployment-1",
		TargetLinkURI: testToolURL + "/",
		ResourceLink:  &ResourceLink{ID: "resource-1", Title: "Week 1"},
		Roles:         []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"},
		Context:       &LaunchContext{ID: "course-1", Title: "Analytical Engines"},
		ToolPlatform:  &ToolPlatform{ProductFamilyCode: "canvas"},
		NamesRoleService: &NamesRoleService{
			ContextMembershipsURL: tp.server.URL + "/members",
			ServiceVersions:       []string{"2.0"},
		},
	}
}

func (tp *testPlatform) sign(t *testing.T, claims *IDToken) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = tp.kid
	raw, err := tok.SignedString(tp.key)
	require.NoError(t, err)
	return raw
}

// login runs the OIDC login step against h and returns state, nonce and the state cookie.
func login(t *testing.T, h http.Handler) (string, string, *http.Cookie) {
	t.Helper()
	q := url.Values{
		"iss":             {testIssuer},
		"login_hint":      {"user-1"},
		"target_link_uri": {testToolURL + "/"},
		"client_id":       {testClientID},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state, nonce := loc.Query().Get("state"), loc.Query().Get("nonce")
	require.NotEmpty(t, state)
	require.NotEmpty(t, nonce)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookiePrefix+state {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "state cookie not set")
	return state, nonce, cookie
}

func launchRequest(idToken, state string, cookies ...*http.Cookie) *http.Request {
	form := url.Values{"id_token": {idToken}, "state": {state}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req
}
