package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/followcrm/internal/auth"
	"github.com/MarcoPoloResearchLab/followcrm/internal/contacts"
	"github.com/MarcoPoloResearchLab/followcrm/internal/upstream"
	"github.com/MarcoPoloResearchLab/followcrm/internal/userstore"
	"github.com/MarcoPoloResearchLab/followcrm/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret-with-enough-bytes"
	testCookieName    = "followcrm_session"
	testPublicOrigin  = "https://crm.example.com"
)

type stubLoginFlow struct {
	profile     auth.XProfile
	completeErr error
}

func (s stubLoginFlow) Begin() (string, *http.Cookie, error) {
	return "https://x.example/i/oauth2/authorize?state=abc", &http.Cookie{Name: "followcrm_oauth", Value: "state", Path: "/auth"}, nil
}

func (s stubLoginFlow) ClearStateCookie() *http.Cookie {
	return &http.Cookie{Name: "followcrm_oauth", Path: "/auth", MaxAge: -1}
}

func (s stubLoginFlow) Complete(context.Context, *http.Request) (auth.XProfile, error) {
	if s.completeErr != nil {
		return auth.XProfile{}, s.completeErr
	}
	return s.profile, nil
}

type stubIdentities struct {
	mu     sync.Mutex
	logins []users.Login
}

func (s *stubIdentities) RecordLogin(_ context.Context, login users.Login) (users.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins = append(s.logins, login)
	if login.Subject == "" {
		return users.Identity{}, errors.New("subject required")
	}
	return users.Identity{
		Provider:    login.Provider,
		Subject:     login.Subject,
		UserID:      login.Subject,
		Handle:      login.Handle,
		DisplayName: login.DisplayName,
		AvatarURL:   login.AvatarURL,
	}, nil
}

type stubSource struct {
	mu    sync.Mutex
	pages map[string]upstream.Page
	err   error
	calls int
}

func (s *stubSource) FetchFollowingsPage(_ context.Context, _ string, cursor string) (upstream.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return upstream.Page{}, s.err
	}
	page, ok := s.pages[cursor]
	if !ok {
		return upstream.Page{}, fmt.Errorf("unexpected cursor %q", cursor)
	}
	return page, nil
}

type testServer struct {
	handler  http.Handler
	tokens   *auth.TokenIssuer
	contacts *contacts.Service
	source   *stubSource
	realtime *RealtimeDispatcher
	login    *stubLoginFlow
	users    *stubIdentities
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	units, err := userstore.NewRegistry(userstore.Config{
		DataDir:    t.TempDir(),
		Models:     contacts.Models(),
		Migrations: contacts.Migrations(),
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(func() {
		_ = units.Close()
	})

	source := &stubSource{pages: map[string]upstream.Page{
		"": {Accounts: []upstream.Account{
			{ID: "1", Handle: "alice", DisplayName: "Alice", FollowersCount: 12000},
			{ID: "2", Handle: "bob", DisplayName: "Bob", FollowersCount: 300},
			{ID: "3", Handle: "carol", DisplayName: "Carol", FollowersCount: 4500},
		}},
	}}
	dispatcher := NewRealtimeDispatcher()
	contactService, err := contacts.NewService(contacts.ServiceConfig{
		Units:            units,
		Source:           source,
		Notifier:         dispatcher,
		SyncCooldown:     contacts.DefaultSyncCooldown,
		PrivilegedHandle: "owner",
	})
	if err != nil {
		t.Fatalf("failed to construct contacts service: %v", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Hour,
	})
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	login := &stubLoginFlow{profile: auth.XProfile{ID: "4242", Username: "jane", Name: "Jane", ProfileImageURL: "https://img.example/jane.png"}}
	identities := &stubIdentities{}
	handler, err := NewHTTPHandler(Dependencies{
		Login:         login,
		Tokens:        tokens,
		Sessions:      sessions,
		Users:         identities,
		Contacts:      contactService,
		MCP:           http.NotFoundHandler(),
		Realtime:      dispatcher,
		Logger:        zap.NewNop(),
		PublicBaseURL: testPublicOrigin,
		Version:       "test",
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testServer{
		handler:  handler,
		tokens:   tokens,
		contacts: contactService,
		source:   source,
		realtime: dispatcher,
		login:    login,
		users:    identities,
	}
}

func (s *testServer) token(t *testing.T, userID, handle string) string {
	t.Helper()
	token, _, err := s.tokens.IssueSessionToken(context.Background(), auth.SessionIdentity{UserID: userID, Handle: handle})
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) seedBySync(t *testing.T, token string) {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/sync", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("seed sync failed: %d %s", recorder.Code, recorder.Body.String())
	}
}
