package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/followcrm/internal/auth"
	"github.com/MarcoPoloResearchLab/followcrm/internal/contacts"
	"github.com/MarcoPoloResearchLab/followcrm/internal/database"
	"github.com/MarcoPoloResearchLab/followcrm/internal/server"
	"github.com/MarcoPoloResearchLab/followcrm/internal/tools"
	"github.com/MarcoPoloResearchLab/followcrm/internal/upstream"
	"github.com/MarcoPoloResearchLab/followcrm/internal/userstore"
	"github.com/MarcoPoloResearchLab/followcrm/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret-with-enough-entropy"
	sessionCookieName    = "followcrm_session"
	sessionIssuer        = "followcrm-auth"
	upstreamAPIKey       = "upstream-key"
	jsonContentType      = "application/json"
)

type followsPayload struct {
	Count   int `json:"count"`
	Follows []struct {
		Handle string  `json:"handle"`
		Note   *string `json:"note"`
		Tags   *string `json:"tags"`
	} `json:"follows"`
}

func newFakeXServer(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code_verifier") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", jsonContentType)
		_, _ = w.Write([]byte(`{"access_token":"x-access","token_type":"bearer","expires_in":7200}`))
	})
	mux.HandleFunc("/2/users/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer x-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", jsonContentType)
		_, _ = w.Write([]byte(`{"data":{"id":"9001","username":"Jane","name":"Jane Doe","profile_image_url":"https://img.example/jane.png"}}`))
	})
	return httptest.NewServer(mux)
}

func newFakeFollowAPI(testContext *testing.T, requests *atomic.Int64) *httptest.Server {
	testContext.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("X-API-Key") != upstreamAPIKey || r.URL.Query().Get("userName") != "Jane" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", jsonContentType)
		switch r.URL.Query().Get("cursor") {
		case "":
			_, _ = w.Write([]byte(`{"followings":[
				{"id":"1","name":"Ada","userName":"ada","followers_count":900},
				{"id":"2","name":"Grace","userName":"grace","followers_count":5000}
			],"has_next_page":true,"next_cursor":"page-2","status":"success"}`))
		case "page-2":
			_, _ = w.Write([]byte(`{"followings":[
				{"id":"3","name":"Linus","userName":"linus","followers_count":70}
			],"has_next_page":false,"next_cursor":"","status":"success"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func TestAuthAndSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	identityDB, err := database.OpenSQLite("file:integration_identity?mode=memory&cache=shared", logger)
	if err != nil {
		testContext.Fatalf("failed to open identity database: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{Database: identityDB})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}

	xServer := newFakeXServer(testContext)
	defer xServer.Close()
	var upstreamRequests atomic.Int64
	followAPI := newFakeFollowAPI(testContext, &upstreamRequests)
	defer followAPI.Close()

	xLogin, err := auth.NewXLogin(auth.XLoginConfig{
		ClientID:    "client-id",
		RedirectURL: "http://localhost/auth/callback",
		AuthURL:     xServer.URL + "/i/oauth2/authorize",
		TokenURL:    xServer.URL + "/2/oauth2/token",
		APIBaseURL:  xServer.URL,
		StateSecret: []byte(sessionSigningSecret),
	})
	if err != nil {
		testContext.Fatalf("failed to construct x login: %v", err)
	}
	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		TokenTTL:      time.Hour,
	})
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	followSource, err := upstream.NewClient(upstream.ClientConfig{
		BaseURL:           followAPI.URL,
		APIKey:            upstreamAPIKey,
		RequestsPerSecond: 100,
	})
	if err != nil {
		testContext.Fatalf("failed to construct upstream client: %v", err)
	}

	dataDir := testContext.TempDir()
	units, err := userstore.NewRegistry(userstore.Config{
		DataDir:    dataDir,
		Models:     contacts.Models(),
		Migrations: contacts.Migrations(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct registry: %v", err)
	}
	defer units.Close()

	dispatcher := server.NewRealtimeDispatcher()
	contactService, err := contacts.NewService(contacts.ServiceConfig{
		Units:        units,
		Source:       followSource,
		Notifier:     dispatcher,
		SyncCooldown: contacts.DefaultSyncCooldown,
	})
	if err != nil {
		testContext.Fatalf("failed to build contacts service: %v", err)
	}
	mcpServer := tools.NewMCPServer(tools.NewToolset(contactService, logger), "integration")

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Login:    xLogin,
		Tokens:   tokenIssuer,
		Sessions: sessionValidator,
		Users:    usersService,
		Contacts: contactService,
		MCP:      tools.NewSSEServer(mcpServer, ""),
		Realtime: dispatcher,
		Logger:   logger,
		Version:  "integration",
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	loginResp, err := client.Get(testServer.URL + "/auth/login")
	if err != nil {
		testContext.Fatalf("login request failed: %v", err)
	}
	_ = loginResp.Body.Close()
	if loginResp.StatusCode != http.StatusFound {
		testContext.Fatalf("unexpected login status: %d", loginResp.StatusCode)
	}
	authorizeURL, err := url.Parse(loginResp.Header.Get("Location"))
	if err != nil {
		testContext.Fatalf("invalid authorize url: %v", err)
	}
	if authorizeURL.Query().Get("code_challenge_method") != "S256" {
		testContext.Fatalf("expected PKCE challenge, got %s", authorizeURL.RawQuery)
	}

	callbackReq, _ := http.NewRequest(http.MethodGet, testServer.URL+"/auth/callback?code=auth-code&state="+url.QueryEscape(authorizeURL.Query().Get("state")), nil)
	for _, cookie := range loginResp.Cookies() {
		callbackReq.AddCookie(cookie)
	}
	callbackResp, err := client.Do(callbackReq)
	if err != nil {
		testContext.Fatalf("callback request failed: %v", err)
	}
	_ = callbackResp.Body.Close()
	if callbackResp.StatusCode != http.StatusFound {
		testContext.Fatalf("unexpected callback status: %d", callbackResp.StatusCode)
	}
	var sessionCookie *http.Cookie
	for _, cookie := range callbackResp.Cookies() {
		if cookie.Name == sessionCookieName && cookie.Value != "" {
			sessionCookie = cookie
		}
	}
	if sessionCookie == nil {
		testContext.Fatalf("expected session cookie after callback")
	}

	send := func(method, path, contentType string, body []byte) *http.Response {
		testContext.Helper()
		request, _ := http.NewRequest(method, testServer.URL+path, bytes.NewReader(body))
		request.AddCookie(sessionCookie)
		if contentType != "" {
			request.Header.Set("Content-Type", contentType)
		}
		response, err := client.Do(request)
		if err != nil {
			testContext.Fatalf("%s %s failed: %v", method, path, err)
		}
		return response
	}
	listFollows := func(path string) followsPayload {
		testContext.Helper()
		response := send(http.MethodGet, path, "", nil)
		defer response.Body.Close()
		if response.StatusCode != http.StatusOK {
			testContext.Fatalf("unexpected list status: %d", response.StatusCode)
		}
		var payload followsPayload
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			testContext.Fatalf("failed to decode follows: %v", err)
		}
		return payload
	}

	syncResp := send(http.MethodPost, "/sync", "", nil)
	var syncResult struct {
		Count int `json:"count"`
		Pages int `json:"pages"`
	}
	if err := json.NewDecoder(syncResp.Body).Decode(&syncResult); err != nil {
		testContext.Fatalf("failed to decode sync response: %v", err)
	}
	_ = syncResp.Body.Close()
	if syncResp.StatusCode != http.StatusOK || syncResult.Count != 3 || syncResult.Pages != 2 {
		testContext.Fatalf("unexpected sync result: %d %+v", syncResp.StatusCode, syncResult)
	}

	identities, err := filepath.Glob(filepath.Join(dataDir, "users", "*.db"))
	if err != nil || len(identities) != 1 || filepath.Base(identities[0]) != "9001.db" {
		testContext.Fatalf("expected one per-user database named after the user, got %v", identities)
	}

	follows := listFollows("/follows")
	var order []string
	for _, follow := range follows.Follows {
		order = append(order, follow.Handle)
	}
	if strings.Join(order, ",") != "grace,ada,linus" {
		testContext.Fatalf("unexpected follow order: %v", order)
	}

	updates, _ := json.Marshal([]map[string]string{
		{"handle": "ada", "tags": "math, pioneer", "note": "first programmer"},
		{"handle": "@Grace", "tags": "navy"},
	})
	bulkResp := send(http.MethodPost, "/contacts/bulk", jsonContentType, updates)
	_ = bulkResp.Body.Close()
	if bulkResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected bulk status: %d", bulkResp.StatusCode)
	}

	tagged := listFollows("/follows?tag=pion")
	if tagged.Count != 1 || tagged.Follows[0].Handle != "ada" {
		testContext.Fatalf("unexpected tag filter result: %+v", tagged)
	}
	if tagged.Follows[0].Note == nil || *tagged.Follows[0].Note != "first programmer" {
		testContext.Fatalf("expected note to be stored, got %v", tagged.Follows[0].Note)
	}

	gatedResp := send(http.MethodPost, "/sync", "", nil)
	var gated struct {
		HoursRemaining int `json:"hours_remaining"`
	}
	_ = json.NewDecoder(gatedResp.Body).Decode(&gated)
	_ = gatedResp.Body.Close()
	if gatedResp.StatusCode != http.StatusTooManyRequests || gated.HoursRemaining != 24 {
		testContext.Fatalf("expected cooldown refusal, got %d %+v", gatedResp.StatusCode, gated)
	}
	if got := upstreamRequests.Load(); got != 2 {
		testContext.Fatalf("expected 2 upstream requests, got %d", got)
	}

	removeResp := send(http.MethodDelete, "/tags/"+url.PathEscape("navy"), "", nil)
	var removed struct {
		RemovedCount int `json:"removed_count"`
	}
	_ = json.NewDecoder(removeResp.Body).Decode(&removed)
	_ = removeResp.Body.Close()
	if removed.RemovedCount != 1 {
		testContext.Fatalf("expected one row with tag removed, got %d", removed.RemovedCount)
	}

	markdownResp := send(http.MethodGet, "/follows?format=md", "", nil)
	var markdown bytes.Buffer
	_, _ = markdown.ReadFrom(markdownResp.Body)
	_ = markdownResp.Body.Close()
	expectedLine := "- **@ada** (Ada) · 900 followers · tags: math, pioneer · note: first programmer"
	if !strings.Contains(markdown.String(), expectedLine) {
		testContext.Fatalf("unexpected markdown:\n%s", markdown.String())
	}
}
