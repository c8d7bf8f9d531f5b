package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"golang.org/x/oauth2"
)

const (
	defaultXAuthURL      = "https://x.com/i/oauth2/authorize"
	defaultXTokenURL     = "https://api.x.com/2/oauth2/token"
	defaultXAPIBaseURL   = "https://api.x.com"
	loginStateCookieName = "followcrm_oauth"
	loginStateTTL        = 10 * time.Minute
)

var (
	ErrInvalidXLoginConfig = errors.New("auth: invalid x login config")
	ErrLoginStateMissing   = errors.New("auth: login state cookie missing")
	ErrLoginStateMismatch  = errors.New("auth: login state mismatch")
	ErrLoginCodeMissing    = errors.New("auth: authorization code missing")
	errMissingClientID     = errors.New("client id configuration required")
	errMissingRedirectURL  = errors.New("redirect url configuration required")
	errMissingStateSecret  = errors.New("state secret configuration required")
	errIncompleteProfile   = errors.New("x profile missing id or username")
)

var defaultXScopes = []string{"users.read", "tweet.read"}

// XLoginConfig bundles configuration for the X OAuth 2.0 PKCE login.
type XLoginConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	Scopes       []string
	StateSecret  []byte
	SecureCookie bool
	HTTPClient   *http.Client
}

// XProfile is the signed-in X account returned by /2/users/me.
type XProfile struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// XLogin drives the authorization-code flow with PKCE against X.
type XLogin struct {
	oauth        *oauth2.Config
	cookies      *securecookie.SecureCookie
	apiBaseURL   string
	secureCookie bool
	httpClient   *http.Client
}

type loginState struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
}

// NewXLogin validates configuration and constructs the login flow.
func NewXLogin(cfg XLoginConfig) (*XLogin, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXLoginConfig, errMissingClientID)
	}
	redirectURL := strings.TrimSpace(cfg.RedirectURL)
	if redirectURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXLoginConfig, errMissingRedirectURL)
	}
	if len(cfg.StateSecret) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXLoginConfig, errMissingStateSecret)
	}

	authURL := strings.TrimSpace(cfg.AuthURL)
	if authURL == "" {
		authURL = defaultXAuthURL
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tokenURL = defaultXTokenURL
	}
	apiBaseURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultXAPIBaseURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultXScopes
	}
	authStyle := oauth2.AuthStyleInHeader
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		authStyle = oauth2.AuthStyleInParams
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	hashKey := sha256.Sum256(append([]byte("followcrm/login-state/hash:"), cfg.StateSecret...))
	blockKey := sha256.Sum256(append([]byte("followcrm/login-state/block:"), cfg.StateSecret...))
	cookies := securecookie.New(hashKey[:], blockKey[:])
	cookies.MaxAge(int(loginStateTTL.Seconds()))

	return &XLogin{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: strings.TrimSpace(cfg.ClientSecret),
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: authStyle,
			},
		},
		cookies:      cookies,
		apiBaseURL:   apiBaseURL,
		secureCookie: cfg.SecureCookie,
		httpClient:   httpClient,
	}, nil
}

// Begin returns the X authorization URL and the cookie that carries state and
// PKCE verifier back to the callback.
func (l *XLogin) Begin() (string, *http.Cookie, error) {
	state := loginState{
		State:    uuid.NewString(),
		Verifier: oauth2.GenerateVerifier(),
	}
	encoded, err := l.cookies.Encode(loginStateCookieName, state)
	if err != nil {
		return "", nil, err
	}
	cookie := &http.Cookie{
		Name:     loginStateCookieName,
		Value:    encoded,
		Path:     "/auth",
		MaxAge:   int(loginStateTTL.Seconds()),
		HttpOnly: true,
		Secure:   l.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
	authURL := l.oauth.AuthCodeURL(state.State, oauth2.S256ChallengeOption(state.Verifier))
	return authURL, cookie, nil
}

// ClearStateCookie expires the login state cookie.
func (l *XLogin) ClearStateCookie() *http.Cookie {
	return &http.Cookie{
		Name:     loginStateCookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   l.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

// Complete validates the callback, exchanges the code and loads the X profile.
func (l *XLogin) Complete(ctx context.Context, r *http.Request) (XProfile, error) {
	cookie, err := r.Cookie(loginStateCookieName)
	if err != nil || cookie.Value == "" {
		return XProfile{}, ErrLoginStateMissing
	}
	var state loginState
	if err := l.cookies.Decode(loginStateCookieName, cookie.Value, &state); err != nil {
		return XProfile{}, fmt.Errorf("%w: %v", ErrLoginStateMissing, err)
	}
	query := r.URL.Query()
	if subtle.ConstantTimeCompare([]byte(query.Get("state")), []byte(state.State)) != 1 {
		return XProfile{}, ErrLoginStateMismatch
	}
	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		return XProfile{}, ErrLoginCodeMissing
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, l.httpClient)
	token, err := l.oauth.Exchange(exchangeCtx, code, oauth2.VerifierOption(state.Verifier))
	if err != nil {
		return XProfile{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	return l.fetchProfile(exchangeCtx, token)
}

func (l *XLogin) fetchProfile(ctx context.Context, token *oauth2.Token) (XProfile, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, l.apiBaseURL+"/2/users/me?user.fields=profile_image_url", nil)
	if err != nil {
		return XProfile{}, err
	}
	request.Header.Set("Accept", "application/json")

	response, err := l.oauth.Client(ctx, token).Do(request)
	if err != nil {
		return XProfile{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return XProfile{}, fmt.Errorf("x profile request returned status %d", response.StatusCode)
	}

	var document struct {
		Data XProfile `json:"data"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return XProfile{}, err
	}
	if document.Data.ID == "" || document.Data.Username == "" {
		return XProfile{}, errIncompleteProfile
	}
	return document.Data, nil
}
