package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "FOLLOWCRM"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDataDir            = "data"
	defaultDatabasePath       = "data/followcrm.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "followcrm_session"
	defaultSessionTTLMinutes  = 60 * 24 * 7
	defaultUpstreamBaseURL    = "https://api.twitterapi.io"
	defaultUpstreamRPS        = 1.0
	defaultSyncCooldownHours  = 24
	defaultXRedirectURL       = "http://localhost:8080/auth/callback"
	defaultXAPIBaseURL        = "https://api.x.com"
	minimumSigningSecretBytes = 32
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	PublicBaseURL    string
	DataDir          string
	DatabasePath     string
	LogLevel         string
	LogEncoding      string
	SigningSecret    string
	CookieName       string
	SessionTTL       time.Duration
	XClientID        string
	XClientSecret    string
	XRedirectURL     string
	XAPIBaseURL      string
	UpstreamAPIKey   string
	UpstreamBaseURL  string
	UpstreamRPS      float64
	PrivilegedHandle string
	SyncCooldown     time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("public.base_url", "")
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", "json")
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.session_ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("x.redirect_url", defaultXRedirectURL)
	configViper.SetDefault("x.api_base_url", defaultXAPIBaseURL)
	configViper.SetDefault("upstream.base_url", defaultUpstreamBaseURL)
	configViper.SetDefault("upstream.requests_per_second", defaultUpstreamRPS)
	configViper.SetDefault("sync.cooldown_hours", defaultSyncCooldownHours)
	configViper.SetDefault("sync.privileged_handle", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		PublicBaseURL:    strings.TrimRight(strings.TrimSpace(configViper.GetString("public.base_url")), "/"),
		DataDir:          configViper.GetString("data.dir"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogEncoding:      configViper.GetString("log.encoding"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		CookieName:       configViper.GetString("auth.cookie_name"),
		SessionTTL:       time.Duration(configViper.GetInt("auth.session_ttl_minutes")) * time.Minute,
		XClientID:        configViper.GetString("x.client_id"),
		XClientSecret:    configViper.GetString("x.client_secret"),
		XRedirectURL:     configViper.GetString("x.redirect_url"),
		XAPIBaseURL:      strings.TrimRight(configViper.GetString("x.api_base_url"), "/"),
		UpstreamAPIKey:   strings.TrimSpace(configViper.GetString("upstream.api_key")),
		UpstreamBaseURL:  strings.TrimRight(configViper.GetString("upstream.base_url"), "/"),
		UpstreamRPS:      configViper.GetFloat64("upstream.requests_per_second"),
		PrivilegedHandle: strings.TrimPrefix(strings.TrimSpace(configViper.GetString("sync.privileged_handle")), "@"),
		SyncCooldown:     time.Duration(configViper.GetInt("sync.cooldown_hours")) * time.Hour,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	var result *multierror.Error
	if len(strings.TrimSpace(c.SigningSecret)) < minimumSigningSecretBytes {
		result = multierror.Append(result, fmt.Errorf("auth.signing_secret must be at least %d bytes", minimumSigningSecretBytes))
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		result = multierror.Append(result, fmt.Errorf("database.path is required"))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		result = multierror.Append(result, fmt.Errorf("data.dir is required"))
	}
	if strings.TrimSpace(c.CookieName) == "" {
		result = multierror.Append(result, fmt.Errorf("auth.cookie_name is required"))
	}
	if c.SessionTTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("auth.session_ttl_minutes must be positive"))
	}
	if strings.TrimSpace(c.XClientID) == "" {
		result = multierror.Append(result, fmt.Errorf("x.client_id is required"))
	}
	if strings.TrimSpace(c.XRedirectURL) == "" {
		result = multierror.Append(result, fmt.Errorf("x.redirect_url is required"))
	}
	if c.UpstreamAPIKey == "" {
		result = multierror.Append(result, fmt.Errorf("upstream.api_key is required"))
	}
	if c.UpstreamBaseURL == "" {
		result = multierror.Append(result, fmt.Errorf("upstream.base_url is required"))
	}
	if c.UpstreamRPS <= 0 {
		result = multierror.Append(result, fmt.Errorf("upstream.requests_per_second must be positive"))
	}
	if c.SyncCooldown <= 0 {
		result = multierror.Append(result, fmt.Errorf("sync.cooldown_hours must be positive"))
	}
	return result.ErrorOrNil()
}
