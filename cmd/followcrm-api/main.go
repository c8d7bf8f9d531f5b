package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/followcrm/internal/auth"
	"github.com/MarcoPoloResearchLab/followcrm/internal/config"
	"github.com/MarcoPoloResearchLab/followcrm/internal/contacts"
	"github.com/MarcoPoloResearchLab/followcrm/internal/database"
	"github.com/MarcoPoloResearchLab/followcrm/internal/logging"
	"github.com/MarcoPoloResearchLab/followcrm/internal/server"
	"github.com/MarcoPoloResearchLab/followcrm/internal/tools"
	"github.com/MarcoPoloResearchLab/followcrm/internal/upstream"
	"github.com/MarcoPoloResearchLab/followcrm/internal/userstore"
	"github.com/MarcoPoloResearchLab/followcrm/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const sessionIssuer = "followcrm-auth"

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "followcrm-api",
		Short:   "FollowCRM backend service",
		Version: version,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("public-base-url", defaults.GetString("public.base_url"), "Public URL of the service")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Directory holding per-user databases")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite identity database path")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("auth.session_ttl_minutes"), "Session lifetime in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("x-client-id", "", "X OAuth client ID")
	cmd.PersistentFlags().String("x-redirect-url", defaults.GetString("x.redirect_url"), "X OAuth redirect URL")
	cmd.PersistentFlags().String("upstream-base-url", defaults.GetString("upstream.base_url"), "Follow list API base URL")
	cmd.PersistentFlags().Float64("upstream-rps", defaults.GetFloat64("upstream.requests_per_second"), "Follow list API requests per second")
	cmd.PersistentFlags().String("privileged-handle", defaults.GetString("sync.privileged_handle"), "Handle exempt from the sync cooldown")
	cmd.PersistentFlags().Int("sync-cooldown-hours", defaults.GetInt("sync.cooldown_hours"), "Hours between syncs")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "public.base_url", "public-base-url")
	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.session_ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "x.client_id", "x-client-id")
	bindFlag(cmd, "x.redirect_url", "x-redirect-url")
	bindFlag(cmd, "upstream.base_url", "upstream-base-url")
	bindFlag(cmd, "upstream.requests_per_second", "upstream-rps")
	bindFlag(cmd, "sync.privileged_handle", "privileged-handle")
	bindFlag(cmd, "sync.cooldown_hours", "sync-cooldown-hours")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	usersService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	signingSecret := []byte(appConfig.SigningSecret)
	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: signingSecret,
		Issuer:        sessionIssuer,
		TokenTTL:      appConfig.SessionTTL,
	})
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: signingSecret,
		Issuer:        sessionIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}
	secureCookies := strings.HasPrefix(appConfig.PublicBaseURL, "https://")
	xLogin, err := auth.NewXLogin(auth.XLoginConfig{
		ClientID:     appConfig.XClientID,
		ClientSecret: appConfig.XClientSecret,
		RedirectURL:  appConfig.XRedirectURL,
		APIBaseURL:   appConfig.XAPIBaseURL,
		StateSecret:  signingSecret,
		SecureCookie: secureCookies,
	})
	if err != nil {
		return err
	}

	followSource, err := upstream.NewClient(upstream.ClientConfig{
		BaseURL:           appConfig.UpstreamBaseURL,
		APIKey:            appConfig.UpstreamAPIKey,
		RequestsPerSecond: appConfig.UpstreamRPS,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	units, err := userstore.NewRegistry(userstore.Config{
		DataDir:    appConfig.DataDir,
		Models:     contacts.Models(),
		Migrations: contacts.Migrations(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := units.Close(); closeErr != nil {
			logger.Warn("failed to close storage units", zap.Error(closeErr))
		}
	}()

	dispatcher := server.NewRealtimeDispatcher()
	contactService, err := contacts.NewService(contacts.ServiceConfig{
		Units:            units,
		Source:           followSource,
		Clock:            time.Now,
		Logger:           logger,
		Notifier:         dispatcher,
		SyncCooldown:     appConfig.SyncCooldown,
		PrivilegedHandle: appConfig.PrivilegedHandle,
	})
	if err != nil {
		return err
	}

	toolset := tools.NewToolset(contactService, logger)
	mcpServer := tools.NewMCPServer(toolset, version)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Login:         xLogin,
		Tokens:        tokenIssuer,
		Sessions:      sessionValidator,
		Users:         usersService,
		Contacts:      contactService,
		MCP:           tools.NewSSEServer(mcpServer, appConfig.PublicBaseURL),
		Realtime:      dispatcher,
		Logger:        logger,
		PublicBaseURL: appConfig.PublicBaseURL,
		SecureCookies: secureCookies,
		Version:       version,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("data_dir", appConfig.DataDir),
			zap.String("version", version))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
