package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/authtoolkit/internal/authkit"
	"github.com/tyemirov/authtoolkit/internal/authkitpg"
	"github.com/tyemirov/authtoolkit/internal/web"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	defaultEnvFile = ".env"

	databaseDriverGORM = "gorm"
	databaseDriverPGX  = "pgx"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "authtoolkit",
		Short:   "JWT auth API with email/password and Google sign-in, access tokens, and cookie-held refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("env_file", defaultEnvFile, "Optional dotenv file loaded before configuration is read")
	rootCmd.Flags().String("listen_addr", ":3001", "HTTP listen address")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID accepted as ID token audience")
	rootCmd.Flags().String("jwt_access_secret", "", "HS256 signing secret for access tokens")
	rootCmd.Flags().String("jwt_refresh_secret", "", "HS256 signing secret for refresh tokens; must differ from the access secret")
	rootCmd.Flags().Duration("access_ttl", authkit.DefaultAccessTTL, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", authkit.DefaultRefreshTTL, "Refresh token and cookie TTL")
	rootCmd.Flags().Bool("production", false, "Mark the refresh cookie Secure with SameSite=None")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("database_url", "", "User database URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("database_driver", databaseDriverGORM, "User store implementation for database_url: gorm or pgx (postgres only)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for the single-page client")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Int("bcrypt_cost", bcrypt.DefaultCost, "bcrypt work factor for password hashes")

	for _, flagName := range []string{
		"env_file",
		"listen_addr",
		"google_client_id",
		"jwt_access_secret",
		"jwt_refresh_secret",
		"access_ttl",
		"refresh_ttl",
		"production",
		"cookie_domain",
		"database_url",
		"database_driver",
		"enable_cors",
		"cors_allowed_origins",
		"bcrypt_cost",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("AUTH")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingGoogleClientID   = "config.missing_google_client_id"
	configCodeMissingAccessSecret     = "config.missing_jwt_access_secret"
	configCodeMissingRefreshSecret    = "config.missing_jwt_refresh_secret"
	configCodeSharedSecret            = "config.shared_jwt_secret"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidBcryptCost       = "config.invalid_bcrypt_cost"
	configCodeEnvFile                 = "config.env_file"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeInvalidDatabaseDriver   = "config.invalid_database_driver"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	explicit := command.Flags().Changed("env_file")
	if err := loadEnvFile(viper.GetString("env_file"), explicit); err != nil {
		return err
	}
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

// loadEnvFile exports dotenv entries without overriding the real environment.
// A missing file is an error only when it was requested explicitly.
func loadEnvFile(path string, explicit bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) && !explicit {
			return nil
		}
		return configError(configCodeEnvFile, statErr.Error())
	}
	if err := godotenv.Load(path); err != nil {
		return configError(configCodeEnvFile, err.Error())
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authkit.ServerConfig, error) {
	googleClientID := viper.GetString("google_client_id")
	if googleClientID == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}

	accessSecret := viper.GetString("jwt_access_secret")
	if accessSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessSecret, "jwt_access_secret must be provided")
	}
	refreshSecret := viper.GetString("jwt_refresh_secret")
	if refreshSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshSecret, "jwt_refresh_secret must be provided")
	}
	if accessSecret == refreshSecret {
		return authkit.ServerConfig{}, configError(configCodeSharedSecret, "jwt_access_secret and jwt_refresh_secret must differ")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	if viper.IsSet("bcrypt_cost") {
		bcryptCost := viper.GetInt("bcrypt_cost")
		if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
			return authkit.ServerConfig{}, configError(configCodeInvalidBcryptCost,
				fmt.Sprintf("bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
		}
	}

	return authkit.ServerConfig{
		GoogleClientID:     googleClientID,
		AccessTokenSecret:  []byte(accessSecret),
		RefreshTokenSecret: []byte(refreshSecret),
		TokenIssuer:        authkit.DefaultTokenIssuer,
		AccessTTL:          accessTTL,
		RefreshTTL:         refreshTTL,
		RefreshCookieName:  authkit.DefaultRefreshCookieName,
		CookieDomain:       viper.GetString("cookie_domain"),
		Production:         viper.GetBool("production"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	if commandContext == nil {
		commandContext = context.Background()
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	bcryptCost := bcrypt.DefaultCost
	if viper.IsSet("bcrypt_cost") {
		bcryptCost = viper.GetInt("bcrypt_cost")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		if len(corsAllowedOrigins) == 0 {
			return configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
		}
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	userStore, closeStore, storeErr := openUserStore(commandContext, viper.GetString("database_url"), viper.GetString("database_driver"), logger)
	if storeErr != nil {
		return storeErr
	}
	defer closeStore()

	hasher, hasherErr := authkit.NewBcryptPasswordHasher(bcryptCost)
	if hasherErr != nil {
		return configError(configCodeInvalidBcryptCost, hasherErr.Error())
	}

	validator, validatorErr := buildGoogleTokenValidator(commandContext)
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}
	identityVerifier, verifierErr := authkit.NewGoogleIdentityVerifier(validator, serverConfig.GoogleClientID)
	if verifierErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, verifierErr)
	}

	tokenService, tokenErr := authkit.NewTokenService(serverConfig, authkit.NewSystemClock())
	if tokenErr != nil {
		return tokenErr
	}

	metricsRecorder := authkit.NewCounterMetrics()
	authService, serviceErr := authkit.NewAuthService(authkit.AuthServiceDependencies{
		Users:      userStore,
		Hasher:     hasher,
		Identities: identityVerifier,
		Tokens:     tokenService,
		Logger:     logger,
		Metrics:    metricsRecorder,
	})
	if serviceErr != nil {
		return serviceErr
	}

	router.GET("/", web.HandleRoot)
	authGroup := router.Group("/api/auth")
	authGroup.GET("/config", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, web.ClientConfig{GoogleClientID: serverConfig.GoogleClientID})
	})
	authkit.MountAuthRoutes(authGroup, serverConfig, authService, logger)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	serveErr := serveHTTP(server)
	logger.Info("auth counters", zap.Any("counters", metricsRecorder.Snapshot()))
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

func openUserStore(ctx context.Context, databaseURL string, driver string, logger *zap.Logger) (authkit.UserStore, func(), error) {
	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("using in-memory user store")
		return authkit.NewMemoryUserStore(), func() {}, nil
	}

	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", databaseDriverGORM:
		store, err := authkit.NewDatabaseUserStore(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using persistent user store", zap.String("driver", store.Driver()))
		return store, func() {
			if closeErr := store.Close(); closeErr != nil {
				logger.Warn("user store close failed", zap.Error(closeErr))
			}
		}, nil
	case databaseDriverPGX:
		parsed, parseErr := url.Parse(databaseURL)
		if parseErr != nil || (parsed.Scheme != "postgres" && parsed.Scheme != "postgresql") {
			return nil, nil, configError(configCodeInvalidDatabaseDriver, "database_driver pgx requires a postgres:// database_url")
		}
		pool, err := authkitpg.BuildPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		logger.Info("using persistent user store", zap.String("driver", "pgx"))
		return authkitpg.NewPostgresUserStore(pool), pool.Close, nil
	default:
		return nil, nil, configError(configCodeInvalidDatabaseDriver, fmt.Sprintf("unsupported database_driver %q", driver))
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
