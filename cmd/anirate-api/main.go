package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/config"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/database"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/ratings"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/server"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/users"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/views"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "anirate-api",
		Short: "Anime rating backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMigrateCommand(), newMirrorCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the view cache; empty disables it")
	cmd.PersistentFlags().String("catalog-base-url", defaults.GetString("catalog.base_url"), "Jikan API base URL")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins allowed to send credentials")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "catalog.base_url", "catalog-base-url")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
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

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadStorage(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			return closeDatabase(db)
		},
	}
}

func newMirrorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mirror <mal-id>",
		Short: "Fetch one catalog item from Jikan into the local mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			externalID, err := catalog.ParseExternalID(args[0])
			if err != nil {
				return err
			}
			appConfig, err := config.LoadStorage(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDatabase(db) //nolint:errcheck

			mirror, err := catalog.NewMirror(catalog.MirrorConfig{
				Database: db,
				Source: catalog.NewJikanClient(catalog.JikanClientConfig{
					BaseURL: appConfig.CatalogBaseURL,
					Timeout: appConfig.CatalogTimeout,
					Logger:  logger,
				}),
				Logger: logger,
			})
			if err != nil {
				return err
			}
			entry, err := mirror.Resolve(cmd.Context(), catalog.ItemRef{ExternalID: externalID})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", entry.ID, entry.Title, entry.Year)
			return err
		},
	}
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
}

func closeDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db) //nolint:errcheck

	recorder := metrics.NewRecorder()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	identityService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	mirror, err := catalog.NewMirror(catalog.MirrorConfig{
		Database: db,
		Source: catalog.NewJikanClient(catalog.JikanClientConfig{
			BaseURL: appConfig.CatalogBaseURL,
			Timeout: appConfig.CatalogTimeout,
			Logger:  logger,
			Metrics: recorder,
		}),
		Clock:   time.Now,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		return err
	}

	ratingService, err := ratings.NewService(ratings.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// The cache is invalidated inline so the next read after a write recomputes.
	var inlineSinks []views.Sink
	var viewCache *views.RedisCache
	if appConfig.RedisEnabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		defer redisClient.Close() //nolint:errcheck
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("view cache unreachable at startup", zap.String("address", appConfig.RedisAddress), zap.Error(err))
		}
		viewCache, err = views.NewRedisCache(views.RedisCacheConfig{
			Client:    redisClient,
			KeyPrefix: appConfig.RedisKeyPrefix,
			TTL:       appConfig.RedisViewTTL,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		inlineSinks = append(inlineSinks, viewCache)
	}
	dispatcher := views.NewRealtimeDispatcher()
	invalidator := views.NewInvalidator(views.InvalidatorConfig{
		Inline:     inlineSinks,
		Background: []views.Sink{dispatcher},
		Timeout:    appConfig.InvalidationTimeout,
		Logger:     logger,
		Metrics:    recorder,
	})
	defer invalidator.Flush()

	coordinator, err := submissions.NewCoordinator(submissions.Config{
		Identity:    identityService,
		Catalog:     mirror,
		Ratings:     ratingService,
		Cache:       viewCache,
		Invalidator: invalidator,
		Logger:      logger,
		Metrics:     recorder,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Workflow:       coordinator,
		Realtime:       dispatcher,
		Metrics:        recorder,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
