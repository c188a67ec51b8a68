package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/notehive/collab-gateway/internal/auth"
	"github.com/notehive/collab-gateway/internal/collab"
	"github.com/notehive/collab-gateway/internal/config"
	"github.com/notehive/collab-gateway/internal/database"
	"github.com/notehive/collab-gateway/internal/logging"
	"github.com/notehive/collab-gateway/internal/server"
	"github.com/notehive/collab-gateway/internal/storage"
	"github.com/notehive/collab-gateway/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notehive-collab",
		Short: "NoteHive real-time collaboration gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand(), newUsersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway and REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Session store driver (sqlite, redis, mongo)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the redis session store")
	cmd.PersistentFlags().String("mongo-uri", "", "MongoDB URI for the mongo session store")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "mongo.uri", "mongo-uri")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openSessionStore(signalCtx, appConfig, db, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	manager, err := collab.NewManager(collab.ManagerConfig{
		Store:      store,
		Identities: directory,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewTokenVerifier(auth.TokenVerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
	})
	if err != nil {
		return err
	}

	metrics := server.NewMetrics()
	gateway, err := server.NewGateway(server.GatewayConfig{
		Sessions:       manager,
		Verifier:       verifier,
		Metrics:        metrics,
		Logger:         logger,
		EventTimeout:   appConfig.EventTimeout,
		SendBuffer:     appConfig.SendBuffer,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gateway:        gateway,
		Sessions:       manager,
		Verifier:       verifier,
		Metrics:        metrics,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	sweeper := collab.NewSweeper(manager, appConfig.SweepInterval, logger)
	go sweeper.Run(signalCtx)

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_driver", appConfig.StoreDriver))
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
		// hijacked websocket connections are invisible to http.Server.Shutdown
		if err := gateway.Close(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown incomplete", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openSessionStore builds the collab.Store selected by store.driver and a func releasing its resources.
func openSessionStore(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (collab.Store, func(), error) {
	switch appConfig.StoreDriver {
	case config.StoreDriverRedis:
		client, err := storage.OpenRedis(ctx, appConfig.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		store, err := storage.NewRedisStore(storage.RedisStoreConfig{Client: client, TTL: appConfig.SessionTTL, Logger: logger})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}, nil
	case config.StoreDriverMongo:
		client, err := storage.OpenMongo(ctx, appConfig.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		disconnect := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				logger.Warn("mongo disconnect failed", zap.Error(err))
			}
		}
		store, err := storage.NewMongoStore(storage.MongoStoreConfig{
			Database: client.Database(appConfig.MongoDatabase),
			TTL:      appConfig.SessionTTL,
			Logger:   logger,
		})
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			disconnect()
			return nil, nil, err
		}
		return store, disconnect, nil
	default:
		store, err := storage.NewGormStore(storage.GormStoreConfig{Database: db, TTL: appConfig.SessionTTL, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}
