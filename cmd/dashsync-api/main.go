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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/dashsync/internal/auth"
	"github.com/MarcoPoloResearchLab/dashsync/internal/config"
	"github.com/MarcoPoloResearchLab/dashsync/internal/database"
	"github.com/MarcoPoloResearchLab/dashsync/internal/logging"
	"github.com/MarcoPoloResearchLab/dashsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/dashsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
	"github.com/MarcoPoloResearchLab/dashsync/internal/sections/dynamostore"
	"github.com/MarcoPoloResearchLab/dashsync/internal/server"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dashsync-api",
		Short: "Dashboard section auto-save and realtime sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Section store driver (sqlite, dynamodb)")
	cmd.PersistentFlags().String("dynamodb-table", defaults.GetString("dynamodb.table"), "DynamoDB table for the dynamodb store")
	cmd.PersistentFlags().String("dynamodb-region", defaults.GetString("dynamodb.region"), "AWS region for the dynamodb store")
	cmd.PersistentFlags().Int("history-limit", defaults.GetInt("history.limit"), "Snapshots retained per section")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret; empty disables authentication")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "dynamodb.table", "dynamodb-table")
	bindFlag(cmd, "dynamodb.region", "dynamodb-region")
	bindFlag(cmd, "history.limit", "history-limit")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func newTokenCommand() *cobra.Command {
	var ownerID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if !appConfig.AuthEnabled() {
				return errors.New("auth.signing_secret is required to mint tokens")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(ownerID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner id the token is bound to")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "dashsync-api")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenServerSQLite(appConfig.DatabasePath, appConfig.HistoryLimit, logger)
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

	store, err := openStore(signalCtx, appConfig, db, logger)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector("dashsync")
	presence, err := realtime.NewPresence(realtime.PresenceConfig{
		Database: db,
		Timeout:  appConfig.PresenceTimeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	go presence.RunSweeper(signalCtx, appConfig.PresenceSweepInterval)

	registry := realtime.NewRegistry()
	hub, err := realtime.NewHub(realtime.HubConfig{
		Registry:     registry,
		Presence:     presence,
		Observer:     collector,
		SendBuffer:   appConfig.RealtimeSendBuffer,
		WriteTimeout: appConfig.RealtimeWriteTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	broadcaster := realtime.NewBroadcaster(realtime.BroadcasterConfig{
		Registry:  registry,
		Deliverer: hub,
		Observer:  collector,
		Logger:    logger,
	})

	sectionService, err := sections.NewService(sections.ServiceConfig{
		Store:    store,
		Notifier: broadcaster,
		Observer: collector,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var validator server.TokenValidator
	if appConfig.AuthEnabled() {
		tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
		})
		if err != nil {
			return err
		}
		validator = tokenValidator
	} else {
		logger.Warn("auth.signing_secret is empty, requests are not authenticated")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sections:  sectionService,
		Hub:       hub,
		Presence:  presence,
		Validator: validator,
		Metrics:   collector,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store", appConfig.StoreDriver),
			zap.Int("history_limit", appConfig.HistoryLimit))
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

func openStore(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (sections.Store, error) {
	switch appConfig.StoreDriver {
	case config.StoreDriverDynamoDB:
		var options []func(*awsconfig.LoadOptions) error
		if appConfig.DynamoRegion != "" {
			options = append(options, awsconfig.WithRegion(appConfig.DynamoRegion))
		}
		awsConfig, err := awsconfig.LoadDefaultConfig(ctx, options...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return dynamostore.New(dynamostore.Config{
			Client:       dynamodb.NewFromConfig(awsConfig),
			TableName:    appConfig.DynamoTable,
			IDProvider:   sections.NewUUIDProvider(),
			HistoryLimit: appConfig.HistoryLimit,
			Logger:       logger,
		})
	default:
		return sections.NewGormStore(sections.GormStoreConfig{
			Database:     db,
			IDProvider:   sections.NewUUIDProvider(),
			HistoryLimit: appConfig.HistoryLimit,
		})
	}
}
