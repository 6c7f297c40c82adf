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

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/auth"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/config"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/database"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/docsync"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/fanout"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/gateway"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/kv"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/logging"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/pair"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/presence"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/server"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/takeover"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/users"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/workspace"
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
		Use:   "collab-gateway",
		Short: "API studio real-time collaboration gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand(), newRevokeTokenCommand(), newAddMemberCommand())

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
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Shared store URL; empty runs single-process")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

// runtime holds the long-lived dependencies shared by the server and the admin commands.
type runtime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
	store  *kv.Store
}

func openRuntime(ctx context.Context) (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}

	store, err := kv.Connect(ctx, kv.Config{URL: appConfig.RedisURL, Logger: logger})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	return &runtime{config: appConfig, logger: logger, db: db, store: store}, nil
}

func (r *runtime) Close() error {
	var result *multierror.Error
	if err := r.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close store: %w", err))
	}
	if sqlDB, err := r.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close database: %w", err))
		}
	}
	_ = r.logger.Sync()
	return result.ErrorOrNil()
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (r *runtime) sessionValidator() (*auth.SessionValidator, error) {
	return auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(r.config.SigningSecret),
		Issuer:        r.config.AuthIssuer,
		Audience:      r.config.AuthAudience,
	})
}

func runServer(ctx context.Context) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close() //nolint:errcheck

	appConfig := rt.config
	logger := rt.logger
	client := rt.store.Client()

	bus := fanout.NewBus(rt.store, logger)
	defer bus.Close() //nolint:errcheck

	validator, err := rt.sessionValidator()
	if err != nil {
		return err
	}
	identities, err := users.NewService(users.ServiceConfig{Database: rt.db, Logger: logger})
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Validator:   validator,
		Revocations: auth.NewRevocationStore(client, time.Now),
		Identities:  identities,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	gate, err := workspace.NewGate(workspace.GateConfig{Database: rt.db, Logger: logger})
	if err != nil {
		return err
	}

	presenceStore, err := presence.NewStore(presence.StoreConfig{
		Client: client,
		TTL:    appConfig.PresenceTTL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	origin, err := uuid.NewV7()
	if err != nil {
		return err
	}
	engine, err := docsync.NewEngine(docsync.EngineConfig{
		Store:             client,
		Bus:               bus,
		Snapshots:         docsync.NewSnapshotStore(rt.db),
		OriginID:          origin.String(),
		SnapshotThreshold: appConfig.SnapshotThreshold,
		UpdateLogLimit:    appConfig.UpdateLogLimit,
		RoomIdleTTL:       appConfig.RoomIdleTTL,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	awareness, err := docsync.NewAwareness(client, appConfig.AwarenessTTL)
	if err != nil {
		return err
	}

	pairs, err := pair.NewService(pair.ServiceConfig{
		Store:      client,
		Database:   rt.db,
		Membership: gate,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	takeovers, err := takeover.NewService(takeover.ServiceConfig{
		Store:       client,
		Database:    rt.db,
		OverrideTTL: appConfig.OverrideTTL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	collab, err := gateway.New(gateway.Config{
		Authenticator: authenticator,
		Gate:          gate,
		Bus:           bus,
		Presence:      presenceStore,
		Engine:        engine,
		Awareness:     awareness,
		Pair:          pairs,
		Takeover:      takeovers,
		Features: gateway.Features{
			Collab:    appConfig.Features.Collab,
			Logs:      appConfig.Features.Logs,
			Pair:      appConfig.Features.Pair,
			Awareness: appConfig.Features.Awareness,
			Takeover:  appConfig.Features.Takeover,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(signalCtx); err != nil {
		return err
	}
	if err := collab.Start(signalCtx); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: authenticator,
		Gate:          gate,
		Gateway:       collab,
		Namespaces:    gateway.Namespaces(),
		Presence:      presenceStore,
		Pair:          pairs,
		StoreMode:     string(rt.store.Mode()),
		CORSOrigins:   appConfig.CORSOrigins,
		Readiness: []server.ReadinessCheck{
			{Name: "store", Check: rt.store.Ping},
			{Name: "database", Check: func(ctx context.Context) error {
				sqlDB, err := rt.db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}},
		},
		Logger: logger,
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
			zap.String("store_mode", string(rt.store.Mode())))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if serveErr != nil {
		result = multierror.Append(result, serveErr)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown http: %w", err))
	}
	if err := collab.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close gateway: %w", err))
	}
	takeovers.Close()
	if err := engine.Close(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("close engine: %w", err))
	}
	logger.Info("server stopped")
	return result.ErrorOrNil()
}

func newIssueTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		roles       []string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a bearer token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.AuthIssuer,
				Audience:      appConfig.AuthAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			issued, err := issuer.Issue(cmd.Context(), auth.TokenSubject{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
				Roles:       roles,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), issued.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "token id %s expires %s\n", issued.TokenID, issued.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id (required)")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Platform role, repeatable")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRevokeTokenCommand() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "revoke-token",
		Short: "Revoke a bearer token in the shared store",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			if rt.store.Mode() != kv.ModeShared {
				return fmt.Errorf("revoke-token requires redis.url; an embedded store is discarded on exit")
			}
			validator, err := rt.sessionValidator()
			if err != nil {
				return err
			}
			claims, err := validator.ValidateToken(token)
			if err != nil {
				return err
			}
			var expiresAt time.Time
			if claims.ExpiresAt != nil {
				expiresAt = claims.ExpiresAt.Time
			}
			revocations := auth.NewRevocationStore(rt.store.Client(), time.Now)
			if err := revocations.Revoke(cmd.Context(), claims.ID, expiresAt); err != nil {
				return err
			}
			rt.logger.Info("token revoked", zap.String("token_id", claims.ID), zap.String("user_id", claims.Subject))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Bearer token to revoke (required)")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newAddMemberCommand() *cobra.Command {
	var (
		workspaceID string
		userID      string
		role        string
	)
	cmd := &cobra.Command{
		Use:   "add-member",
		Short: "Grant a user a role in a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			gate, err := workspace.NewGate(workspace.GateConfig{Database: rt.db, Logger: rt.logger})
			if err != nil {
				return err
			}
			return gate.AddMember(cmd.Context(), workspaceID, userID, workspace.Normalize(role))
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "Workspace id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "User id (required)")
	cmd.Flags().StringVar(&role, "role", string(workspace.RoleEditor), "viewer, editor, admin or owner")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
