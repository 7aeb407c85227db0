package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/assets"
	"github.com/MarcoPoloResearchLab/profilevault/internal/auth"
	"github.com/MarcoPoloResearchLab/profilevault/internal/config"
	"github.com/MarcoPoloResearchLab/profilevault/internal/database"
	"github.com/MarcoPoloResearchLab/profilevault/internal/integrity"
	"github.com/MarcoPoloResearchLab/profilevault/internal/logging"
	"github.com/MarcoPoloResearchLab/profilevault/internal/profiles"
	"github.com/MarcoPoloResearchLab/profilevault/internal/server"
	"github.com/MarcoPoloResearchLab/profilevault/internal/txn"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	rootCmd := newRootCommand(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "profilevault",
		Short:         "Profile consistency service and maintenance jobs",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newAuditCommand(out), newAvatarsCommand(out))
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string (overrides env)")
	cmd.PersistentFlags().Duration("lock-timeout", defaults.GetDuration("database.lock_timeout"), "Bound on row lock waits")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to make credentialed cross-origin requests")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "database.lock_timeout", "lock-timeout")
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

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), appConfig)
		},
	}
}

func newAuditCommand(out io.Writer) *cobra.Command {
	var repair bool
	command := &cobra.Command{
		Use:   "audit",
		Short: "Report, and optionally repair, account/profile drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := integrity.ModeReport
			if repair {
				mode = integrity.ModeRepair
			}
			return withCore(func(c *core) error {
				report, err := c.auditor.RunIntegrityScan(cmd.Context(), mode)
				if err != nil {
					return err
				}
				return writeJSON(out, report)
			})
		},
	}
	command.Flags().BoolVar(&repair, "repair", false, "Apply create, reclaim and orphan repairs")
	return command
}

func newAvatarsCommand(out io.Writer) *cobra.Command {
	var modeFlag string
	command := &cobra.Command{
		Use:   "avatars",
		Short: "Reconcile avatar references against owned images",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := integrity.ParseAvatarMode(modeFlag)
			if err != nil {
				return err
			}
			return withCore(func(c *core) error {
				report, err := c.avatars.ReconcileAvatars(cmd.Context(), mode)
				if err != nil {
					return err
				}
				return writeJSON(out, report)
			})
		},
	}
	command.Flags().StringVar(&modeFlag, "mode", string(integrity.AvatarModeReport), "report, clear or restore")

	command.AddCommand(&cobra.Command{
		Use:   "set <account-id> <path>",
		Short: "Assign an owned image as the account's avatar",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := accounts.ParseAccountID(args[0])
			if err != nil {
				return err
			}
			return withCore(func(c *core) error {
				view, err := c.avatars.SetAvatar(cmd.Context(), accountID, args[1])
				if err != nil {
					return err
				}
				return writeJSON(out, view)
			})
		},
	})
	return command
}

type core struct {
	db        *gorm.DB
	directory *accounts.Directory
	store     *profiles.Store
	auditor   *integrity.Auditor
	avatars   *integrity.AvatarReconciler
}

// withCore opens the database, assembles the profile core and closes everything after fn.
func withCore(fn func(*core) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	c, err := buildCore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(c.db, logger)

	return fn(c)
}

func buildCore(appConfig config.AppConfig, logger *zap.Logger) (*core, error) {
	db, err := database.Open(database.Options{
		Driver:      appConfig.DatabaseDriver,
		Path:        appConfig.DatabasePath,
		DSN:         appConfig.DatabaseDSN,
		LockTimeout: appConfig.LockTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return assembleCore(db, appConfig.LockTimeout, profiles.NewUUIDProvider(), logger)
}

// assembleCore wires the components over db. db is closed when wiring fails.
func assembleCore(db *gorm.DB, lockTimeout time.Duration, idProvider profiles.IDProvider, logger *zap.Logger) (c *core, err error) {
	defer func() {
		if err != nil {
			closeDatabase(db, logger)
		}
	}()

	runner, err := txn.NewRunner(db, lockTimeout)
	if err != nil {
		return nil, err
	}
	lifecycle, err := profiles.NewLifecycle(profiles.LifecycleConfig{
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	directory, err := accounts.NewDirectory(accounts.DirectoryConfig{
		Runner: runner,
		Hook:   lifecycle,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	catalog, err := assets.NewCatalog(db)
	if err != nil {
		return nil, err
	}
	store, err := profiles.NewStore(profiles.StoreConfig{
		Runner:    runner,
		Lifecycle: lifecycle,
		Assets:    catalog,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	auditor, err := integrity.NewAuditor(integrity.AuditorConfig{
		Runner:    runner,
		Lifecycle: lifecycle,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	avatars, err := integrity.NewAvatarReconciler(integrity.AvatarReconcilerConfig{
		Runner: runner,
		Assets: catalog,
		Store:  store,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &core{
		db:        db,
		directory: directory,
		store:     store,
		auditor:   auditor,
		avatars:   avatars,
	}, nil
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Warn("failed to access database handle", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}
}

func runServer(ctx context.Context, appConfig config.AppConfig) error {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	c, err := buildCore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(c.db, logger)

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator:  sessionValidator,
		ProfileStore:      c.store,
		Directory:         c.directory,
		Auditor:           c.auditor,
		Avatars:           c.avatars,
		Logger:            logger,
		Clock:             time.Now,
		FingerprintWindow: appConfig.FingerprintWindow,
		AllowedOrigins:    appConfig.AllowedOrigins,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
