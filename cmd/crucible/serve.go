package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/crucible/internal/collab"
	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/language"
	"github.com/michaelbrown/crucible/internal/logger"
	"github.com/michaelbrown/crucible/internal/sandbox"
	"github.com/michaelbrown/crucible/internal/server"
	"github.com/michaelbrown/crucible/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the crucible server",
	Long: `Start the crucible HTTP server with the execution API and the
collaboration websocket endpoint.

Examples:
  crucible serve
  crucible serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	langs, err := language.Load(cfg.Languages.File)
	if err != nil {
		return fmt.Errorf("loading language adapters: %w", err)
	}
	log.Info("language adapters loaded", zap.Strings("languages", langs.IDs()))

	hub := collab.NewRegistry(log, store, rolesFromConfig(log, cfg), collab.RegistryOptions{
		QueueSize:        cfg.Collab.QueueSize,
		MaxTerminalBytes: cfg.Collab.MaxTerminalKB * 1024,
	})

	runner := sandbox.NewRunner(log, sandbox.Options{
		MaxOutputBytes:   int64(cfg.Sandbox.MaxOutputKB) * 1024,
		KillGrace:        cfg.KillGrace(),
		NonZeroExitFails: cfg.Sandbox.NonZeroExit == "failed",
	})

	coord := executor.New(log, langs, runner, store, server.ExecutionBroadcaster{Hub: hub}, executor.Options{
		MaxPerProject: cfg.Executor.MaxPerProject,
		MaxPerUser:    cfg.Executor.MaxPerUser,
		MaxTimeoutSec: cfg.Executor.MaxTimeoutSec,
	})

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, log, store, langs, coord, hub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// rolesFromConfig builds the static role resolver. Unknown role strings
// are skipped with a warning rather than refusing to start.
func rolesFromConfig(log *zap.Logger, cfg *config.Config) collab.StaticRoles {
	def, err := collab.ParseRole(cfg.Roles.Default)
	if err != nil {
		log.Warn("invalid default role, using read", zap.String("role", cfg.Roles.Default))
		def = collab.RoleRead
	}

	projects := make(map[string]map[string]collab.Role, len(cfg.Roles.Projects))
	for projectID, users := range cfg.Roles.Projects {
		m := make(map[string]collab.Role, len(users))
		for userID, roleStr := range users {
			role, err := collab.ParseRole(roleStr)
			if err != nil {
				log.Warn("invalid role in config, skipping",
					zap.String("project_id", projectID),
					zap.String("user_id", userID),
					zap.String("role", roleStr))
				continue
			}
			m[userID] = role
		}
		projects[projectID] = m
	}

	return collab.StaticRoles{Default: def, Projects: projects}
}
