// Package cli implements chronoctl, the administrative command line for the
// action store.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chronobot/internal/actions"
	"chronobot/internal/clock"
	"chronobot/internal/config"
	"chronobot/internal/domain"
	"chronobot/internal/storage"
	logx "chronobot/pkg/logx"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitError      = 1
	ExitValidation = 2
	ExitNotFound   = 3
)

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case domain.IsValidation(err), errors.As(err, new(*usageError)):
		return ExitValidation
	case errors.Is(err, domain.ErrNotFound):
		return ExitNotFound
	default:
		return ExitError
	}
}

// usageError marks bad flags or arguments.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error { return &usageError{msg: fmt.Sprintf(format, args...)} }

// Opener opens the store the commands operate on.
type Opener func(ctx context.Context, configPath, dbPath string) (storage.Store, error)

// Options customise the root command; zero values use the real store and clock.
type Options struct {
	Open  Opener
	Clock clock.Clock
	// Color forces colour on or off; nil detects a terminal.
	Color *bool
}

type env struct {
	opts       Options
	configPath string
	dbPath     string
}

func NewRootCmd(opts Options) *cobra.Command {
	if opts.Open == nil {
		opts.Open = OpenStore
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	e := &env{opts: opts}

	cmd := &cobra.Command{
		Use:           "chronoctl",
		Short:         "Inspect and manage scheduled actions",
		Long:          "chronoctl reads and edits the chronobot action store.\nThe running daemon picks up added actions on its next pass.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&e.configPath, "config", "c", os.Getenv("CHRONOBOT_CONFIG"), "daemon config file (used to locate the store)")
	cmd.PersistentFlags().StringVar(&e.dbPath, "db", "", "store path; overrides the config")

	cmd.AddCommand(
		newListCmd(e),
		newShowCmd(e),
		newAddCmd(e),
		newDeleteCmd(e),
		newChildrenCmd(e),
		newHistoryCmd(e),
		newPruneCmd(e),
	)
	return cmd
}

// session opens the store for one command invocation.
func (e *env) session(cmd *cobra.Command) (*actions.Service, storage.Store, func(), error) {
	st, err := e.opts.Open(cmd.Context(), e.configPath, e.dbPath)
	if err != nil {
		return nil, nil, nil, err
	}
	svc := actions.New(st, nil, nil, e.opts.Clock, logx.Nop())
	return svc, st, func() { _ = st.Close() }, nil
}

func (e *env) printer(cmd *cobra.Command) *printer {
	return newPrinter(cmd.OutOrStdout(), e.opts.Color, e.opts.Clock.Now())
}

// OpenStore opens the SQLite store named by dbPath, or by the storage
// section of the config at configPath.
func OpenStore(_ context.Context, configPath, dbPath string) (storage.Store, error) {
	sc := storage.Config{Driver: "sqlite", Path: dbPath, BusyTimeout: 5 * time.Second}
	if dbPath == "" && configPath != "" {
		cfg, err := config.NewManager(configPath, logx.Nop()).Parse()
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		sc.Driver, sc.Path = cfg.Storage.Driver, cfg.Storage.Path
		if sc.BusyTimeout, err = config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, sc.BusyTimeout); err != nil {
			return nil, err
		}
	}
	if sc.Path == "" {
		sc.Path = "./chronobot.db"
	}
	return storage.Open(sc, logx.Nop())
}
