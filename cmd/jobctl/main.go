package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/app"
	"github.com/SirClappington/jobcore/internal/config"
	"github.com/SirClappington/jobcore/internal/control"
	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/logging"
	"github.com/SirClappington/jobcore/internal/storage"
)

type migrateEnv struct {
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Operate the job core: migrations, ticks and control flags",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), tickCmd(), statusCmd(), pauseCmd(true), pauseCmd(false), killCmd(), globalCmd(), poolCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Run database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var e migrateEnv
			if err := env.Parse(&e); err != nil {
				return err
			}
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			db, err := storage.OpenSQL(e.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()
			return storage.Migrate(db, e.MigrationsDir, command)
		},
	}
}

// withApp builds the app from the environment for the duration of fn.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick <reaper|dlq|watchdog|metrics>",
		Short: "Run one periodic tick now and print its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				ticks := a.Ticks()
				tick, ok := ticks[args[0]]
				if !ok {
					names := make([]string, 0, len(ticks))
					for n := range ticks {
						names = append(names, n)
					}
					sort.Strings(names)
					return errors.Errorf("unknown tick %q (have %v)", args[0], names)
				}
				sum, err := tick(cmd.Context())
				if perr := printJSON(cmd.OutOrStdout(), sum); perr != nil {
					return perr
				}
				if err != nil {
					a.Log.Warn("tick finished with errors", zap.String("tick", args[0]), zap.Error(err))
				}
				return err
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current control flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				f, err := a.Control.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f)
			})
		},
	}
}

func pauseCmd(paused bool) *cobra.Command {
	use, short := "resume <scope_type> <scope_key>", "Lift a scoped pause"
	if paused {
		use, short = "pause <scope_type> <scope_key>", "Pause a pool, tenant, topic or region"
	}
	var reason, by string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				f, err := a.Control.SetScope(cmd.Context(), control.ScopeRequest{
					ScopeType:   args[0],
					ScopeKey:    args[1],
					Paused:      paused,
					Reason:      reason,
					RequestedBy: by,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the scope is changed")
	cmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "operator name recorded in the audit log")
	return cmd
}

func killCmd() *cobra.Command {
	var reason, by string
	cmd := &cobra.Command{
		Use:   "kill <global|pool|tenant|topic|region> [key]",
		Short: "Emergency stop at the given level",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := control.KillRequest{Level: args[0], Reason: reason, RequestedBy: by}
			if len(args) == 2 {
				req.Key = args[1]
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				f, err := a.Control.Kill(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the stop is issued")
	cmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "operator name recorded in the audit log")
	return cmd
}

func globalCmd() *cobra.Command {
	var (
		reason, by string
		vals       = map[string]*bool{}
		names      = []string{"global-pause", "write-freeze", "external-calls", "burst-override"}
	)
	cmd := &cobra.Command{
		Use:   "global",
		Short: "Set global control flags; only the flags given are changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var u domain.GlobalUpdate
			set := map[string]**bool{
				"global-pause":   &u.GlobalPause,
				"write-freeze":   &u.WriteFreeze,
				"external-calls": &u.ExternalCallsEnabled,
				"burst-override": &u.BurstOverride,
			}
			for _, n := range names {
				if cmd.Flags().Changed(n) {
					*set[n] = vals[n]
				}
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				f, err := a.Control.UpdateGlobal(cmd.Context(), control.GlobalRequest{GlobalUpdate: u, Reason: reason, RequestedBy: by})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f)
			})
		},
	}
	for _, n := range names {
		vals[n] = cmd.Flags().Bool(n, false, "set "+n)
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the flags are changed")
	cmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "operator name recorded in the audit log")
	return cmd
}

func poolCmd() *cobra.Command {
	pools := &cobra.Command{Use: "pool", Short: "Worker pool commands"}
	pools.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List worker pools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				ps, err := a.Governor.Pools(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ps)
			})
		},
	}, &cobra.Command{
		Use:   "set <pool> <max_concurrency>",
		Short: "Set a pool's max concurrency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.Atoi(args[1])
			if err != nil {
				return errors.Wrap(err, "max_concurrency")
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				p, err := a.Governor.SetConcurrency(cmd.Context(), args[0], value)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	})
	var p domain.WorkerPool
	upsert := &cobra.Command{
		Use:   "upsert <pool>",
		Short: "Create or reconfigure a pool, keeping its live concurrency count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Pool = args[0]
			if p.MinConcurrency < 0 || p.MaxConcurrency < p.MinConcurrency {
				return &domain.ValidationError{Field: "max", Reason: "must be >= min >= 0"}
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Store.UpsertPool(cmd.Context(), p); err != nil {
					return err
				}
				got, err := a.Store.GetPool(cmd.Context(), p.Pool)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), got)
			})
		},
	}
	upsert.Flags().IntVar(&p.MinConcurrency, "min", 1, "minimum concurrency")
	upsert.Flags().IntVar(&p.MaxConcurrency, "max", 10, "maximum concurrency")
	upsert.Flags().IntVar(&p.BurstConcurrency, "burst", 0, "concurrency allowed while burst_override is on")
	upsert.Flags().StringVar(&p.TopicGlob, "topics", "", "topic glob routed to this pool, e.g. 'email.*'")
	pools.AddCommand(upsert)
	return pools
}
