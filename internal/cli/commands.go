package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chronobot/internal/domain"
	"chronobot/internal/storage"
)

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, usagef("invalid id %q", raw)
	}
	return id, nil
}

func newListCmd(e *env) *cobra.Command {
	var (
		statuses []string
		all      bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions (pending ones unless --all or --status)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := storage.Filter{Limit: limit}
			for _, raw := range statuses {
				st, err := domain.ParseStatus(raw)
				if err != nil {
					return usagef("%v", err)
				}
				f.Statuses = append(f.Statuses, st)
			}
			if len(f.Statuses) == 0 && !all {
				f.Statuses = []domain.Status{domain.StatusScheduled, domain.StatusActive}
			}

			svc, _, done, err := e.session(cmd)
			if err != nil {
				return err
			}
			defer done()
			list, err := svc.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			e.printer(cmd).table(list)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "filter by status (scheduled, active, completed, expired)")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include completed and expired actions")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum rows (0 = no limit)")
	return cmd
}

func newShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one action in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, _, done, err := e.session(cmd)
			if err != nil {
				return err
			}
			defer done()
			a, err := svc.Get(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("action %d: %w", id, err)
			}
			e.printer(cmd).detail(a)
			return nil
		},
	}
}

func newAddCmd(e *env) *cobra.Command {
	var (
		command, at, mode, retryUntil, until, every string
		kv                                          map[string]string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a new action",
		Long: "Schedule a new action.\n\nTimes accept RFC 3339, \"2006-01-02 15:04\", \"15:04\" (next occurrence)\n" +
			"or an offset from now such as \"+10m\".",
		Example: "  chronoctl add --command \"drink water\" --at +1h --every 2h\n" +
			"  chronoctl add --command \"close the door\" --at 21:00 --mode condition --retry-until 21:30",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := e.opts.Clock.Now()
			spec := domain.Spec{Command: command}

			var err error
			if spec.TriggerAt, err = parseWhen(at, now); err != nil {
				return usagef("--at: %v", err)
			}
			if spec.Mode, err = domain.ParseMode(mode); err != nil {
				return usagef("--mode: %v", err)
			}
			if retryUntil != "" {
				t, err := parseWhen(retryUntil, now)
				if err != nil {
					return usagef("--retry-until: %v", err)
				}
				spec.RetryUntil = &t
			}
			if every != "" {
				d, err := time.ParseDuration(every)
				if err != nil {
					return usagef("--every: %v", err)
				}
				spec.Recurrence = &domain.RecurrenceSpec{Interval: d}
				if until != "" {
					t, err := parseWhen(until, now)
					if err != nil {
						return usagef("--until: %v", err)
					}
					spec.Recurrence.Until = &t
				}
			} else if until != "" {
				return usagef("--until needs --every")
			}
			if len(kv) > 0 {
				spec.Context = make(domain.Payload, len(kv))
				for k, v := range kv {
					spec.Context[k] = v
				}
			}

			svc, _, done, err := e.session(cmd)
			if err != nil {
				return err
			}
			defer done()
			id, err := svc.CreateScheduledAction(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled action %d for %s\n", id, spec.TriggerAt.Format(time.RFC3339))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&command, "command", "", "what to do, in natural language")
	f.StringVar(&at, "at", "", "trigger time")
	f.StringVar(&mode, "mode", "one_shot", "completion mode: one_shot, ack, condition")
	f.StringVar(&retryUntil, "retry-until", "", "stop retrying after this time")
	f.StringVar(&every, "every", "", "repeat interval, whole seconds (e.g. 1h, 90s)")
	f.StringVar(&until, "until", "", "last time a repetition may trigger")
	f.StringToStringVar(&kv, "context", nil, "context key=value pairs passed to the provider")
	_ = cmd.MarkFlagRequired("command")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newDeleteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id> [id...]",
		Short: "Delete actions",
		Long:  "Delete actions by id. An attempt already running finishes but its result is discarded.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, done, err := e.session(cmd)
			if err != nil {
				return err
			}
			defer done()
			for _, raw := range args {
				id, err := parseID(raw)
				if err != nil {
					return err
				}
				if err := svc.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("action %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted action %d\n", id)
			}
			return nil
		},
	}
}

func newChildrenCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "children <parent-id>",
		Short: "List the occurrences spawned from a recurring action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, _, done, err := e.session(cmd)
			if err != nil {
				return err
			}
			defer done()
			if _, err := svc.Get(cmd.Context(), id); err != nil {
				return fmt.Errorf("action %d: %w", id, err)
			}
			list, err := svc.ListByParent(cmd.Context(), id)
			if err != nil {
				return err
			}
			e.printer(cmd).table(list)
			return nil
		},
	}
}

func newHistoryCmd(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the recorded lifecycle events of an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, _, done, err := e.session(cmd)
			if err != nil {
				return err
			}
			defer done()
			events, err := svc.History(cmd.Context(), id, limit)
			if err != nil {
				return fmt.Errorf("action %d: %w", id, err)
			}
			e.printer(cmd).events(events)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum events")
	return cmd
}

func newPruneCmd(e *env) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete completed and expired actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return usagef("--older-than must be >= 0")
			}
			_, st, done, err := e.session(cmd)
			if err != nil {
				return err
			}
			defer done()
			n, err := st.PruneTerminal(cmd.Context(), e.opts.Clock.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d actions\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "only prune actions finished longer ago than this")
	return cmd
}
