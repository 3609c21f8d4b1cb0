package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/smart-tier/internal/server"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// ============================================================================
// rule
// ============================================================================

func buildRuleCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage rules",
	}

	var dryRun bool
	submit := &cobra.Command{
		Use:   "submit TEXT",
		Short: "Submit a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := types.RuleActive
			if dryRun {
				state = types.RuleDryRun
			}
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				id, err := c.SubmitRule(ctx, args[0], state)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout(cmd), "Rule %d submitted (%s)\n", id, state)
				return nil
			})
		},
	}
	submit.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate the rule without generating commands")

	check := &cobra.Command{
		Use:   "check TEXT",
		Short: "Validate rule text without submitting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if err := c.CheckRule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(stdout(cmd), "Rule OK")
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				rules, err := c.ListRules(ctx)
				if err != nil {
					return err
				}
				printRules(cmd, rules)
				return nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show one rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				r, err := c.GetRule(ctx, types.RuleID(id))
				if err != nil {
					return err
				}
				w := stdout(cmd)
				fmt.Fprintf(w, "Rule %d\n", r.ID)
				fmt.Fprintf(w, "  ├─ State:       %s\n", r.State)
				fmt.Fprintf(w, "  ├─ Submitted:   %s\n", formatMillis(r.SubmitTime))
				fmt.Fprintf(w, "  ├─ Last Check:  %s\n", formatMillis(r.LastCheckTime))
				fmt.Fprintf(w, "  ├─ Checks:      %d\n", r.NumChecked)
				fmt.Fprintf(w, "  ├─ Commands:    %d\n", r.NumCmdsGen)
				fmt.Fprintf(w, "  └─ Text:        %s\n", r.Text)
				return nil
			})
		},
	}

	cmd.AddCommand(submit, check, list, show,
		ruleStateCommand(o, "disable", "Stop scheduling a rule", true,
			func(ctx context.Context, c *server.Client, id types.RuleID, drop bool) error {
				return c.DisableRule(ctx, id, drop)
			}),
		ruleStateCommand(o, "activate", "Activate a DRYRUN or DISABLED rule", false,
			func(ctx context.Context, c *server.Client, id types.RuleID, _ bool) error {
				return c.ActivateRule(ctx, id)
			}),
		ruleStateCommand(o, "delete", "Delete a rule", true,
			func(ctx context.Context, c *server.Client, id types.RuleID, drop bool) error {
				return c.DeleteRule(ctx, id, drop)
			}),
	)
	return cmd
}

// ruleStateCommand builds disable/activate/delete, which differ only in the
// call and whether --drop-pending applies.
func ruleStateCommand(o *options, name, short string, withDrop bool,
	call func(ctx context.Context, c *server.Client, id types.RuleID, drop bool) error) *cobra.Command {
	var drop bool
	cmd := &cobra.Command{
		Use:   name + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				if err := call(ctx, c, types.RuleID(id), drop); err != nil {
					return err
				}
				fmt.Fprintf(stdout(cmd), "Rule %d: %s done\n", id, name)
				return nil
			})
		},
	}
	if withDrop {
		cmd.Flags().BoolVar(&drop, "drop-pending", false, "delete the rule's commands that have not started")
	}
	return cmd
}

func printRules(cmd *cobra.Command, rules []types.RuleInfo) {
	w := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tCHECKS\tCOMMANDS\tLAST CHECK\tTEXT")
	for _, r := range rules {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.State, r.NumChecked, r.NumCmdsGen, formatMillis(r.LastCheckTime), r.Text)
	}
	w.Flush()
}

// ============================================================================
// command
// ============================================================================

func buildCommandCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Inspect generated commands",
	}

	var ruleID int64
	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List commands, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.CommandFilter{RuleID: types.RuleID(ruleID), State: types.CommandState(strings.ToUpper(state))}
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				cmds, err := c.ListCommands(ctx, f)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tRULE\tACTION\tSTATE\tGENERATED\tPARAMETERS")
				for _, x := range cmds {
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
						x.ID, x.RuleID, x.ActionType, x.State, formatMillis(x.GenerateTime), x.Parameters)
				}
				w.Flush()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&ruleID, "rule", 0, "only commands of this rule")
	list.Flags().StringVar(&state, "state", "", "only commands in this state (PENDING, RUNNING, DONE, FAILED)")

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show one command with its result and log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				x, err := c.GetCommand(ctx, types.CommandID(id))
				if err != nil {
					return err
				}
				w := stdout(cmd)
				fmt.Fprintf(w, "Command %d (rule %d)\n", x.ID, x.RuleID)
				fmt.Fprintf(w, "  ├─ Action:      %s\n", x.ActionType)
				fmt.Fprintf(w, "  ├─ Parameters:  %s\n", x.Parameters)
				fmt.Fprintf(w, "  ├─ State:       %s\n", x.State)
				fmt.Fprintf(w, "  ├─ Generated:   %s\n", formatMillis(x.GenerateTime))
				fmt.Fprintf(w, "  ├─ Changed:     %s\n", formatMillis(x.StateChangedTime))
				fmt.Fprintf(w, "  └─ Result:      %s\n", x.Result)
				if x.Log != "" {
					fmt.Fprintln(w, "Log:")
					fmt.Fprintln(w, x.Log)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

// ============================================================================
// table / mover / status
// ============================================================================

func buildTableCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Inspect access count tables",
	}
	var last time.Duration
	list := &cobra.Command{
		Use:   "list",
		Short: "List access count tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var start int64
			if last > 0 {
				start = time.Now().Add(-last).UnixMilli()
			}
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				tables, err := c.ListTables(ctx, start, 0)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTART\tEND\tSPAN")
				for _, t := range tables {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, formatMillis(t.StartTime), formatMillis(t.EndTime),
						time.Duration(t.Duration())*time.Millisecond)
				}
				w.Flush()
				return nil
			})
		},
	}
	list.Flags().DurationVar(&last, "last", 0, "only tables overlapping this recent interval")
	cmd.AddCommand(list)
	return cmd
}

func buildMoverCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mover",
		Short: "Inspect mover tasks",
	}
	status := &cobra.Command{
		Use:   "status [ID]",
		Short: "Show mover task progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				snaps, err := c.MoverStatus(ctx, id)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPATH\tSTATE\tPROGRESS\tBLOCKS\tRUNNING TIME")
				for _, s := range snaps {
					state := "running"
					switch {
					case s.Finished && s.Succeeded:
						state = "succeeded"
					case s.Finished:
						state = "failed"
					case !s.Running:
						state = "queued"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%d/%d\t%s\n", s.ID, s.Path, state,
						s.Percentage*100, s.MovedBlocks, s.TotalBlocks, s.RunningTime.Round(time.Millisecond))
				}
				w.Flush()
				return nil
			})
		},
	}
	cmd.AddCommand(status)
	return cmd
}

func buildStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display rule, command and namespace statistics of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				w := stdout(cmd)
				fmt.Fprintln(w, "smart-tier status")
				fmt.Fprintf(w, "  ├─ Started:        %s (up %s)\n", st.StartTime.Format(time.RFC3339), st.Uptime.Round(time.Second))
				fmt.Fprintf(w, "  ├─ Files:          %d\n", st.Files)
				fmt.Fprintf(w, "  ├─ Access Tables:  %d\n", st.AccessTables)
				fmt.Fprintf(w, "  ├─ Rules:          %s\n", formatCounts(st.Rules))
				fmt.Fprintf(w, "  ├─ Commands:       %s\n", formatCounts(st.Commands))
				fmt.Fprintf(w, "  ├─ Executing:      %d\n", st.ExecutorRunning)
				fmt.Fprintf(w, "  ├─ Movers Running: %d\n", st.MoversRunning)
				fmt.Fprintf(w, "  └─ Recovered:      %d\n", st.RecoveredCommands)
				return nil
			})
		},
	}
}

// ============================================================================
// formatting
// ============================================================================

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

// formatCounts prints non-zero counts sorted by state name.
func formatCounts[K ~string](counts map[K]int) string {
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		if counts[k] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}
