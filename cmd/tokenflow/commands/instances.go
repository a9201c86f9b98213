package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tokenflow/tokenflow/pkg/engine"
)

func newStartCommand() *cobra.Command {
	var (
		vars    []string
		version int
	)

	cmd := &cobra.Command{
		Use:   "start <key>",
		Short: "Start a process instance",
		Long: `Start a process instance of the latest (or given) version of a deployed
definition. Variables are name=value pairs; values that parse as JSON keep
their JSON type.`,
		Example: `  # Start an order process
  tokenflow start order --var customer=acme --var amount=120.5

  # Start a specific version
  tokenflow start order --version 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			var pi *engine.ProcessInstance
			if version > 0 {
				graph, err := a.repo.Version(args[0], version)
				if err != nil {
					return err
				}
				pi, err = a.engine.StartProcessInstanceByID(ctx, graph.DefinitionID(), variables)
				if err != nil {
					return err
				}
			} else {
				pi, err = a.engine.StartProcessInstance(ctx, args[0], variables)
				if err != nil {
					return err
				}
			}

			log.Info().
				Str("process_instance_id", pi.ID).
				Str("definition_id", pi.DefinitionID).
				Msg("Started process instance")

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), pi)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %v\n", pi.ID, pi.State, pi.ActiveActivityIDs)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "process variable as name=value (repeatable)")
	cmd.Flags().IntVar(&version, "version", 0, "definition version (default latest)")

	return cmd
}

func newCompleteCommand() *cobra.Command {
	var vars []string

	cmd := &cobra.Command{
		Use:   "complete <executionID>",
		Short: "Complete a waiting activity",
		Long: `Complete the task or catch event an execution is waiting in and advance
the process from there. Variables are set on the process instance first.`,
		Example: `  tokenflow complete 6b0e7c5e-... --var approved=true`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res, err := a.engine.Trigger(ctx, args[0], variables)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "process variable as name=value (repeatable)")

	return cmd
}

func newCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:     "cancel <instanceID>",
		Short:   "Cancel a process instance",
		Example: `  tokenflow cancel 6b0e7c5e-... --reason "duplicate order"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res, err := a.engine.CancelProcessInstance(ctx, args[0], reason)
			if err != nil {
				return err
			}
			a.audit(ctx, "instance.cancelled", args[0], map[string]string{"reason": reason})
			return printEvents(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "cancellation reason")

	return cmd
}

func newFireTimerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fire-timer <jobID>",
		Short: "Fire a timer job now",
		Long: `Fire a timer job regardless of its due date. Job ids are listed by the
tree command.`,
		Example: `  tokenflow fire-timer 0d6c41a3-...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res, err := a.engine.FireTimer(ctx, args[0])
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), res)
		},
	}

	return cmd
}

func newTreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree <instanceID>",
		Short: "Show the execution tree of a process instance",
		Long: `Show the execution tree of a process instance with its timer jobs.
Each line is one execution with its activity, id and flags (scope, active,
concurrent, multi-instance counters, join arrivals, called instance).`,
		Example: `  tokenflow tree 6b0e7c5e-...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			pi, err := a.engine.ProcessInstance(ctx, args[0])
			if err != nil {
				return err
			}
			tree, err := a.engine.Tree(ctx, args[0])
			if err != nil {
				return err
			}
			jobs, err := a.engine.Jobs(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]interface{}{
					"instance":   pi,
					"executions": tree.Executions(),
					"jobs":       jobs,
				})
			}

			fmt.Fprintf(out, "%s (%s) %s\n\n", pi.ID, pi.DefinitionID, pi.State)
			fmt.Fprint(out, tree.Dump())
			if len(jobs) > 0 {
				fmt.Fprintln(out)
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "JOB\tACTIVITY\tDUE")
				for _, job := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\n", job.ID, job.ActivityID, job.DueDate.Format(time.RFC3339))
				}
				return w.Flush()
			}
			return nil
		},
	}

	return cmd
}

func newHistoryCommand() *cobra.Command {
	var (
		eventType string
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "history <instanceID>",
		Short: "Show the event history of a process instance",
		Example: `  # All events
  tokenflow history 6b0e7c5e-...

  # Only cancellations
  tokenflow history 6b0e7c5e-... --type ACTIVITY_CANCELLED`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			var typ *engine.EventType
			if eventType != "" {
				t := engine.EventType(eventType)
				typ = &t
			}
			events, err := a.store.GetHistory(ctx, args[0], typ, limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, events)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSEQ\tTYPE\tACTIVITY\tEXECUTION")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					ev.Timestamp.Format(time.RFC3339), ev.Seq, ev.Type, ev.ActivityID, ev.ExecutionID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "only show events of this type")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")

	return cmd
}

func newInstancesCommand() *cobra.Command {
	var (
		state  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List process instances",
		Example: `  # Active instances
  tokenflow instances --state active`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var filter *engine.InstanceState
			if state != "" {
				s := engine.InstanceState(state)
				if err := s.Validate(); err != nil {
					return err
				}
				filter = &s
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			instances, err := a.store.ListInstances(ctx, filter, limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, instances)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDEFINITION\tSTATE\tSTARTED\tSUPER")
			for _, pi := range instances {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					pi.ID, pi.DefinitionID, pi.State, pi.StartedAt.Format(time.RFC3339), pi.SuperProcessInstanceID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "filter by state (active, completed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of instances")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of instances to skip")

	return cmd
}
