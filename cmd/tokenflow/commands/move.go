package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tokenflow/tokenflow/pkg/engine"
	"github.com/tokenflow/tokenflow/pkg/model"
	"github.com/tokenflow/tokenflow/pkg/policy"
)

// moveFlags describes one move instruction plus variables, shared by move and move-all.
type moveFlags struct {
	from          []string
	to            []string
	executions    []string
	toParent      bool
	callActivity  string
	calledVersion int
	vars          []string
	localVars     []string
}

func (f *moveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.from, "from", nil, "source activity ids")
	cmd.Flags().StringSliceVar(&f.to, "to", nil, "target activity ids")
	cmd.Flags().StringSliceVar(&f.executions, "execution", nil, "source execution ids instead of --from")
	cmd.Flags().BoolVar(&f.toParent, "to-parent", false, "move out of a called process into the calling instance")
	cmd.Flags().StringVar(&f.callActivity, "into-call-activity", "", "move into a new called process started by this call activity")
	cmd.Flags().IntVar(&f.calledVersion, "called-version", 0, "definition version of the called process (default latest)")
	cmd.Flags().StringArrayVar(&f.vars, "var", nil, "process variable as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&f.localVars, "local-var", nil, "target local variable as activity:name=value (repeatable)")
}

// build turns the flags into a change-state request for one process instance.
func (f *moveFlags) build(processInstanceID string) (engine.ChangeStateRequest, error) {
	b := engine.NewChangeStateBuilder(processInstanceID)

	switch {
	case len(f.to) == 0:
		return engine.ChangeStateRequest{}, fmt.Errorf("--to is required")
	case len(f.executions) > 0 && len(f.from) > 0:
		return engine.ChangeStateRequest{}, fmt.Errorf("--from and --execution are mutually exclusive")
	case f.toParent:
		if len(f.from) != 1 || len(f.to) != 1 {
			return engine.ChangeStateRequest{}, fmt.Errorf("--to-parent moves exactly one activity")
		}
		b.MoveActivityIDToParentActivityID(f.from[0], f.to[0])
	case f.callActivity != "":
		if len(f.from) != 1 || len(f.to) != 1 {
			return engine.ChangeStateRequest{}, fmt.Errorf("--into-call-activity moves exactly one activity")
		}
		b.MoveActivityIDToSubProcessInstanceActivityID(f.from[0], f.to[0], f.callActivity, f.calledVersion)
	case len(f.executions) == 1 && len(f.to) == 1:
		b.MoveExecutionToActivityID(f.executions[0], f.to[0])
	case len(f.executions) > 1 && len(f.to) == 1:
		b.MoveExecutionsToSingleActivityID(f.executions, f.to[0])
	case len(f.executions) == 1:
		b.MoveSingleExecutionToActivityIDs(f.executions[0], f.to)
	case len(f.executions) > 1:
		return engine.ChangeStateRequest{}, fmt.Errorf("many executions can only move to a single activity")
	case len(f.from) == 1 && len(f.to) == 1:
		b.MoveActivityIDTo(f.from[0], f.to[0])
	case len(f.from) > 1 && len(f.to) == 1:
		b.MoveActivityIDsToSingleActivityID(f.from, f.to[0])
	case len(f.from) == 1:
		b.MoveSingleActivityIDToActivityIDs(f.from[0], f.to)
	default:
		return engine.ChangeStateRequest{}, fmt.Errorf("either --from or --to must name a single activity")
	}

	vars, err := parseVars(f.vars)
	if err != nil {
		return engine.ChangeStateRequest{}, err
	}
	for name, value := range vars {
		b.ProcessVariable(name, value)
	}

	for _, lv := range f.localVars {
		activityID, pair, ok := strings.Cut(lv, ":")
		if !ok || activityID == "" {
			return engine.ChangeStateRequest{}, fmt.Errorf("invalid local variable %q, expected activity:name=value", lv)
		}
		vars, err := parseVars([]string{pair})
		if err != nil {
			return engine.ChangeStateRequest{}, err
		}
		for name, value := range vars {
			b.LocalVariable(activityID, name, value)
		}
	}

	return b.Build(), nil
}

// reportDenial publishes a policy denial to event subscribers.
func (a *app) reportDenial(processInstanceID string, err error) {
	if !errors.Is(err, engine.ErrPolicyDenied) {
		return
	}
	if perr := a.tel.Events.PublishPolicyDenied(processInstanceID, err.Error()); perr != nil {
		log.Warn().Err(perr).Msg("Failed to publish policy denial")
	}
}

func newMoveCommand() *cobra.Command {
	var f moveFlags

	cmd := &cobra.Command{
		Use:   "move <instanceID>",
		Short: "Move the tokens of a running process instance",
		Long: `Move tokens of a running process instance from their current activities to
other activities. The request is validated as a whole, checked against the
configured policies and applied atomically.

Shapes:
  --from a --to b            one activity to another
  --from a,b --to c          several activities merged into one
  --from a --to b,c          one activity split into several
  --execution e --to b       specific executions instead of activities
  --to-parent                leave a called process into its caller
  --into-call-activity c     enter a new called process started by c`,
		Example: `  # Skip the review
  tokenflow move 6b0e7c5e-... --from review --to approve

  # Merge two parallel branches into the join successor
  tokenflow move 6b0e7c5e-... --from pack,invoice --to ship --var expedite=true

  # Move into the called billing process
  tokenflow move 6b0e7c5e-... --from charge --to capture --into-call-activity billing`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := policy.WithUser(cmd.Context(), actor)
			req, err := f.build(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res, err := a.engine.ChangeState(ctx, req)
			if err != nil {
				a.reportDenial(args[0], err)
				var denial *policy.DenialError
				if errors.As(err, &denial) {
					for _, v := range denial.Violations {
						fmt.Fprintf(cmd.ErrOrStderr(), "denied by %s: %s\n", v.Policy, v.Message)
					}
				}
				return err
			}

			a.audit(ctx, "instance.moved", args[0], req)
			return printEvents(cmd.OutOrStdout(), res)
		},
	}

	f.register(cmd)

	return cmd
}

func newMoveAllCommand() *cobra.Command {
	var (
		f       moveFlags
		version int
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "move-all <key>",
		Short: "Apply the same move to every active instance of a definition",
		Long: `Apply one move to every active process instance of a definition key (or one
version of it). Instances are migrated in parallel, bounded by
engine.batchParallelism; each instance succeeds or fails on its own.`,
		Example: `  # Send every waiting order of version 3 back to review
  tokenflow move-all order --version 3 --from approve --to review`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := policy.WithUser(cmd.Context(), actor)
			if _, err := f.build("probe"); err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			active := engine.InstanceStateActive
			instances, err := a.store.ListInstances(ctx, &active, limit, 0)
			if err != nil {
				return err
			}

			var reqs []engine.ChangeStateRequest
			for _, pi := range instances {
				if !matchesDefinition(pi.DefinitionID, args[0], version) {
					continue
				}
				req, err := f.build(pi.ID)
				if err != nil {
					return err
				}
				reqs = append(reqs, req)
			}
			if len(reqs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching active instances")
				return nil
			}

			results, err := a.engine.BatchChangeState(ctx, reqs, a.cfg.Engine.BatchParallelism)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tRESULT")
			failed := 0
			for _, r := range results {
				id := reqs[r.Index].ProcessInstanceID
				if r.Err != nil {
					failed++
					a.reportDenial(id, r.Err)
					fmt.Fprintf(w, "%s\t%v\n", id, r.Err)
					continue
				}
				a.audit(ctx, "instance.moved", id, reqs[r.Index])
				fmt.Fprintf(w, "%s\tmoved (%d events)\n", id, len(r.Result.Events))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d instances could not be moved", failed, len(reqs))
			}
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().IntVar(&version, "version", 0, "only instances of this definition version")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of instances considered")

	return cmd
}

// matchesDefinition reports whether definitionID belongs to key and, when
// version is set, to that version.
func matchesDefinition(definitionID, key string, version int) bool {
	if version > 0 {
		return definitionID == model.DefinitionID(key, version)
	}
	return strings.HasPrefix(definitionID, key+":")
}
