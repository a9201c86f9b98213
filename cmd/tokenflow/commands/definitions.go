package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tokenflow/tokenflow/pkg/model"
)

func newDeployCommand() *cobra.Command {
	var (
		dir   string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "deploy [file...]",
		Short: "Deploy process definitions",
		Long: `Deploy process definition files. Each deployment of a key creates the next
version of that definition; running instances keep the version they started with.

With --dir every *.yaml file below the directory is deployed. Adding --watch keeps
the command running and redeploys files as they change.`,
		Example: `  # Deploy one definition
  tokenflow deploy ./processes/order.yaml

  # Deploy a directory and keep redeploying on change
  tokenflow deploy --dir ./processes --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if dir == "" && len(args) == 0 {
				return fmt.Errorf("nothing to deploy: pass files or --dir")
			}
			if watch && dir == "" {
				return fmt.Errorf("--watch requires --dir")
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			loader, err := model.NewLoader()
			if err != nil {
				return err
			}

			for _, path := range args {
				def, err := loader.LoadFile(path)
				if err != nil {
					return err
				}
				graph, err := a.deploy(ctx, def)
				if err != nil {
					return fmt.Errorf("failed to deploy %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deployed %s\n", graph.DefinitionID())
			}

			if dir == "" {
				return nil
			}

			watcher := model.NewWatcher(log.Logger, loader, func(ctx context.Context, def *model.ProcessDefinition) error {
				graph, err := a.deploy(ctx, def)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deployed %s\n", graph.DefinitionID())
				return nil
			})
			n, err := watcher.DeployDirectory(ctx, dir)
			if err != nil {
				return err
			}
			log.Info().Str("dir", dir).Int("deployed", n).Msg("Deployed definitions directory")

			if !watch {
				return nil
			}
			if err := watcher.Watch(ctx, dir); err != nil {
				return err
			}
			defer watcher.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "deploy every definition in a directory")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "redeploy definitions in --dir when they change")

	return cmd
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate process definition files",
		Long: `Validate process definition files without deploying them.

This command checks:
  - YAML syntax and struct constraints
  - Conformance to the CUE definition schema
  - Graph semantics: unique ids, known flow endpoints, boundary attachments,
    existing scopes and one start event per scope`,
		Example: `  # Validate a definition
  tokenflow validate ./processes/order.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := model.NewLoader()
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range args {
				def, err := loader.LoadFile(path)
				if err == nil {
					_, err = model.NewGraph(def)
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d activities)\n", path, def.Key, len(def.Activities))
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
			}
			return nil
		},
	}

	return cmd
}

func newGraphCommand() *cobra.Command {
	var (
		version int
		dot     bool
	)

	cmd := &cobra.Command{
		Use:   "graph <key>",
		Short: "Show a deployed process definition",
		Long: `Show the activities of a deployed definition, or render it as a Graphviz
DOT document with --dot.`,
		Example: `  # List the activities of the latest version
  tokenflow graph order

  # Render version 2 as an image
  tokenflow graph order --version 2 --dot | dot -Tpng > order.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			graph, err := a.repo.Resolve(args[0], version)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case dot:
				fmt.Fprint(out, graph.ToDOT())
				return nil
			case jsonOutput:
				return printJSON(out, graph.Definition())
			}

			fmt.Fprintf(out, "%s\n\n", graph.DefinitionID())
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ACTIVITY\tTYPE\tSCOPE\tOUTGOING")
			for _, id := range graph.Activities() {
				node, err := graph.Describe(id)
				if err != nil {
					return err
				}
				var targets []string
				for _, f := range graph.Outgoing(id) {
					targets = append(targets, f.Target)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", node.ID, node.Type, node.Scope, strings.Join(targets, ","))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "definition version (default latest)")
	cmd.Flags().BoolVar(&dot, "dot", false, "render as Graphviz DOT")

	return cmd
}
