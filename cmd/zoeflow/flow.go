package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/flow"
)

func newFlowCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Run and list flow graphs",
	}
	cmd.AddCommand(newFlowRunCmd(flags), newFlowListCmd(flags))
	return cmd
}

func newFlowRunCmd(flags *rootFlags) *cobra.Command {
	var file, message, varsJSON, startEdge string
	var stream bool

	cmd := &cobra.Command{
		Use:   "run [name]",
		Short: "Execute a flow by bundled name or from a JSON file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			graph, err := loadGraph(app, args, file)
			if err != nil {
				return err
			}

			var vars map[string]any
			if varsJSON != "" {
				if err := json.Unmarshal([]byte(varsJSON), &vars); err != nil {
					return errs.Wrap(errs.KindValidation, "parse --vars", err)
				}
			}

			var hooks flow.Hooks
			if stream {
				hooks.OnToken = func(delta string) { fmt.Fprint(os.Stderr, delta) }
				hooks.OnNodeFinish = func(flow.Step) { fmt.Fprintln(os.Stderr) }
			}

			run, runErr := app.engine.Run(cmd.Context(), flow.RunInput{
				Graph:       graph,
				UserMessage: message,
				InitialVars: vars,
				StartEdgeID: startEdge,
				Hooks:       hooks,
			})
			if run != nil {
				if err := printJSON(cmd.OutOrStdout(), run); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Load the graph from a JSON file instead of the registry")
	cmd.Flags().StringVarP(&message, "message", "m", "", "User message driving the run")
	cmd.Flags().StringVar(&varsJSON, "vars", "", "Initial variables as a JSON object")
	cmd.Flags().StringVar(&startEdge, "start-edge", "", "Start edge id when the start node fans out")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print assistant tokens to stderr as they arrive")
	return cmd
}

func newFlowListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the bundled flow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			registry, err := app.flows()
			if err != nil {
				return err
			}
			defer registry.Close()
			return printJSON(cmd.OutOrStdout(), registry.List())
		},
	}
}

// loadGraph resolves the graph to execute, from a file or the bundled
// registry.
func loadGraph(app *app, args []string, file string) (*flow.Graph, error) {
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		return flow.ParseGraph(raw)
	}
	if len(args) == 0 {
		return nil, errs.New(errs.KindValidation, "a flow name or --file is required")
	}
	registry, err := app.flows()
	if err != nil {
		return nil, err
	}
	defer registry.Close()
	return registry.Get(args[0])
}
