package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
	"github.com/ZanzyTHEbar/orion-gepa/orion/session"
)

var showGraph bool

var toolsCmd = &cobra.Command{
	Use:     "tools",
	Aliases: []string{"tool"},
	Short:   "Inspect learned tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned tools",
	Args:  cobra.NoArgs,
	RunE:  runToolsList,
}

var toolsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a learned tool definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsShow,
}

var toolsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a learned tool",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsDelete,
}

func init() {
	toolsShowCmd.Flags().BoolVar(&showGraph, "graph", false, "Print the cached-mode decision graph instead of the definition")

	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsShowCmd)
	toolsCmd.AddCommand(toolsDeleteCmd)
}

func openTools() (*learned.Store, error) {
	defs, _, err := stores(cfg, logger)
	return defs, err
}

func runToolsList(cmd *cobra.Command, args []string) error {
	store, err := openTools()
	if err != nil {
		return err
	}
	snap := store.Snapshot()
	out := cmd.OutOrStdout()
	if snap.Len() == 0 {
		fmt.Fprintf(out, "No learned tools in %s\n", store.Path())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCOMPLEXITY\tTURNS\tSEQUENCE\tOBJECTIVE")
	for _, def := range snap.Definitions() {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
			def.ToolName, def.SourceWorkflowComplexity, def.MaxInternalTurns,
			strings.Join(def.ToolSequence, " > "), truncate(def.Objective, 60))
	}
	return w.Flush()
}

func runToolsShow(cmd *cobra.Command, args []string) error {
	store, err := openTools()
	if err != nil {
		return err
	}
	def, ok := store.Snapshot().Get(args[0])
	if !ok {
		return fmt.Errorf("no learned tool named %q", args[0])
	}
	if showGraph {
		return printJSON(cmd.OutOrStdout(), session.BuildCachedGraph(def))
	}
	return printJSON(cmd.OutOrStdout(), def)
}

func runToolsDelete(cmd *cobra.Command, args []string) error {
	store, err := openTools()
	if err != nil {
		return err
	}
	if _, ok := store.Snapshot().Get(args[0]); !ok {
		return fmt.Errorf("no learned tool named %q", args[0])
	}
	if err := store.Delete(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
