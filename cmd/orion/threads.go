package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/orion-gepa/orion/session"
	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

var threadsCmd = &cobra.Command{
	Use:     "threads",
	Aliases: []string{"thread"},
	Short:   "Inspect saved conversation threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved threads, newest first",
	Args:  cobra.NoArgs,
	RunE:  runThreadsList,
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread_id>",
	Short: "Print a saved thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsShow,
}

func init() {
	threadsShowCmd.Flags().BoolVar(&showGraph, "graph", false, "Print the learning-mode decision graph instead of the thread")

	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsShowCmd)
}

func runThreadsList(cmd *cobra.Command, args []string) error {
	_, store, err := stores(cfg, logger)
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintf(out, "No threads in %s\n", store.Dir())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tCREATED\tTURNS\tUSER\tTOOL CALLS\tTOOLS\tSUCCESS")
	for _, s := range list {
		m := s.Metadata
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%t\n",
			s.ID, s.CreatedAt.Format(time.DateTime), m.TotalTurns, m.UserTurns, m.ToolCalls, m.UniqueToolsUsed, m.Success)
	}
	return w.Flush()
}

func runThreadsShow(cmd *cobra.Command, args []string) error {
	_, store, err := stores(cfg, logger)
	if err != nil {
		return err
	}
	t, err := store.Load(args[0])
	if errors.Is(err, threads.ErrThreadNotFound) {
		return fmt.Errorf("no thread %q in %s", args[0], store.Dir())
	}
	if err != nil {
		return err
	}
	if showGraph {
		return printJSON(cmd.OutOrStdout(), session.BuildLearningGraph(t))
	}
	return printJSON(cmd.OutOrStdout(), t)
}
