package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/orion-gepa/orion/gepa"
)

var minePending bool

var mineCmd = &cobra.Command{
	Use:   "mine [thread.json|dir]",
	Short: "Mine saved threads for learned tools",
	Long: `Mine one thread file or every thread file in a directory. Without an
argument the configured threads directory is mined. With --pending only
threads the mining ledger has not recorded are processed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMine,
}

func init() {
	mineCmd.Flags().BoolVar(&minePending, "pending", false, "Skip threads already recorded in the mining ledger")
}

func runMine(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	rt, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	target := cfg.Orion.ThreadsDir
	if len(args) == 1 {
		target = args[0]
	}
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("mine %s: %w", target, err)
	}

	var reports []*gepa.Report
	switch {
	case !info.IsDir():
		report, err := rt.miner.ProcessFile(ctx, target)
		if err != nil {
			return err
		}
		reports = []*gepa.Report{report}
	case minePending:
		reports, err = rt.miner.ProcessPending(ctx, target)
	default:
		reports, err = rt.miner.ProcessDir(ctx, target)
	}
	if err != nil {
		return err
	}
	return printReports(reports, rt.tools.Snapshot().Len(), cmd.OutOrStdout())
}

func printReports(reports []*gepa.Report, total int, out io.Writer) error {
	if len(reports) == 0 {
		fmt.Fprintln(out, "No threads to mine.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tSEGMENTS\tCOMPLEX\tLOW VALUE\tCOVERED\tREJECTED\tFAILED\tCREATED")
	created := 0
	for _, r := range reports {
		if r == nil {
			continue
		}
		created += len(r.Created)
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%v\n",
			r.ThreadID, r.Segments, r.Complex, r.LowValue, r.Covered, r.Rejected, r.Failed, r.Created)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d new tools, %d learned tools in total.\n", created, total)
	return nil
}
