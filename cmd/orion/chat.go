package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/orion-gepa/orion/session"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Chat with the assistant in the terminal. Besides free text the prompt accepts:

  TOOLS       show the tools used in this conversation
  SAVE        save the conversation as a thread and keep chatting
  CLOSE       save the conversation and exit
  CACHE THIS  save the conversation, mine it for learned tools and exit`,
	RunE: runChat,
}

// replCommand is a control word typed at the prompt.
type replCommand int

const (
	replMessage replCommand = iota
	replTools
	replSave
	replClose
	replCache
)

func parseCommand(line string) replCommand {
	switch strings.ToUpper(strings.Join(strings.Fields(line), " ")) {
	case "TOOLS":
		return replTools
	case "SAVE":
		return replSave
	case "CLOSE":
		return replClose
	case "CACHE THIS":
		return replCache
	default:
		return replMessage
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	rt, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	orch := rt.orchestrator()
	id := orch.Start()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s. %d learned tools loaded. Type CLOSE to finish.\n", id, rt.tools.Snapshot().Len())

	return repl(ctx, orch, id, cmd.InOrStdin(), out)
}

// repl drives one session from in until a closing command, EOF or ctx ends.
func repl(ctx context.Context, orch *session.Orchestrator, id string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\nyou> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return closeSession(ctx, orch, id, false, out)
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch parseCommand(line) {
		case replTools:
			if err := printSummary(orch, id, out); err != nil {
				return err
			}
		case replSave:
			if err := printSummary(orch, id, out); err != nil {
				return err
			}
			report, err := orch.Save(ctx, id)
			if err != nil {
				return err
			}
			printSaved(report, out)
		case replClose:
			if err := printSummary(orch, id, out); err != nil {
				return err
			}
			return closeSession(ctx, orch, id, false, out)
		case replCache:
			return closeSession(ctx, orch, id, true, out)
		default:
			reply, err := orch.Send(ctx, id, line)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\norion> %s\n", reply.Text)
			if reply.Trigger != nil {
				fmt.Fprintf(out, "  (learned tool %s, %d rounds)\n", reply.Trigger.Tool, reply.Trigger.Rounds)
			}
		}
		if ctx.Err() != nil {
			return closeSession(context.WithoutCancel(ctx), orch, id, false, out)
		}
	}
}

func closeSession(ctx context.Context, orch *session.Orchestrator, id string, mine bool, out io.Writer) error {
	report, err := orch.Complete(ctx, id, mine)
	if err != nil {
		return err
	}
	printSaved(report, out)
	if mine && report.ThreadID != "" && report.Mining == nil {
		fmt.Fprintln(out, "Pattern analysis failed, see the log for details.")
	}
	if report.Mining != nil {
		m := report.Mining
		fmt.Fprintf(out, "Mined %d segments (%d complex, %d already covered).\n", m.Segments, m.Complex, m.Covered)
		if len(m.Created) == 0 {
			fmt.Fprintln(out, "No new tools learned.")
		}
		for _, name := range m.Created {
			fmt.Fprintf(out, "Learned tool: %s\n", name)
		}
	}
	if report.Reloaded {
		fmt.Fprintln(out, "Learned tools reloaded.")
	}
	return nil
}

func printSaved(report *session.CompletionReport, out io.Writer) {
	if report.Path == "" {
		fmt.Fprintln(out, "Nothing to save yet.")
		return
	}
	fmt.Fprintf(out, "Saved thread %s (%d turns) to %s\n", report.ThreadID, report.Turns, report.Path)
}

func printSummary(orch *session.Orchestrator, id string, out io.Writer) error {
	summary, err := orch.Summary(id)
	if err != nil {
		return err
	}
	if summary.TotalExecutions == 0 {
		fmt.Fprintln(out, "No tools used yet.")
		return nil
	}
	fmt.Fprintf(out, "%d tool calls across %d tools\n", summary.TotalExecutions, summary.UniqueTools)

	names := make([]string, 0, len(summary.Tools))
	for name := range summary.Tools {
		names = append(names, name)
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tCALLS\tOK\tFAILED\tSUCCESS")
	for _, name := range names {
		s := summary.Tools[name]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.0f%%\n", name, s.Count, s.Success, s.Failed, s.SuccessRate*100)
	}
	return w.Flush()
}
