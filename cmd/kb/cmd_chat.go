package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/services"
)

// chatAgent is the part of the agent service the terminal front end uses.
type chatAgent interface {
	Ask(ctx context.Context, sessionID domain.SessionID, query string) (*domain.Reply, error)
	Clarify(ctx context.Context, sessionID domain.SessionID, response string) (*domain.Reply, error)
	GetRun(ctx context.Context, id domain.RunID) (domain.RunRecord, error)
}

func runChatCommand(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	a, err := openApp(ctx, true, out)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(out, "Knowledge base on %s. Tools: %s\n", a.Config.Knowledge.Subject, strings.Join(a.Tools.Names(), ", "))
	fmt.Fprintln(out, "Type /new for a fresh session, /quit to leave.")
	return chatLoop(ctx, a.Agent, stdin(), out, domain.SessionID(sessionArg), showSteps)
}

func runAskCommand(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	a, err := openApp(ctx, true, out)
	if err != nil {
		return err
	}
	defer a.Close()

	reply, err := a.Agent.Ask(ctx, domain.SessionID(sessionArg), strings.Join(args, " "))
	if err != nil {
		return err
	}
	reply, err = settle(ctx, a.Agent, stdin(), out, reply)
	if err != nil {
		return err
	}
	printReply(ctx, a.Agent, out, reply, showSteps)
	if reply.State == domain.StateAborted {
		return fmt.Errorf("run aborted: %s", reply.AbortReason)
	}
	return nil
}

func runSessionsCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.Agent.ListSessions(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tUPDATED\tPENDING")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", s.ID, s.Title, s.UpdatedAt.Format("2006-01-02 15:04"), s.PendingRunID != nil)
	}
	return tw.Flush()
}

// chatLoop reads questions line by line until EOF or /quit. The session is
// created by the first question unless sessionID is set.
func chatLoop(ctx context.Context, agent chatAgent, in services.LineSource, out io.Writer, sessionID domain.SessionID, steps bool) error {
	for {
		fmt.Fprint(out, "\n> ")
		line, err := in.ReadLine(ctx)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}

		switch line = strings.TrimSpace(line); line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sessionID = ""
			fmt.Fprintln(out, "started a new session")
			continue
		}

		reply, err := agent.Ask(ctx, sessionID, line)
		if err == nil {
			reply, err = settle(ctx, agent, in, out, reply)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		sessionID = reply.SessionID
		printReply(ctx, agent, out, reply, steps)
	}
}

// settle answers clarification requests from in until the run finishes.
func settle(ctx context.Context, agent chatAgent, in services.LineSource, out io.Writer, reply *domain.Reply) (*domain.Reply, error) {
	for reply.State == domain.StateClarifyWait && reply.Clarification != nil {
		fmt.Fprintf(out, "\n[clarification] %s\n? ", reply.Clarification.Prompt)
		line, err := in.ReadLine(ctx)
		if err != nil {
			return reply, fmt.Errorf("read clarification: %w", err)
		}
		next, err := agent.Clarify(ctx, reply.SessionID, line)
		if errors.Is(err, domain.ErrEmptyQuery) {
			continue
		}
		if err != nil {
			return reply, err
		}
		reply = next
	}
	return reply, nil
}

func printReply(ctx context.Context, agent chatAgent, out io.Writer, reply *domain.Reply, steps bool) {
	if steps {
		if rec, err := agent.GetRun(ctx, reply.RunID); err == nil {
			for i, st := range rec.Steps {
				status := "ok"
				if st.Failed {
					status = "failed"
				}
				fmt.Fprintf(out, "  %d. %s %s(%s) %s\n", i+1, strings.Repeat("  ", st.Depth), st.Tool, truncate(st.Input, 60), status)
			}
		}
	}

	switch reply.State {
	case domain.StateDone:
		fmt.Fprintf(out, "\n%s\n", reply.Answer)
	case domain.StateAborted:
		fmt.Fprintf(out, "\n[aborted: %s]\n", reply.AbortReason)
		if reply.Answer != "" {
			fmt.Fprintf(out, "%s\n", reply.Answer)
		}
	default:
		fmt.Fprintf(out, "\n[%s]\n", reply.State)
	}
	fmt.Fprintf(out, "(session %s, %d iterations)\n", reply.SessionID, reply.Iterations)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return domain.ClipHead(s, n) + "..."
}
