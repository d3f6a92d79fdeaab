package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ergochat/readline"

	"github.com/devitools/arandu/config"
	"github.com/devitools/arandu/planfile"
	"github.com/devitools/arandu/planner"
	"github.com/devitools/arandu/session"
	"github.com/devitools/arandu/transcript"
)

// runRepl is the line-mode client for dumb terminals and piped use: the
// latest session for the workspace is resumed (or a new one created from
// the first line), streamed messages print as they complete, and slash
// commands drive the plan workflow.
func runRepl(ctx context.Context, cfg *config.Config, store *session.Store, connector session.Connector, workspace string, logger *slog.Logger) error {
	rl, err := readline.NewFromConfig(&readline.Config{
		Prompt: "arandu> ",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	rec, err := pickOrCreate(rl, store, workspace)
	if err != nil || rec == nil {
		return err
	}

	printed := 0
	changed := make(chan struct{}, 16)
	ctrl := session.NewController(session.ControllerConfig{
		Record:    rec,
		Store:     store,
		Connector: connector,
		Logger:    logger,
		OnChange: func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})
	defer ctrl.Close()

	// Printer: flush finished turns to stdout as the stream settles.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				if ctrl.Transcript.Streaming() {
					continue
				}
				msgs := ctrl.Transcript.Messages()
				for ; printed < len(msgs); printed++ {
					printMessage(msgs[printed])
				}
				for _, e := range ctrl.Transcript.Errors() {
					fmt.Println("error:", e)
				}
				ctrl.Transcript.ClearErrors()
			}
		}
	}()

	fmt.Printf("Session %q (phase %s). /help for commands.\n", rec.Name, rec.Phase)
	if err := ctrl.Connect(ctx); err != nil {
		fmt.Println("connect failed:", err, "— use /reconnect to retry")
	}

	for {
		line, err := rl.ReadLine()
		if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := replCommand(ctx, ctrl, line); quit {
				return nil
			}
			continue
		}

		if err := ctrl.SendPrompt(ctx, line); err != nil {
			fmt.Println("prompt failed:", err)
		}
	}
}

// pickOrCreate resumes the workspace's most recent session or asks for an
// initial prompt to start one. Returns nil without error when the user
// bails out.
func pickOrCreate(rl *readline.Instance, store *session.Store, workspace string) (*session.Record, error) {
	records, err := store.List(workspace)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		return records[0], nil
	}

	fmt.Println("No sessions for this workspace yet.")
	rl.SetPrompt("initial prompt> ")
	defer rl.SetPrompt("arandu> ")
	line, err := rl.ReadLine()
	if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	name := line
	if len(name) > 48 {
		name = name[:48]
	}
	return store.Create(workspace, name, line)
}

// replCommand dispatches a slash command; returns true to exit.
func replCommand(ctx context.Context, ctrl *session.Controller, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(`/approve [note]   approve the plan (optional review note)
/changes <text>   request plan changes
/phase <name>     override the phase (idle|planning|reviewing|executing|done)
/plan             print the current plan
/cancel           cancel the in-flight turn
/reconnect        tear down and reconnect
/quit             exit`)
	case "/approve":
		if err := ctrl.Workflow.ApprovePlan(ctx, rest); err != nil {
			fmt.Println("approve failed:", err)
		}
	case "/changes":
		if rest == "" {
			fmt.Println("usage: /changes <feedback>")
			return false
		}
		if err := ctrl.Workflow.RequestChanges(ctx, rest); err != nil {
			fmt.Println("request changes failed:", err)
		}
	case "/phase":
		phase, err := planner.ParsePhase(rest)
		if err != nil {
			fmt.Println(err)
			return false
		}
		ctrl.Workflow.SetPhase(phase)
		fmt.Println("phase:", phase)
	case "/plan":
		path := ctrl.Workflow.PlanPath()
		if path == "" {
			fmt.Println("no plan file yet")
			return false
		}
		md, ok, err := planfile.Read(path)
		if err != nil {
			fmt.Println("read plan:", err)
		} else if !ok {
			fmt.Println("plan file not written yet:", path)
		} else {
			fmt.Println(md)
		}
	case "/cancel":
		if err := ctrl.CancelTurn(); err != nil {
			fmt.Println("cancel failed:", err)
		}
	case "/reconnect":
		if err := ctrl.Reconnect(ctx); err != nil {
			fmt.Println("reconnect failed:", err)
		}
	default:
		fmt.Println("unknown command", cmd)
	}
	return false
}

// printMessage formats one transcript entry for plain output.
func printMessage(msg transcript.Message) {
	switch {
	case msg.Role == transcript.RoleUser:
		fmt.Println("> " + msg.Content)
	case msg.Kind == transcript.KindThinking:
		fmt.Println("(thinking) " + msg.Content)
	case msg.Kind == transcript.KindTool:
		fmt.Println("[tool] " + msg.Content)
	case msg.Kind == transcript.KindNotice:
		fmt.Println("! " + msg.Content)
	default:
		fmt.Println(msg.Content)
	}
}
