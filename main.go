// Command arandu is a terminal client for AI pair-programming sessions:
// it drives a coding agent over the Agent Client Protocol, renders the
// streamed conversation, and walks each session through a plan → review →
// execute workflow.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/devitools/arandu/acp"
	"github.com/devitools/arandu/app"
	"github.com/devitools/arandu/config"
	"github.com/devitools/arandu/session"
)

var (
	configFlag    string
	workspaceFlag string
	plainFlag     bool
	verboseFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "arandu",
	Short: "Terminal client for agent pair-programming sessions",
	Long: `A terminal client that runs multi-turn sessions against a command-line
coding agent over ACP. Sessions move through a plan → review → execute
workflow: the agent drafts a plan, you review it (or request changes),
and approval hands it back for execution.

Environment:
  COPILOT_PATH    Agent binary (default: copilot)
  GH_TOKEN        Auth token passed to the agent
  ARANDU_DATA_DIR Session data directory (default: ~/.arandu)`,
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ~/.arandu/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log diagnostics to stderr")
	rootCmd.Flags().StringVar(&workspaceFlag, "workspace", "", "Workspace directory (default: current directory)")
	rootCmd.Flags().BoolVar(&plainFlag, "plain", false, "Line-mode REPL instead of the TUI")

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	if !verboseFlag {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	logger := newLogger()

	workspace := workspaceFlag
	if workspace == "" {
		workspace, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	store, err := session.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}

	manager := acp.NewManager(acp.ManagerConfig{
		Binary: cfg.AgentBinary,
		Args:   cfg.AgentArgs,
		Credentials: func() acp.Credentials {
			return acp.Credentials{AuthToken: cfg.AuthToken}
		},
		Logger: logger,
	})
	defer manager.Close()
	connector := session.NewManagerConnector(manager)

	if plainFlag || !term.IsTerminal(int(os.Stdout.Fd())) {
		return runRepl(ctx, cfg, store, connector, workspace, logger)
	}

	model := app.NewModel(app.Config{
		Ctx:       ctx,
		AppConfig: cfg,
		Store:     store,
		Connector: connector,
		Workspace: workspace,
		Logger:    logger,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list [workspace]",
	Short: "List stored sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		store, err := session.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}

		workspace := ""
		if len(args) == 1 {
			workspace = args[0]
		}
		records, err := store.List(workspace)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%s  %-10s  %s  (%s)\n",
				rec.ID, rec.Phase, rec.Name, rec.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		store, err := session.NewStore(cfg.DataDir)
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Println("Deleted", args[0])
		return nil
	},
}
