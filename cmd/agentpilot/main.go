// Command agentpilot drives a coding agent from the terminal: spawn it,
// prompt it, stream its output, and answer its permission requests.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentpilot/agentpilot"
	"github.com/agentpilot/agentpilot/profile"
	"github.com/agentpilot/agentpilot/runtime/acp"
	"github.com/agentpilot/agentpilot/transcript"
)

var (
	flagAgent    string
	flagProfiles string
	flagCWD      string
	flagDB       string
	flagYes      bool
	flagVerbose  bool
)

func main() {
	root := &cobra.Command{
		Use:           "agentpilot",
		Short:         "Drive a coding agent over the Agent Client Protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAgent, "agent", "claude", "agent profile name")
	root.PersistentFlags().StringVar(&flagProfiles, "profiles", "", "YAML file with profile overrides")
	root.PersistentFlags().StringVar(&flagCWD, "cwd", "", "working directory for the agent (default: current)")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "transcript database path (default: ~/.agentpilot/transcript.db)")
	root.PersistentFlags().BoolVar(&flagYes, "yes", false, "approve all permission requests")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Start a new session and send a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return drive(cmd.Context(), "", strings.Join(args, " "))
		},
	}
	resumeCmd := &cobra.Command{
		Use:   "resume <session-id> [prompt...]",
		Short: "Resume a previous session and send a prompt",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return drive(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
	root.AddCommand(runCmd, resumeCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentpilot:", err)
		os.Exit(1)
	}
}

func drive(ctx context.Context, resumeID, prompt string) error {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	prof, err := loadProfile()
	if err != nil {
		return err
	}

	cwd := flagCWD
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return err
		}
	}

	store, err := transcript.OpenSQLite(dbPath())
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := acp.Start(acp.Config{
		Profile:   prof,
		CWD:       cwd,
		Logger:    logger,
		Responder: responder(),
		Store:     store,
	})
	if err != nil {
		return err
	}
	defer sess.Dispose(context.Background())

	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		printEvents(sess.Events())
	}()

	if err := sess.Initialize(ctx); err != nil {
		return err
	}
	sessionID := resumeID
	if resumeID == "" {
		if sessionID, err = sess.NewSession(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "session:", sessionID)
	} else if err := sess.LoadSession(ctx, resumeID); err != nil {
		return err
	}

	res, err := sess.Prompt(ctx, prompt)
	if err != nil {
		return err
	}
	_ = sess.WaitForResponseComplete(5 * time.Second)
	if res.StopReason != "" && res.StopReason != "end_turn" {
		fmt.Fprintln(os.Stderr, "stop reason:", res.StopReason)
	}

	if err := sess.Dispose(context.Background()); err != nil {
		return err
	}
	<-printerDone
	return nil
}

func loadProfile() (*profile.Profile, error) {
	if flagProfiles != "" {
		profiles, err := profile.LoadFile(flagProfiles)
		if err != nil {
			return nil, err
		}
		if p, ok := profiles[flagAgent]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("profile %q not found in %s", flagAgent, flagProfiles)
	}
	p := profile.Builtin(flagAgent)
	if p == nil {
		return nil, fmt.Errorf("unknown agent profile %q", flagAgent)
	}
	return p, nil
}

func dbPath() string {
	if flagDB != "" {
		return flagDB
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentpilot.db"
	}
	return filepath.Join(home, ".agentpilot", "transcript.db")
}

// responder answers permission prompts on the terminal, or approves
// everything under --yes.
func responder() agentpilot.PermissionResponder {
	if flagYes {
		return func(ctx context.Context, prompt agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
			return agentpilot.DecisionApproved, nil
		}
	}
	stdin := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, prompt agentpilot.PermissionPrompt) (agentpilot.Decision, error) {
		fmt.Fprintf(os.Stderr, "\npermission: %s", prompt.ToolName)
		if prompt.Reason != "" && prompt.Reason != prompt.ToolName {
			fmt.Fprintf(os.Stderr, " (%s)", prompt.Reason)
		}
		if len(prompt.Input) > 0 {
			fmt.Fprintf(os.Stderr, "\n  %s", prompt.Input)
		}
		fmt.Fprint(os.Stderr, "\nallow? [y]es / [a]lways / [N]o: ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			return agentpilot.DecisionDenied, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return agentpilot.DecisionApproved, nil
		case "a", "always":
			return agentpilot.DecisionApprovedForSession, nil
		default:
			return agentpilot.DecisionDenied, nil
		}
	}
}

func printEvents(events <-chan agentpilot.Event) {
	for ev := range events {
		switch ev.Kind {
		case agentpilot.EventModelOutput:
			fmt.Print(ev.TextDelta)
		case agentpilot.EventStatus:
			if ev.Status == agentpilot.StatusError {
				fmt.Fprintln(os.Stderr, "\nerror:", ev.Detail)
			} else if ev.Detail != "" {
				fmt.Fprintln(os.Stderr, ev.Detail)
			}
		case agentpilot.EventToolCall:
			fmt.Fprintf(os.Stderr, "\n[tool] %s %s\n", ev.Tool.Name, ev.Tool.Args)
		case agentpilot.EventToolResult:
			if ev.Tool.Status != "completed" {
				fmt.Fprintf(os.Stderr, "[tool] %s %s\n", ev.Tool.Name, ev.Tool.Status)
			}
		}
	}
	fmt.Println()
}
