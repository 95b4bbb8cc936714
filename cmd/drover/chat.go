package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/martinemde/drover/agent"
	"github.com/martinemde/drover/config"
	"github.com/martinemde/drover/llmstream"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	RunE:  runChat,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List known models",
	Run: func(cmd *cobra.Command, args []string) {
		printModelCatalog()
	},
}

func runChat(cmd *cobra.Command, args []string) error {
	workdir := workdirFlag
	if workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		workdir = wd
	}

	cfg, err := config.LoadFile(configFlag)
	if err != nil {
		return err
	}

	sessCfg := cfg.SessionConfig()
	if providerFlag != "" {
		sessCfg.Provider = providerFlag
	}
	if modelFlag != "" {
		sessCfg.Model = modelFlag
	}
	if info := llmstream.GetModelInfo(sessCfg.Model); info != nil {
		sessCfg.Model = info.ID
		if sessCfg.Provider == "" {
			sessCfg.Provider = info.Provider
		}
	}
	if sessCfg.Provider == "" {
		return fmt.Errorf("cannot determine provider for model %q; set --provider", sessCfg.Model)
	}

	adapter, err := llmstream.NewGollmAdapter(sessCfg.Provider, "", llmstream.WithModel(sessCfg.Model))
	if err != nil {
		return err
	}
	client := llmstream.NewClient(
		llmstream.WithAdapter(sessCfg.Provider, adapter),
		llmstream.WithDefaultProvider(sessCfg.Provider),
	)
	defer client.Close()

	policy := cfg.ApprovalPolicy()
	if autoApproveFlag {
		policy.Default = agent.StanceAllow
	}

	sess := agent.NewSession(client, agent.NewLocalEnv(workdir), policy, &sessCfg)
	defer sess.Close()

	printBanner(sessCfg.Provider, sessCfg.Model, workdir)

	// The event consumer owns all terminal output while a turn runs,
	// including the approval prompt. Chat input is only read between turns,
	// so stdin never has two readers at once.
	approver := newCLIApprover()
	printer := newPrinter(sess.ID())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sess.Events() {
			if ev.Kind == agent.EventApprovalRequested && ev.SessionID == sess.ID() {
				approved, always := approver.prompt(ev.Call)
				if err := sess.ResolveApproval(ev.Call.ID, approved, always); err != nil {
					printer.errorf("resolve approval: %v", err)
				}
				continue
			}
			printer.print(ev)
		}
	}()

	// First interrupt cancels the active turn; with no turn running it
	// falls through to readLine's EOF handling on the next prompt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if err := sess.CancelTurn(""); errors.Is(err, agent.ErrNoActiveTurn) {
				fmt.Println("\nUse /quit to exit.")
			}
		}
	}()

	reader := bufio.NewReader(os.Stdin)
	for {
		text, ok := readLine(reader, printer.userPrompt())
		if !ok {
			break
		}
		if text == "" {
			continue
		}
		if handled, quit := handleCommand(text, sess, printer); handled {
			if quit {
				break
			}
			continue
		}

		err := sess.Submit(context.Background(), text)
		switch {
		case err == nil:
		case errors.Is(err, agent.ErrCancelled):
			printer.notice("turn cancelled")
		default:
			printer.errorf("turn failed: %v", err)
		}
	}

	sess.Close()
	<-done
	return nil
}

func readLine(reader *bufio.Reader, prompt string) (string, bool) {
	fmt.Print(prompt)
	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return "", false
	}
	return strings.TrimSpace(line), true
}

// handleCommand processes slash commands. It returns (handled, quit).
func handleCommand(text string, sess *agent.Session, printer *printer) (bool, bool) {
	if !strings.HasPrefix(text, "/") {
		return false, false
	}
	switch strings.ToLower(text) {
	case "/quit", "/exit", "/q":
		return true, true
	case "/usage":
		u := sess.Usage()
		printer.notice(fmt.Sprintf("tokens: %d in, %d out, %d total",
			u.InputTokens, u.OutputTokens, u.TotalTokens))
	case "/help", "/?":
		printer.notice(strings.Join([]string{
			"commands:",
			"  /usage  show accumulated token usage",
			"  /help   show this help",
			"  /quit   exit",
			"press Ctrl+C to cancel a running turn",
		}, "\n"))
	default:
		printer.notice(fmt.Sprintf("unknown command %s (try /help)", text))
	}
	return true, false
}
