package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/martinemde/drover/agent"
	"github.com/martinemde/drover/llmstream"
)

var (
	promptStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	subStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	bannerStyle  = lipgloss.NewStyle().Bold(true)
	bannerMeta   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	usageStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Faint(true)
	approveStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
)

// printer renders session events to the terminal. Sub-agent events carry a
// different session id and are shown indented.
type printer struct {
	sessionID string
	streaming bool
}

func newPrinter(sessionID string) *printer {
	return &printer{sessionID: sessionID}
}

func (p *printer) userPrompt() string {
	return promptStyle.Render("\nyou> ") + " "
}

func (p *printer) print(ev agent.Event) {
	child := ev.SessionID != p.sessionID
	switch ev.Kind {
	case agent.EventAssistantTextDelta:
		if child {
			return
		}
		p.streaming = true
		fmt.Print(ev.Delta)
	case agent.EventToolCallStarted:
		p.breakStream()
		line := fmt.Sprintf("⚙ %s %s", ev.Call.Name, summarizeArgs(ev.Call))
		if child {
			fmt.Println(subStyle.Render("  └ " + line))
		} else {
			fmt.Println(toolStyle.Render(line))
		}
	case agent.EventToolCallCompleted:
		if ev.Result == nil || !ev.Result.IsError() {
			return
		}
		p.breakStream()
		line := fmt.Sprintf("⚙ %s failed (%s): %s", ev.Result.Name, ev.Result.Err.Kind, ev.Result.Err.Message)
		if child {
			fmt.Println(subStyle.Render("  └ " + line))
		} else {
			fmt.Println(warnStyle.Render(line))
		}
	case agent.EventTurnCompleted:
		p.breakStream()
		if !child && ev.Usage != nil && ev.Usage.TotalTokens > 0 {
			fmt.Println(usageStyle.Render(fmt.Sprintf("(%d tokens)", ev.Usage.TotalTokens)))
		}
	case agent.EventTurnCancelled, agent.EventTurnFailed:
		p.breakStream()
	case agent.EventWarning:
		p.breakStream()
		fmt.Println(warnStyle.Render("! " + ev.Warning))
	}
}

// breakStream terminates a partially printed assistant line before other
// output interleaves with it.
func (p *printer) breakStream() {
	if p.streaming {
		fmt.Println()
		p.streaming = false
	}
}

func (p *printer) notice(msg string) {
	p.breakStream()
	fmt.Println(noticeStyle.Render(msg))
}

func (p *printer) errorf(format string, args ...any) {
	p.breakStream()
	fmt.Println(errorStyle.Render(fmt.Sprintf(format, args...)))
}

// summarizeArgs renders tool arguments on one line, truncated.
func summarizeArgs(call *llmstream.ToolCall) string {
	args := strings.TrimSpace(string(call.Arguments))
	args = strings.ReplaceAll(args, "\n", " ")
	if len(args) > 120 {
		args = args[:120] + "…"
	}
	if args == "" || args == "{}" {
		return ""
	}
	return args
}

func printBanner(provider, model, workdir string) {
	fmt.Println(bannerStyle.Render("drover"))
	fmt.Println(bannerMeta.Render(fmt.Sprintf("%s/%s · %s", provider, model, workdir)))
	fmt.Println(bannerMeta.Render("type /help for commands"))
}

func printModelCatalog() {
	for _, m := range llmstream.Models {
		alias := ""
		if len(m.Aliases) > 0 {
			alias = " (" + strings.Join(m.Aliases, ", ") + ")"
		}
		fmt.Printf("%-22s %-10s %7dk context%s\n", m.ID, m.Provider, m.ContextWindow/1000, alias)
	}
}
