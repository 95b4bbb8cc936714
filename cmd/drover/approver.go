package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/martinemde/drover/llmstream"
)

// cliApprover prompts the user for a decision on one suspended tool call.
// It uses an arrow-key selector on a real terminal and a plain line prompt
// otherwise.
type cliApprover struct {
	reader *bufio.Reader
}

func newCLIApprover() *cliApprover {
	return &cliApprover{reader: bufio.NewReader(os.Stdin)}
}

// prompt blocks until the user decides. It returns (approved, alwaysAllow).
func (a *cliApprover) prompt(call *llmstream.ToolCall) (bool, bool) {
	fmt.Println()
	fmt.Println(approveStyle.Render("Approval required"))
	fmt.Printf("  tool: %s\n", call.Name)
	if pretty := prettyArgs(call.Arguments); pretty != "" {
		fmt.Println(indent(pretty, "  "))
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		if choice, ok := a.interactive(); ok {
			return choice.approved, choice.always
		}
	}
	return a.plain()
}

type approvalChoice struct {
	label    string
	approved bool
	always   bool
}

var approvalChoices = []approvalChoice{
	{label: "Approve", approved: true},
	{label: "Approve and always allow", approved: true, always: true},
	{label: "Deny", approved: false},
}

func (a *cliApprover) interactive() (approvalChoice, bool) {
	p := tea.NewProgram(approvalModel{})
	final, err := p.Run()
	if err != nil {
		return approvalChoice{}, false
	}
	m, ok := final.(approvalModel)
	if !ok {
		return approvalChoice{}, false
	}
	if m.cancelled {
		return approvalChoices[2], true
	}
	return approvalChoices[m.cursor], true
}

func (a *cliApprover) plain() (bool, bool) {
	fmt.Print("  [y]es / [a]lways / [N]o: ")
	line, err := a.reader.ReadString('\n')
	if err != nil {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, false
	case "a", "always":
		return true, true
	default:
		return false, false
	}
}

type approvalModel struct {
	cursor    int
	cancelled bool
}

func (m approvalModel) Init() tea.Cmd { return nil }

func (m approvalModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "ctrl+c", "q", "esc":
		m.cancelled = true
		return m, tea.Quit
	case "up", "k":
		m.cursor = (m.cursor + len(approvalChoices) - 1) % len(approvalChoices)
	case "down", "j":
		m.cursor = (m.cursor + 1) % len(approvalChoices)
	case "y":
		m.cursor = 0
		return m, tea.Quit
	case "a":
		m.cursor = 1
		return m, tea.Quit
	case "n", "d":
		m.cursor = 2
		return m, tea.Quit
	case "enter":
		return m, tea.Quit
	}
	return m, nil
}

var (
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	dimmedStyle   = lipgloss.NewStyle().Faint(true)
)

func (m approvalModel) View() string {
	var sb strings.Builder
	for i, choice := range approvalChoices {
		if i == m.cursor {
			sb.WriteString(selectedStyle.Render("❯ " + choice.label))
		} else {
			sb.WriteString(dimmedStyle.Render("  " + choice.label))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// prettyArgs renders the call arguments as indented JSON, truncated so a
// large write_file payload does not flood the prompt.
func prettyArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	out := buf.String()
	if len(out) > 2000 {
		out = out[:2000] + "\n  …"
	}
	return out
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
