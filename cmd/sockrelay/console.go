package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/sockrelay/config"
	"github.com/wippyai/sockrelay/uart"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	commandStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	notifyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// chromeHeight is the rows used by the title, input and help lines.
const chromeHeight = 4

var errNoTerminal = errors.New("console requires an interactive terminal; use serve for pipes")

func newConsoleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive AT command console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
				return errNoTerminal
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			log, err := consoleLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			r, err := newRelay(cfg, log)
			if err != nil {
				return err
			}
			defer r.Close()

			p := tea.NewProgram(newConsoleModel(cmd.Context(), r.dispatcher), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}

// consoleLogger keeps only file outputs; terminal output would tear the TUI.
func consoleLogger(c config.LogConfig) (*zap.Logger, error) {
	var files []string
	for _, out := range c.Outputs {
		switch strings.ToLower(out) {
		case "stdout", "stderr":
		default:
			files = append(files, out)
		}
	}
	if len(files) == 0 && !c.Rotation.Enable {
		return zap.NewNop(), nil
	}
	if len(files) == 0 {
		files = []string{c.Rotation.Filename}
	}
	c.Outputs = files
	return setupLogging(c)
}

type consoleModel struct {
	ctx      context.Context
	exec     uart.Executor
	input    textinput.Model
	vp       viewport.Model
	lines    []string
	history  []string
	histIdx  int
	busy     bool
	ready    bool
	quitting bool
}

type responseMsg struct {
	err    error
	output string
}

func newConsoleModel(ctx context.Context, exec uart.Executor) *consoleModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "AT#XSOCKET=1,1,0"
	ti.CharLimit = uart.MaxLineLength
	ti.Focus()

	return &consoleModel{
		ctx:   ctx,
		exec:  exec,
		input: ti,
		vp:    viewport.New(80, 20),
	}
}

func (m *consoleModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.vp.Width = msg.Width
		m.vp.Height = max(msg.Height-chromeHeight, 1)
		m.input.Width = max(msg.Width-len(m.input.Prompt)-1, 10)
		m.ready = true
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit

		case "enter":
			if m.busy {
				return m, nil
			}
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			m.input.SetValue("")
			m.history = append(m.history, line)
			m.histIdx = len(m.history)
			m.busy = true
			m.append(commandStyle.Render(line))
			return m, m.run(line)

		case "up":
			if m.histIdx > 0 {
				m.histIdx--
				m.input.SetValue(m.history[m.histIdx])
				m.input.CursorEnd()
			}
			return m, nil

		case "down":
			if m.histIdx < len(m.history)-1 {
				m.histIdx++
				m.input.SetValue(m.history[m.histIdx])
				m.input.CursorEnd()
			} else {
				m.histIdx = len(m.history)
				m.input.SetValue("")
			}
			return m, nil

		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, cmd
		}

	case responseMsg:
		m.busy = false
		for _, l := range responseLines(msg.output) {
			m.append(styleResponse(l))
		}
		if msg.err != nil {
			m.append(errorStyle.Render(fmt.Sprintf("Error: %v", msg.err)))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// run executes one command off the update loop. Update refuses new input
// until the response arrives.
func (m *consoleModel) run(line string) tea.Cmd {
	return func() tea.Msg {
		var buf bytes.Buffer
		err := m.exec.Execute(m.ctx, line, &buf)
		return responseMsg{output: buf.String(), err: err}
	}
}

func (m *consoleModel) append(line string) {
	m.lines = append(m.lines, line)
	m.refresh()
}

func (m *consoleModel) refresh() {
	m.vp.SetContent(strings.Join(m.lines, "\n"))
	m.vp.GotoBottom()
}

func (m *consoleModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Starting console..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("sockrelay"))
	b.WriteString("\n")
	b.WriteString(m.vp.View())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	help := "enter send • ↑/↓ history • pgup/pgdown scroll • esc quit"
	if m.busy {
		help = "waiting for response..."
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

// responseLines splits CRLF-framed responses into display lines.
func responseLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\r\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func styleResponse(line string) string {
	switch {
	case line == "OK":
		return okStyle.Render(line)
	case line == "ERROR":
		return errorStyle.Render(line)
	case strings.HasPrefix(line, "#X"):
		return notifyStyle.Render(line)
	default:
		return line
	}
}
