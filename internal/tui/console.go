package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"kestrel.gg/kestrel/internal/protocol"
)

// maxConsoleLines bounds scrollback memory.
const maxConsoleLines = 2000

type consoleEventMsg struct{ env protocol.Envelope }
type consoleClosedMsg struct{}

// ConsoleModel is the live console view for one server: a scrollback
// viewport over the output stream and an input line wired to stdin.
type ConsoleModel struct {
	ServerID string

	console  *Console
	viewport viewport.Model
	input    textinput.Model
	lines    []string
	state    string
	ready    bool
}

func NewConsoleModel(serverID string, console *Console) ConsoleModel {
	ti := textinput.New()
	ti.Placeholder = "command…"
	ti.Prompt = StyleInputPrompt.Render("> ")
	ti.Focus()
	ti.CharLimit = 512

	return ConsoleModel{
		ServerID: serverID,
		console:  console,
		input:    ti,
	}
}

func (m ConsoleModel) Init() tea.Cmd {
	return m.nextEvent()
}

// nextEvent blocks on the console channel and re-arms after every message.
func (m ConsoleModel) nextEvent() tea.Cmd {
	return func() tea.Msg {
		env, ok := <-m.console.Events
		if !ok {
			return consoleClosedMsg{}
		}
		return consoleEventMsg{env}
	}
}

func (m *ConsoleModel) Resize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	vpHeight := height - 7
	if vpHeight < 3 {
		vpHeight = 3
	}
	if !m.ready {
		m.viewport = viewport.New(width-6, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = width - 6
		m.viewport.Height = vpHeight
	}
	m.input.Width = width - 10
	m.refresh()
}

func (m *ConsoleModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxConsoleLines {
		m.lines = m.lines[len(m.lines)-maxConsoleLines:]
	}
	m.refresh()
}

func (m *ConsoleModel) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m ConsoleModel) Update(msg tea.Msg) (ConsoleModel, tea.Cmd) {
	switch msg := msg.(type) {
	case consoleEventMsg:
		switch env := msg.env.(type) {
		case protocol.ConsoleOutput:
			line := strings.TrimRight(env.Data, "\n")
			if env.Stream == protocol.StreamStderr {
				line = StyleStderr.Render(line)
			}
			m.appendLine(line)
		case protocol.ServerStateUpdate:
			m.state = string(env.State)
			note := fmt.Sprintf("── server %s ──", env.State)
			if env.Reason != "" {
				note = fmt.Sprintf("── server %s (%s) ──", env.State, env.Reason)
			}
			m.appendLine(StyleSubtitle.Render(note))
		}
		return m, m.nextEvent()

	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			m.console.Close()
			return m, func() tea.Msg { return consoleClosedMsg{} }
		case "ctrl+c":
			m.console.Close()
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			m.input.Reset()
			if err := m.console.Send(line); err != nil {
				m.appendLine(StyleStatusBad.Render("send failed: " + err.Error()))
				return m, nil
			}
			m.appendLine(StyleInputPrompt.Render("> ") + line)
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m ConsoleModel) View() string {
	stateLabel := m.state
	if stateLabel == "" {
		stateLabel = "unknown"
	}
	header := StyleTitle.Render(m.ServerID) + "  " +
		StateStyle(stateLabel).Render(stateLabel)
	help := StyleHelp.Render("esc back · pgup/pgdn scroll · ctrl+c quit")

	body := ""
	if m.ready {
		body = StyleConsole.Render(m.viewport.View())
	}

	return StyleApp.Render(header + "\n\n" + body + "\n" + m.input.View() + "\n\n" + help)
}
