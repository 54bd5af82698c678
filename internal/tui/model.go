// Package tui is the interactive console client: a server list backed by
// the panel's HTTP API and a live console view over the UI websocket.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"kestrel.gg/kestrel/internal/state"
)

// View is the currently active screen.
type View int

const (
	ViewServers View = iota
	ViewConsole
)

type serversMsg []state.ServerStatus
type errMsg struct{ err error }
type tickMsg time.Time

// Model is the main application state.
type Model struct {
	Backend Backend

	ActiveView View
	Width      int
	Height     int

	Table   table.Model
	Servers []state.ServerStatus
	Console ConsoleModel
	Err     error
}

func NewModel(backend Backend) Model {
	columns := []table.Column{
		{Title: "Server", Width: 24},
		{Title: "State", Width: 12},
		{Title: "Since", Width: 20},
		{Title: "Detail", Width: 30},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorDim).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(ColorAccent).
		Background(ColorDim).
		Bold(false)
	t.SetStyles(s)

	return Model{
		Backend:    backend,
		ActiveView: ViewServers,
		Table:      t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchServers, tick())
}

func (m Model) fetchServers() tea.Msg {
	servers, err := m.Backend.Servers()
	if err != nil {
		return errMsg{err}
	}
	return serversMsg(servers)
}

func tick() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Console.Resize(msg.Width, msg.Height)
		return m, nil

	case serversMsg:
		m.Servers = msg
		m.Err = nil
		rows := make([]table.Row, len(msg))
		for i, s := range msg {
			detail := s.Reason
			if detail == "" && s.ExitCode != nil {
				detail = fmt.Sprintf("exit %d", *s.ExitCode)
			}
			rows[i] = table.Row{
				s.ServerID,
				string(s.State),
				time.UnixMilli(s.Timestamp).Format("2006-01-02 15:04:05"),
				detail,
			}
		}
		m.Table.SetRows(rows)
		return m, nil

	case errMsg:
		m.Err = msg.err
		return m, nil

	case tickMsg:
		if m.ActiveView == ViewServers {
			return m, tea.Batch(m.fetchServers, tick())
		}
		return m, tick()

	case consoleClosedMsg:
		m.ActiveView = ViewServers
		return m, m.fetchServers
	}

	if m.ActiveView == ViewConsole {
		var cmd tea.Cmd
		m.Console, cmd = m.Console.Update(msg)
		return m, cmd
	}

	return m.updateServers(msg)
}

func (m Model) updateServers(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchServers
		case "s", "x":
			row := m.Table.SelectedRow()
			if row == nil {
				return m, nil
			}
			action := "start"
			if key.String() == "x" {
				action = "stop"
			}
			serverID := row[0]
			return m, func() tea.Msg {
				if err := m.Backend.Control(serverID, action); err != nil {
					return errMsg{err}
				}
				return m.fetchServers()
			}
		case "enter":
			row := m.Table.SelectedRow()
			if row == nil {
				return m, nil
			}
			serverID := row[0]
			console, err := m.Backend.OpenConsole(serverID)
			if err != nil {
				m.Err = err
				return m, nil
			}
			m.Console = NewConsoleModel(serverID, console)
			m.Console.Resize(m.Width, m.Height)
			m.ActiveView = ViewConsole
			return m, m.Console.Init()
		}
	}

	var cmd tea.Cmd
	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

// Run starts the interactive console against a panel.
func Run(panelURL string) error {
	backend := NewRemoteBackend(panelURL)
	p := tea.NewProgram(NewModel(backend), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m Model) View() string {
	if m.ActiveView == ViewConsole {
		return m.Console.View()
	}

	header := StyleTitle.Render("kestrel") + "  " +
		StyleSubtitle.Render("game servers")
	help := StyleHelp.Render("enter console · s start · x stop · r refresh · q quit")

	body := m.Table.View()
	if m.Err != nil {
		body += "\n" + StyleStatusBad.Render("error: "+m.Err.Error())
	}

	return StyleApp.Render(header + "\n\n" + body + "\n\n" + help)
}
