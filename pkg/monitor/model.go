package monitor

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/embra/widgetbridge/pkg/transport"
)

const (
	// maxEventLines caps the scrollback kept in memory
	maxEventLines = 200
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// frameMsg carries the next monitor feed frame into the update loop
type frameMsg transport.MonitorFrame

// errMsg carries a feed failure into the update loop
type errMsg struct{ err error }

// connectedMsg signals that the feed connection is up
type connectedMsg struct{}

// Model is the bubbletea model for the bridge monitor
type Model struct {
	client    *Client
	addr      string
	version   string
	connected bool
	events    []string
	stats     *transport.MonitorSnapshot
	err       error
	width     int
	height    int
}

// NewModel creates a new monitor model
func NewModel(addr, version string) Model {
	return Model{
		client:  NewClient(addr, nil),
		addr:    addr,
		version: version,
		events:  make([]string, 0, maxEventLines),
	}
}

// Init connects to the monitor feed
func (m Model) Init() tea.Cmd {
	return m.connect()
}

// connect dials the feed in the background
func (m Model) connect() tea.Cmd {
	return func() tea.Msg {
		if err := m.client.Connect(context.Background()); err != nil {
			return errMsg{err: err}
		}
		return connectedMsg{}
	}
}

// waitForFrame blocks on the next feed frame
func (m Model) waitForFrame() tea.Cmd {
	return func() tea.Msg {
		frame, err := m.client.ReadFrame()
		if err != nil {
			return errMsg{err: err}
		}
		return frameMsg(frame)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			_ = m.client.Close()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case connectedMsg:
		m.connected = true
		m.err = nil
		return m, m.waitForFrame()

	case frameMsg:
		frame := transport.MonitorFrame(msg)
		switch frame.Type {
		case "event":
			if frame.Event != nil {
				line := fmt.Sprintf("%s  %-28s widget=%s",
					frame.Event.Timestamp.Format("15:04:05"),
					frame.Event.Type,
					frame.Event.WidgetID())
				m.events = append(m.events, line)
				if len(m.events) > maxEventLines {
					m.events = m.events[len(m.events)-maxEventLines:]
				}
			}
		case "stats":
			m.stats = frame.Stats
		}
		return m, m.waitForFrame()

	case errMsg:
		m.err = msg.err
		m.connected = false
	}

	return m, nil
}

// View renders the monitor
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("widgetbridge monitor %s — %s", m.version, m.addr)))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("feed error: %v", m.err)))
		b.WriteString("\n\n")
	} else if !m.connected {
		b.WriteString(statsStyle.Render("connecting..."))
		b.WriteString("\n\n")
	}

	if m.stats != nil {
		b.WriteString(statsStyle.Render(fmt.Sprintf(
			"conns: %d  received: %d  dropped: %d  |  bus subs: %d  pending: %d",
			m.stats.Server.ActiveConns,
			m.stats.Server.MessagesReceived,
			m.stats.Server.MessagesDropped,
			m.stats.Bus.ActiveSubscriptions,
			m.stats.Bus.PendingEvents)))
		b.WriteString("\n\n")
	}

	visible := m.events
	if limit := m.height - 8; limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	for _, line := range visible {
		b.WriteString(eventStyle.Render(line))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q: quit"))
	return b.String()
}
