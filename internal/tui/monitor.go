package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/journeyman/internal/events"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// --- Types ---

type daemonRow struct {
	DaemonID   string    `json:"daemon_id"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	Key        string    `json:"key"`
	ModulePath []string  `json:"module_path"`
	LogLevel   string    `json:"log_level"`
	Surviving  bool      `json:"surviving"`
	StartedAt  time.Time `json:"started_at"`
}

type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	daemons   []daemonRow
	eventLog  []events.Event
	hubEvents chan events.Event

	health struct {
		Status        string
		UptimeSeconds int64
		DaemonsLive   int
		DaemonsIdle   int
		DaemonsBusy   int
	}

	daemonTable table.Model

	mu sync.Mutex
}

type eventMsg events.Event
type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	DaemonsLive   int    `json:"daemons_live"`
	DaemonsIdle   int    `json:"daemons_idle"`
	DaemonsBusy   int    `json:"daemons_busy"`
}
type daemonsMsg []daemonRow
type errMsg error

// --- Init ---

func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Daemon", Width: 12},
			{Title: "PID", Width: 7},
			{Title: "Key", Width: 18},
			{Title: "Level", Width: 6},
			{Title: "Uptime", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:      apiURL,
		apiKey:      apiKey,
		eventLog:    make([]events.Event, 0),
		hubEvents:   make(chan events.Event, 100),
		daemonTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.pollHealth(),
		m.pollDaemons(),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.daemonTable.SetWidth(m.width - 6)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		return m, m.receiveNextEvent()

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.DaemonsLive = msg.DaemonsLive
		m.health.DaemonsIdle = msg.DaemonsIdle
		m.health.DaemonsBusy = msg.DaemonsBusy
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return m.fetchHealth()
		})

	case daemonsMsg:
		m.daemons = msg
		m.updateTable()
		return m, tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
			return m.fetchDaemons()
		})

	case errMsg:
		// Transient fetch error; the next tick retries.
	}

	m.daemonTable, cmd = m.daemonTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > 50 {
		m.eventLog = m.eventLog[:50]
	}
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.daemons))
	for _, d := range m.daemons {
		rows = append(rows, m.daemonToRow(d))
	}
	m.daemonTable.SetRows(rows)
}

func (m *Model) daemonToRow(d daemonRow) table.Row {
	statusSym := "○"
	switch d.State {
	case "starting":
		statusSym = statusRunning.Render("◌")
	case "idle":
		statusSym = statusIdle.Render("○")
	case "busy":
		statusSym = statusRunning.Render("◉")
	case "stopping":
		statusSym = statusFailed.Render("◑")
	case "stopped":
		statusSym = statusFailed.Render("∅")
	}

	uptime := "-"
	if !d.StartedAt.IsZero() {
		uptime = time.Since(d.StartedAt).Round(time.Second).String()
	}

	id := d.DaemonID
	if len(id) > 8 {
		id = id[:8]
	}
	key := strings.TrimPrefix(d.Key, "blake3:")
	if len(key) > 16 {
		key = key[:16]
	}

	return table.Row{
		statusSym,
		id,
		fmt.Sprintf("%d", d.PID),
		key,
		d.LogLevel,
		uptime,
	}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	daemonsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Daemons"),
			m.daemonTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll Daemons")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			daemonsView,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	if m.health.Status != "ok" && m.health.Status != "" {
		status = statusFailed.Render("DEGRADED")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second

	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Live: %d", m.health.DaemonsLive),
		fmt.Sprintf("Idle: %d / Busy: %d", m.health.DaemonsIdle, m.health.DaemonsBusy),
	}

	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[0]),
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[1]),
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[2]),
			lipgloss.NewStyle().Width((m.width-4)/4).Render(items[3]),
		),
	)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-20s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// --- Commands ---

func (m Model) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{}
		req, _ := http.NewRequest("GET", m.apiURL+"/events", nil)
		req.Header.Set("Authorization", "Bearer "+m.apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var ev events.Event
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				fmt.Sscanf(line[4:], "%d", &ev.ID)
			case strings.HasPrefix(line, "event: "):
				ev.Type = line[7:]
			case strings.HasPrefix(line, "data: "):
				ev.Data = []byte(line[6:])
				ev.At = time.Now()
				m.hubEvents <- ev
				ev = events.Event{}
			}
		}
		return nil
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.hubEvents)
	}
}

func (m Model) pollHealth() tea.Cmd {
	return func() tea.Msg {
		return m.fetchHealth()
	}
}

func (m Model) fetchHealth() tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, _ := http.NewRequest("GET", m.apiURL+"/healthz", nil)
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}

func (m Model) pollDaemons() tea.Cmd {
	return func() tea.Msg {
		return m.fetchDaemons()
	}
}

func (m Model) fetchDaemons() tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, _ := http.NewRequest("GET", m.apiURL+"/daemons", nil)
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var list struct {
		Daemons []daemonRow `json:"daemons"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return errMsg(err)
	}
	return daemonsMsg(list.Daemons)
}
