package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/qrun/internal/api"
)

const pollInterval = 2 * time.Second

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health  api.HealthzResponse
	jobs    []api.JobResponse
	running int

	jobTable table.Model
	spinner  spinner.Model
	theme    Theme

	lastError string
	lastTick  time.Time
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Status", Width: 10},
			{Title: "Name", Width: 24},
			{Title: "Exit", Width: 4},
			{Title: "ID", Width: 36},
			{Title: "Submitted", Width: 19},
		}),
		table.WithFocused(true),
		table.WithHeight(14),
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

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &Model{
		apiURL:   apiURL,
		apiKey:   apiKey,
		jobTable: t,
		spinner:  sp,
		theme:    NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		pollHealth(m.apiURL, m.apiKey),
		pollJobs(m.apiURL, m.apiKey),
		m.spinner.Tick,
		tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.jobTable, cmd = m.jobTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(
			pollHealth(m.apiURL, m.apiKey),
			pollJobs(m.apiURL, m.apiKey),
			tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.lastError = ""
		return m, nil

	case jobsMsg:
		m.jobs = []api.JobResponse(msg)
		m.running = 0
		rows := make([]table.Row, 0, len(m.jobs))
		for _, j := range m.jobs {
			if j.Status == "running" {
				m.running++
			}
			exit := ""
			if j.ExitCode != nil {
				exit = fmt.Sprintf("%d", *j.ExitCode)
			}
			rows = append(rows, table.Row{
				j.Status,
				j.Name,
				exit,
				j.ID,
				j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			})
		}
		m.jobTable.SetRows(rows)
		return m, nil

	case errMsg:
		m.lastError = msg.err.Error()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	title := m.theme.Title.Render("qrun watch")

	indicator := " "
	if m.running > 0 {
		indicator = m.spinner.View()
	}
	running := m.theme.StatusStyle("running").Render(fmt.Sprintf("%d running", m.running))
	header := fmt.Sprintf("%s  %s %s  queue depth: %d  uptime: %s",
		title,
		indicator,
		running,
		m.health.QueueDepth,
		(time.Duration(m.health.UptimeSeconds) * time.Second).String(),
	)

	body := m.theme.Border.Render(m.jobTable.View())

	footer := m.theme.Dim.Render("q: quit  •  polling every " + pollInterval.String())
	if m.lastError != "" {
		footer = m.theme.StatusFailed.Render("error: " + m.lastError)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}
