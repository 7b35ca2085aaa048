// Package tui renders a live terminal dashboard of session pools and
// running jobs, polled from a scrollharvest server.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/job"
)

// Source is what the dashboard polls. *client.Client implements it.
type Source interface {
	Jobs(ctx context.Context) ([]job.Job, error)
	Pools(ctx context.Context) ([]browser.PoolStatus, error)
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	statusStyles = map[job.Status]lipgloss.Style{
		job.StatusCreated:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		job.StatusQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		job.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		job.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		job.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type snapshotMsg struct {
	jobs  []job.Job
	pools []browser.PoolStatus
	err   error
	at    time.Time
}

type tickMsg time.Time

// Model is the dashboard state.
type Model struct {
	src      Source
	addr     string
	interval time.Duration

	jobs    []job.Job
	pools   []browser.PoolStatus
	err     error
	updated time.Time
}

// New creates a dashboard polling src every interval.
func New(src Source, addr string, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{src: src, addr: addr, interval: interval}
}

// Init fetches the first snapshot.
func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) fetch() tea.Cmd {
	src := m.src
	timeout := m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		msg := snapshotMsg{at: time.Now()}
		msg.pools, msg.err = src.Pools(ctx)
		if msg.err != nil {
			return msg
		}
		msg.jobs, msg.err = src.Jobs(ctx)
		return msg
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles keys, window resizes, ticks and snapshots.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
	case tickMsg:
		return m, m.fetch()
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.jobs = msg.jobs
			m.pools = msg.pools
			sort.Slice(m.pools, func(i, j int) bool { return m.pools[i].Platform < m.pools[j].Platform })
		}
		m.updated = msg.at
		return m, m.tick()
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("scrollharvest") + "  " + helpStyle.Render(m.addr))
	b.WriteString("\n\n")

	b.WriteString(boxStyle.Render(m.poolsView()))
	b.WriteString("\n")
	b.WriteString(boxStyle.Render(m.jobsView()))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errStyle.Render("error: "+m.err.Error()) + "\n")
	}
	footer := "q quit • r refresh"
	if !m.updated.IsZero() {
		footer += " • updated " + m.updated.Format("15:04:05")
	}
	b.WriteString(helpStyle.Render(footer))
	return b.String()
}

func (m Model) poolsView() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %5s %5s %6s %7s %8s %8s", "POOL", "MAX", "IDLE", "LEASED", "WAITING", "CREATED", "EVICTED")))
	if len(m.pools) == 0 {
		b.WriteString("\n" + helpStyle.Render("no pools"))
	}
	for _, p := range m.pools {
		fmt.Fprintf(&b, "\n%-10s %5d %5d %6d %7d %8d %8d",
			p.Platform, p.MaxSize, p.Idle, p.Leased, p.Waiting, p.Stats.Created, p.Stats.Evicted)
	}
	return b.String()
}

func (m Model) jobsView() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-12s %-8s %-24s %-10s %6s %5s %5s", "JOB", "PLATFORM", "TARGET", "STATUS", "ITEMS", "DUPS", "ITER")))
	if len(m.jobs) == 0 {
		b.WriteString("\n" + helpStyle.Render("no running jobs"))
	}
	for _, j := range m.jobs {
		status := string(j.Status)
		if st, ok := statusStyles[j.Status]; ok {
			status = st.Render(fmt.Sprintf("%-10s", status))
		}
		fmt.Fprintf(&b, "\n%-12s %-8s %-24s %s %6d %5d %5d",
			shorten(j.ID, 12), j.Platform, shorten(j.Target, 24), status,
			j.Counters.ItemCount, j.Counters.DuplicateCount, j.Counters.Iterations)
	}
	return b.String()
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Run starts the dashboard and blocks until the user quits.
func Run(src Source, addr string, interval time.Duration) error {
	_, err := tea.NewProgram(New(src, addr, interval), tea.WithAltScreen()).Run()
	return err
}
