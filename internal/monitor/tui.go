// Package monitor also ships a trimmed terminal dashboard built on
// bubbles/list.Model with lipgloss status-color styling: a single
// auto-refreshing list of in-flight tasks.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/saryou/taskkit/internal/backend"
	"github.com/saryou/taskkit/internal/task"
)

var (
	dashboardTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))

	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	statusReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

// taskItem adapts a task.Task to bubbles/list.Item.
type taskItem struct {
	t     task.Task
	state task.State
}

func (i taskItem) FilterValue() string { return i.t.ID }
func (i taskItem) Title() string       { return fmt.Sprintf("%s/%s %s", i.t.Group, i.t.Name, i.t.ID) }
func (i taskItem) Description() string {
	switch i.state {
	case task.StateRunning:
		return statusRunning.Render("● running") + " " + i.t.Assignee
	case task.StatePending:
		return statusPending.Render("● pending")
	default:
		return statusReady.Render("● ready")
	}
}

// Dashboard is a bubbletea model that polls an Inspector-capable
// backend.Backend on an interval and renders in-flight tasks.
type Dashboard struct {
	be       backend.Backend
	interval time.Duration
	list     list.Model
	width    int
	height   int
}

// NewDashboard creates a Dashboard polling be every interval.
func NewDashboard(be backend.Backend, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	l := list.New(nil, list.NewDefaultDelegate(), 80, 20)
	l.Title = "taskkit"
	l.Styles.Title = dashboardTitleStyle
	return &Dashboard{be: be, interval: interval, list: l}
}

type tasksMsg struct {
	items []list.Item
	err   error
}

type tickMsg time.Time

func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(d.refresh(), d.tick())
}

func (d *Dashboard) tick() tea.Cmd {
	return tea.Tick(d.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (d *Dashboard) refresh() tea.Cmd {
	return func() tea.Msg {
		insp, ok := d.be.(backend.Inspector)
		if !ok {
			return tasksMsg{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		tasks, err := insp.ListTasks(ctx, "")
		if err != nil {
			return tasksMsg{err: err}
		}
		now := time.Now()
		items := make([]list.Item, len(tasks))
		for i, t := range tasks {
			items[i] = taskItem{t: t, state: t.DerivedState(now, false)}
		}
		return tasksMsg{items: items}
	}
}

func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		d.width, d.height = m.Width, m.Height
		d.list.SetSize(m.Width, m.Height)
	case tea.KeyMsg:
		switch m.String() {
		case "q", "ctrl+c":
			return d, tea.Quit
		case "r":
			return d, d.refresh()
		}
	case tickMsg:
		return d, tea.Batch(d.refresh(), d.tick())
	case tasksMsg:
		if m.err == nil {
			d.list.SetItems(m.items)
		}
		return d, nil
	}
	var cmd tea.Cmd
	d.list, cmd = d.list.Update(msg)
	return d, cmd
}

func (d *Dashboard) View() string {
	return d.list.View()
}
