// Package monitor renders a live terminal view of one run.
//
// The Model is a BubbleTea model fed with EventMsg values as step events
// arrive. It quits on its own after the terminal event.
package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/events"
)

const (
	sparklineWidth  = 40
	sparklineHeight = 3
	historySize     = 40
	visibleSteps    = 8
	defaultMaxIter  = 50
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1)
	footerKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	sparklineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
)

// Messages understood by Model.
type (
	// EventMsg delivers one step event.
	EventMsg events.Event

	// ErrMsg reports that the event source failed. The model quits unless
	// the terminal event already arrived.
	ErrMsg struct{ Err error }

	stopResultMsg struct{ err error }
)

// Step is one rendered row.
type Step struct {
	Sequence int64
	Node     events.Node
	Text     string
	Took     time.Duration
}

// Options configures a Model.
type Options struct {
	ThreadID string
	RunID    string

	// MaxIterations scales the progress bar of linear runs.
	MaxIterations int

	// OnStop is called when the user presses "s". Nil disables the key.
	OnStop func() error

	// Now defaults to time.Now.
	Now func() time.Time
}

// Model is the BubbleTea run view.
type Model struct {
	opts    Options
	started time.Time
	last    time.Time

	steps     []Step
	durations []float64
	state     *engine.State
	terminal  bool
	stopping  bool
	quitting  bool
	err       error

	spinner  spinner.Model
	progress progress.Model
}

// NewModel creates a view for one run.
func NewModel(opts Options) Model {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIter
	}
	now := opts.Now()
	return Model{
		opts:      opts,
		started:   now,
		last:      now,
		durations: make([]float64, 0, historySize),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(sparklineStyle)),
		progress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "s":
			if m.terminal || m.stopping || m.opts.OnStop == nil {
				return m, nil
			}
			m.stopping = true
			stop := m.opts.OnStop
			return m, func() tea.Msg { return stopResultMsg{err: stop()} }
		}

	case stopResultMsg:
		if msg.err != nil {
			m.stopping = false
			m.err = msg.err
		}
		return m, nil

	case EventMsg:
		m.record(events.Event(msg))
		if m.terminal {
			return m, tea.Quit
		}
		return m, nil

	case ErrMsg:
		if m.terminal {
			return m, nil
		}
		m.err = msg.Err
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		if m.terminal {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) record(ev events.Event) {
	now := m.opts.Now()
	took := now.Sub(m.last)
	m.last = now

	if ev.ThreadID != "" {
		m.opts.ThreadID = ev.ThreadID
	}
	if ev.RunID != "" {
		m.opts.RunID = ev.RunID
	}
	m.state = ev.State
	m.terminal = ev.Terminal
	m.steps = append(m.steps, Step{Sequence: ev.Sequence, Node: ev.Node, Text: Describe(ev.State), Took: took})
	if len(m.steps) > historySize {
		m.steps = m.steps[1:]
	}
	m.durations = append(m.durations, took.Seconds())
	if len(m.durations) > historySize {
		m.durations = m.durations[1:]
	}
}

// State returns the state carried by the latest event, or nil.
func (m Model) State() *engine.State { return m.state }

// Steps returns the recorded rows, oldest first.
func (m Model) Steps() []Step { return m.steps }

// Err returns the last event source or stop error.
func (m Model) Err() error { return m.err }

// Done reports whether the terminal event arrived.
func (m Model) Done() bool { return m.terminal }

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting && !m.terminal && m.err == nil {
		return ""
	}
	var b strings.Builder

	elapsed := m.last.Sub(m.started)
	if !m.terminal {
		elapsed = m.opts.Now().Sub(m.started)
	}
	b.WriteString(headerStyle.Render(" taskpilot run ") + "\n")
	fmt.Fprintf(&b, "%s   %s %s   %s %s\n",
		m.statusBadge(),
		dimStyle.Render("Thread:"), valueStyle.Render(m.opts.ThreadID),
		dimStyle.Render("Elapsed:"), valueStyle.Render(FormatElapsed(elapsed)))
	if m.state != nil && m.state.Goal != "" {
		b.WriteString(labelStyle.Render("  Goal: ") + truncate(m.state.Goal, 70) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Progress") + "\n")
	frac := Progress(m.state, m.opts.MaxIterations)
	b.WriteString("  " + m.progress.ViewAs(frac) + " " + dimStyle.Render(m.progressLabel()) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Step time") + "\n")
	b.WriteString(m.sparkline() + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Steps") + "\n")
	if len(m.steps) == 0 {
		b.WriteString(dimStyle.Render("  waiting for the first step...") + "\n")
	}
	start := max(len(m.steps)-visibleSteps, 0)
	for _, s := range m.steps[start:] {
		fmt.Fprintf(&b, "  %s %s %s %s\n",
			dimStyle.Render(fmt.Sprintf("%4d", s.Sequence)),
			labelStyle.Render(fmt.Sprintf("%-9s", s.Node)),
			truncate(s.Text, 60),
			dimStyle.Render(FormatElapsed(s.Took)))
	}

	if out := m.outcome(); out != "" {
		b.WriteString("\n" + out + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("⚠ "+m.err.Error()) + "\n")
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit")
	if m.opts.OnStop != nil && !m.terminal {
		footer += "  " + footerKeyStyle.Render("[s]") + footerStyle.Render(" stop")
	}
	b.WriteString("\n" + footer)
	return containerStyle.Render(b.String())
}

func (m Model) statusBadge() string {
	st := m.state
	switch {
	case st != nil && st.Status == engine.StatusError:
		return errorStyle.Render("✗ ERROR")
	case st != nil && st.Status == engine.StatusStopped:
		return warningStyle.Render("■ STOPPED")
	case st != nil && st.PendingQuestion != "":
		return warningStyle.Render("? QUESTION")
	case m.terminal:
		return healthyStyle.Render("✓ COMPLETE")
	case m.stopping:
		return warningStyle.Render(m.spinner.View() + " STOPPING")
	default:
		return healthyStyle.Render(m.spinner.View() + " RUNNING")
	}
}

func (m Model) progressLabel() string {
	st := m.state
	if st == nil {
		return "0%"
	}
	if st.Graph != nil && st.Graph.TaskCount > 0 {
		return fmt.Sprintf("%d/%d tasks", st.Graph.CompletedCount, st.Graph.TaskCount)
	}
	return fmt.Sprintf("%d/%d iterations", st.IterationCount, m.opts.MaxIterations)
}

func (m Model) sparkline() string {
	if len(m.durations) == 0 {
		return dimStyle.Render(fmt.Sprintf("  %*s", sparklineWidth, "no data"))
	}
	spark := sparkline.New(sparklineWidth, sparklineHeight, sparkline.WithStyle(sparklineStyle))
	spark.PushAll(m.durations)
	spark.Draw()
	return spark.View()
}

func (m Model) outcome() string {
	st := m.state
	if st == nil || !m.terminal {
		return ""
	}
	switch {
	case st.Error != "":
		return errorStyle.Render("Failed: ") + st.Error
	case st.PendingQuestion != "":
		return warningStyle.Render("Question: ") + st.PendingQuestion
	case st.Status == engine.StatusStopped:
		return warningStyle.Render("Stopped")
	default:
		return healthyStyle.Render("Result: ") + st.Result
	}
}
