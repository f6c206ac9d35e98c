package viz

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/daesim/internal/dynamo"
	"github.com/san-kum/daesim/internal/integrators"
)

const (
	frameInterval = 30 * time.Millisecond
	historyLen    = 400
	maxPerFrame   = 256
)

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(frameInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model watches one integration run as it advances.
type Model struct {
	title string
	in    *integrators.Integrator
	p     dynamo.Problem
	t0    float64
	tEnd  float64
	x0    dynamo.State
	u     dynamo.Control

	run      *integrators.Run
	perFrame int
	comp     int
	paused   bool
	done     bool
	err      error

	values [][]float64
	steps  []float64
	phase  *Phase
	width  int
}

// NewModel prepares a run of p from (t0, x0) to tEnd. Nothing is
// integrated until the program starts ticking.
func NewModel(title string, in *integrators.Integrator, p dynamo.Problem, t0, tEnd float64, x0 dynamo.State, u dynamo.Control) (Model, error) {
	m := Model{
		title:    title,
		in:       in,
		p:        p,
		t0:       t0,
		tEnd:     tEnd,
		x0:       x0.Clone(),
		u:        u.Clone(),
		perFrame: 4,
		width:    80,
		phase:    NewPhase(30, 10, historyLen),
	}
	if err := m.restart(); err != nil {
		return Model{}, err
	}
	return m, nil
}

func (m *Model) restart() error {
	run, err := m.in.NewRun(m.p, m.t0, m.x0, m.u)
	if err != nil {
		return err
	}
	m.run = run
	m.done, m.err = false, nil
	m.values = make([][]float64, len(m.x0))
	m.steps = m.steps[:0]
	m.phase.Reset()
	m.sample()
	return nil
}

func (m *Model) sample() {
	for i, v := range m.run.X {
		m.values[i] = appendCapped(m.values[i], v)
	}
	if len(m.run.X) >= 2 {
		m.phase.Add(m.run.X[0], m.run.X[1])
	}
}

func appendCapped(s []float64, v float64) []float64 {
	s = append(s, v)
	if len(s) > historyLen {
		s = s[len(s)-historyLen:]
	}
	return s
}

// advance takes up to perFrame accepted steps.
func (m *Model) advance(ctx context.Context) {
	for i, n := 0, m.perFrame; i < n; i++ {
		ok, err := m.in.Advance(ctx, m.run, m.tEnd)
		if err != nil {
			m.err, m.done = err, true
			return
		}
		if !ok {
			m.done = true
			return
		}
		m.steps = appendCapped(m.steps, math.Log10(m.run.H))
		m.sample()
	}
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case " ":
			m.paused = !m.paused
		case "r":
			if err := m.restart(); err != nil {
				m.err = err
			}
		case "tab":
			if len(m.values) > 0 {
				m.comp = (m.comp + 1) % len(m.values)
			}
		case "+", "=":
			m.perFrame = min(maxPerFrame, m.perFrame*2)
		case "-", "_":
			m.perFrame = max(1, m.perFrame/2)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		if !m.paused && !m.done {
			m.advance(context.Background())
		}
		return m, tick()
	}
	return m, nil
}

func (m Model) status() string {
	switch {
	case m.err != nil:
		return statusFailed.Render("failed: " + m.err.Error())
	case m.done:
		return statusRunning.Render("done")
	case m.paused:
		return statusPaused.Render("paused")
	default:
		return statusRunning.Render("running")
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s  [%s]", m.title, m.in.Tableau().Name())))
	b.WriteString("\n")

	span := m.tEnd - m.t0
	frac := 1.0
	if span > 0 {
		frac = (m.run.T - m.t0) / span
	}
	st := m.run.Stats()
	stats := []string{
		labelStyle.Render("status") + m.status(),
		labelStyle.Render("t") + valueStyle.Render(fmt.Sprintf("%.6g / %g", m.run.T, m.tEnd)),
		labelStyle.Render("progress") + ProgressBar(frac, 30),
		labelStyle.Render("h") + valueStyle.Render(fmt.Sprintf("%.3e", m.run.H)),
		labelStyle.Render("accepted") + valueStyle.Render(fmt.Sprintf("%d", st.Accepted)),
		labelStyle.Render("rejected") + valueStyle.Render(fmt.Sprintf("%d", st.Rejected)),
		labelStyle.Render("evals") + valueStyle.Render(fmt.Sprintf("%d", st.Evaluations)),
		labelStyle.Render("steps/frame") + valueStyle.Render(fmt.Sprintf("%d", m.perFrame)),
	}
	left := panelStyle.Render(strings.Join(stats, "\n"))
	if len(m.run.X) >= 2 && m.phase.Len() > 1 {
		right := panelStyle.Render("x0 vs x1\n" + graphStyle.Render(m.phase.String()))
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, right))
	} else {
		b.WriteString(left)
	}
	b.WriteString("\n")

	if len(m.values) > 0 && len(m.values[m.comp]) > 0 {
		plot := asciigraph.Plot(m.values[m.comp],
			asciigraph.Height(10),
			asciigraph.Width(max(20, m.width-12)),
			asciigraph.Caption(fmt.Sprintf("x%d = %.6g", m.comp, m.run.X[m.comp])))
		b.WriteString(graphStyle.Render(plot))
		b.WriteString("\n")
	}
	b.WriteString(labelStyle.Render("log10 h") + Sparkline(m.steps, max(20, m.width-14)))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("space pause • r restart • tab component • +/- speed • q quit"))
	return b.String()
}

// Done reports whether the run reached its end time or failed.
func (m Model) Done() bool { return m.done }

func (m Model) Err() error { return m.err }

// Watch runs m full screen until the user quits.
func Watch(m Model) error {
	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(Model); ok && fm.err != nil {
		return fm.err
	}
	return nil
}
