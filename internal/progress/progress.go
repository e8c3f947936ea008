// Package progress is the terminal progress display of an export.
package progress

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cbegin/pianoreel/internal/export"
)

const barWidth = 40

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

var stages = []string{export.StageAudio, export.StageVideo, export.StageMux}

type ProgressMsg export.Progress

type DoneMsg struct {
	Result *export.Result
	Err    error
}

// ListenForProgress waits for the next progress update.
func ListenForProgress(ch <-chan export.Progress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-ch
		if !ok {
			return nil
		}
		return ProgressMsg(p)
	}
}

// WaitForDone waits for the export to return.
func WaitForDone(ch <-chan DoneMsg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

// Model is a bubbletea model showing one bar per export stage.
type Model struct {
	title      string
	fractions  map[string]float64
	updates    <-chan export.Progress
	done       <-chan DoneMsg
	cancel     func()
	cancelling bool
	finished   bool
	result     *export.Result
	err        error
}

// New builds the display. cancel is called once when the user interrupts.
func New(title string, updates <-chan export.Progress, done <-chan DoneMsg, cancel func()) Model {
	return Model{
		title:     title,
		fractions: map[string]float64{},
		updates:   updates,
		done:      done,
		cancel:    cancel,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(ListenForProgress(m.updates), WaitForDone(m.done))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if !m.cancelling {
				m.cancelling = true
				m.cancel()
			}
		}
	case ProgressMsg:
		m.fractions[msg.Stage] = msg.Fraction
		return m, ListenForProgress(m.updates)
	case DoneMsg:
		m.finished = true
		m.result, m.err = msg.Result, msg.Err
		if m.err == nil && m.result != nil && !m.result.Cancelled {
			// Intermediate updates may have been coalesced away.
			for stage := range m.fractions {
				m.fractions[stage] = 1
			}
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	for _, stage := range stages {
		f, started := m.fractions[stage]
		label := fmt.Sprintf("%-6s", stage)
		switch {
		case !started:
			b.WriteString(dimStyle.Render(label + " " + strings.Repeat("·", barWidth) + "   waiting"))
		case f >= 1:
			b.WriteString(doneStyle.Render(label + " " + strings.Repeat("█", barWidth) + "   done"))
		default:
			filled := int(f * barWidth)
			bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
			b.WriteString(label + " " + barStyle.Render(bar) + fmt.Sprintf(" %3.0f%%", f*100))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	switch {
	case m.finished:
		b.WriteString(m.summary())
	case m.cancelling:
		b.WriteString(warnStyle.Render("cancelling..."))
	default:
		b.WriteString(dimStyle.Render("ctrl+c to cancel"))
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) summary() string {
	switch {
	case m.err != nil:
		return errStyle.Render("export failed: " + m.err.Error())
	case m.result == nil:
		return ""
	case m.result.Cancelled:
		return warnStyle.Render("export cancelled, nothing was written")
	}
	var b strings.Builder
	b.WriteString(doneStyle.Render(fmt.Sprintf("saved %s (%d frames)", m.result.Path, m.result.Frames)))
	for _, w := range m.result.Warnings {
		b.WriteString("\n")
		b.WriteString(warnStyle.Render("warning: " + w))
	}
	return b.String()
}

// Result is the export outcome once DoneMsg arrived.
func (m Model) Result() (*export.Result, error) {
	return m.result, m.err
}
