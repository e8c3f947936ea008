package progress

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cbegin/pianoreel/internal/export"
)

func TestProgressModelTracksStages(t *testing.T) {
	updates := make(chan export.Progress, 1)
	done := make(chan DoneMsg, 1)
	m := New("export", updates, done, func() {})

	next, cmd := m.Update(ProgressMsg{Stage: export.StageAudio, Fraction: 0.5})
	if cmd == nil {
		t.Fatalf("expected a command listening for the next update")
	}
	m = next.(Model)
	if m.fractions[export.StageAudio] != 0.5 {
		t.Fatalf("fractions %v", m.fractions)
	}
	if view := m.View(); !strings.Contains(view, " 50%") || !strings.Contains(view, "waiting") {
		t.Fatalf("view:\n%s", view)
	}

	next, _ = m.Update(DoneMsg{Result: &export.Result{Path: "out.mp4", Frames: 12, Warnings: []string{"video saved without audio: x"}}})
	m = next.(Model)
	if !m.finished || m.fractions[export.StageAudio] != 1 {
		t.Fatalf("done not applied: %+v", m)
	}
	view := m.View()
	if !strings.Contains(view, "saved out.mp4 (12 frames)") || !strings.Contains(view, "warning: video saved without audio") {
		t.Fatalf("summary:\n%s", view)
	}
}

func TestProgressModelCancelsOnce(t *testing.T) {
	calls := 0
	m := New("export", nil, nil, func() { calls++ })
	for i := 0; i < 2; i++ {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
		m = next.(Model)
	}
	if calls != 1 || !m.cancelling {
		t.Fatalf("cancel called %d times", calls)
	}
	if !strings.Contains(m.View(), "cancelling") {
		t.Fatalf("view does not show cancellation")
	}

	next, _ := m.Update(DoneMsg{Result: &export.Result{Cancelled: true}})
	if !strings.Contains(next.(Model).View(), "nothing was written") {
		t.Fatalf("cancelled summary missing")
	}
}

func TestProgressModelShowsFailure(t *testing.T) {
	m := New("export", nil, nil, func() {})
	next, _ := m.Update(DoneMsg{Err: errors.New("mux failed")})
	if !strings.Contains(next.(Model).View(), "export failed: mux failed") {
		t.Fatalf("failure not shown")
	}
}
