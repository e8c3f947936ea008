package synth

import (
	"path/filepath"
	"testing"

	"github.com/cbegin/pianoreel/internal/faults"
)

func TestUnavailableReportsResourceUnavailable(t *testing.T) {
	_, err := Unavailable{}.Open(DefaultFormat())
	if !faults.Is(err, faults.ResourceUnavailable) {
		t.Fatalf("expected ResourceUnavailable, got %v", err)
	}
}

func TestLoadSoundFontMissingFile(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.sf2")} {
		if _, err := LoadSoundFont(path); !faults.Is(err, faults.ResourceUnavailable) {
			t.Fatalf("%q: expected ResourceUnavailable, got %v", path, err)
		}
	}
}

func TestLiveOutputWithoutSynthFails(t *testing.T) {
	out := NewLiveOutput(Unavailable{Reason: "test"})
	if _, err := out.Open(); !faults.Is(err, faults.ResourceUnavailable) {
		t.Fatalf("expected ResourceUnavailable, got %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close of unopened output: %v", err)
	}
}
