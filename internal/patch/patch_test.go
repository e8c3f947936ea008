package patch

import "testing"

func TestCurveProperties(t *testing.T) {
	for _, c := range []Curve{Linear, Soft, Hard} {
		t.Run(c.String(), func(t *testing.T) {
			if c.Map(0) != 0 || c.Map(127) != 127 {
				t.Fatalf("endpoints: %d %d", c.Map(0), c.Map(127))
			}
			prev := uint8(0)
			for v := 1; v <= 127; v++ {
				got := c.Map(uint8(v))
				if got < 1 || got > 127 {
					t.Fatalf("Map(%d) = %d out of range", v, got)
				}
				if got < prev {
					t.Fatalf("Map(%d) = %d decreased from %d", v, got, prev)
				}
				prev = got
			}
		})
	}
	if Soft.Map(40) <= 40 || Hard.Map(40) >= 40 {
		t.Fatalf("soft=%d hard=%d should bracket 40", Soft.Map(40), Hard.Map(40))
	}
}

func TestParse(t *testing.T) {
	if c, err := ParseCurve(" Hard "); err != nil || c != Hard {
		t.Fatalf("ParseCurve: %v %v", c, err)
	}
	if _, err := ParseCurve("spongy"); err == nil {
		t.Fatalf("expected error")
	}
	if r, err := ParseReverb("HALL"); err != nil || r.Reverb() != 72 || r.Chorus() != 12 {
		t.Fatalf("ParseReverb: %v %v", r, err)
	}
	p, err := ParseProgram("electric  piano 1")
	if err != nil || p.Program != 4 {
		t.Fatalf("ParseProgram: %+v %v", p, err)
	}
	p, err = ParseProgram("19")
	if err != nil || p.Program != 19 {
		t.Fatalf("numeric program: %+v %v", p, err)
	}
	if _, err := ParseProgram("200"); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestInvalidReverbIsDry(t *testing.T) {
	r := ReverbPreset(42)
	if r.Reverb() != 0 || r.Chorus() != 0 {
		t.Fatalf("invalid preset should be dry")
	}
}
