package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/pianoreel/internal/livein"
	"github.com/cbegin/pianoreel/internal/notes"
	"github.com/cbegin/pianoreel/internal/timebase"
	"github.com/cbegin/pianoreel/internal/timeline"
)

var inspectFlags struct {
	limit int
}

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE.mid",
	Short: "Print the tempo map and resolved notes of a recording",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List MIDI input and output ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "inputs:")
		for _, name := range livein.Ports() {
			fmt.Fprintln(out, "  "+name)
		}
		fmt.Fprintln(out, "outputs:")
		for _, p := range midi.GetOutPorts() {
			fmt.Fprintln(out, "  "+p.String())
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().IntVarP(&inspectFlags.limit, "limit", "n", 0, "print at most n notes (0 = all)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	tl, err := timeline.ReadFile(args[0])
	if err != nil {
		return err
	}
	res, err := notes.Resolve(tl)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: resolution %d, %d events, length %s\n", args[0], tl.Resolution, len(tl.Events),
		micros(tl.LengthMicros()))
	for _, ev := range tl.Events {
		if ev.Kind == timeline.Text && ev.TextType == timeline.TextTrackName {
			fmt.Fprintf(out, "track: %s\n", ev.Text)
		}
	}
	fmt.Fprintln(out, "tempo:")
	for _, p := range tl.Tempo.Points() {
		fmt.Fprintf(out, "  tick %-8d %7.2f bpm  at %s\n", p.Tick, timebase.BPM(p.MicrosPerQuarter),
			micros(tl.TicksToMicros(p.Tick)))
	}
	for _, iv := range res.Sustain {
		fmt.Fprintf(out, "sustain ch %d: ticks %d-%d\n", iv.Channel+1, iv.StartTick, iv.EndTick)
	}

	fmt.Fprintf(out, "notes (%d):\n", len(res.Notes))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ch\tkey\tvel\ton\trelease\tduration")
	for i, n := range res.Notes {
		if inspectFlags.limit > 0 && i >= inspectFlags.limit {
			fmt.Fprintf(w, "  ...\t%d more\n", len(res.Notes)-i)
			break
		}
		fmt.Fprintf(w, "  %d\t%d\t%d\t%s\t%s\t%s\n", n.Channel+1, n.Key, n.Velocity,
			micros(n.OnMicros), micros(n.ReleaseMicros), micros(n.DurationMicros()))
	}
	return w.Flush()
}

func micros(us int64) string {
	return (time.Duration(us) * time.Microsecond).Round(time.Millisecond).String()
}
