package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/cbegin/pianoreel"
	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/route"
)

var playFlags struct {
	port      string
	portOnly  bool
	tempo     float64
	transpose int
	curve     string
	start     time.Duration
}

var playCmd = &cobra.Command{
	Use:   "play FILE.mid",
	Short: "Replay a recording through the SoundFont or a MIDI output port",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlay,
}

func init() {
	playCmd.Flags().StringVarP(&playFlags.port, "port", "p", "",
		"also send to this MIDI output port")
	playCmd.Flags().BoolVar(&playFlags.portOnly, "port-only", false,
		"send only to --port, without the SoundFont")
	playCmd.Flags().Float64Var(&playFlags.tempo, "tempo", 0,
		"playback speed factor (default: config playback.tempoFactor)")
	playCmd.Flags().IntVarP(&playFlags.transpose, "transpose", "t", 0,
		"transpose in semitones (percussion is never transposed)")
	playCmd.Flags().StringVar(&playFlags.curve, "curve", "",
		"velocity curve: linear, soft, hard")
	playCmd.Flags().DurationVar(&playFlags.start, "start", 0,
		"start position, e.g. 1m30s")
}

// portDevice replays into a hardware output port.
type portDevice struct {
	out drivers.Out
}

func (d portDevice) Open() (route.Sink, error) {
	send, err := midi.SendTo(d.out)
	if err != nil {
		return nil, faults.Unavailable(err, "open MIDI output "+d.out.String())
	}
	return send, nil
}

func (d portDevice) Close() error { return d.out.Close() }

func runPlay(cmd *cobra.Command, args []string) error {
	env, err := newEnvironment()
	if err != nil {
		return err
	}
	defer env.close()
	cfg := env.cfg

	var extra []pianoreel.Option
	if playFlags.port != "" {
		out, err := midi.FindOutPort(playFlags.port)
		if err != nil {
			return faults.Unavailable(err, "MIDI output "+playFlags.port+" not found")
		}
		if playFlags.portOnly {
			extra = append(extra, pianoreel.WithDevice(portDevice{out: out}))
		} else {
			send, err := midi.SendTo(out)
			if err != nil {
				return faults.Unavailable(err, "open MIDI output "+playFlags.port)
			}
			defer out.Close()
			extra = append(extra, pianoreel.WithExtraSink(send))
		}
	}

	s, err := pianoreel.New(env.sessionOptions(extra...)...)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.LoadFile(args[0]); err != nil {
		return err
	}
	tempo := cfg.Playback.TempoFactor
	if playFlags.tempo > 0 {
		tempo = playFlags.tempo
	}
	s.SetTempoFactor(tempo)
	transpose := cfg.Playback.Transpose
	if cmd.Flags().Changed("transpose") {
		transpose = playFlags.transpose
	}
	s.SetTranspose(transpose)
	curveName := cfg.Playback.VelocityCurve
	if playFlags.curve != "" {
		curveName = playFlags.curve
	}
	curve, err := patch.ParseCurve(curveName)
	if err != nil {
		return err
	}
	s.SetVelocityCurve(curve)
	if playFlags.start > 0 {
		s.SeekTo(playFlags.start.Microseconds())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() { _ = s.Run(ctx) }()

	events := s.Watch()
	if err := s.Play(); err != nil {
		return err
	}
	length := time.Duration(s.Transport().Length()) * time.Microsecond
	fmt.Fprintf(cmd.OutOrStdout(), "playing %s (%s) at %.2fx\n", args[0], length.Round(time.Millisecond), tempo)

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		case ev := <-events:
			if ev.Kind == pianoreel.EventPlaybackEnded {
				s.Wait()
				fmt.Fprintln(cmd.OutOrStdout(), "playback completed")
				return nil
			}
		}
	}
}
