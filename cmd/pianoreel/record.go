package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cbegin/pianoreel"
	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/livein"
	"github.com/cbegin/pianoreel/internal/synth"
)

var recordFlags struct {
	port    string
	monitor bool
}

var recordCmd = &cobra.Command{
	Use:   "record OUT.mid",
	Short: "Record a MIDI keyboard until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecord,
}

func init() {
	recordCmd.Flags().StringVarP(&recordFlags.port, "port", "p", "",
		"input port name (default: config input.portName, then the first port)")
	recordCmd.Flags().BoolVarP(&recordFlags.monitor, "monitor", "m", false,
		"play the performance through the SoundFont while recording")
}

func runRecord(cmd *cobra.Command, args []string) error {
	env, err := newEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	port := recordFlags.port
	if port == "" {
		port = env.cfg.Input.PortName
	}
	if port == "" {
		ports := livein.Ports()
		if len(ports) == 0 {
			return faults.Unavailable(nil, "no MIDI input ports")
		}
		port = ports[0]
	}

	s, err := pianoreel.New(env.sessionOptions()...)
	if err != nil {
		return err
	}
	defer s.Close()

	inOpts := []livein.Option{livein.WithLogger(env.log)}
	if recordFlags.monitor {
		out := synth.NewLiveOutput(env.synth,
			synth.WithProgram(env.program),
			synth.WithReverb(env.reverb),
			synth.WithLiveLogger(env.log))
		sink, err := out.Open()
		if err != nil {
			env.log.Warn("monitor unavailable", zap.Error(err))
		} else {
			defer out.Close()
			inOpts = append(inOpts, livein.WithMonitor(sink))
		}
	}

	if err := s.StartRecording(port); err != nil {
		return err
	}
	in, err := livein.ListenByName(port, s.Recorder(), inOpts...)
	if err != nil {
		_, _ = s.StopRecording("")
		return err
	}
	defer in.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	fmt.Fprintf(cmd.OutOrStdout(), "recording from %s, press Ctrl+C to stop\n", in.Port())
	started := time.Now()
	<-ctx.Done()

	_ = in.Close()
	tl, err := s.StopRecording(args[0])
	if err != nil {
		return err
	}
	received, dropped := in.Counts()
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s: %d events, %s (wall %s), %d dropped\n",
		args[0], received, time.Duration(tl.LengthMicros())*time.Microsecond,
		time.Since(started).Round(time.Millisecond), dropped)
	return nil
}
