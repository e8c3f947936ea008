// Package livein feeds messages from a MIDI input port into a recording
// target. Messages arrive on the driver's callback goroutine; the target
// must therefore be safe for concurrent use and must not block.
package livein

import (
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"go.uber.org/zap"

	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/route"
	"github.com/cbegin/pianoreel/internal/timeline"
)

// Target receives performance events stamped with their arrival instant.
// *recorder.Recorder implements it.
type Target interface {
	NoteOn(key, velocity uint8, at time.Time) error
	NoteOff(key, velocity uint8, at time.Time) error
	Sustain(on bool, at time.Time) error
	Control(controller, value uint8, at time.Time) error
	Program(program uint8, at time.Time) error
}

type Option func(*Input)

// WithChannel accepts only messages on ch. The default is every channel.
func WithChannel(ch uint8) Option {
	return func(in *Input) {
		c := int(ch & 0x0F)
		in.channel = &c
	}
}

// WithMonitor also forwards every accepted message to sink, for hearing the
// performance while it is recorded.
func WithMonitor(sink route.Sink) Option {
	return func(in *Input) { in.monitor = sink }
}

// WithClock replaces time.Now as the arrival stamp.
func WithClock(now func() time.Time) Option {
	return func(in *Input) { in.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(in *Input) {
		if log != nil {
			in.log = log
		}
	}
}

// Input is a listening port, or a detached dispatcher when built with
// NewDispatcher.
type Input struct {
	target  Target
	channel *int
	monitor route.Sink
	now     func() time.Time
	log     *zap.Logger

	mu       sync.Mutex
	stop     func()
	port     string
	received int
	dropped  int
}

// NewDispatcher builds an Input that is not attached to a port; Dispatch
// delivers messages to target.
func NewDispatcher(target Target, opts ...Option) *Input {
	in := &Input{target: target, now: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		opt(in)
	}
	in.log = in.log.Named("livein")
	return in
}

// Listen starts delivering messages from port to target.
func Listen(port drivers.In, target Target, opts ...Option) (*Input, error) {
	in := NewDispatcher(target, opts...)
	stop, err := midi.ListenTo(port, func(msg midi.Message, _ int32) {
		in.Dispatch(msg)
	})
	if err != nil {
		return nil, faults.Unavailable(err, "open MIDI input "+port.String())
	}
	in.mu.Lock()
	in.stop, in.port = stop, port.String()
	in.mu.Unlock()
	in.log.Info("listening", zap.String("port", port.String()))
	return in, nil
}

// ListenByName opens the first input port whose name contains name.
func ListenByName(name string, target Target, opts ...Option) (*Input, error) {
	port, err := midi.FindInPort(name)
	if err != nil {
		return nil, faults.Unavailable(err, "MIDI input "+name+" not found")
	}
	return Listen(port, target, opts...)
}

// Ports lists the input port names the registered driver reports.
func Ports() []string {
	var names []string
	for _, p := range midi.GetInPorts() {
		names = append(names, p.String())
	}
	return names
}

// Port is the name of the attached port, empty for a dispatcher.
func (in *Input) Port() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.port
}

// Dispatch stamps msg with the current instant and delivers it.
func (in *Input) Dispatch(msg midi.Message) {
	in.DispatchAt(msg, in.now())
}

// DispatchAt delivers msg as if it arrived at at. Messages the target does
// not record (clock, sysex, pitch bend) are ignored.
func (in *Input) DispatchAt(msg midi.Message, at time.Time) {
	var ch, a, b uint8
	var err error
	switch {
	case msg.GetNoteStart(&ch, &a, &b):
		if !in.accept(ch) {
			return
		}
		err = in.target.NoteOn(a, b, at)
	case msg.GetNoteEnd(&ch, &a):
		if !in.accept(ch) {
			return
		}
		// b stays zero for a NoteOn with velocity zero.
		msg.GetNoteOff(&ch, &a, &b)
		err = in.target.NoteOff(a, b, at)
	case msg.GetControlChange(&ch, &a, &b):
		if !in.accept(ch) {
			return
		}
		if a == timeline.CCSustain {
			err = in.target.Sustain(b >= 64, at)
		} else {
			err = in.target.Control(a, b, at)
		}
	case msg.GetProgramChange(&ch, &a):
		if !in.accept(ch) {
			return
		}
		err = in.target.Program(a, at)
	default:
		return
	}

	in.mu.Lock()
	if err != nil {
		in.dropped++
	} else {
		in.received++
	}
	in.mu.Unlock()
	if err != nil {
		in.log.Debug("event not recorded", zap.Stringer("msg", msg), zap.Error(err))
		return
	}
	if in.monitor != nil {
		if err := in.monitor(msg); err != nil {
			in.log.Debug("monitor", zap.Error(err))
		}
	}
}

func (in *Input) accept(ch uint8) bool {
	return in.channel == nil || int(ch) == *in.channel
}

// Counts returns how many messages were delivered and how many the target
// rejected.
func (in *Input) Counts() (received, dropped int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.received, in.dropped
}

// Close stops listening. It is safe to call more than once.
func (in *Input) Close() error {
	in.mu.Lock()
	stop := in.stop
	in.stop = nil
	in.mu.Unlock()
	if stop != nil {
		stop()
		in.log.Info("stopped listening", zap.String("port", in.Port()))
	}
	return nil
}
