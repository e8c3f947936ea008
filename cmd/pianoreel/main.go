package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver

	"github.com/cbegin/pianoreel"
	"github.com/cbegin/pianoreel/internal/config"
	"github.com/cbegin/pianoreel/internal/encode"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/synth"
)

var flags struct {
	configPath string
	soundFont  string
	ffmpeg     string
	logLevel   string
	program    string
	reverb     string
}

var rootCmd = &cobra.Command{
	Use:   "pianoreel",
	Short: "Record, replay and render keyboard performances",
	Long: `pianoreel records a MIDI keyboard to a Standard MIDI File, replays
recordings through a SoundFont synthesizer and renders them offline to a
falling-note video with audio.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "",
		"config file (default ~/.config/pianoreel/config.json)")
	rootCmd.PersistentFlags().StringVar(&flags.soundFont, "soundfont", "",
		"SoundFont (.sf2) used for replay and export")
	rootCmd.PersistentFlags().StringVar(&flags.ffmpeg, "ffmpeg", "",
		"ffmpeg executable")
	rootCmd.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", "",
		"log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flags.program, "program", "",
		"instrument name or General MIDI program number")
	rootCmd.PersistentFlags().StringVar(&flags.reverb, "reverb", "",
		"reverb preset: dry, room, stage, hall, cathedral")

	rootCmd.AddCommand(recordCmd, playCmd, exportCmd, inspectCmd, portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFile(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if flags.soundFont != "" {
		cfg.SoundFont = flags.soundFont
	}
	if flags.ffmpeg != "" {
		cfg.FFmpeg = flags.ffmpeg
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.program != "" {
		cfg.Playback.Program = flags.program
	}
	if flags.reverb != "" {
		cfg.Playback.Reverb = flags.reverb
	}
	return cfg, nil
}

// environment is what every subcommand needs.
type environment struct {
	cfg     *config.Config
	log     *zap.Logger
	synth   synth.Synthesizer
	program patch.Program
	reverb  patch.ReverbPreset
}

func newEnvironment() (*environment, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	program, err := cfg.Program()
	if err != nil {
		return nil, err
	}
	reverb, err := cfg.ReverbPreset()
	if err != nil {
		return nil, err
	}
	env := &environment{cfg: cfg, log: log, program: program, reverb: reverb}
	env.synth = synth.Unavailable{Reason: "no SoundFont configured (use --soundfont)"}
	if cfg.SoundFont != "" {
		sf, err := synth.LoadSoundFont(cfg.SoundFont)
		if err != nil {
			log.Warn("SoundFont unavailable, audio disabled", zap.String("path", cfg.SoundFont), zap.Error(err))
			env.synth = synth.Unavailable{Reason: err.Error()}
		} else {
			env.synth = sf
		}
	}
	return env, nil
}

// sessionOptions builds the session from the environment; extra options
// come last so they win.
func (env *environment) sessionOptions(extra ...pianoreel.Option) []pianoreel.Option {
	cfg := env.cfg
	opts := []pianoreel.Option{
		pianoreel.WithLogger(env.log),
		pianoreel.WithResolution(cfg.Resolution),
		pianoreel.WithSynthesizer(env.synth),
		pianoreel.WithPatch(env.program, env.reverb),
		pianoreel.WithTravel(time.Duration(cfg.Travel()) * time.Microsecond),
		pianoreel.WithVideoEncoder(&encode.FFmpegVideo{
			Bin:             cfg.FFmpeg,
			Preset:          cfg.Export.Preset,
			CRF:             cfg.Export.CRF,
			ShutdownTimeout: time.Duration(cfg.Export.ShutdownTimeoutSeconds) * time.Second,
			Log:             env.log,
		}),
		pianoreel.WithMuxer(&encode.FFmpegMux{Bin: cfg.FFmpeg, Log: env.log}),
	}
	return append(opts, extra...)
}

func (env *environment) close() {
	_ = env.log.Sync()
}
