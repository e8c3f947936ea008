// Package config persists the command-line tool's settings as JSON under
// ~/.config/pianoreel.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cbegin/pianoreel/internal/faults"
	"github.com/cbegin/pianoreel/internal/patch"
	"github.com/cbegin/pianoreel/internal/timeline"
)

// PlaybackConfig holds the replay defaults.
type PlaybackConfig struct {
	Transpose     int     `json:"transpose,omitempty"`
	VelocityCurve string  `json:"velocityCurve,omitempty"`
	Reverb        string  `json:"reverb,omitempty"`
	Program       string  `json:"program,omitempty"`
	BankMSB       uint8   `json:"bankMsb,omitempty"`
	BankLSB       uint8   `json:"bankLsb,omitempty"`
	TempoFactor   float64 `json:"tempoFactor,omitempty"`
	TravelMillis  int     `json:"travelMillis,omitempty"`
}

// ExportConfig holds the offline render defaults.
type ExportConfig struct {
	FPS                    int    `json:"fps,omitempty"`
	Width                  int    `json:"width,omitempty"`
	Height                 int    `json:"height,omitempty"`
	SampleRate             int    `json:"sampleRate,omitempty"`
	Preset                 string `json:"preset,omitempty"`
	CRF                    int    `json:"crf,omitempty"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds,omitempty"`
}

// InputConfig names the live MIDI input to record from.
type InputConfig struct {
	PortName string `json:"portName,omitempty"`
}

// Config is the main configuration structure
type Config struct {
	Resolution int            `json:"resolution,omitempty"`
	SoundFont  string         `json:"soundFont,omitempty"`
	FFmpeg     string         `json:"ffmpeg,omitempty"`
	LogLevel   string         `json:"logLevel,omitempty"`
	Playback   PlaybackConfig `json:"playback"`
	Export     ExportConfig   `json:"export"`
	Input      InputConfig    `json:"input"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Resolution: timeline.DefaultResolution,
		FFmpeg:     "ffmpeg",
		LogLevel:   "info",
		Playback: PlaybackConfig{
			VelocityCurve: patch.Linear.String(),
			Reverb:        patch.Room.String(),
			Program:       patch.DefaultProgram().DisplayName,
			TempoFactor:   1,
			TravelMillis:  3000,
		},
		Export: ExportConfig{
			FPS:                    30,
			Width:                  1280,
			Height:                 720,
			SampleRate:             44100,
			Preset:                 "veryfast",
			CRF:                    20,
			ShutdownTimeoutSeconds: 10,
		},
	}
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "pianoreel"), nil
}

// ConfigPath returns the full path to config.json
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from disk, or returns defaults if not found. Fields
// missing from the file keep their defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFile(path)
}

// LoadFile is Load for an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, faults.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, faults.Malformed("config %s: %v", path, err)
	}
	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveFile(path)
}

// SaveFile is Save for an explicit path.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return faults.Wrap(err, "create config directory")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return faults.Wrap(err, "write config")
	}
	return nil
}

// Travel is the fall time in microseconds.
func (c *Config) Travel() int64 {
	return int64(c.Playback.TravelMillis) * int64(time.Millisecond/time.Microsecond)
}

// Curve parses the configured velocity curve.
func (c *Config) Curve() (patch.Curve, error) {
	return patch.ParseCurve(c.Playback.VelocityCurve)
}

// ReverbPreset parses the configured reverb preset.
func (c *Config) ReverbPreset() (patch.ReverbPreset, error) {
	return patch.ParseReverb(c.Playback.Reverb)
}

// Program resolves the configured program. Explicit bank values override the
// preset's.
func (c *Config) Program() (patch.Program, error) {
	p, err := patch.ParseProgram(c.Playback.Program)
	if err != nil {
		return patch.Program{}, err
	}
	if c.Playback.BankMSB != 0 {
		p.BankMSB = c.Playback.BankMSB
	}
	if c.Playback.BankLSB != 0 {
		p.BankLSB = c.Playback.BankLSB
	}
	return p, nil
}

// Logger builds a zap logger at the configured level. "debug" selects the
// development encoder.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, faults.Malformed("log level %q", c.LogLevel)
	}
	zc := zap.NewProductionConfig()
	if level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
