package main

import (
	"bytes"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a Go duration string ("2ms") in the config file.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", b)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config is what a simulation run is made of.
type Config struct {
	// Frames is the number of frames to draw.
	Frames int `toml:"frames"`
	// FramesInFlight is the number of frame slots of the scheduler.
	FramesInFlight int `toml:"frames_in_flight"`
	// Images is the number of presentable images of the swapchain.
	Images int `toml:"images"`
	// AcquireOrder is the scripted order images are acquired in, round robin when empty.
	AcquireOrder []int `toml:"acquire_order"`
	// Latency is how long the simulated device takes for each submission.
	Latency Duration `toml:"latency"`
	// FenceTimeout bounds the scheduler's fence waits, unbounded when zero.
	FenceTimeout Duration `toml:"fence_timeout"`
	// TextureSize is the edge of the square RGBA texture uploaded before the first frame.
	// Zero skips the upload.
	TextureSize int `toml:"texture_size"`
	// StaleEvery marks the surface stale every that many frames, never when zero.
	StaleEvery int `toml:"stale_every"`
	// LogLevel is one of debug, info, warn and error.
	LogLevel string `toml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		Frames:         600,
		FramesInFlight: 2,
		Images:         3,
		Latency:        Duration(2 * time.Millisecond),
		TextureSize:    256,
		LogLevel:       "info",
	}
}

// LoadConfig reads the TOML file at path over the defaults. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := cfg.decode(data); err != nil {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(c)
}

func (c *Config) Validate() error {
	if c.Frames < 0 {
		return errors.Newf("frames must not be negative, got %d", c.Frames)
	}
	if c.FramesInFlight < 1 {
		return errors.Newf("frames_in_flight must be at least 1, got %d", c.FramesInFlight)
	}
	if c.Images < c.FramesInFlight {
		return errors.Newf("images (%d) must be at least frames_in_flight (%d)", c.Images, c.FramesInFlight)
	}
	for _, i := range c.AcquireOrder {
		if i < 0 || i >= c.Images {
			return errors.Newf("acquire_order entry %d is not an image index below %d", i, c.Images)
		}
	}
	if c.Latency < 0 || c.FenceTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.TextureSize < 0 {
		return errors.Newf("texture_size must not be negative, got %d", c.TextureSize)
	}
	if c.StaleEvery < 0 {
		return errors.Newf("stale_every must not be negative, got %d", c.StaleEvery)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, errors.Wrapf(err, "log_level %q", c.LogLevel)
	}
	return l, nil
}
