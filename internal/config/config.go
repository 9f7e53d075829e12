// Package config loads the recorder configuration from YAML. The resulting
// Config is immutable after Load and is handed to every component at
// construction time.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete mirador configuration.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Database   Database   `yaml:"database"`
	Recorder   Recorder   `yaml:"recorder"`
	Transcoder Transcoder `yaml:"transcoder"`
	Detection  Detection  `yaml:"detection"`
	MQTT       MQTT       `yaml:"mqtt"`
	API        API        `yaml:"api"`
	Cameras    []Camera   `yaml:"cameras"`
}

// Storage describes where recordings live and how much space must stay free.
type Storage struct {
	Root              string        `yaml:"root"`
	MinFreeBytes      int64         `yaml:"min_free_bytes"`
	MinFreePercent    float64       `yaml:"min_free_percent"`
	HousekeepInterval time.Duration `yaml:"housekeep_interval"`
	BackfillGrace     time.Duration `yaml:"backfill_grace"` // files modified more recently are left alone
}

// Database selects the segment metadata store. An empty DSN keeps records
// in memory.
type Database struct {
	DSN string `yaml:"dsn"`
}

// Recorder holds the segmenter and session tunables.
type Recorder struct {
	SegmentLength     time.Duration `yaml:"segment_length"`
	Jitter            *bool         `yaml:"jitter"`
	StatInterval      time.Duration `yaml:"stat_interval"`
	StallIntervals    int           `yaml:"stall_intervals"`
	OverflowBytes     int           `yaml:"overflow_bytes"`
	OverflowIntervals int           `yaml:"overflow_intervals"`
	ReadSize          int           `yaml:"read_size"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	RestartDelay      time.Duration `yaml:"restart_delay"`
}

// JitterEnabled reports whether split times are randomized within the
// first minute after each boundary.
func (r Recorder) JitterEnabled() bool {
	return r.Jitter == nil || *r.Jitter
}

// Transcoder configures the external ffmpeg binaries.
type Transcoder struct {
	FFmpeg        string        `yaml:"ffmpeg"`
	FFprobe       string        `yaml:"ffprobe"`
	HWAccel       string        `yaml:"hwaccel"` // "", "cuda" or "vaapi"
	VideoEncoder  string        `yaml:"video_encoder"`
	AudioRate     int           `yaml:"audio_rate"`
	AudioChannels int           `yaml:"audio_channels"`
	RTSPTimeout   time.Duration `yaml:"rtsp_timeout"`
	HLSTime       int           `yaml:"hls_time"`
	HLSListSize   int           `yaml:"hls_list_size"`
}

// SampleSize is the byte width of one interleaved s16le audio sample frame.
func (t Transcoder) SampleSize() int {
	return 2 * t.AudioChannels
}

// Size is a frame size in pixels.
type Size struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Detection configures the decode leg and the inference worker.
type Detection struct {
	Size         `yaml:",inline"`
	Worker       []string       `yaml:"worker"`
	Timeout      time.Duration  `yaml:"timeout"`
	Labels       map[int]string `yaml:"labels"`
	PreviewEvery int            `yaml:"preview_every"`
}

// MQTT configures the optional event publisher.
type MQTT struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// API configures the status server.
type API struct {
	Addr         string        `yaml:"addr"`
	H3Addr       string        `yaml:"h3_addr"`
	OnlineWindow time.Duration `yaml:"online_window"`
}

// Camera is one capture source.
type Camera struct {
	ID        int64     `yaml:"id"`
	Name      string    `yaml:"name"`
	Enabled   bool      `yaml:"enabled"`
	Host      string    `yaml:"host"`
	Username  string    `yaml:"username"`
	Password  string    `yaml:"password"`
	Priority  float64   `yaml:"priority"`
	Stream    Stream    `yaml:"stream"`
	Motion    Feature   `yaml:"motion"`
	Object    Feature   `yaml:"object"`
	Face      Feature   `yaml:"face"`
	ALPR      Feature   `yaml:"alpr"`
	Overlays  []Overlay `yaml:"overlays"`
	StreamKey string    `yaml:"stream_key"` // SRT stream id
}

// Stream locates the camera's media endpoint.
type Stream struct {
	Protocol string `yaml:"protocol"` // rtsp, http or srt
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`
	ForceTCP bool   `yaml:"force_tcp"`
}

// Feature toggles one detector and whether its boxes are drawn.
type Feature struct {
	Enabled   bool `yaml:"enabled"`
	Visualize bool `yaml:"visualize"`
}

// Overlay is a text overlay burned into the live view and recording.
type Overlay struct {
	Enabled bool   `yaml:"enabled"`
	Text    string `yaml:"text"` // strftime-style, e.g. "%Y-%m-%d %H:%M:%S"
	X       int    `yaml:"x"`
	Y       int    `yaml:"y"`
	Color   string `yaml:"color"`
	Size    int    `yaml:"size"`
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a defaulted, validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no cameras.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	setDefault(&c.Storage.Root, "/var/lib/mirador")
	setDefault(&c.Storage.MinFreePercent, 10)
	setDefault(&c.Storage.HousekeepInterval, time.Minute)
	setDefault(&c.Storage.BackfillGrace, 2*time.Minute)

	setDefault(&c.Recorder.SegmentLength, 15*time.Minute)
	setDefault(&c.Recorder.StatInterval, 5*time.Second)
	setDefault(&c.Recorder.StallIntervals, 6)
	setDefault(&c.Recorder.OverflowBytes, 64<<20)
	setDefault(&c.Recorder.OverflowIntervals, 6)
	setDefault(&c.Recorder.ReadSize, 1<<20)
	setDefault(&c.Recorder.StopTimeout, 5*time.Second)
	setDefault(&c.Recorder.DrainTimeout, 2*time.Second)
	setDefault(&c.Recorder.RestartDelay, 10*time.Second)

	setDefault(&c.Transcoder.FFmpeg, "ffmpeg")
	setDefault(&c.Transcoder.FFprobe, "ffprobe")
	setDefault(&c.Transcoder.VideoEncoder, "libx264")
	setDefault(&c.Transcoder.AudioRate, 8000)
	setDefault(&c.Transcoder.AudioChannels, 1)
	setDefault(&c.Transcoder.RTSPTimeout, 5*time.Second)
	setDefault(&c.Transcoder.HLSTime, 3)
	setDefault(&c.Transcoder.HLSListSize, 450)

	setDefault(&c.Detection.Width, 1280)
	setDefault(&c.Detection.Height, 720)
	setDefault(&c.Detection.Timeout, 2*time.Second)
	setDefault(&c.Detection.PreviewEvery, 5)

	setDefault(&c.MQTT.ClientID, "mirador")
	setDefault(&c.MQTT.TopicPrefix, "mirador")

	setDefault(&c.API.Addr, ":4444")
	setDefault(&c.API.OnlineWindow, 30*time.Second)

	for i := range c.Cameras {
		cam := &c.Cameras[i]
		setDefault(&cam.Priority, 1)
		setDefault(&cam.Stream.Protocol, "rtsp")
		if cam.Stream.Port == 0 {
			switch cam.Stream.Protocol {
			case "rtsp":
				cam.Stream.Port = 554
			case "http":
				cam.Stream.Port = 80
			}
		}
	}
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.MinFreeBytes < 0 {
		errs = append(errs, errors.New("storage.min_free_bytes must not be negative"))
	}
	if c.Storage.MinFreePercent < 0 || c.Storage.MinFreePercent >= 100 {
		errs = append(errs, fmt.Errorf("storage.min_free_percent %v out of range [0,100)", c.Storage.MinFreePercent))
	}
	if c.Recorder.SegmentLength < time.Minute {
		errs = append(errs, fmt.Errorf("recorder.segment_length %s shorter than 1m", c.Recorder.SegmentLength))
	}
	if c.Recorder.StatInterval <= 0 {
		errs = append(errs, fmt.Errorf("recorder.stat_interval %s must be positive", c.Recorder.StatInterval))
	}
	if c.Recorder.StallIntervals < 1 || c.Recorder.OverflowIntervals < 1 {
		errs = append(errs, errors.New("recorder stall and overflow intervals must be at least 1"))
	}
	if c.Transcoder.AudioChannels < 1 {
		errs = append(errs, errors.New("transcoder.audio_channels must be at least 1"))
	}
	switch c.Transcoder.HWAccel {
	case "", "cuda", "vaapi":
	default:
		errs = append(errs, fmt.Errorf("transcoder.hwaccel %q not supported", c.Transcoder.HWAccel))
	}

	seen := make(map[int64]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.ID <= 0 {
			errs = append(errs, fmt.Errorf("camera %q: id must be positive", cam.Name))
			continue
		}
		if seen[cam.ID] {
			errs = append(errs, fmt.Errorf("camera %d: duplicate id", cam.ID))
		}
		seen[cam.ID] = true
		if cam.Host == "" {
			errs = append(errs, fmt.Errorf("camera %d: host is required", cam.ID))
		}
		if cam.Priority < 0 {
			errs = append(errs, fmt.Errorf("camera %d: priority must not be negative", cam.ID))
		}
		switch cam.Stream.Protocol {
		case "rtsp", "http", "srt":
		default:
			errs = append(errs, fmt.Errorf("camera %d: unknown protocol %q", cam.ID, cam.Stream.Protocol))
		}
	}
	return errors.Join(errs...)
}
