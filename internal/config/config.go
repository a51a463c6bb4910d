package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shelftag/internal/wire"
)

// Config is loaded once at startup; nothing in it is reconfigurable while
// the agent runs.
type Config struct {
	LogLevel     string             `json:"log_level" yaml:"log_level"`
	LogFormat    string             `json:"log_format" yaml:"log_format"`
	Acquisition  AcquisitionConfig  `json:"acquisition" yaml:"acquisition"`
	UWB          UWBConfig          `json:"uwb" yaml:"uwb"`
	Anchors      AnchorsConfig      `json:"anchors" yaml:"anchors"`
	Synchronizer SynchronizerConfig `json:"synchronizer" yaml:"synchronizer"`
	Link         LinkConfig         `json:"link" yaml:"link"`
	Payload      PayloadConfig      `json:"payload" yaml:"payload"`
	Journal      JournalConfig      `json:"journal" yaml:"journal"`
	API          APIConfig          `json:"api" yaml:"api"`
}

type SerialConfig struct {
	Port     string `json:"port" yaml:"port"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Parity   string `json:"parity" yaml:"parity"`
}

type AcquisitionConfig struct {
	Driver         string        `json:"driver" yaml:"driver"`
	Serial         SerialConfig  `json:"serial" yaml:"serial"`
	PollIterations int           `json:"poll_iterations" yaml:"poll_iterations"`
	MaxTags        int           `json:"max_tags" yaml:"max_tags"`
	FrameTimeout   time.Duration `json:"frame_timeout" yaml:"frame_timeout"`
	PollTimeout    time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
	FailureBackoff time.Duration `json:"failure_backoff" yaml:"failure_backoff"`
	Sim            SimConfig     `json:"sim" yaml:"sim"`
}

type SimConfig struct {
	Population   int           `json:"population" yaml:"population"`
	PollDuration time.Duration `json:"poll_duration" yaml:"poll_duration"`
	Seed         int64         `json:"seed" yaml:"seed"`
}

type UWBConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Serial        SerialConfig  `json:"serial" yaml:"serial"`
	LineBuffer    int           `json:"line_buffer" yaml:"line_buffer"`
	SessionBuffer int           `json:"session_buffer" yaml:"session_buffer"`
	ReadTimeout   time.Duration `json:"read_timeout" yaml:"read_timeout"`
	ReopenBackoff time.Duration `json:"reopen_backoff" yaml:"reopen_backoff"`
}

type AnchorsConfig struct {
	Capacity        int           `json:"capacity" yaml:"capacity"`
	FreshnessWindow time.Duration `json:"freshness_window" yaml:"freshness_window"`
}

type SynchronizerConfig struct {
	IdleSleep time.Duration `json:"idle_sleep" yaml:"idle_sleep"`
}

type TopicsConfig struct {
	Data    string `json:"data" yaml:"data"`
	Control string `json:"control" yaml:"control"`
	Status  string `json:"status" yaml:"status"`
}

type LinkConfig struct {
	Driver            string        `json:"driver" yaml:"driver"`
	Brokers           []string      `json:"brokers" yaml:"brokers"`
	ClientID          string        `json:"client_id" yaml:"client_id"`
	Username          string        `json:"username" yaml:"username"`
	Password          string        `json:"password" yaml:"password"`
	Topics            TopicsConfig  `json:"topics" yaml:"topics"`
	QoS               byte          `json:"qos" yaml:"qos"`
	KeepAlive         time.Duration `json:"keep_alive" yaml:"keep_alive"`
	ReconnectInterval time.Duration `json:"reconnect_interval" yaml:"reconnect_interval"`
	ConnectTimeout    time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	PublishTimeout    time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
	StartEnabled      bool          `json:"start_enabled" yaml:"start_enabled"`
	ControlGroupID    string        `json:"control_group_id" yaml:"control_group_id"`
}

type PayloadConfig struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
	Queue   int    `json:"queue" yaml:"queue"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Acquisition: AcquisitionConfig{
			Driver:         "sim",
			Serial:         SerialConfig{Port: "/dev/ttyUSB0", BaudRate: 115200},
			PollIterations: 100,
			MaxTags:        200,
			FrameTimeout:   500 * time.Millisecond,
			PollTimeout:    3 * time.Second,
			FailureBackoff: 500 * time.Millisecond,
			Sim:            SimConfig{Population: 12, PollDuration: 2 * time.Second, Seed: 1},
		},
		UWB: UWBConfig{
			Enabled:       false,
			Serial:        SerialConfig{Port: "/dev/ttyACM0", BaudRate: 115200},
			LineBuffer:    2048,
			SessionBuffer: 2048,
			ReadTimeout:   100 * time.Millisecond,
			ReopenBackoff: 2 * time.Second,
		},
		Anchors: AnchorsConfig{
			Capacity:        30,
			FreshnessWindow: 3000 * time.Millisecond,
		},
		Synchronizer: SynchronizerConfig{IdleSleep: 10 * time.Millisecond},
		Link: LinkConfig{
			Driver:  "mqtt",
			Brokers: []string{"tcp://localhost:1883"},
			Topics: TopicsConfig{
				Data:    "store/production",
				Control: "store/control",
				Status:  "store/status",
			},
			KeepAlive:         30 * time.Second,
			ReconnectInterval: 5 * time.Second,
			ConnectTimeout:    3 * time.Second,
			PublishTimeout:    2 * time.Second,
			ControlGroupID:    "shelftag-control",
		},
		Payload: PayloadConfig{BufferSize: 32 * 1024},
		Journal: JournalConfig{Enabled: false, Driver: "sqlite", DSN: "file:shelftag.db?_pragma=busy_timeout(5000)", Queue: 64},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Acquisition.Driver == "" {
		cfg.Acquisition.Driver = def.Acquisition.Driver
	}
	if cfg.Acquisition.PollIterations <= 0 {
		cfg.Acquisition.PollIterations = def.Acquisition.PollIterations
	}
	if cfg.Acquisition.MaxTags <= 0 {
		cfg.Acquisition.MaxTags = def.Acquisition.MaxTags
	}
	if cfg.Acquisition.FrameTimeout <= 0 {
		cfg.Acquisition.FrameTimeout = def.Acquisition.FrameTimeout
	}
	if cfg.Acquisition.PollTimeout <= 0 {
		cfg.Acquisition.PollTimeout = def.Acquisition.PollTimeout
	}
	if cfg.UWB.SessionBuffer <= 0 {
		cfg.UWB.SessionBuffer = def.UWB.SessionBuffer
	}
	// sessions may arrive as a single line
	if cfg.UWB.LineBuffer <= 0 {
		cfg.UWB.LineBuffer = cfg.UWB.SessionBuffer
	}
	if cfg.UWB.ReadTimeout <= 0 {
		cfg.UWB.ReadTimeout = def.UWB.ReadTimeout
	}
	if cfg.UWB.ReopenBackoff <= 0 {
		cfg.UWB.ReopenBackoff = def.UWB.ReopenBackoff
	}
	if cfg.Anchors.Capacity <= 0 {
		cfg.Anchors.Capacity = def.Anchors.Capacity
	}
	if cfg.Anchors.FreshnessWindow <= 0 {
		cfg.Anchors.FreshnessWindow = def.Anchors.FreshnessWindow
	}
	if cfg.Synchronizer.IdleSleep <= 0 {
		cfg.Synchronizer.IdleSleep = def.Synchronizer.IdleSleep
	}
	if cfg.Link.ReconnectInterval <= 0 {
		cfg.Link.ReconnectInterval = def.Link.ReconnectInterval
	}
	if cfg.Link.ConnectTimeout <= 0 {
		cfg.Link.ConnectTimeout = def.Link.ConnectTimeout
	}
	if cfg.Link.PublishTimeout <= 0 {
		cfg.Link.PublishTimeout = def.Link.PublishTimeout
	}
	if cfg.Link.KeepAlive <= 0 {
		cfg.Link.KeepAlive = def.Link.KeepAlive
	}
	if cfg.Payload.BufferSize <= 0 {
		cfg.Payload.BufferSize = def.Payload.BufferSize
	}
	if cfg.Journal.Queue <= 0 {
		cfg.Journal.Queue = def.Journal.Queue
	}
}

// Validate rejects configurations the agent cannot run with. An undersized
// payload buffer is reported here rather than as a per-cycle publish failure.
func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Acquisition.Driver) {
	case "sim":
	case "uhf":
		if cfg.Acquisition.Serial.Port == "" {
			return errors.New("acquisition.serial.port required when acquisition.driver is uhf")
		}
	default:
		return fmt.Errorf("acquisition.driver %q unsupported: expected uhf or sim", cfg.Acquisition.Driver)
	}
	if cfg.Acquisition.PollIterations > 0xFFFF {
		return fmt.Errorf("acquisition.poll_iterations %d exceeds 65535", cfg.Acquisition.PollIterations)
	}
	if cfg.UWB.Enabled && cfg.UWB.Serial.Port == "" {
		return errors.New("uwb.serial.port required when uwb.enabled is true")
	}
	if cfg.UWB.SessionBuffer < cfg.UWB.LineBuffer {
		return fmt.Errorf("uwb.session_buffer (%d) must be >= uwb.line_buffer (%d)", cfg.UWB.SessionBuffer, cfg.UWB.LineBuffer)
	}
	switch strings.ToLower(cfg.Link.Driver) {
	case "none":
	case "mqtt", "kafka":
		if len(cfg.Link.Brokers) == 0 {
			return fmt.Errorf("link.brokers required for link.driver %s", cfg.Link.Driver)
		}
		if cfg.Link.Topics.Data == "" || cfg.Link.Topics.Control == "" {
			return errors.New("link.topics.data and link.topics.control are required")
		}
	default:
		return fmt.Errorf("link.driver %q unsupported: expected mqtt, kafka or none", cfg.Link.Driver)
	}
	if cfg.Link.QoS > 2 {
		return fmt.Errorf("link.qos %d out of range", cfg.Link.QoS)
	}
	if cfg.Journal.Enabled {
		switch strings.ToLower(cfg.Journal.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("journal.driver %q unsupported", cfg.Journal.Driver)
		}
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if need := wire.WorstCaseSize(cfg.Acquisition.MaxTags, cfg.Anchors.Capacity); need > cfg.Payload.BufferSize {
		return fmt.Errorf("payload.buffer_size %d too small: worst case for %d tags and %d anchors is %d bytes",
			cfg.Payload.BufferSize, cfg.Acquisition.MaxTags, cfg.Anchors.Capacity, need)
	}
	return nil
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
