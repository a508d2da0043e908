package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Remote backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Connectivity sources.
const (
	SourceNATS   = "nats"
	SourceProbe  = "probe"
	SourceManual = "manual"
)

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Engine is the per-session sessions/<name>/pigeon.toml.
type Engine struct {
	UserID       string       `toml:"user_id"`
	Remote       Remote       `toml:"remote"`
	NATS         NATS         `toml:"nats"`
	Sync         Sync         `toml:"sync"`
	Outbox       Outbox       `toml:"outbox"`
	Connectivity Connectivity `toml:"connectivity"`
	Breaker      Breaker      `toml:"breaker"`
}

type Remote struct {
	Backend string `toml:"backend"`
}

type NATS struct {
	URL string `toml:"url"`
	// Embedded starts an in-process server; URL is then ignored.
	Embedded            bool   `toml:"embedded"`
	Port                int    `toml:"port"`
	StoreDir            string `toml:"store_dir"`
	MessagesBucket      string `toml:"messages_bucket"`
	ConversationsBucket string `toml:"conversations_bucket"`
	ProfilesBucket      string `toml:"profiles_bucket"`
	PushStream          string `toml:"push_stream"`
	PushSubject         string `toml:"push_subject"`
}

type Sync struct {
	WriteTimeout   Duration `toml:"write_timeout"`
	MatchTolerance Duration `toml:"match_tolerance"`
}

type Outbox struct {
	MaxRetries    int      `toml:"max_retries"`
	FlushInterval Duration `toml:"flush_interval"`
	ReplayRate    float64  `toml:"replay_rate"`
}

type Connectivity struct {
	Source        string   `toml:"source"`
	ProbeAddr     string   `toml:"probe_addr"`
	ProbeInterval Duration `toml:"probe_interval"`
	ProbeTimeout  Duration `toml:"probe_timeout"`
}

type Breaker struct {
	FailureThreshold uint32   `toml:"failure_threshold"`
	OpenTimeout      Duration `toml:"open_timeout"`
}

// DefaultEngine returns the settings used for anything the file leaves out.
func DefaultEngine() Engine {
	return Engine{
		Remote: Remote{Backend: BackendMemory},
		NATS: NATS{
			URL:                 "nats://127.0.0.1:4222",
			MessagesBucket:      "pigeon_messages",
			ConversationsBucket: "pigeon_conversations",
			ProfilesBucket:      "pigeon_profiles",
			PushStream:          "PIGEON_PUSH",
			PushSubject:         "pigeon.push",
		},
		Sync: Sync{
			WriteTimeout:   Duration{10 * time.Second},
			MatchTolerance: Duration{2 * time.Second},
		},
		Outbox: Outbox{
			MaxRetries:    3,
			FlushInterval: Duration{30 * time.Second},
		},
		Connectivity: Connectivity{
			Source:        SourceManual,
			ProbeInterval: Duration{5 * time.Second},
			ProbeTimeout:  Duration{2 * time.Second},
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			OpenTimeout:      Duration{30 * time.Second},
		},
	}
}

// LoadEngine reads path over the defaults, then applies environment
// overrides. A missing file is not an error.
func LoadEngine(path string) (*Engine, error) {
	cfg := DefaultEngine()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	cfg.UserID = getEnv("PIGEON_USER_ID", cfg.UserID)
	cfg.NATS.URL = getEnv("PIGEON_NATS_URL", cfg.NATS.URL)
	return &cfg, nil
}

// SaveEngine writes cfg to path, creating the session directory if needed.
func SaveEngine(path string, cfg *Engine) error {
	return writeTOML(path, cfg)
}

// Validate rejects settings the daemon cannot run with.
func (c *Engine) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	switch c.Remote.Backend {
	case BackendMemory:
	case BackendNATS:
		if !c.NATS.Embedded && c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required unless nats.embedded is set"))
		}
		if c.NATS.MessagesBucket == "" || c.NATS.ConversationsBucket == "" || c.NATS.ProfilesBucket == "" {
			errs = append(errs, errors.New("nats bucket names must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown remote.backend %q", c.Remote.Backend))
	}
	switch c.Connectivity.Source {
	case SourceManual:
	case SourceNATS:
		if c.Remote.Backend != BackendNATS {
			errs = append(errs, errors.New("connectivity.source nats needs remote.backend nats"))
		}
	case SourceProbe:
		if c.Connectivity.ProbeAddr == "" {
			errs = append(errs, errors.New("connectivity.probe_addr is required for the probe source"))
		}
		if c.Connectivity.ProbeInterval.Duration <= 0 {
			errs = append(errs, errors.New("connectivity.probe_interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown connectivity.source %q", c.Connectivity.Source))
	}
	if c.Outbox.MaxRetries < 1 {
		errs = append(errs, errors.New("outbox.max_retries must be at least 1"))
	}
	if c.Outbox.FlushInterval.Duration < 0 || c.Outbox.ReplayRate < 0 {
		errs = append(errs, errors.New("outbox.flush_interval and outbox.replay_rate must not be negative"))
	}
	if c.Sync.WriteTimeout.Duration <= 0 {
		errs = append(errs, errors.New("sync.write_timeout must be positive"))
	}
	if c.Sync.MatchTolerance.Duration <= 0 {
		errs = append(errs, errors.New("sync.match_tolerance must be positive"))
	}
	if c.Breaker.FailureThreshold == 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
