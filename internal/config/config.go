// Package config loads the relay's YAML configuration file.
// Command line flags override the values loaded here.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/geoweaver/gwrelay/session"
	"github.com/geoweaver/gwrelay/stream"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	LogLevel   string `yaml:"logLevel"`
	// TLSDir holds the certificates for mutual TLS. Plain HTTP is served if empty.
	TLSDir string `yaml:"tlsDir"`

	Store  Store  `yaml:"store"`
	Stream Stream `yaml:"stream"`
	Poll   Poll   `yaml:"poll"`
}

type Store struct {
	// Driver is one of memory, sqlite or postgres.
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlitePath"`
	PostgresDSN string `yaml:"postgresDSN"`
}

type Stream struct {
	NullLimit    int    `yaml:"nullLimit"`
	PersistEvery int    `yaml:"persistEvery"`
	EndMarker    string `yaml:"endMarker"`
}

type Poll struct {
	MaxPending int           `yaml:"maxPending"`
	IdleTTL    time.Duration `yaml:"idleTTL"`
	MaxWait    time.Duration `yaml:"maxWait"`
}

func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:8080",
		LogLevel:   "info",
		Store: Store{
			Driver:     StoreMemory,
			SQLitePath: "gwrelay.db",
		},
		Stream: Stream{
			NullLimit:    stream.DefaultNullLimit,
			PersistEvery: 1,
			EndMarker:    stream.DefaultEndMarker,
		},
		Poll: Poll{
			MaxPending: session.DefaultMaxPending,
			IdleTTL:    session.DefaultIdleTTL,
			MaxWait:    30 * time.Second,
		},
	}
}

// Load reads the file at path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlitePath is required for the sqlite store")
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgresDSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Stream.NullLimit < 1 {
		return fmt.Errorf("stream.nullLimit must be positive, got %d", c.Stream.NullLimit)
	}
	if c.Stream.PersistEvery < 1 {
		return fmt.Errorf("stream.persistEvery must be positive, got %d", c.Stream.PersistEvery)
	}
	if c.Poll.MaxPending < 1 {
		return fmt.Errorf("poll.maxPending must be positive, got %d", c.Poll.MaxPending)
	}
	if c.Poll.IdleTTL <= 0 {
		return fmt.Errorf("poll.idleTTL must be positive, got %s", c.Poll.IdleTTL)
	}
	return nil
}

// StreamOptions are the streamer options the config describes.
func (c Config) StreamOptions() []stream.Option {
	opts := []stream.Option{
		stream.WithNullLimit(c.Stream.NullLimit),
		stream.WithPersistEvery(c.Stream.PersistEvery),
	}
	if c.Stream.EndMarker != "" {
		opts = append(opts, stream.WithEndMarker(c.Stream.EndMarker))
	}
	return opts
}

// PollBuffer builds the poll buffer the config describes.
func (c Config) PollBuffer() *session.PollBuffer {
	b := session.NewPollBuffer()
	b.MaxPending = c.Poll.MaxPending
	b.IdleTTL = c.Poll.IdleTTL
	return b
}
