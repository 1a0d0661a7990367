// Package config loads run settings from the environment, after a .env file
// in the working directory if there is one. Command line flags are applied on
// top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend names accepted in Backends.
const (
	BackendStore     = "mmstore"
	BackendShm       = "shm"
	BackendQueue     = "queue"
	BackendBroadcast = "broadcast"
)

var AllBackends = []string{BackendStore, BackendShm, BackendQueue, BackendBroadcast}

var aliases = map[string]string{
	"lmdb": BackendStore,
	"zmq":  BackendQueue,
	"mpi":  BackendBroadcast,
}

type Config struct {
	Backends   []string `env:"IPCBENCH_BACKENDS" envDefault:"all" envSeparator:","`
	Scenarios  string   `env:"IPCBENCH_SCENARIOS" envDefault:"both"`
	DataSize   int      `env:"IPCBENCH_DATA_SIZE" envDefault:"10000"`
	Iterations int      `env:"IPCBENCH_ITERATIONS" envDefault:"100"`
	Tag        string   `env:"IPCBENCH_TAG" envDefault:"bench"`
	Verify     bool     `env:"IPCBENCH_VERIFY"`

	// Rank is set on processes started by a launcher; -1 means this process
	// is the launcher or rank 0.
	Rank        int           `env:"IPCBENCH_RANK" envDefault:"-1"`
	Size        int           `env:"IPCBENCH_SIZE" envDefault:"4"`
	HubSocket   string        `env:"IPCBENCH_HUB_SOCKET"`
	JoinTimeout time.Duration `env:"IPCBENCH_JOIN_TIMEOUT" envDefault:"30s"`

	RedisURL     string        `env:"IPCBENCH_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	QueueTimeout time.Duration `env:"IPCBENCH_QUEUE_TIMEOUT" envDefault:"2s"`
	ShmSize      int           `env:"IPCBENCH_SHM_SIZE" envDefault:"104857600"`
	ShmDir       string        `env:"IPCBENCH_SHM_DIR"`
	MMSize       int           `env:"IPCBENCH_MM_SIZE" envDefault:"1073741824"`
	MMDir        string        `env:"IPCBENCH_MM_DIR"`
	MMSync       bool          `env:"IPCBENCH_MM_SYNC"`

	Output    string `env:"IPCBENCH_OUTPUT" envDefault:"benchmark_results.json"`
	LogLevel  string `env:"IPCBENCH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"IPCBENCH_LOG_FORMAT" envDefault:"text"`
}

// Load reads .env if present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}
	return parse(env.Options{})
}

// LoadFrom reads settings from environ only, ignoring the process
// environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.HubSocket == "" {
		cfg.HubSocket = filepath.Join(os.TempDir(), "ipcbench.sock")
	}
	return cfg, nil
}

// BackendNames returns the canonical, deduplicated backend list.
func (c Config) BackendNames() ([]string, error) {
	var names []string
	for _, raw := range c.Backends {
		name := strings.ToLower(strings.TrimSpace(raw))
		if alias, ok := aliases[name]; ok {
			name = alias
		}
		switch {
		case name == "" || name == "all":
			for _, n := range AllBackends {
				if !slices.Contains(names, n) {
					names = append(names, n)
				}
			}
		case slices.Contains(AllBackends, name):
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		default:
			return nil, fmt.Errorf("config: unknown backend %q", raw)
		}
	}
	if len(names) == 0 {
		return slices.Clone(AllBackends), nil
	}
	return names, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Size < 2 {
		errs = append(errs, fmt.Errorf("size %d: need one writer and at least one reader", c.Size))
	}
	if c.Rank >= c.Size {
		errs = append(errs, fmt.Errorf("rank %d out of range for size %d", c.Rank, c.Size))
	}
	if c.Iterations < 0 {
		errs = append(errs, fmt.Errorf("iterations %d", c.Iterations))
	}
	if c.DataSize < 0 {
		errs = append(errs, fmt.Errorf("data size %d", c.DataSize))
	}
	if c.QueueTimeout <= 0 {
		errs = append(errs, fmt.Errorf("queue timeout %s", c.QueueTimeout))
	}
	if _, err := c.BackendNames(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
