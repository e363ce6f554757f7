package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the file form of a daemon context.
type Config struct {
	ChrootDirectory  string   `toml:"chroot_directory"`
	WorkingDirectory string   `toml:"working_directory"`
	Umask            int      `toml:"umask"`
	User             string   `toml:"user"`
	Group            string   `toml:"group"`
	UID              *int     `toml:"uid"`
	GID              *int     `toml:"gid"`
	Detach           string   `toml:"detach"`
	PreventCore      bool     `toml:"prevent_core"`
	FilesPreserve    []int    `toml:"files_preserve"`
	Stdin            string   `toml:"stdin"`
	Stdout           string   `toml:"stdout"`
	Stderr           string   `toml:"stderr"`
	PIDFile          PIDFile  `toml:"pidfile"`
	Signals          Signals  `toml:"signals"`
	Shutdown         Shutdown `toml:"shutdown"`
	Logging          Logging  `toml:"logging"`
}

// PIDFile configures the PID lock.
type PIDFile struct {
	Path       string `toml:"path"`
	BreakStale bool   `toml:"break_stale"` // remove a lock file left by a dead process
}

// Signals adjusts the default signal map. Names are as in "SIGHUP".
type Signals struct {
	Ignore    []string `toml:"ignore"`
	Terminate []string `toml:"terminate"`
}

// Shutdown configures the graceful shutdown after a terminate signal.
type Shutdown struct {
	Grace          string `toml:"grace"` // time.ParseDuration syntax
	MaxSignalCount int    `toml:"max_signal_count"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Load reads the TOML file at path over Default and validates the result.
// An empty path yields the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s does not exist", path)
			}
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Normalize lowercases the enumerated values and expands a leading "~" in
// every path. Load applies it; callers overriding fields afterwards apply it
// again before Validate.
func (c *Config) Normalize() error {
	c.Detach = strings.ToLower(strings.TrimSpace(c.Detach))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	paths := []*string{&c.ChrootDirectory, &c.WorkingDirectory, &c.Stdin, &c.Stdout, &c.Stderr, &c.PIDFile.Path}
	for _, p := range paths {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// expandPath resolves a leading "~" to the home directory.
func expandPath(pathValue string) (string, error) {
	if pathValue != "~" && !strings.HasPrefix(pathValue, "~/") {
		return pathValue, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", pathValue, err)
	}
	return filepath.Join(home, strings.TrimPrefix(pathValue, "~")), nil
}
