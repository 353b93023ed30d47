package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/jit/internal/asm"
)

// Size is a byte count written in human units ("64MiB", "512k").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size. Plain integers are
// taken as bytes.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	n, err := units.RAMInBytes(text)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Size.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Config configures a jit runtime.
type Config struct {
	// Arch selects the target architecture. Empty or "host" selects the
	// architecture of the running process.
	Arch string `yaml:"arch"`
	// ExecMemory is the size of the address range reserved for generated
	// code. Pages are only committed once written.
	ExecMemory Size `yaml:"exec_memory"`
	// NumRegs limits the allocation pool to the first NumRegs registers of
	// the backend. Zero uses every allocatable register.
	NumRegs int `yaml:"num_regs"`
	// Comments keeps the IR comments of compiled units in the code block.
	Comments bool `yaml:"comments"`
	// Stats logs per-unit statistics at info level instead of debug.
	Stats bool `yaml:"stats"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

const DefaultExecMemory Size = 64 * units.MiB

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Arch:       "host",
		ExecMemory: DefaultExecMemory,
		LogLevel:   "info",
	}
}

// Load reads a YAML configuration file. Fields missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses a YAML configuration on top of Default and validates it.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg as YAML.
func (c Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c Config) Validate() error {
	if _, err := c.Architecture(); err != nil {
		return err
	}
	if c.ExecMemory <= 0 {
		return fmt.Errorf("config: exec_memory must be positive, got %d", c.ExecMemory)
	}
	if c.NumRegs < 0 {
		return fmt.Errorf("config: num_regs must not be negative, got %d", c.NumRegs)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Architecture resolves Arch.
func (c Config) Architecture() (asm.Architecture, error) {
	arch, err := asm.ParseArchitecture(c.Arch)
	if err != nil {
		return asm.ArchitectureInvalid, fmt.Errorf("config: %w", err)
	}
	return arch, nil
}

// Level parses LogLevel. An empty level is info.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
