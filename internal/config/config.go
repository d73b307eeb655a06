// Package config gathers the host settings for one guest run from defaults,
// an optional YAML file and HERMIT_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables read by FromEnv.
const (
	EnvConfig  = "HERMIT_CONFIG"
	EnvMemory  = "HERMIT_MEM"
	EnvCPUs    = "HERMIT_CPUS"
	EnvVerbose = "HERMIT_VERBOSE"
	EnvNetIf   = "HERMIT_NETIF"
	EnvPcap    = "HERMIT_PCAP"
	EnvDebug   = "HERMIT_DEBUG"
)

const (
	DefaultMemorySize = 0x20000000
	DefaultCPUs       = 1
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	MemorySize uint64
	CPUs       int

	// Verbose dumps the guest kernel log when the VM stops.
	Verbose bool

	// NetIf names the host tap interface. Empty disables networking.
	NetIf string
	// PcapFile, if set, receives a capture of every guest frame.
	PcapFile string

	Debug bool
}

func Default() Config {
	return Config{
		MemorySize: DefaultMemorySize,
		CPUs:       DefaultCPUs,
	}
}

// File is the on-disk YAML form. Unset fields keep the value from the
// previous source.
type File struct {
	Memory  string `yaml:"memory,omitempty"`
	CPUs    int    `yaml:"cpus,omitempty"`
	Verbose *bool  `yaml:"verbose,omitempty"`
	NetIf   string `yaml:"netif,omitempty"`
	Pcap    string `yaml:"pcap,omitempty"`
	Debug   *bool  `yaml:"debug,omitempty"`
}

// DecodeFile parses a YAML configuration. Unknown keys are rejected.
func DecodeFile(r io.Reader) (File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return f, nil
}

// Apply overlays the fields set in f.
func (f File) Apply(cfg *Config) error {
	if f.Memory != "" {
		size, err := ParseMemorySize(f.Memory)
		if err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		cfg.MemorySize = size
	}
	if f.CPUs != 0 {
		cfg.CPUs = f.CPUs
	}
	if f.Verbose != nil {
		cfg.Verbose = *f.Verbose
	}
	if f.NetIf != "" {
		cfg.NetIf = f.NetIf
	}
	if f.Pcap != "" {
		cfg.PcapFile = f.Pcap
	}
	if f.Debug != nil {
		cfg.Debug = *f.Debug
	}
	return nil
}

// ApplyEnv overlays the HERMIT_* variables found through lookup, which has
// the signature of os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvMemory); ok && v != "" {
		size, err := ParseMemorySize(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMemory, err)
		}
		cfg.MemorySize = size
	}
	if v, ok := lookup(EnvCPUs); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvCPUs, v, err)
		}
		cfg.CPUs = n
	}
	if v, ok := lookup(EnvVerbose); ok {
		cfg.Verbose = envTrue(v)
	}
	if v, ok := lookup(EnvNetIf); ok && v != "" {
		cfg.NetIf = v
	}
	if v, ok := lookup(EnvPcap); ok && v != "" {
		cfg.PcapFile = v
	}
	if v, ok := lookup(EnvDebug); ok {
		cfg.Debug = envTrue(v)
	}
	return nil
}

// envTrue treats any value other than "0" as set.
func envTrue(v string) bool {
	return v != "0"
}

// Load builds a Config from defaults, then the YAML file at path (or the
// file named by HERMIT_CONFIG when path is empty), then the environment.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path == "" {
		path, _ = lookup(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		f, err := DecodeFile(bytes.NewReader(data))
		if err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
		if err := f.Apply(&cfg); err != nil {
			return Config{}, fmt.Errorf("config %q: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks settings that do not depend on the hypervisor. Guest
// memory layout limits are enforced when the address space is built.
func (c Config) Validate() error {
	if c.CPUs < 1 {
		return fmt.Errorf("%w: cpu count %d, need at least 1", ErrInvalid, c.CPUs)
	}
	if c.MemorySize == 0 {
		return fmt.Errorf("%w: memory size is zero", ErrInvalid)
	}
	if c.PcapFile != "" && c.NetIf == "" {
		return fmt.Errorf("%w: packet capture requested without a network interface", ErrInvalid)
	}
	return nil
}
