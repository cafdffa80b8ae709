// Package config holds the device and mount layout of the boot sequencer.
// Defaults match the image layout; an optional YAML file overrides them and
// command line flags override the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/boot-sequencer.yaml"

type Config struct {
	Cmdline string `yaml:"cmdline"`
	DevDir  string `yaml:"devDir"`

	HashPartLabel       string `yaml:"hashPartLabel"`
	ProviderConfigLabel string `yaml:"providerConfigLabel"`

	VerityMapperName string `yaml:"verityMapperName"`
	StateMapperName  string `yaml:"stateMapperName"`
	StateFSType      string `yaml:"stateFSType"`
	StateFSLabel     string `yaml:"stateFSLabel"`

	RootFSType           string `yaml:"rootFSType"`
	RootMountPoint       string `yaml:"rootMountPoint"`
	StateMountPoint      string `yaml:"stateMountPoint"`
	TargetRoot           string `yaml:"targetRoot"`
	ProviderConfigTarget string `yaml:"providerConfigTarget"`
	VarDir               string `yaml:"varDir"`

	Init          string `yaml:"init"`
	MountPseudoFS bool   `yaml:"mountPseudoFS"`
	BootEvidence  bool   `yaml:"bootEvidence"`
	ReportPath    string `yaml:"reportPath"`

	DeviceWait  time.Duration `yaml:"deviceWait"`
	StepTimeout time.Duration `yaml:"stepTimeout"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
}

func Default() Config {
	return Config{
		Cmdline: "/proc/cmdline",
		DevDir:  "/dev",

		HashPartLabel:       "rootfs_hash",
		ProviderConfigLabel: "provider_config",

		VerityMapperName: "rootfs_verified",
		StateMapperName:  "crypt_state",
		StateFSType:      "ext4",
		StateFSLabel:     "state",

		RootFSType:           "ext4",
		RootMountPoint:       "/mnt/rootfs",
		StateMountPoint:      "/mnt/state",
		TargetRoot:           "/sysroot",
		ProviderConfigTarget: "/sp",
		VarDir:               "var",

		Init:          "/sbin/init",
		MountPseudoFS: true,
		ReportPath:    "/var/lib/boot-sequencer/report.json",

		DeviceWait:  10 * time.Second,
		StepTimeout: 5 * time.Minute,
		Heartbeat:   15 * time.Second,
	}
}

// Load returns the defaults overridden by the file at path. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return Config{}, fmt.Errorf("could not read config file %s: %w", path, err)
	}

	if err := cfg.decode(data); err != nil {
		return Config{}, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks that the layout is usable before any device is touched.
func (c Config) Validate() error {
	required := map[string]string{
		"cmdline":              c.Cmdline,
		"devDir":               c.DevDir,
		"hashPartLabel":        c.HashPartLabel,
		"providerConfigLabel":  c.ProviderConfigLabel,
		"verityMapperName":     c.VerityMapperName,
		"stateMapperName":      c.StateMapperName,
		"stateFSType":          c.StateFSType,
		"rootFSType":           c.RootFSType,
		"rootMountPoint":       c.RootMountPoint,
		"stateMountPoint":      c.StateMountPoint,
		"targetRoot":           c.TargetRoot,
		"providerConfigTarget": c.ProviderConfigTarget,
		"varDir":               c.VarDir,
		"init":                 c.Init,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("config: %s must be set", name)
		}
	}

	for name, p := range map[string]string{
		"rootMountPoint":       c.RootMountPoint,
		"stateMountPoint":      c.StateMountPoint,
		"targetRoot":           c.TargetRoot,
		"providerConfigTarget": c.ProviderConfigTarget,
		"init":                 c.Init,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("config: %s must be an absolute path, got %q", name, p)
		}
	}

	if c.TargetRoot == "/" {
		return errors.New("config: targetRoot cannot be /")
	}
	if filepath.IsAbs(c.VarDir) {
		return fmt.Errorf("config: varDir is relative to the state disk, got %q", c.VarDir)
	}
	if c.VerityMapperName == c.StateMapperName {
		return errors.New("config: verity and state mapper names must differ")
	}
	if c.DeviceWait < 0 || c.StepTimeout < 0 || c.Heartbeat < 0 {
		return errors.New("config: durations cannot be negative")
	}
	return nil
}
