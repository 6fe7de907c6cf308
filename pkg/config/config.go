// Package config holds the patterns, paths and connection settings the
// diagnostic battery runs with. Every field has a built-in default; a YAML
// file only needs the keys it overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/panelprobe/panelprobe/pkg/util"
)

// Environment variables read by the tool.
const (
	EnvConfigPath  = "PANELPROBE_CONFIG"
	EnvSSHPassword = "PANELPROBE_SSH_PASSWORD"
)

// PinPlaceholder is replaced with the pin number in PinQueryCommands.
const PinPlaceholder = "{pin}"

// Config is the full tool configuration.
type Config struct {
	// PanelDriver is the kernel module name of the panel driver.
	PanelDriver string `yaml:"panel_driver"`

	ModulePattern string `yaml:"module_pattern"`

	// LogPattern selects kernel log lines about the display subsystems.
	LogPattern string `yaml:"log_pattern"`

	// Lifecycle phrases are reported in order; InitPhrase names the one
	// whose presence means the panel init sequence ran.
	Lifecycle  []Phrase `yaml:"lifecycle"`
	InitPhrase string   `yaml:"init_phrase"`

	DSIErrorPattern string `yaml:"dsi_error_pattern"`
	LogLines        int    `yaml:"log_lines"`
	ErrorLines      int    `yaml:"error_lines"`

	DRMClassDir      string `yaml:"drm_class_dir"`
	ConnectorPattern string `yaml:"connector_pattern"`

	DeviceTreeRoots  []string `yaml:"devicetree_roots"`
	PanelNodePattern string   `yaml:"panel_node_pattern"`
	Properties       []string `yaml:"properties"`

	Pins             []int    `yaml:"pins"`
	PinQueryCommands []string `yaml:"pin_query_commands"`

	ModuleDir string `yaml:"module_dir"`

	SSH SSHConfig `yaml:"ssh"`
}

// Phrase is a named kernel log pattern.
type Phrase struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// SSHConfig configures the remote execution context.
type SSHConfig struct {
	Port            int           `yaml:"port"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	KnownHosts      string        `yaml:"known_hosts"`
	InsecureHostKey bool          `yaml:"insecure_host_key"`
	KeyFiles        []string      `yaml:"key_files"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PanelDriver:   "panel-ilitek-ili9881c",
		ModulePattern: `(?i)panel|vc4|drm|mipi|dsi`,
		LogPattern:    `(?i)panel|dsi|vc4|drm|mipi`,
		Lifecycle: []Phrase{
			{Name: "sleep-out", Pattern: `(?i)exit[_ ]sleep|sleep[_ ]out`},
			{Name: "display-on", Pattern: `(?i)display[_ ]on`},
			{Name: "pixel-format", Pattern: `(?i)pixel[_ ]format`},
			{Name: "init-success", Pattern: `(?i)init(iali[sz]ation|iali[sz]ed)?[_ ]?(success|succeeded|done|ok|complete)`},
			{Name: "bridge-pre-enable", Pattern: `(?i)pre[_-]?enable`},
		},
		InitPhrase:       "init-success",
		DSIErrorPattern:  `(?i)(dsi|panel).*(timeout|timed out|LP_RX|HS_TX|ACK_ERR|ECC|CRC|contention|transfer failed)`,
		LogLines:         40,
		ErrorLines:       20,
		DRMClassDir:      "/sys/class/drm",
		ConnectorPattern: `(?i)-DSI-\d+$`,
		DeviceTreeRoots:  []string{"/proc/device-tree", "/sys/firmware/devicetree/base"},
		PanelNodePattern: `^panel(@.*)?$`,
		Properties: []string{
			"compatible", "model", "name", "status", "reg",
			"enable-gpios", "reset-gpios", "pinctrl-0", "pinctrl-1",
		},
		Pins:             []int{17, 27},
		PinQueryCommands: []string{"pinctrl get {pin}", "raspi-gpio get {pin}"},
		ModuleDir:        "/lib/modules",
		SSH: SSHConfig{
			Port:           22,
			ProbeTimeout:   5 * time.Second,
			CommandTimeout: 30 * time.Second,
		},
	}
}

// DefaultPath returns the default location of the config file.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "panelprobe.yaml"
	}
	return filepath.Join(home, ".panelprobe", "config.yaml")
}

// LoadDotEnv loads ./.env into the environment when present.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// Load reads the config file at path, or DefaultPath when path is empty.
// A missing file yields the defaults; a file that does not parse or
// validate is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w: %v", path, util.ErrInvalidConfig, err)
		}
		util.WithField("path", path).Debug("loaded config")
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		util.WithField("path", path).Debug("no config file, using defaults")
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyDefaults(Default())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields from d.
func (c *Config) applyDefaults(d *Config) {
	setString(&c.PanelDriver, d.PanelDriver)
	setString(&c.ModulePattern, d.ModulePattern)
	setString(&c.LogPattern, d.LogPattern)
	if len(c.Lifecycle) == 0 {
		c.Lifecycle = d.Lifecycle
	}
	setString(&c.InitPhrase, d.InitPhrase)
	setString(&c.DSIErrorPattern, d.DSIErrorPattern)
	if c.LogLines == 0 {
		c.LogLines = d.LogLines
	}
	if c.ErrorLines == 0 {
		c.ErrorLines = d.ErrorLines
	}
	setString(&c.DRMClassDir, d.DRMClassDir)
	setString(&c.ConnectorPattern, d.ConnectorPattern)
	if len(c.DeviceTreeRoots) == 0 {
		c.DeviceTreeRoots = d.DeviceTreeRoots
	}
	setString(&c.PanelNodePattern, d.PanelNodePattern)
	if len(c.Properties) == 0 {
		c.Properties = d.Properties
	}
	if len(c.Pins) == 0 {
		c.Pins = d.Pins
	}
	if len(c.PinQueryCommands) == 0 {
		c.PinQueryCommands = d.PinQueryCommands
	}
	setString(&c.ModuleDir, d.ModuleDir)
	if c.SSH.Port == 0 {
		c.SSH.Port = d.SSH.Port
	}
	if c.SSH.ProbeTimeout == 0 {
		c.SSH.ProbeTimeout = d.SSH.ProbeTimeout
	}
	if c.SSH.CommandTimeout == 0 {
		c.SSH.CommandTimeout = d.SSH.CommandTimeout
	}
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

// Patterns holds the compiled regular expressions of a Config.
type Patterns struct {
	Module    *regexp.Regexp
	Log       *regexp.Regexp
	DSIError  *regexp.Regexp
	Connector *regexp.Regexp
	PanelNode *regexp.Regexp
	Lifecycle []CompiledPhrase
}

// CompiledPhrase is a Phrase with its pattern compiled.
type CompiledPhrase struct {
	Name string
	Re   *regexp.Regexp
}

// Compile compiles every pattern, collecting all failures.
func (c *Config) Compile() (*Patterns, error) {
	vb := &util.ValidationBuilder{}
	compile := func(key, expr string) *regexp.Regexp {
		re, err := regexp.Compile(expr)
		if err != nil {
			vb.AddErrorf("%s: %v", key, err)
		}
		return re
	}

	p := &Patterns{
		Module:    compile("module_pattern", c.ModulePattern),
		Log:       compile("log_pattern", c.LogPattern),
		DSIError:  compile("dsi_error_pattern", c.DSIErrorPattern),
		Connector: compile("connector_pattern", c.ConnectorPattern),
		PanelNode: compile("panel_node_pattern", c.PanelNodePattern),
	}
	for _, ph := range c.Lifecycle {
		p.Lifecycle = append(p.Lifecycle, CompiledPhrase{
			Name: ph.Name,
			Re:   compile("lifecycle."+ph.Name, ph.Pattern),
		})
	}
	if err := vb.Build(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	vb := &util.ValidationBuilder{}
	if _, err := c.Compile(); err != nil {
		var ve *util.ValidationError
		if errors.As(err, &ve) {
			for _, msg := range ve.Errors {
				vb.AddErrorf("%s", msg)
			}
		}
	}

	vb.Add(strings.TrimSpace(c.PanelDriver) != "", "panel_driver must not be empty")
	vb.Add(c.LogLines > 0, "log_lines must be positive")
	vb.Add(c.ErrorLines > 0, "error_lines must be positive")

	initFound := false
	for _, ph := range c.Lifecycle {
		vb.Add(ph.Name != "", "lifecycle entries need a name")
		if ph.Name == c.InitPhrase {
			initFound = true
		}
	}
	vb.Add(initFound, fmt.Sprintf("init_phrase %q is not a lifecycle entry", c.InitPhrase))

	for _, pin := range c.Pins {
		vb.Add(pin >= 0, fmt.Sprintf("pin %d must not be negative", pin))
	}
	for _, cmd := range c.PinQueryCommands {
		vb.Add(strings.Contains(cmd, PinPlaceholder), fmt.Sprintf("pin query command %q lacks %s", cmd, PinPlaceholder))
	}
	vb.Add(c.SSH.Port > 0 && c.SSH.Port <= 65535, fmt.Sprintf("ssh.port %d out of range", c.SSH.Port))

	return vb.Build()
}

// NormalizeModuleName maps a driver name to the form used in the module
// table, where '-' and '_' are interchangeable and listed as '_'.
func NormalizeModuleName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
