// Package config loads the application configuration from defaults, an
// optional YAML file, HYBRID_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "HYBRID"
	StateDir  = ".hybrid-workout"
)

type DeviceConfig struct {
	Name           string        `mapstructure:"name"`
	Address        string        `mapstructure:"address"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AckTimeout     time.Duration `mapstructure:"ack_timeout"`
}

type SimConfig struct {
	Crr  float64 `mapstructure:"crr"`
	CdA  float64 `mapstructure:"cda"`
	Wind float64 `mapstructure:"wind"`
}

type RiderConfig struct {
	FTP     int  `mapstructure:"ftp"`
	Gearing bool `mapstructure:"gearing"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type Config struct {
	Device DeviceConfig `mapstructure:"device"`
	Sim    SimConfig    `mapstructure:"sim"`
	Rider  RiderConfig  `mapstructure:"rider"`
	Log    LogConfig    `mapstructure:"log"`
	MQTT   MQTTConfig   `mapstructure:"mqtt"`

	StateDir  string   `mapstructure:"state_dir"`
	StorePath string   `mapstructure:"store_path"`
	HTTPAddr  string   `mapstructure:"http_addr"`
	FITDir    string   `mapstructure:"fit_dir"`
	Plan      string   `mapstructure:"plan"`
	Routes    []string `mapstructure:"routes"`
	Mock      bool     `mapstructure:"mock"`
	NoUI      bool     `mapstructure:"no_ui"`

	// MockPanelAddr serves the mock trainer control panel, empty disables it.
	MockPanelAddr string `mapstructure:"mock_panel_addr"`

	// ConfigFile is the file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

type flagSpec struct {
	key   string
	name  string
	usage string
	def   any
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, StateDir)
}

func flagSpecs(stateDir string) []flagSpec {
	return []flagSpec{
		{"device.name", "device-name", "trainer name prefix to connect to", ""},
		{"device.address", "device-address", "trainer address to connect to", ""},
		{"device.connect_timeout", "connect-timeout", "scan and connect timeout", 30 * time.Second},
		{"device.ack_timeout", "ack-timeout", "control point acknowledgement timeout", 2 * time.Second},
		{"sim.crr", "crr", "rolling resistance coefficient for SIM steps", 0.003},
		{"sim.cda", "cda", "drag area in m^2 for SIM steps", 0.45},
		{"sim.wind", "wind", "wind speed in m/s for SIM steps", 0.0},
		{"rider.ftp", "ftp", "rider functional threshold power in watts", 250},
		{"rider.gearing", "gearing", "enable virtual gearing", false},
		{"log.file", "log-file", "rotating log file", filepath.Join(stateDir, "hybrid-workout.log")},
		{"log.max_size_mb", "log-max-size", "log file size in MB before rotation", 10},
		{"log.max_backups", "log-max-backups", "rotated log files to keep", 3},
		{"log.max_age_days", "log-max-age", "days to keep rotated log files", 28},
		{"log.compress", "log-compress", "gzip rotated log files", true},
		{"mqtt.broker", "mqtt-broker", "MQTT broker URL, empty disables publishing", ""},
		{"mqtt.client_id", "mqtt-client-id", "MQTT client id", "hybrid-workout"},
		{"mqtt.username", "mqtt-username", "MQTT username", ""},
		{"mqtt.password", "mqtt-password", "MQTT password", ""},
		{"mqtt.topic_prefix", "mqtt-topic-prefix", "MQTT topic prefix", "hybrid-workout"},
		{"state_dir", "state-dir", "directory for state, database and logs", stateDir},
		{"store_path", "store", "sqlite database path", filepath.Join(stateDir, "hybrid.db")},
		{"http_addr", "http", "status API listen address, empty disables it", "127.0.0.1:8787"},
		{"fit_dir", "fit-dir", "directory for FIT exports, empty disables export", ""},
		{"plan", "plan", "workout plan JSON file to load", ""},
		{"routes", "route", "route JSON or GPX file to import (repeatable)", []string{}},
		{"mock", "mock", "use the built-in mock trainer", false},
		{"mock_panel_addr", "mock-panel", "mock trainer control panel address", "127.0.0.1:8788"},
		{"no_ui", "no-ui", "run without the terminal dashboard", false},
	}
}

// Load parses args into fs and resolves the configuration.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	stateDir := defaultStateDir()
	specs := flagSpecs(stateDir)

	configFile := fs.String("config", "", "config file (default ~/"+StateDir+"/config.yaml)")
	envFile := fs.String("env-file", ".env", "dotenv file to load before reading the environment")
	for _, s := range specs {
		switch def := s.def.(type) {
		case string:
			fs.String(s.name, def, s.usage)
		case bool:
			fs.Bool(s.name, def, s.usage)
		case int:
			fs.Int(s.name, def, s.usage)
		case float64:
			fs.Float64(s.name, def, s.usage)
		case time.Duration:
			fs.Duration(s.name, def, s.usage)
		case []string:
			fs.StringArray(s.name, def, s.usage)
		default:
			return nil, fmt.Errorf("flag %s: unsupported default %T", s.name, s.def)
		}
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", *envFile, err)
	}

	v := viper.New()
	for _, s := range specs {
		v.SetDefault(s.key, s.def)
		if err := v.BindPFlag(s.key, fs.Lookup(s.name)); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", s.name, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := *configFile
	explicit := path != ""
	if !explicit {
		path = filepath.Join(stateDir, "config.yaml")
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		path = ""
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.ConfigFile = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Device.AckTimeout <= 0 {
		errs = append(errs, errors.New("device.ack_timeout must be positive"))
	}
	if c.Device.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("device.connect_timeout must be positive"))
	}
	if c.Rider.FTP <= 0 {
		errs = append(errs, errors.New("rider.ftp must be positive"))
	}
	if c.Sim.Crr < 0 || c.Sim.CdA < 0 {
		errs = append(errs, errors.New("sim.crr and sim.cda cannot be negative"))
	}
	if c.StorePath == "" {
		errs = append(errs, errors.New("store_path is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// UIStatePath is where the dashboard remembers the last trainer and plan.
func (c *Config) UIStatePath() string {
	return filepath.Join(c.StateDir, "ui_state.json")
}
