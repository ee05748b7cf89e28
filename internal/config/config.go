package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/backchannel/internal/rooms"
)

const (
	envPrefix             = "BACKCHANNEL"
	defaultRoom           = "general"
	defaultDataDir        = ".backchannel"
	defaultPollTimeout    = 20
	defaultMonitorAddress = "127.0.0.1:8787"
	defaultLogLevel       = "info"
)

// AppConfig captures runtime configuration for the synchronization client.
type AppConfig struct {
	ServerURL      string
	Room           string
	DataDir        string
	DisplayName    string
	PollTimeout    int
	MonitorAddress string
	LogLevel       string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("chat.room", defaultRoom)
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("poll.timeout_seconds", defaultPollTimeout)
	configViper.SetDefault("monitor.address", defaultMonitorAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServerURL:      configViper.GetString("server.url"),
		Room:           configViper.GetString("chat.room"),
		DataDir:        configViper.GetString("data.dir"),
		DisplayName:    configViper.GetString("chat.name"),
		PollTimeout:    configViper.GetInt("poll.timeout_seconds"),
		MonitorAddress: configViper.GetString("monitor.address"),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if !rooms.ValidName(c.Room) {
		return fmt.Errorf("chat.room %q is invalid: lowercase letters, digits, dash and underscore, at most 32 characters", c.Room)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("poll.timeout_seconds must not be negative")
	}
	return nil
}
