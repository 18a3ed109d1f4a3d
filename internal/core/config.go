package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options for a running proxy
// instance.
type Config struct {
	// ASCII password shared by every client authorized against this proxy.
	// Compared case-insensitively (see the Authorizer's response transform).
	Password string `mapstructure:"password"`
	// Interface the client-facing listener binds to. Blank means all interfaces.
	BindAddress string `mapstructure:"bind_address"`
	// TCP port the client-facing listener accepts connections on.
	Port int `mapstructure:"port"`
	// External interface whose address is advertised as slot 0's exposed address.
	ExternalBindAddress string `mapstructure:"external_bind_address"`
	// Additional external interfaces, each defining one extra slot.
	AdditionalExternalBindAddresses []string `mapstructure:"additional_external_bind_addresses"`
	// Optional regular expressions applied to incoming callsigns.
	CallsignAllowList string `mapstructure:"callsign_allow_list"`
	CallsignDenyList  string `mapstructure:"callsign_deny_list"`

	// Full path to a file to which logs will be written. Blank writes to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// Path to a SQLite database file backing the session audit log.
	// Blank disables auditing entirely.
	AuditDBPath string `mapstructure:"audit_db_path"`

	// Ceiling enforced by the frame decoder; frames declaring a larger
	// payload size are treated as a protocol violation.
	MaxFrameSize int `mapstructure:"max_frame_size"`

	Registration struct {
		// Directory endpoint that occupancy reports are POSTed to. Blank disables registration.
		DirectoryURL string `mapstructure:"directory_url"`
		// Seconds between occupancy reports.
		IntervalSeconds int `mapstructure:"interval_seconds"`
		// Identifier this proxy reports itself as to the directory.
		StationID string `mapstructure:"station_id"`
	} `mapstructure:"registration"`
}

const envVarPrefix = "ELPROXY"

const (
	DefaultPort            = 8100
	DefaultMaxFrameSize    = 8192
	DefaultLogLevel        = "info"
	DefaultRegisterSeconds = 600
)

// LoadConfig initializes Viper with the contents of the config file under
// configPath and returns the populated Config, applying defaults for any
// values the file and environment leave unset.
func LoadConfig(configPath string) (*Config, error) {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	viper.SetDefault("port", DefaultPort)
	viper.SetDefault("max_frame_size", DefaultMaxFrameSize)
	viper.SetDefault("log_level", DefaultLogLevel)
	viper.SetDefault("registration.interval_seconds", DefaultRegisterSeconds)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("no config file in path %s", configPath)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Allows nested yaml keys to be set through environment variables, e.g.
	// registration.directory_url can be set with ELPROXY_REGISTRATION_DIRECTORY_URL.
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate enforces the invariant that additional external binds may only
// be configured alongside an explicit, non-wildcard primary external bind.
func (c *Config) Validate() error {
	if len(c.AdditionalExternalBindAddresses) > 0 {
		if c.ExternalBindAddress == "" || c.ExternalBindAddress == "0.0.0.0" {
			return errors.New("additional_external_bind_addresses requires a non-wildcard external_bind_address")
		}
	}
	return nil
}

// ExternalBindAddresses returns every configured external address in slot
// order: the primary bind first, then each additional bind.
func (c *Config) ExternalBindAddresses() []string {
	addrs := make([]string, 0, 1+len(c.AdditionalExternalBindAddresses))
	addrs = append(addrs, c.ExternalBindAddress)
	addrs = append(addrs, c.AdditionalExternalBindAddresses...)
	return addrs
}

// ListenAddress returns the host:port pair the client-facing listener should
// bind to.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}
