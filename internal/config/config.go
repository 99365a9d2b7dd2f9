// internal/config/config.go
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"link-service/internal/model"
)

// Config represents the application configuration
type Config struct {
	Link    LinkConfig    `mapstructure:"link"`
	Ping    PingConfig    `mapstructure:"ping"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Logging LoggingConfig `mapstructure:"logging"`
	App     AppConfig     `mapstructure:"app"`
}

// LinkConfig describes which medium the link uses and how to reach the vehicle.
// It is loaded once and shared by pointer; nothing mutates it after Load returns.
type LinkConfig struct {
	// [ms]
	PingPeriod uint64 `mapstructure:"ping_period"`
	// [ms]
	StatusPeriod uint64 `mapstructure:"status_period"`
	BaudRate     int    `mapstructure:"baudrate"`
	Port         string `mapstructure:"port"`
	// if true, communicate over UDP
	UDP bool `mapstructure:"udp"`
	// communication received here
	UDPPort int `mapstructure:"udp_port"`
	// uplink messages sent to here
	UDPUplinkPort   int    `mapstructure:"udp_uplink_port"`
	RemoteAddr      string `mapstructure:"remote_addr"`
	ProtocolVersion string `mapstructure:"protocol_version"`
	RxMsgClass      string `mapstructure:"rx_msg_class"`
	BusAddress      string `mapstructure:"bus_address"`
	SenderID        string `mapstructure:"sender_id"`
	RootPath        string `mapstructure:"root_path"`
}

// PingConfig configures latency measurement
type PingConfig struct {
	Alpha        float64 `mapstructure:"alpha"`
	PongPattern  string  `mapstructure:"pong_pattern"`
	ReadBuffer   int     `mapstructure:"read_buffer"`
	TxQueueSize  int     `mapstructure:"tx_queue_size"`
	BusQueueSize int     `mapstructure:"bus_queue_size"`
}

// HTTPConfig represents the status server configuration
type HTTPConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file, environment variables and overrides.
// Overrides are viper keys (e.g. "link.udp") and take precedence over everything else.
func Load(configFile string, overrides map[string]interface{}) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./internal/config")
		v.AddConfigPath("/etc/link-service")
	}

	// Environment variable support
	v.SetEnvPrefix("LINK_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file; running on defaults and flags alone is allowed
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Link defaults
	v.SetDefault("link.ping_period", 1000)
	v.SetDefault("link.status_period", 1000)
	v.SetDefault("link.baudrate", 57600)
	v.SetDefault("link.port", "/dev/ttyUSB0")
	v.SetDefault("link.udp", false)
	v.SetDefault("link.udp_port", 4242)
	v.SetDefault("link.udp_uplink_port", 4243)
	v.SetDefault("link.remote_addr", "127.0.0.1")
	v.SetDefault("link.protocol_version", "2.0")
	v.SetDefault("link.rx_msg_class", "telemetry")
	v.SetDefault("link.bus_address", "127.255.255.255:2010")
	v.SetDefault("link.sender_id", "link")
	v.SetDefault("link.root_path", "/opt/paparazzi")

	// Ping defaults
	v.SetDefault("ping.alpha", 0.1)
	v.SetDefault("ping.pong_pattern", `^(\S+) PONG(.*)$`)
	v.SetDefault("ping.read_buffer", 1024)
	v.SetDefault("ping.tx_queue_size", 256)
	v.SetDefault("ping.bus_queue_size", 64)

	// HTTP defaults
	v.SetDefault("http.enabled", false)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", "8085")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// App defaults
	v.SetDefault("app.name", "link-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if err := config.Link.Validate(); err != nil {
		return err
	}

	if config.Ping.Alpha < 0 || config.Ping.Alpha > 1 {
		return fmt.Errorf("ping.alpha must be within [0,1], got %v", config.Ping.Alpha)
	}
	if config.Ping.ReadBuffer <= 0 {
		return fmt.Errorf("ping.read_buffer must be positive")
	}
	if config.Ping.TxQueueSize <= 0 || config.Ping.BusQueueSize <= 0 {
		return fmt.Errorf("ping queue sizes must be positive")
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// Validate checks the parameters of the selected medium only
func (c *LinkConfig) Validate() error {
	if c.PingPeriod == 0 {
		return fmt.Errorf("link.ping_period must be positive")
	}
	if c.StatusPeriod == 0 {
		return fmt.Errorf("link.status_period must be positive")
	}
	if c.SenderID == "" {
		return fmt.Errorf("link.sender_id is required")
	}

	validVersions := []string{"1.0", "2.0"}
	if !contains(validVersions, c.ProtocolVersion) {
		return fmt.Errorf("link.protocol_version must be one of: %v", validVersions)
	}

	if c.UDP {
		if c.RemoteAddr == "" {
			return fmt.Errorf("link.remote_addr is required for udp")
		}
		if c.UDPPort < 0 || c.UDPPort > 65535 {
			return fmt.Errorf("invalid link.udp_port: %d", c.UDPPort)
		}
		if c.UDPUplinkPort < 1 || c.UDPUplinkPort > 65535 {
			return fmt.Errorf("invalid link.udp_uplink_port: %d", c.UDPUplinkPort)
		}
		return nil
	}

	if c.Port == "" {
		return fmt.Errorf("link.port is required for serial")
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("invalid link.baudrate: %d", c.BaudRate)
	}
	return nil
}

// Medium returns the medium selected by the udp flag
func (c *LinkConfig) Medium() model.Medium {
	if c.UDP {
		return model.MediumUDP
	}
	return model.MediumSerial
}

// RemoteUplinkAddr returns host:port of the uplink peer
func (c *LinkConfig) RemoteUplinkAddr() string {
	return net.JoinHostPort(c.RemoteAddr, strconv.Itoa(c.UDPUplinkPort))
}

// PingInterval returns the ping period as a duration
func (c *LinkConfig) PingInterval() time.Duration {
	return time.Duration(c.PingPeriod) * time.Millisecond
}

// StatusInterval returns the status period as a duration
func (c *LinkConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusPeriod) * time.Millisecond
}

// GetServerAddr returns the status server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.HTTP.Host, c.HTTP.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
