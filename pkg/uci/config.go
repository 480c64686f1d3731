package uci

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultConfigPath is where the daemon looks for its UCI configuration
const DefaultConfigPath = "/etc/config/failoverd"

// Split-subnet policies
const (
	SplitSubnetHold     = "hold"
	SplitSubnetLastGood = "last_good"
)

// Collaborator backends
const (
	BackendAuto         = "auto"
	BackendNetworkSetup = "networksetup"
	BackendNetlink      = "netlink"
)

// Defaults
const (
	DefaultPollIntervalS      = 60
	DefaultProbeTimeoutMS     = 1000
	DefaultResetDisableDelayS = 2
	DefaultResetEnableDelayS  = 10
	DefaultQueryTimeoutS      = 10
	DefaultSplitSubnetGraceS  = 300
	DefaultMetricsPort        = 9101
	DefaultStatusFile         = "/tmp/failoverd.status"
	DefaultNetlinkMetricBase  = 100
	DefaultNetlinkMetricStep  = 100
)

// Config holds the complete daemon configuration
type Config struct {
	// Managed services
	WiredInterface string `json:"wired_interface"`
	WifiInterface  string `json:"wifi_interface"`

	// Scheduling and probing
	PollIntervalS   int  `json:"poll_interval_s"`
	ProbeTimeoutMS  int  `json:"probe_timeout_ms"`
	ProbePrivileged bool `json:"probe_privileged"`

	// Recovery
	ResetDisableDelayS int `json:"reset_disable_delay_s"`
	ResetEnableDelayS  int `json:"reset_enable_delay_s"`

	// Collaborator
	Backend           string `json:"backend"`
	QueryTimeoutS     int    `json:"query_timeout_s"`
	NetlinkMetricBase int    `json:"netlink_metric_base"`
	NetlinkMetricStep int    `json:"netlink_metric_step"`

	// Policy
	SplitSubnetPolicy string `json:"split_subnet_policy"`
	SplitSubnetGraceS int    `json:"split_subnet_grace_s"`

	// Behaviour
	Verbose  bool   `json:"verbose"`
	DryRun   bool   `json:"dry_run"`
	LogLevel string `json:"log_level"`

	// Observability
	MetricsListener bool   `json:"metrics_listener"`
	MetricsPort     int    `json:"metrics_port"`
	StatusFile      string `json:"status_file"`

	MQTT MQTTConfig `json:"mqtt"`
}

// MQTTConfig holds the MQTT event publisher configuration
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// LoadConfig reads a UCI file. A missing file yields defaults; the result is
// not validated because CLI flags may still fill in required values.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.parseUCI(string(data)); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config %s: %w", path, err)
	}
	return cfg, nil
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.PollIntervalS = DefaultPollIntervalS
	c.ProbeTimeoutMS = DefaultProbeTimeoutMS
	c.ResetDisableDelayS = DefaultResetDisableDelayS
	c.ResetEnableDelayS = DefaultResetEnableDelayS
	c.Backend = BackendAuto
	c.QueryTimeoutS = DefaultQueryTimeoutS
	c.NetlinkMetricBase = DefaultNetlinkMetricBase
	c.NetlinkMetricStep = DefaultNetlinkMetricStep
	c.SplitSubnetPolicy = SplitSubnetHold
	c.SplitSubnetGraceS = DefaultSplitSubnetGraceS
	c.LogLevel = "info"
	c.MetricsPort = DefaultMetricsPort
	c.StatusFile = DefaultStatusFile
	c.MQTT = MQTTConfig{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "failoverd",
		TopicPrefix: "failoverd",
		QoS:         1,
	}
}

// parseUCI parses "config <type> '<name>'" sections and "option <key> '<value>'" lines
func (c *Config) parseUCI(data string) error {
	var sectionType string

	for lineNo, raw := range strings.Split(data, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest := splitWord(line)
		switch keyword {
		case "config":
			sectionType, _ = splitWord(rest)
		case "option":
			option, value := splitWord(rest)
			if option == "" {
				return fmt.Errorf("line %d: option without name", lineNo+1)
			}
			if err := c.parseOption(sectionType, option, unquote(value)); err != nil {
				return fmt.Errorf("line %d: %w", lineNo+1, err)
			}
		case "list":
			// no list options are defined
		default:
			return fmt.Errorf("line %d: unexpected keyword %q", lineNo+1, keyword)
		}
	}
	return nil
}

// parseOption routes options to the parser for their section type
func (c *Config) parseOption(sectionType, option, value string) error {
	switch sectionType {
	case "mqtt":
		return c.parseMQTTOption(option, value)
	default:
		return c.parseMainOption(option, value)
	}
}

func (c *Config) parseMainOption(option, value string) error {
	var err error
	switch option {
	case "wired_interface":
		c.WiredInterface = value
	case "wifi_interface":
		c.WifiInterface = value
	case "poll_interval_s":
		c.PollIntervalS, err = strconv.Atoi(value)
	case "probe_timeout_ms":
		c.ProbeTimeoutMS, err = strconv.Atoi(value)
	case "probe_privileged":
		c.ProbePrivileged = parseBool(value)
	case "reset_disable_delay_s":
		c.ResetDisableDelayS, err = strconv.Atoi(value)
	case "reset_enable_delay_s":
		c.ResetEnableDelayS, err = strconv.Atoi(value)
	case "backend":
		c.Backend = value
	case "query_timeout_s":
		c.QueryTimeoutS, err = strconv.Atoi(value)
	case "netlink_metric_base":
		c.NetlinkMetricBase, err = strconv.Atoi(value)
	case "netlink_metric_step":
		c.NetlinkMetricStep, err = strconv.Atoi(value)
	case "split_subnet_policy":
		c.SplitSubnetPolicy = value
	case "split_subnet_grace_s":
		c.SplitSubnetGraceS, err = strconv.Atoi(value)
	case "verbose":
		c.Verbose = parseBool(value)
	case "dry_run":
		c.DryRun = parseBool(value)
	case "log_level":
		c.LogLevel = value
	case "metrics_listener":
		c.MetricsListener = parseBool(value)
	case "metrics_port":
		c.MetricsPort, err = strconv.Atoi(value)
	case "status_file":
		c.StatusFile = value
	default:
		// unknown options are ignored so newer configs keep loading
	}
	if err != nil {
		return fmt.Errorf("option %s: %w", option, err)
	}
	return nil
}

func (c *Config) parseMQTTOption(option, value string) error {
	var err error
	switch option {
	case "enabled":
		c.MQTT.Enabled = parseBool(value)
	case "broker":
		c.MQTT.Broker = value
	case "port":
		c.MQTT.Port, err = strconv.Atoi(value)
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = value
	case "qos":
		c.MQTT.QoS, err = strconv.Atoi(value)
	case "retain":
		c.MQTT.Retain = parseBool(value)
	}
	if err != nil {
		return fmt.Errorf("mqtt option %s: %w", option, err)
	}
	return nil
}

// Validate checks the configuration is complete and consistent
func (c *Config) Validate() error {
	if strings.TrimSpace(c.WiredInterface) == "" {
		return fmt.Errorf("wired_interface is required")
	}
	if strings.TrimSpace(c.WifiInterface) == "" {
		return fmt.Errorf("wifi_interface is required")
	}
	if c.WiredInterface == c.WifiInterface {
		return fmt.Errorf("wired_interface and wifi_interface must differ (both %q)", c.WiredInterface)
	}
	if c.PollIntervalS < 1 {
		return fmt.Errorf("poll_interval_s must be positive")
	}
	if c.ProbeTimeoutMS < 1 {
		return fmt.Errorf("probe_timeout_ms must be positive")
	}
	if c.ResetDisableDelayS < 0 || c.ResetEnableDelayS < 0 {
		return fmt.Errorf("reset delays must not be negative")
	}
	if c.QueryTimeoutS < 1 {
		return fmt.Errorf("query_timeout_s must be positive")
	}
	if c.SplitSubnetGraceS < 0 {
		return fmt.Errorf("split_subnet_grace_s must not be negative")
	}
	if !isOneOf(c.SplitSubnetPolicy, SplitSubnetHold, SplitSubnetLastGood) {
		return fmt.Errorf("split_subnet_policy must be %q or %q", SplitSubnetHold, SplitSubnetLastGood)
	}
	if !isOneOf(c.Backend, BackendAuto, BackendNetworkSetup, BackendNetlink) {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.MetricsListener && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		return fmt.Errorf("metrics_port must be between 1 and 65535")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2")
		}
	}
	return nil
}

// PollInterval returns the poll interval as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalS) * time.Second
}

// ProbeTimeout returns the probe timeout as a duration
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

// QueryTimeout returns the per-query collaborator timeout
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutS) * time.Second
}

// ResetDelays returns the settle delays after disabling and after re-enabling
func (c *Config) ResetDelays() (time.Duration, time.Duration) {
	return time.Duration(c.ResetDisableDelayS) * time.Second, time.Duration(c.ResetEnableDelayS) * time.Second
}

// SplitSubnetGrace returns how long a split-subnet condition is held before re-asserting
func (c *Config) SplitSubnetGrace() time.Duration {
	return time.Duration(c.SplitSubnetGraceS) * time.Second
}

// EffectiveLogLevel is the configured level, raised to trace in verbose mode
func (c *Config) EffectiveLogLevel() string {
	if c.Verbose {
		return "trace"
	}
	return c.LogLevel
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return unquote(s), ""
	}
	return unquote(s[:idx]), strings.TrimSpace(s[idx+1:])
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

func isOneOf(value string, options ...string) bool {
	for _, o := range options {
		if value == o {
			return true
		}
	}
	return false
}

func isValidLogLevel(level string) bool {
	return isOneOf(strings.ToLower(level), "trace", "debug", "info", "warn", "warning", "error")
}
