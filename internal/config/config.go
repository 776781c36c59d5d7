// Package config loads the receiver configuration from flags, environment
// and an optional YAML file into an immutable Config value.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/icmpreceiver/internal/netfilter"
	"github.com/HerbHall/icmpreceiver/internal/queue"
	"github.com/HerbHall/icmpreceiver/internal/zabbix"
)

// EnvPrefix prefixes environment overrides, e.g. ICMPRECEIVER_WORKERS_COUNT.
const EnvPrefix = "ICMPRECEIVER"

// Report transports.
const (
	TransportZabbix = "zabbix"
	TransportSNMP   = "snmp"
)

const redacted = "[REDACTED]"

// Config is the complete receiver configuration.
type Config struct {
	Zabbix       ZabbixConfig       `mapstructure:"zabbix" yaml:"zabbix"`
	Capture      CaptureConfig      `mapstructure:"capture" yaml:"capture"`
	Workers      WorkersConfig      `mapstructure:"workers" yaml:"workers"`
	Registration RegistrationConfig `mapstructure:"registration" yaml:"registration"`
	Reporter     ReporterConfig     `mapstructure:"reporter" yaml:"reporter"`
	SNMP         SNMPConfig         `mapstructure:"snmp" yaml:"snmp"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	HTTP         HTTPConfig         `mapstructure:"http" yaml:"http"`
	Ledger       LedgerConfig       `mapstructure:"ledger" yaml:"ledger"`
	MQTT         MQTTConfig         `mapstructure:"mqtt" yaml:"mqtt"`
}

// ZabbixConfig locates and authenticates against the Zabbix frontend.
type ZabbixConfig struct {
	// Server is the Zabbix host, host:port or base URL.
	Server string `mapstructure:"server" yaml:"server"`
	// URL overrides the API endpoint derived from Server.
	URL         string        `mapstructure:"url" yaml:"url,omitempty"`
	Username    string        `mapstructure:"username" yaml:"username"`
	Password    string        `mapstructure:"password" yaml:"password"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	AuthHeader  bool          `mapstructure:"auth_header" yaml:"auth_header"`
	LegacyLogin bool          `mapstructure:"legacy_login" yaml:"legacy_login"`
}

// CaptureConfig tunes the raw socket and the hand-off queue.
type CaptureConfig struct {
	AllowedNetworks []string      `mapstructure:"allowed_networks" yaml:"allowed_networks"`
	BufferSize      int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	ErrorPause      time.Duration `mapstructure:"error_pause" yaml:"error_pause"`
	// QueueCapacity of 0 means unbounded.
	QueueCapacity int    `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	DropPolicy    string `mapstructure:"drop_policy" yaml:"drop_policy"`
}

// WorkersConfig sizes the pool and sets its retry timings.
type WorkersConfig struct {
	Count           int           `mapstructure:"count" yaml:"count"`
	ConnectAttempts int           `mapstructure:"connect_attempts" yaml:"connect_attempts"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay" yaml:"connect_delay"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RegistrationConfig describes the hosts created in Zabbix.
type RegistrationConfig struct {
	HostGroup          string            `mapstructure:"host_group" yaml:"host_group"`
	Template           string            `mapstructure:"template" yaml:"template"`
	AgentPort          string            `mapstructure:"agent_port" yaml:"agent_port"`
	InventoryMode      string            `mapstructure:"inventory_mode" yaml:"inventory_mode"`
	Inventory          map[string]string `mapstructure:"inventory" yaml:"inventory,omitempty"`
	VerifyReachability bool              `mapstructure:"verify_reachability" yaml:"verify_reachability"`
	VerifyTimeout      time.Duration     `mapstructure:"verify_timeout" yaml:"verify_timeout"`
	VerifyCount        int               `mapstructure:"verify_count" yaml:"verify_count"`
}

// ReporterConfig configures availability reports.
type ReporterConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	// SenderAddr is the trapper host:port; empty derives it from the
	// Zabbix server host.
	SenderAddr  string        `mapstructure:"sender_addr" yaml:"sender_addr,omitempty"`
	SenderKey   string        `mapstructure:"sender_key" yaml:"sender_key"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SNMPConfig configures the SNMPv2c trap transport.
type SNMPConfig struct {
	Target        string        `mapstructure:"target" yaml:"target"`
	Port          uint16        `mapstructure:"port" yaml:"port"`
	Community     string        `mapstructure:"community" yaml:"community"`
	EnterpriseOID string        `mapstructure:"enterprise_oid" yaml:"enterprise_oid"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries       int           `mapstructure:"retries" yaml:"retries"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// HTTPConfig controls the health, metrics and ledger endpoints.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// LedgerConfig controls the local SQLite registration ledger.
type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// MQTTConfig controls the MQTT event sink.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker      string `mapstructure:"broker" yaml:"broker"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	Username    string `mapstructure:"username" yaml:"username,omitempty"`
	Password    string `mapstructure:"password" yaml:"password,omitempty"`
}

// legacyEnv maps configuration keys to the environment variable names used
// by earlier deployments.
var legacyEnv = map[string]string{
	"zabbix.server":            "ZBX_SERVER",
	"zabbix.username":          "ZBX_USERNAME",
	"zabbix.password":          "ZBX_PASSWORD",
	"reporter.sender_key":      "ZBX_SENDER_KEY",
	"registration.template":    "ZBX_TEMPLATE",
	"registration.host_group":  "ZBX_HOSTGROUP",
	"capture.allowed_networks": "ZBX_ALLOWED_NETWORKS",
	"workers.settle_delay":     "ZBX_WAIT_AFTER_CREATE_HOST",
	"workers.count":            "CONSUMER_TASKS",
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("zabbix.url", "")
	v.SetDefault("zabbix.timeout", 30*time.Second)
	v.SetDefault("zabbix.rate_limit", 0)

	v.SetDefault("capture.allowed_networks", []string{})
	v.SetDefault("capture.buffer_size", 1058)
	v.SetDefault("capture.read_timeout", time.Second)
	v.SetDefault("capture.error_pause", 100*time.Millisecond)
	v.SetDefault("capture.queue_capacity", 0)
	v.SetDefault("capture.drop_policy", queue.DropNewest.String())

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.connect_attempts", 5)
	v.SetDefault("workers.connect_delay", 5*time.Second)
	v.SetDefault("workers.retry_delay", 5*time.Second)
	v.SetDefault("workers.settle_delay", 3*time.Second)
	v.SetDefault("workers.shutdown_timeout", 30*time.Second)

	v.SetDefault("registration.agent_port", zabbix.DefaultAgentPort)
	v.SetDefault("registration.inventory_mode", zabbix.InventoryAutomatic)
	v.SetDefault("registration.inventory", map[string]string{
		"notes": "registered from an observed ICMP echo request",
	})
	v.SetDefault("registration.verify_reachability", false)
	v.SetDefault("registration.verify_timeout", 2*time.Second)
	v.SetDefault("registration.verify_count", 3)

	v.SetDefault("reporter.transport", TransportZabbix)
	v.SetDefault("reporter.sender_addr", "")
	v.SetDefault("reporter.max_attempts", 3)
	v.SetDefault("reporter.retry_delay", 2*time.Second)
	v.SetDefault("reporter.timeout", 10*time.Second)

	v.SetDefault("snmp.target", "")
	v.SetDefault("snmp.port", 162)
	v.SetDefault("snmp.community", "public")
	v.SetDefault("snmp.enterprise_oid", ".1.3.6.1.4.1.8072.9999.9999.1")
	v.SetDefault("snmp.timeout", 5*time.Second)
	v.SetDefault("snmp.retries", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", ":9469")

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.path", "icmpreceiver.db")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "icmpreceiver")
	v.SetDefault("mqtt.topic_prefix", "icmpreceiver")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
}

// Load builds a Config from v. When path is non-empty the YAML file is read
// first; environment variables override it and flags bound to v override
// both.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	vals := New(v)
	// Legacy deployments give the settle delay in whole seconds.
	if s := strings.TrimSpace(vals.GetString("workers.settle_delay")); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			v.Set("workers.settle_delay", time.Duration(secs)*time.Second)
		}
	}

	var cfg Config
	if err := vals.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Capture.AllowedNetworks = splitList(cfg.Capture.AllowedNetworks)
	return cfg, nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every configuration error at once.
func (c Config) Validate() error {
	var errs []error
	if c.Zabbix.Server == "" && c.Zabbix.URL == "" {
		errs = append(errs, errors.New("zabbix.server is required"))
	}
	if c.Zabbix.Username == "" {
		errs = append(errs, errors.New("zabbix.username is required"))
	}
	if c.Registration.HostGroup == "" {
		errs = append(errs, errors.New("registration.host_group is required"))
	}
	if c.Registration.Template == "" {
		errs = append(errs, errors.New("registration.template is required"))
	}
	if c.Reporter.SenderKey == "" {
		errs = append(errs, errors.New("reporter.sender_key is required"))
	}
	if _, err := c.AllowList(); err != nil {
		errs = append(errs, err)
	}
	if _, err := queue.ParseDropPolicy(c.Capture.DropPolicy); err != nil {
		errs = append(errs, fmt.Errorf("capture.drop_policy: %w", err))
	}
	if c.Capture.ReadTimeout <= 0 {
		errs = append(errs, errors.New("capture.read_timeout must be positive"))
	}
	if c.Capture.QueueCapacity < 0 {
		errs = append(errs, errors.New("capture.queue_capacity must not be negative"))
	}
	if c.Workers.Count < 1 {
		errs = append(errs, errors.New("workers.count must be at least 1"))
	}
	if c.Workers.ConnectAttempts < 1 {
		errs = append(errs, errors.New("workers.connect_attempts must be at least 1"))
	}
	if c.Reporter.MaxAttempts < 1 {
		errs = append(errs, errors.New("reporter.max_attempts must be at least 1"))
	}
	switch c.Reporter.Transport {
	case TransportZabbix:
	case TransportSNMP:
		if c.SNMP.Target == "" {
			errs = append(errs, errors.New("snmp.target is required for the snmp transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("reporter.transport %q: want %s or %s", c.Reporter.Transport, TransportZabbix, TransportSNMP))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.Ledger.Enabled && c.Ledger.Path == "" {
		errs = append(errs, errors.New("ledger.path is required when the ledger is enabled"))
	}
	return errors.Join(errs...)
}

// AllowList parses the allowed networks.
func (c Config) AllowList() (netfilter.AllowList, error) {
	l, err := netfilter.ParseAllowList(c.Capture.AllowedNetworks)
	if err != nil {
		return netfilter.AllowList{}, fmt.Errorf("capture.allowed_networks: %w", err)
	}
	return l, nil
}

// DropPolicy returns the parsed full-queue policy, defaulting to drop-newest.
func (c Config) DropPolicy() queue.DropPolicy {
	p, err := queue.ParseDropPolicy(c.Capture.DropPolicy)
	if err != nil {
		return queue.DropNewest
	}
	return p
}

// APIURL returns the JSON-RPC endpoint.
func (c Config) APIURL() string {
	if c.Zabbix.URL != "" {
		return c.Zabbix.URL
	}
	return zabbix.APIURL(c.Zabbix.Server)
}

// SenderAddr returns the trapper address, derived from the server host when
// not set explicitly.
func (c Config) SenderAddr() string {
	if c.Reporter.SenderAddr != "" {
		return c.Reporter.SenderAddr
	}
	host := c.Zabbix.Server
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			host = u.Host
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]/")
	return net.JoinHostPort(host, zabbix.DefaultSenderPort)
}

// Redacted returns a copy with secrets masked.
func (c Config) Redacted() Config {
	out := c
	if out.Zabbix.Password != "" {
		out.Zabbix.Password = redacted
	}
	if out.MQTT.Password != "" {
		out.MQTT.Password = redacted
	}
	if out.SNMP.Community != "" {
		out.SNMP.Community = redacted
	}
	return out
}

// String renders the redacted configuration as YAML.
func (c Config) String() string {
	b, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(b)
}
