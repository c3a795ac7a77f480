// Package config handles configuration loading for the AMHS MTA.
//
// Configuration is loaded from a YAML file. ${VAR} references are expanded
// from the environment before parsing, defaults are applied and the result
// is validated.
//
// # Configuration Sections
//
//   - server: inbound listener address and timeouts
//   - tls: inbound TLS certificate, key and client CA
//   - relay: outbound relay engine, routing table and outbound TLS
//   - storage: memory or MongoDB persistence
//   - archive: retention purge
//   - deliveryReports: DR expiry scan
//   - metrics: operations HTTP listener
//   - channels: channels created at startup
//
// # Example Configuration
//
//	server:
//	  address: ":102"
//	tls:
//	  enabled: true
//	  certFile: /etc/amhs/server.pem
//	  keyFile: /etc/amhs/server.key
//	relay:
//	  enabled: true
//	  localMTAName: LIRR-MTA
//	  routingDomain: ENAV
//	  routes:
//	    - criteria: {C: IT, ADMD: ICAO, PRMD: ENAV}
//	      nextHops: ["mta1.enav.it:102", "mta2.enav.it:102"]
//	storage:
//	  driver: mongodb
//	  mongodb:
//	    uri: ${AMHS_MONGO_URI}
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caio-sobreiro/amhsnet/relay"
	"github.com/caio-sobreiro/amhsnet/types"
)

// Storage drivers
const (
	DriverMemory  = "memory"
	DriverMongoDB = "mongodb"
)

// Config is the root configuration structure
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	TLS             TLSConfig             `yaml:"tls"`
	Relay           RelayConfig           `yaml:"relay"`
	Storage         StorageConfig         `yaml:"storage"`
	Archive         ArchiveConfig         `yaml:"archive"`
	DeliveryReports DeliveryReportsConfig `yaml:"deliveryReports"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Channels        []ChannelConfig       `yaml:"channels"`
}

// ServerConfig configures the inbound RFC1006 listener
type ServerConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// TLSConfig configures inbound TLS. ClientCAFile enables verification of
// client certificates.
type TLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"certFile"`
	KeyFile           string `yaml:"keyFile"`
	ClientCAFile      string `yaml:"clientCAFile"`
	RequireClientCert bool   `yaml:"requireClientCert"`
}

// RelayConfig configures the outbound relay engine
type RelayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ScanInterval   time.Duration `yaml:"scanInterval"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	LocalMTAName   string        `yaml:"localMTAName"`
	RoutingDomain  string        `yaml:"routingDomain"`
	Concurrency    int           `yaml:"concurrency"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	Routes         Routes        `yaml:"routes"`
	TLS            OutboundTLS   `yaml:"tls"`
}

// OutboundTLS configures TLS toward peer MTAs
type OutboundTLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// StorageConfig selects the persistence driver
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// DatabaseEnabled false accepts messages without validating or storing them
	DatabaseEnabled *bool         `yaml:"databaseEnabled"`
	MongoDB         MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ConnectRetries int           `yaml:"connectRetries"`
}

// ArchiveConfig configures the retention purge
type ArchiveConfig struct {
	Enabled       *bool         `yaml:"enabled"`
	RetentionDays int           `yaml:"retentionDays"`
	Interval      time.Duration `yaml:"interval"`
}

// DeliveryReportsConfig configures the DR expiry scan
type DeliveryReportsConfig struct {
	Enabled       *bool         `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"checkInterval"`
}

// MetricsConfig configures the operations HTTP listener
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// ChannelConfig is a channel created or updated at startup
type ChannelConfig struct {
	Name       string `yaml:"name"`
	ExpectedCN string `yaml:"expectedCN"`
	ExpectedOU string `yaml:"expectedOU"`
	Enabled    *bool  `yaml:"enabled"`
}

// Routes is the relay routing table. In YAML it is either a list of
// {criteria, nextHops} entries or the compact string form accepted by
// relay.ParseRoutingTable.
type Routes []relay.Route

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Routes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var compact string
		if err := node.Decode(&compact); err != nil {
			return err
		}
		table, err := relay.ParseRoutingTable(compact)
		if err != nil {
			return err
		}
		*r = table.Routes()
		return nil
	}

	var routes []relay.Route
	if err := node.Decode(&routes); err != nil {
		return err
	}
	*r = routes
	return nil
}

// Table builds the routing table
func (r Routes) Table() *relay.RoutingTable {
	return relay.NewRoutingTable(r)
}

// Enabled reports b, or def when unset
func Enabled(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Load reads, expands, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":102"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Minute
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = time.Minute
	}
	if c.Relay.ScanInterval == 0 {
		c.Relay.ScanInterval = 5 * time.Second
	}
	if c.Relay.MaxAttempts == 0 {
		c.Relay.MaxAttempts = 5
	}
	if c.Relay.LocalMTAName == "" {
		c.Relay.LocalMTAName = "LOCAL-MTA"
	}
	if c.Relay.RoutingDomain == "" {
		c.Relay.RoutingDomain = "LOCAL"
	}
	if c.Relay.Concurrency == 0 {
		c.Relay.Concurrency = 4
	}
	if c.Relay.ConnectTimeout == 0 {
		c.Relay.ConnectTimeout = 10 * time.Second
	}
	if c.Relay.ReadTimeout == 0 {
		c.Relay.ReadTimeout = 30 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "amhs"
	}
	if c.Archive.RetentionDays == 0 {
		c.Archive.RetentionDays = 30
	}
	if c.Archive.Interval == 0 {
		c.Archive.Interval = 24 * time.Hour
	}
	if c.DeliveryReports.CheckInterval == 0 {
		c.DeliveryReports.CheckInterval = 30 * time.Second
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9102"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if len(c.Channels) == 0 {
		c.Channels = []ChannelConfig{{Name: types.DefaultChannelName}, {Name: "AFTN"}}
	}
}

// Validate checks the configuration after defaults have been applied
func (c *Config) Validate() error {
	var errs []error

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.certFile and tls.keyFile are required when tls is enabled"))
	}
	if c.TLS.RequireClientCert && c.TLS.ClientCAFile == "" {
		errs = append(errs, errors.New("tls.clientCAFile is required when tls.requireClientCert is set"))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverMongoDB:
		if c.Storage.MongoDB.URI == "" {
			errs = append(errs, errors.New("storage.mongodb.uri is required when driver is 'mongodb'"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be 'memory' or 'mongodb', got '%s'", c.Storage.Driver))
	}

	if c.Relay.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("relay.maxAttempts must not be negative, got %d", c.Relay.MaxAttempts))
	}
	if c.Relay.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("relay.concurrency must not be negative, got %d", c.Relay.Concurrency))
	}
	for i, route := range c.Relay.Routes {
		if len(route.Criteria) == 0 {
			errs = append(errs, fmt.Errorf("relay.routes[%d] has no criteria", i))
		}
		if len(route.NextHops) == 0 {
			errs = append(errs, fmt.Errorf("relay.routes[%d] has no next hops", i))
		}
	}
	if c.Relay.TLS.CertFile != "" && c.Relay.TLS.KeyFile == "" {
		errs = append(errs, errors.New("relay.tls.keyFile is required with relay.tls.certFile"))
	}

	if c.Archive.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("archive.retentionDays must not be negative, got %d", c.Archive.RetentionDays))
	}

	for i, ch := range c.Channels {
		if strings.TrimSpace(ch.Name) == "" {
			errs = append(errs, fmt.Errorf("channels[%d].name is required", i))
		}
	}

	return errors.Join(errs...)
}
