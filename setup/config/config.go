package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/element-hq/syncrooms/internal/util"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
const Version = 1

// SyncRooms is the top level configuration for the room list engine and the
// tooling around it.
type SyncRooms struct {
	// The version of the configuration file.
	Version int `yaml:"version"`

	Global  Global  `yaml:"global"`
	SyncAPI SyncAPI `yaml:"sync_api"`
	Logging []LogrusHook `yaml:"logging"`
}

// Global holds settings shared by every component.
type Global struct {
	// The name of the server. This is usually the domain name, e.g 'matrix.org', 'localhost'.
	ServerName spec.ServerName `yaml:"server_name"`

	// The default database options, used by any component that does not set
	// its own connection string.
	DatabaseOptions DatabaseOptions `yaml:"database,omitempty"`

	// Cache settings
	Cache Cache `yaml:"cache"`

	// JetStream configuration
	JetStream JetStream `yaml:"jetstream"`

	// Sentry configuration
	Sentry Sentry `yaml:"sentry"`

	// Metrics configuration
	Metrics Metrics `yaml:"metrics"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.ServerName = "localhost"
	}
	c.DatabaseOptions.Defaults(90)
	c.Cache.Defaults()
	c.JetStream.Defaults(opts)
	c.Metrics.Defaults(opts)
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
	c.DatabaseOptions.Verify(configErrs, "global.database")
	c.Cache.Verify(configErrs)
	c.JetStream.Verify(configErrs)
	c.Sentry.Verify(configErrs)
	c.Metrics.Verify(configErrs)
}

// DefaultOpts controls what Defaults fills in.
type DefaultOpts struct {
	// Generate fills in values suitable for a freshly generated config file.
	Generate bool
	// SingleDatabase leaves per-component connection strings empty so the
	// global database is used.
	SingleDatabase bool
}

// Defaults fills in the default values for every section.
func (c *SyncRooms) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.SyncAPI.Matrix = &c.Global
}

// Verify checks the whole configuration and returns every problem found.
func (c *SyncRooms) Verify() error {
	var configErrs ConfigErrors
	if c.Version != Version {
		configErrs.Add(fmt.Sprintf("config version is %d, expected %d", c.Version, Version))
	}
	c.Global.Verify(&configErrs)
	c.SyncAPI.Verify(&configErrs)
	for i := range c.Logging {
		c.Logging[i].Verify(&configErrs)
	}
	if len(configErrs) > 0 {
		return configErrs
	}
	return nil
}

// LoadConfig reads and verifies a YAML configuration file. Relative paths are
// resolved against the directory of the file.
func LoadConfig(configPath string) (*SyncRooms, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}
	return loadConfig(basePath, configData)
}

func loadConfig(basePath string, configData []byte) (*SyncRooms, error) {
	var c SyncRooms
	c.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}
	c.SyncAPI.Matrix = &c.Global
	c.Global.ServerName = util.NormalizeServerName(c.Global.ServerName)
	for i := range c.Logging {
		if dir, ok := c.Logging[i].Params["path"].(string); ok && !filepath.IsAbs(dir) {
			c.Logging[i].Params["path"] = filepath.Join(basePath, dir)
		}
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this configErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized configErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// configErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// checkURLs verifies that every value is a nats URL.
func checkURLs(configErrs *ConfigErrors, key string, values []string) {
	for _, value := range values {
		if !strings.HasPrefix(value, "nats://") && !strings.HasPrefix(value, "tls://") {
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", key, value))
		}
	}
}

// DataSource is a database connection string. The scheme decides the engine.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	return !d.IsSQLite()
}

// DatabaseOptions are the settings for a single database connection.
type DatabaseOptions struct {
	// The connection string, file:filename.db or postgres://server....
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
	// maximum amount of time (in seconds) a connection may be reused (<= 0 means unlimited)
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime"`
	// SQLiteDriver picks the sqlite implementation: "cgo" (mattn/go-sqlite3)
	// or "purego" (modernc.org/sqlite).
	SQLiteDriver string `yaml:"sqlite_driver,omitempty"`
}

const (
	SQLiteDriverCGO    = "cgo"
	SQLiteDriverPureGo = "purego"
)

func (c *DatabaseOptions) Defaults(conns int) {
	c.MaxOpenConnections = conns
	c.MaxIdleConnections = 2
	c.ConnMaxLifetimeSeconds = -1
	if c.SQLiteDriver == "" {
		c.SQLiteDriver = SQLiteDriverCGO
	}
}

func (c *DatabaseOptions) Verify(configErrs *ConfigErrors, prefix string) {
	switch c.SQLiteDriver {
	case "", SQLiteDriverCGO, SQLiteDriverPureGo:
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", prefix+".sqlite_driver", c.SQLiteDriver))
	}
}

// MaxIdleConns returns maximum idle connections to the DB
func (c DatabaseOptions) MaxIdleConns() int {
	return c.MaxIdleConnections
}

// MaxOpenConns returns maximum open connections to the DB
func (c DatabaseOptions) MaxOpenConns() int {
	return c.MaxOpenConnections
}

// ConnMaxLifetime returns maximum amount of time a connection may be reused
func (c DatabaseOptions) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// Cache configures the in-process caches.
type Cache struct {
	EstimatedMaxSize DataUnit      `yaml:"max_size_estimated"`
	MaxAge           time.Duration `yaml:"max_age"`
	EnablePrometheus bool          `yaml:"enable_prometheus"`
}

func (c *Cache) Defaults() {
	c.EstimatedMaxSize = 1024 * 1024 * 64 // 64MB
	c.MaxAge = time.Hour
}

func (c *Cache) Verify(errors *ConfigErrors) {
	checkPositive(errors, "max_size_estimated", int64(c.EstimatedMaxSize))
}

// DataUnit is a size in bytes. It accepts suffixes like "kb", "mb" and "gb"
// when read from YAML.
type DataUnit int64

var dataUnitRegexp = regexp.MustCompile(`^(\d+)\s*([kmgt]?b)?$`)

func (d *DataUnit) UnmarshalText(text []byte) error {
	match := dataUnitRegexp.FindStringSubmatch(strings.ToLower(strings.TrimSpace(string(text))))
	if match == nil {
		return fmt.Errorf("invalid data unit %q", string(text))
	}
	v, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return err
	}
	switch match[2] {
	case "tb":
		v *= 1024 * 1024 * 1024 * 1024
	case "gb":
		v *= 1024 * 1024 * 1024
	case "mb":
		v *= 1024 * 1024
	case "kb":
		v *= 1024
	}
	*d = DataUnit(v)
	return nil
}

// UnmarshalYAML lets plain integers and suffixed strings both work.
func (d *DataUnit) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Sentry configures error reporting.
type Sentry struct {
	Enabled bool `yaml:"enabled"`
	// The DSN to connect to e.g "https://examplePublicKey@o0.ingest.sentry.io/0"
	// See https://docs.sentry.io/platforms/go/configuration/options/
	DSN string `yaml:"dsn"`
	// The environment e.g "production"
	// See https://docs.sentry.io/platforms/go/configuration/environments/
	Environment string `yaml:"environment"`
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

func (c *Metrics) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.Listen = "localhost:9092"
	}
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.metrics.listen", c.Listen)
	}
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" and "std" are supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

func (c *LogrusHook) Verify(configErrs *ConfigErrors) {
	switch c.Type {
	case "file", "std":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "logging.type", c.Type))
	}
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "logging.level", c.Level))
	}
	if c.Type == "file" {
		if _, ok := c.Params["path"].(string); !ok {
			configErrs.Add(fmt.Sprintf("missing config key %q", "logging.params.path"))
		}
	}
}
