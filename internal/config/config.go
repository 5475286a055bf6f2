package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "palsync.cfg.json"

// FileConfig holds per-region JSON storage settings.
type FileConfig struct {
	Dir      string `json:"dir" mapstructure:"dir"`
	Compress bool   `json:"compress" mapstructure:"compress"`
}

// SQLiteConfig holds SQLite storage settings. An empty Path keeps the
// database in memory and relies on periodic dumps to DumpPath.
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpPath     string        `json:"dumpPath" mapstructure:"dumpPath"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Type   string       `json:"type" mapstructure:"type"`
	File   FileConfig   `json:"file" mapstructure:"file"`
	SQLite SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
	DB     DBConfig     `json:"db" mapstructure:"db"`
}

// RemoteConfig configures the remote sync service client.
type RemoteConfig struct {
	ServerURL  string
	AccountKey string
	CertFile   string
	KeyFile    string
	Timeout    time.Duration
}

// OTelConfig configures the OpenTelemetry provider.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// InfluxConfig configures engine telemetry written to InfluxDB.
type InfluxConfig struct {
	Enabled   bool
	Host      string
	Port      string
	Protocol  string
	Token     string
	Org       string
	Bucket    string
	BackupDir string
}

// GraylogConfig configures the GELF log sink.
type GraylogConfig struct {
	Enabled bool
	Address string
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// SaveAccountKey stores an account key issued by the sync service. It is
// written back to the config file when one was loaded, and reports whether it
// was.
func SaveAccountKey(key string) (bool, error) {
	viper.Set("remote.accountKey", key)
	if viper.ConfigFileUsed() == "" {
		return false, nil
	}
	if err := viper.WriteConfig(); err != nil {
		return false, fmt.Errorf("error writing config file: %w", err)
	}
	return true, nil
}

// SetDefaults registers every default value. Load calls it; commands that run
// without a config file call it directly.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./palsynclogs")
	viper.SetDefault("mode", "online")
	viper.SetDefault("tickInterval", "100ms")

	viper.SetDefault("sync.enabled", true)

	viper.SetDefault("remote.serverUrl", "http://localhost:5415")
	viper.SetDefault("remote.accountKey", "")
	viper.SetDefault("remote.certFile", "")
	viper.SetDefault("remote.keyFile", "")
	viper.SetDefault("remote.timeout", "30s")

	viper.SetDefault("storage.type", "file")
	viper.SetDefault("storage.file.dir", "./palsyncdata")
	viper.SetDefault("storage.file.compress", false)
	viper.SetDefault("storage.sqlite.path", "")
	viper.SetDefault("storage.sqlite.dumpPath", "./palsync.db")
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "palsync")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "palsync-metrics")
	viper.SetDefault("influx.bucket", "palsync")
	viper.SetDefault("influx.backupDir", "./palsynclogs")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "palsync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetMode returns the configured operating mode ("online" or "offline").
func GetMode() string {
	return viper.GetString("mode")
}

// GetTickInterval returns how often the engine tick runs.
func GetTickInterval() time.Duration {
	return viper.GetDuration("tickInterval")
}

// GetStorageConfig returns the storage backend configuration.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		File: FileConfig{
			Dir:      viper.GetString("storage.file.dir"),
			Compress: viper.GetBool("storage.file.compress"),
		},
		SQLite: SQLiteConfig{
			Path:         viper.GetString("storage.sqlite.path"),
			DumpPath:     viper.GetString("storage.sqlite.dumpPath"),
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
		},
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
	}
}

// GetRemoteConfig returns the remote sync service configuration.
func GetRemoteConfig() RemoteConfig {
	return RemoteConfig{
		ServerURL:  viper.GetString("remote.serverUrl"),
		AccountKey: viper.GetString("remote.accountKey"),
		CertFile:   viper.GetString("remote.certFile"),
		KeyFile:    viper.GetString("remote.keyFile"),
		Timeout:    viper.GetDuration("remote.timeout"),
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetInfluxConfig returns the InfluxDB telemetry configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:   viper.GetBool("influx.enabled"),
		Host:      viper.GetString("influx.host"),
		Port:      viper.GetString("influx.port"),
		Protocol:  viper.GetString("influx.protocol"),
		Token:     viper.GetString("influx.token"),
		Org:       viper.GetString("influx.org"),
		Bucket:    viper.GetString("influx.bucket"),
		BackupDir: viper.GetString("influx.backupDir"),
	}
}

// GetGraylogConfig returns the GELF sink configuration.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}
