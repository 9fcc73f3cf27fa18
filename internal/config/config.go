// Package config provides centralized configuration management for wtkpipe.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	API     APIConfig
	Quota   QuotaConfig
	Storage StorageConfig
	MySQL   MySQLConfig
	Load    LoadConfig
	Paths   PathsConfig
	Logging LoggingConfig
	Metrics MetricsConfig
	Server  ServerConfig
}

// APIConfig holds NREL developer API settings.
type APIConfig struct {
	// Key is the NREL API key; required by commands that call the API.
	Key string `env:"NREL_API_KEY"`

	BaseURL     string `env:"NREL_BASE_URL" default:"https://developer.nrel.gov/api"`
	DatasetPath string `env:"WTK_DATASET_PATH" default:"wind-toolkit/v2/wind/wtk-download"`

	// WKT is the point to extract, as POINT(lon lat).
	WKT        string   `env:"WKT" envAlt:"WTK_WKT"`
	Attributes string   `env:"ATTRIBUTES"`
	Years      []string `env:"YEARS" envAlt:"WTK_YEARS"`
	Interval   int      `env:"INTERVAL" default:"60"`
	UTC        string   `env:"UTC" default:"true"`
	LeapDay    string   `env:"LEAP_DAY" default:"false"`

	// Requester metadata sent with asynchronous requests.
	FullName    string `env:"USER_FULL_NAME"`
	Email       string `env:"USER_EMAIL" envAlt:"NREL_EMAIL"`
	Affiliation string `env:"USER_AFFILIATION"`
	Reason      string `env:"USER_REASON"`

	// Timeout bounds one HTTP request, body included (default: 60s)
	Timeout time.Duration `env:"NREL_TIMEOUT" default:"60s"`
}

// QuotaConfig holds the client-side API rate limits.
type QuotaConfig struct {
	// StateFile persists per-day usage across restarts.
	StateFile string `env:"RATE_STATE_FILE" default:"./data/rate_state.json"`

	BulkDailyQuota  int     `env:"CSV_DAILY_QUOTA" default:"10000"`
	BulkMinInterval float64 `env:"CSV_MIN_INTERVAL_SECONDS" default:"1.0"`

	InteractiveDailyQuota  int     `env:"NONCSV_DAILY_QUOTA" default:"2000"`
	InteractiveMinInterval float64 `env:"NONCSV_MIN_INTERVAL_SECONDS" default:"2.0"`

	// InFlightLimit caps concurrent API calls across classes (default: 20)
	InFlightLimit int `env:"IN_FLIGHT_LIMIT" default:"20"`

	// InFlightWait bounds the wait for a slot; 0 waits until cancelled.
	InFlightWait time.Duration `env:"IN_FLIGHT_WAIT" default:"0s"`
}

// StorageConfig selects the destination store.
type StorageConfig struct {
	// Driver is one of postgres, sqlite, mysql, mssql (default: mysql)
	Driver string `env:"DB_DRIVER" default:"mysql"`

	// URL is the connection string. For mysql it may be left empty and is
	// then built from the MYSQL_* settings; for sqlite it defaults to a
	// file in DATA_DIR.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"0"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// MySQLConfig holds discrete MySQL connection settings.
type MySQLConfig struct {
	Host     string `env:"MYSQL_HOST" default:"localhost"`
	Port     int    `env:"MYSQL_PORT" default:"3306"`
	User     string `env:"MYSQL_USER" default:"wtk"`
	Password string `env:"MYSQL_PASSWORD"`
	Database string `env:"MYSQL_DB" default:"wtk"`
}

// LoadConfig holds bulk loader settings.
type LoadConfig struct {
	Table      string `env:"DB_TABLE" default:"wtk_raw_data"`
	ChunkSize  int    `env:"LOAD_CHUNK_SIZE" default:"5000"`
	SampleRows int    `env:"LOAD_SAMPLE_ROWS" default:"200"`
	InferRows  int    `env:"LOAD_INFER_ROWS" default:"100"`
	Delimiter  string `env:"LOAD_DELIMITER" default:","`
	SkipLines  int    `env:"LOAD_SKIP_LINES" default:"0"`

	// RowPolicy is repair or reject.
	RowPolicy string `env:"LOAD_ROW_POLICY" default:"repair"`

	// SchemaPolicy is strict or first-file.
	SchemaPolicy string `env:"LOAD_SCHEMA_POLICY" default:"strict"`
}

// PathsConfig holds on-disk locations.
type PathsConfig struct {
	DataDir    string `env:"DATA_DIR" envAlt:"WTK_OUT_DIR" default:"./data"`
	RawDir     string `env:"RAW_DIR" default:"./data/raw"`
	ExtractDir string `env:"EXTRACT_DIR" default:"./data/raw/extracted"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File additionally writes logs to a rotating file when set.
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" default:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" default:"5"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" default:"30"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	// Backend is none or datadog (default: none)
	Backend    string        `env:"METRICS_BACKEND" default:"none"`
	JobName    string        `env:"METRICS_JOB_NAME" default:"wtkpipe"`
	FlushEvery time.Duration `env:"METRICS_FLUSH_INTERVAL" default:"10s"`
	Tags       []string      `env:"METRICS_TAGS"`
}

// ServerConfig holds status server settings.
type ServerConfig struct {
	// Addr enables the status server when set, e.g. ":8080".
	Addr string `env:"STATUS_ADDR"`

	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`

	// APIKeys, when set, are required in X-API-Key on /api routes.
	APIKeys []string `env:"STATUS_API_KEYS"`

	// TrustedProxies lists CIDRs whose X-Real-IP/X-Forwarded-For headers
	// are believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// Enabled reports whether the status server should run.
func (c *ServerConfig) Enabled() bool { return c.Addr != "" }

// Seconds converts a fractional seconds setting to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
