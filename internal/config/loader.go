package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JonMunkholm/wtkpipe/internal/storage/mysql"
)

// ErrInvalid marks every configuration error returned by this package.
var ErrInvalid = errors.New("invalid configuration")

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Quota validation
	if c.Quota.StateFile == "" {
		errs = append(errs, "RATE_STATE_FILE must not be empty")
	}
	if c.Quota.BulkDailyQuota <= 0 {
		errs = append(errs, "CSV_DAILY_QUOTA must be positive")
	}
	if c.Quota.InteractiveDailyQuota <= 0 {
		errs = append(errs, "NONCSV_DAILY_QUOTA must be positive")
	}
	if c.Quota.BulkMinInterval < 0 {
		errs = append(errs, "CSV_MIN_INTERVAL_SECONDS must be non-negative")
	}
	if c.Quota.InteractiveMinInterval < 0 {
		errs = append(errs, "NONCSV_MIN_INTERVAL_SECONDS must be non-negative")
	}
	if c.Quota.InFlightLimit <= 0 {
		errs = append(errs, "IN_FLIGHT_LIMIT must be positive")
	}
	if c.Quota.InFlightWait < 0 {
		errs = append(errs, "IN_FLIGHT_WAIT must be non-negative")
	}

	// API validation
	if c.API.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("INTERVAL (%d) must be positive", c.API.Interval))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, "NREL_TIMEOUT must be positive")
	}
	if _, err := c.YearList(); err != nil {
		errs = append(errs, err.Error())
	}

	// Storage validation
	switch c.Storage.Driver {
	case "mysql", "sqlite":
	case "postgres", "mssql":
		if c.Storage.URL == "" {
			errs = append(errs, fmt.Sprintf("DATABASE_URL is required for DB_DRIVER=%s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER (%q) must be one of: postgres, sqlite, mysql, mssql", c.Storage.Driver))
	}
	if c.Storage.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Storage.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Storage.MaxConns < c.Storage.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Storage.MaxConns, c.Storage.MinConns))
	}
	if c.MySQL.Port <= 0 || c.MySQL.Port > 65535 {
		errs = append(errs, fmt.Sprintf("MYSQL_PORT (%d) must be 1-65535", c.MySQL.Port))
	}

	// Load validation
	if c.Load.Table == "" {
		errs = append(errs, "DB_TABLE must not be empty")
	}
	if c.Load.ChunkSize <= 0 {
		errs = append(errs, "LOAD_CHUNK_SIZE must be positive")
	}
	if c.Load.SampleRows <= 0 {
		errs = append(errs, "LOAD_SAMPLE_ROWS must be positive")
	}
	if c.Load.InferRows <= 0 {
		errs = append(errs, "LOAD_INFER_ROWS must be positive")
	}
	if c.Load.SkipLines < 0 {
		errs = append(errs, "LOAD_SKIP_LINES must be non-negative")
	}
	if _, err := c.Load.Delim(); err != nil {
		errs = append(errs, err.Error())
	}
	validRowPolicies := map[string]bool{"repair": true, "reject": true}
	if !validRowPolicies[strings.ToLower(c.Load.RowPolicy)] {
		errs = append(errs, fmt.Sprintf("LOAD_ROW_POLICY (%q) must be one of: repair, reject", c.Load.RowPolicy))
	}
	validSchemaPolicies := map[string]bool{"strict": true, "first-file": true}
	if !validSchemaPolicies[strings.ToLower(c.Load.SchemaPolicy)] {
		errs = append(errs, fmt.Sprintf("LOAD_SCHEMA_POLICY (%q) must be one of: strict, first-file", c.Load.SchemaPolicy))
	}

	// Metrics validation
	validBackends := map[string]bool{"none": true, "datadog": true}
	if !validBackends[strings.ToLower(c.Metrics.Backend)] {
		errs = append(errs, fmt.Sprintf("METRICS_BACKEND (%q) must be one of: none, datadog", c.Metrics.Backend))
	}

	// Server validation
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// RequireAPI checks the settings needed to call the NREL API.
func (c *Config) RequireAPI() error {
	var missing []string
	if c.API.Key == "" {
		missing = append(missing, "NREL_API_KEY")
	}
	if c.API.WKT == "" {
		missing = append(missing, "WKT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required environment variables: %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}

// YearList parses YEARS.
func (c *Config) YearList() ([]int, error) {
	return ParseYears(c.API.Years)
}

// ParseYears parses year strings such as those from a comma-separated
// flag or YEARS.
func ParseYears(in []string) ([]int, error) {
	out := make([]int, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		y, err := strconv.Atoi(s)
		if err != nil || y < 1000 || y > 9999 {
			return nil, fmt.Errorf("YEARS: invalid year %q", s)
		}
		out = append(out, y)
	}
	return out, nil
}

// Delim returns the CSV delimiter. A literal \t or "tab" selects a tab.
func (c *LoadConfig) Delim() (rune, error) {
	switch c.Delimiter {
	case "", ",":
		return ',', nil
	case `\t`, "tab":
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(c.Delimiter)
	if size != len(c.Delimiter) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("LOAD_DELIMITER (%q) must be a single character", c.Delimiter)
	}
	return r, nil
}

// DSN returns the connection string for the configured driver.
func (c *Config) DSN() (string, error) {
	if c.Storage.URL != "" {
		return c.Storage.URL, nil
	}
	switch c.Storage.Driver {
	case "mysql":
		m := c.MySQL
		return mysql.BuildDSN(m.Host, m.Port, m.User, m.Password, m.Database), nil
	case "sqlite":
		return filepath.Join(c.Paths.DataDir, "wtk.db"), nil
	}
	return "", errors.New("DATABASE_URL is not set")
}

// String returns a safe string representation of the config for logging.
// Credentials are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("API: {Key: %s, BaseURL: %q, Dataset: %q, WKT: %q, Years: %v, Interval: %d}, ",
		mask(c.API.Key), c.API.BaseURL, c.API.DatasetPath, c.API.WKT, c.API.Years, c.API.Interval))
	b.WriteString(fmt.Sprintf("Quota: {StateFile: %q, CSV: %d/%gs, NonCSV: %d/%gs, InFlight: %d}, ",
		c.Quota.StateFile, c.Quota.BulkDailyQuota, c.Quota.BulkMinInterval,
		c.Quota.InteractiveDailyQuota, c.Quota.InteractiveMinInterval, c.Quota.InFlightLimit))
	b.WriteString(fmt.Sprintf("Storage: {Driver: %q, URL: %s, MySQL: %s@%s:%d/%s, Password: %s}, ",
		c.Storage.Driver, mask(c.Storage.URL), c.MySQL.User, c.MySQL.Host, c.MySQL.Port, c.MySQL.Database, mask(c.MySQL.Password)))
	b.WriteString(fmt.Sprintf("Load: {Table: %q, ChunkSize: %d, RowPolicy: %q, SchemaPolicy: %q}, ",
		c.Load.Table, c.Load.ChunkSize, c.Load.RowPolicy, c.Load.SchemaPolicy))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}, ",
		c.Logging.Level, c.Logging.Format))
	b.WriteString(fmt.Sprintf("Metrics: {Backend: %q}, Server: {Addr: %q, APIKeys: %d configured}",
		c.Metrics.Backend, c.Server.Addr, len(c.Server.APIKeys)))
	b.WriteString("}")
	return b.String()
}

func mask(s string) string {
	if s == "" {
		return "[UNSET]"
	}
	return "[MASKED]"
}
