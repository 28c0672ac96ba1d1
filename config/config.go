package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks every error caused by invalid configuration.
var ErrConfiguration = errors.New("configuration error")

// Mode selects how the collector gathers data.
type Mode string

const (
	ModeSync      Mode = "sync"
	ModeAsync     Mode = "async"
	ModeWebsocket Mode = "websocket"
)

// ParseMode validates a collection mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSync, ModeAsync, ModeWebsocket:
		return m, nil
	default:
		return "", fmt.Errorf("%w: invalid collection mode %q, expected sync, async or websocket", ErrConfiguration, s)
	}
}

// Writer kinds.
const (
	WriterParquetLocal = "parquet_local"
	WriterParquetS3    = "parquet_s3"
	WriterDBAWS        = "db_aws"
)

// WriterTypes lists the accepted writer kinds.
var WriterTypes = []string{WriterParquetS3, WriterDBAWS, WriterParquetLocal}

type Config struct {
	Collector CollectorConfig           `yaml:"collector"`
	Writer    WriterConfig              `yaml:"writer"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Logging   LoggingConfig             `yaml:"logging"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

type CollectorConfig struct {
	CollectionMode  Mode          `yaml:"collection_mode"`
	SleepDuration   float64       `yaml:"sleep_duration"`
	Limit           int           `yaml:"limit"`
	Pairs           ExchangeMap   `yaml:"pairs"`
	EventTypes      ExchangeMap   `yaml:"event_types"`
	DrainEvery      int           `yaml:"drain_every"`
	ErrorCooldown   time.Duration `yaml:"error_cooldown"`
	AsyncAttempts   int           `yaml:"async_attempts"`
	AsyncRetryDelay time.Duration `yaml:"async_retry_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Sleep returns the pause between two cycles.
func (c CollectorConfig) Sleep() time.Duration {
	return time.Duration(c.SleepDuration * float64(time.Second))
}

type WriterConfig struct {
	Type          string            `yaml:"type"`
	BufferSize    int               `yaml:"buffer_size"`
	PartitionCols []string          `yaml:"partition_cols"`
	Compression   string            `yaml:"compression"`
	ParquetLocal  LocalWriterConfig `yaml:"parquet_local"`
	ParquetS3     S3WriterConfig    `yaml:"parquet_s3"`
	DBAWS         DBWriterConfig    `yaml:"db_aws"`
}

type LocalWriterConfig struct {
	DataDirectory string `yaml:"data_directory"`
}

type S3WriterConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DBWriterConfig struct {
	ConnectionString string `yaml:"connection_string"`
	TablePrefix      string `yaml:"table_prefix"`
	MaxConns         int32  `yaml:"max_conns"`
}

// ExchangeConfig carries the static metadata and endpoints of one exchange.
type ExchangeConfig struct {
	ExchangeType      string        `yaml:"exchange_type"`
	Commission        float64       `yaml:"commission"`
	PairSep           string        `yaml:"pair_sep"`
	ExchangeFiat      string        `yaml:"exchange_fiat"`
	BaseEndpoint      string        `yaml:"base_endpoint"`
	WSEndpoint        string        `yaml:"ws_endpoint"`
	Category          string        `yaml:"category"`
	Timeout           time.Duration `yaml:"timeout"`
	SubscribeInterval time.Duration `yaml:"subscribe_interval"`
	ErrorCooldown     time.Duration `yaml:"error_cooldown"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	Authenticate      bool          `yaml:"authenticate"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	ListenAddr string           `yaml:"listen_addr"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// Default returns a configuration populated with the collector defaults.
func Default() Config {
	return Config{
		Collector: CollectorConfig{
			CollectionMode:  ModeSync,
			SleepDuration:   1,
			DrainEvery:      100,
			ErrorCooldown:   30 * time.Second,
			AsyncAttempts:   3,
			AsyncRetryDelay: 5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Writer: WriterConfig{
			Type:        WriterParquetLocal,
			BufferSize:  1000,
			Compression: "snappy",
			ParquetLocal: LocalWriterConfig{
				DataDirectory: "data",
			},
			DBAWS: DBWriterConfig{
				TablePrefix: "market_",
				MaxConns:    4,
			},
		},
		Exchanges: map[string]ExchangeConfig{},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: time.Minute,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(config *Config) {
	s3 := &config.Writer.ParquetS3
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		s3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		s3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		s3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		s3.Bucket = strings.TrimSpace(v)
	}
	s3.Bucket = strings.TrimSpace(s3.Bucket)

	if v := os.Getenv("DB_CONNECTION_STRING"); v != "" {
		config.Writer.DBAWS.ConnectionString = strings.TrimSpace(v)
	}
}

// Overrides holds the command line values that take precedence over the file.
// Zero values leave the file setting untouched.
type Overrides struct {
	WriterType    string
	BufferSize    int
	SleepDuration int
}

// ApplyOverrides merges o into the configuration and revalidates it.
func (c *Config) ApplyOverrides(o Overrides) error {
	if o.WriterType != "" {
		c.Writer.Type = o.WriterType
	}
	if o.BufferSize < 0 {
		return fmt.Errorf("%w: buffer size must be a positive integer", ErrConfiguration)
	}
	if o.BufferSize > 0 {
		c.Writer.BufferSize = o.BufferSize
	}
	if o.SleepDuration < 0 {
		return fmt.Errorf("%w: sleep duration must be a positive integer", ErrConfiguration)
	}
	if o.SleepDuration > 0 {
		c.Collector.SleepDuration = float64(o.SleepDuration)
	}
	return validateConfig(c)
}

func validateConfig(cfg *Config) error {
	mode, err := ParseMode(string(cfg.Collector.CollectionMode))
	if err != nil {
		return err
	}
	cfg.Collector.CollectionMode = mode

	col := cfg.Collector
	if col.SleepDuration < 0 {
		return fmt.Errorf("%w: collector.sleep_duration must not be negative", ErrConfiguration)
	}
	if col.Limit < 0 {
		return fmt.Errorf("%w: collector.limit must not be negative", ErrConfiguration)
	}
	if col.Pairs.Len() == 0 {
		return fmt.Errorf("%w: collector.pairs must name at least one exchange", ErrConfiguration)
	}
	if err := CheckExchangeSets(col.Pairs.Names(), col.EventTypes.Names()); err != nil {
		return err
	}
	for _, name := range col.EventTypes.Names() {
		for _, et := range col.EventTypes.Get(name) {
			if !isKnownEventType(et) {
				return fmt.Errorf("%w: collector.event_types.%s: unknown event type %q", ErrConfiguration, name, et)
			}
		}
	}
	if col.DrainEvery <= 0 {
		return fmt.Errorf("%w: collector.drain_every must be greater than 0", ErrConfiguration)
	}
	if col.AsyncAttempts <= 0 {
		return fmt.Errorf("%w: collector.async_attempts must be greater than 0", ErrConfiguration)
	}

	if cfg.Writer.BufferSize <= 0 {
		return fmt.Errorf("%w: writer.buffer_size must be greater than 0", ErrConfiguration)
	}
	switch cfg.Writer.Type {
	case WriterParquetLocal:
		if cfg.Writer.ParquetLocal.DataDirectory == "" {
			return fmt.Errorf("%w: writer.parquet_local.data_directory is required", ErrConfiguration)
		}
	case WriterParquetS3:
		s3 := cfg.Writer.ParquetS3
		if s3.Bucket == "" {
			return fmt.Errorf("%w: writer.parquet_s3.bucket is required", ErrConfiguration)
		}
		if !isValidS3Bucket(s3.Bucket) {
			return fmt.Errorf("%w: writer.parquet_s3.bucket '%s' is invalid", ErrConfiguration, s3.Bucket)
		}
		if IsProductionLike(getAppEnvironment()) && (s3.AccessKeyID == "" || s3.SecretAccessKey == "") {
			return fmt.Errorf("%w: writer.parquet_s3.access_key_id and secret_access_key are required in %s", ErrConfiguration, getAppEnvironment())
		}
	case WriterDBAWS:
		if cfg.Writer.DBAWS.ConnectionString == "" {
			return fmt.Errorf("%w: writer.db_aws.connection_string is required", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: writer.type %q is not one of %s", ErrConfiguration, cfg.Writer.Type, strings.Join(WriterTypes, ", "))
	}

	return nil
}

// CheckExchangeSets fails when the exchanges named by pairs and event_types differ.
func CheckExchangeSets(pairs, eventTypes []string) error {
	seen := make(map[string]bool, len(pairs))
	for _, name := range pairs {
		seen[name] = true
	}
	for _, name := range eventTypes {
		if !seen[name] {
			return fmt.Errorf("%w: exchange %q has event_types but no pairs", ErrConfiguration, name)
		}
		delete(seen, name)
	}
	for _, name := range pairs {
		if seen[name] {
			return fmt.Errorf("%w: exchange %q has pairs but no event_types", ErrConfiguration, name)
		}
	}
	return nil
}

func isKnownEventType(s string) bool {
	switch strings.ToLower(s) {
	case "orderbook", "ticker", "trades":
		return true
	}
	return false
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
