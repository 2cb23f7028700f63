package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config holds application settings. It satisfies the go-core
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	// dedup
	DedupWindowSeconds   int
	RetentionSeconds     int
	SweepIntervalSeconds int

	// trigger
	H3Resolution    int
	TargetCondition string
	HighValueCells  string
	ZonesFile       string
	WeatherEndpoint string
	WeatherAPIKey   string
	LookupTimeoutMS int

	// dispatch
	DispatchQueueSize     int
	DispatchWorkers       int
	DispatchBucketSeconds int
	DispatchMaxTries      int
	SlackWebhookURL       string
	MQTTBroker            string
	MQTTTopic             string
	MQTTClientID          string
	MQTTUsername          string
	MQTTPassword          string

	DatabaseURL string
	DBMaxConns  int

	// in-memory audit store caps, used when DatabaseURL is empty
	MemMaxPings      int
	MemMaxDeliveries int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.IntVar(&c.DedupWindowSeconds, "dedup-window-seconds", 30, "events from one device within this many seconds of a recorded event are duplicates (1..3600)")
	fs.IntVar(&c.RetentionSeconds, "retention-seconds", 3600, "how long recorded events are kept per device (must exceed dedup window)")
	fs.IntVar(&c.SweepIntervalSeconds, "sweep-interval-seconds", 60, "interval between idle device sweeps (1..3600)")

	fs.IntVar(&c.H3Resolution, "h3-resolution", 9, "H3 resolution for event cells (0..15)")
	fs.StringVar(&c.TargetCondition, "target-condition", "drizzle", "weather condition that triggers an offer")
	fs.StringVar(&c.HighValueCells, "high-value-cells", "", "comma separated H3 cells treated as high-value zones")
	fs.StringVar(&c.ZonesFile, "zones-file", "", "YAML file of named high-value zones")
	fs.StringVar(&c.WeatherEndpoint, "weather-endpoint", "", "OpenWeatherMap-compatible base URL (empty = static target condition)")
	fs.StringVar(&c.WeatherAPIKey, "weather-api-key", "", "API key for the weather endpoint")
	fs.IntVar(&c.LookupTimeoutMS, "lookup-timeout-ms", 2000, "timeout for each zone or weather lookup in milliseconds (1..60000)")

	fs.IntVar(&c.DispatchQueueSize, "dispatch-queue-size", 1024, "bounded dispatch queue capacity (1..1000000)")
	fs.IntVar(&c.DispatchWorkers, "dispatch-workers", 4, "dispatch worker goroutines (1..256)")
	fs.IntVar(&c.DispatchBucketSeconds, "dispatch-bucket-seconds", 3600, "at most one offer per device and cell per bucket of this many seconds")
	fs.IntVar(&c.DispatchMaxTries, "dispatch-max-tries", 3, "delivery attempts per offer (1..20)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for offer notifications")
	fs.StringVar(&c.MQTTBroker, "mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty = disabled)")
	fs.StringVar(&c.MQTTTopic, "mqtt-topic", "locus/offers/{device_id}", "MQTT topic for offers; {device_id} is substituted")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", "locus", "MQTT client id")
	fs.StringVar(&c.MQTTUsername, "mqtt-username", "", "MQTT username")
	fs.StringVar(&c.MQTTPassword, "mqtt-password", "", "MQTT password")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = pgx default, max 1000)")
	fs.IntVar(&c.MemMaxPings, "memstore-max-pings", 10000, "pings kept by the in-memory audit store, oldest evicted first")
	fs.IntVar(&c.MemMaxDeliveries, "memstore-max-deliveries", 10000, "deliveries kept by the in-memory audit store, oldest evicted first")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DedupWindowSeconds <= 0 || c.DedupWindowSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_WINDOW_SECONDS %d (must be 1..3600)", c.DedupWindowSeconds))
	}
	// retention must cover the window or a duplicate could slip through after purge
	if c.RetentionSeconds <= c.DedupWindowSeconds {
		errs = append(errs, fmt.Errorf("RETENTION_SECONDS %d must be greater than DEDUP_WINDOW_SECONDS %d", c.RetentionSeconds, c.DedupWindowSeconds))
	}
	if c.SweepIntervalSeconds <= 0 || c.SweepIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %d (must be 1..3600)", c.SweepIntervalSeconds))
	}

	if c.H3Resolution < 0 || c.H3Resolution > 15 {
		errs = append(errs, fmt.Errorf("invalid H3_RESOLUTION %d (must be 0..15)", c.H3Resolution))
	}
	if strings.TrimSpace(c.TargetCondition) == "" {
		errs = append(errs, errors.New("TARGET_CONDITION is required"))
	}
	if c.WeatherEndpoint != "" && c.WeatherAPIKey == "" {
		errs = append(errs, errors.New("WEATHER_API_KEY is required when WEATHER_ENDPOINT is set"))
	}
	if c.LookupTimeoutMS <= 0 || c.LookupTimeoutMS > 60000 {
		errs = append(errs, fmt.Errorf("invalid LOOKUP_TIMEOUT_MS %d (must be 1..60000)", c.LookupTimeoutMS))
	}

	if c.DispatchQueueSize <= 0 || c.DispatchQueueSize > 1_000_000 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_QUEUE_SIZE %d (must be 1..1000000)", c.DispatchQueueSize))
	}
	if c.DispatchWorkers <= 0 || c.DispatchWorkers > 256 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_WORKERS %d (must be 1..256)", c.DispatchWorkers))
	}
	if c.DispatchBucketSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_BUCKET_SECONDS %d (must be positive)", c.DispatchBucketSeconds))
	}
	if c.DispatchMaxTries <= 0 || c.DispatchMaxTries > 20 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_MAX_TRIES %d (must be 1..20)", c.DispatchMaxTries))
	}
	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		errs = append(errs, errors.New("MQTT_TOPIC is required when MQTT_BROKER is set"))
	}

	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.MemMaxPings <= 0 {
		errs = append(errs, fmt.Errorf("invalid MEMSTORE_MAX_PINGS %d (must be positive)", c.MemMaxPings))
	}
	if c.MemMaxDeliveries <= 0 {
		errs = append(errs, fmt.Errorf("invalid MEMSTORE_MAX_DELIVERIES %d (must be positive)", c.MemMaxDeliveries))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// DedupWindow returns the dedup window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// Retention returns the per-device retention horizon.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// SweepInterval returns the idle device sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// LookupTimeout returns the per-lookup timeout.
func (c *Config) LookupTimeout() time.Duration {
	return time.Duration(c.LookupTimeoutMS) * time.Millisecond
}

// DispatchBucket returns the sink idempotence bucket.
func (c *Config) DispatchBucket() time.Duration {
	return time.Duration(c.DispatchBucketSeconds) * time.Second
}
