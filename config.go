package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Duration is a time.Duration that reads "90s" style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("duration must be a string like \"3m\" or a number of seconds: %s", b)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the configuration options for the exporter.
type Config struct {
	TenantID       string   `json:"tenantId,omitempty"`
	ClientID       string   `json:"clientId,omitempty"`
	ClientSecret   string   `json:"clientSecret,omitempty"`
	GroupID        string   `json:"groupId,omitempty"`
	OutputDir      string   `json:"outputDir,omitempty"`
	APIURL         string   `json:"apiUrl,omitempty"`
	ReportTimeout  Duration `json:"reportTimeout,omitempty"`
	RequestTimeout Duration `json:"requestTimeout,omitempty"`
	ExportInterval Duration `json:"exportInterval,omitempty"`
	HistoryDB      string   `json:"historyDb,omitempty"`
	LogLevel       string   `json:"logLevel,omitempty"`
	LogJSON        bool     `json:"logJson,omitempty"`

	HealthCheck bool `json:"healthCheck,omitempty"`
	ShowHistory bool `json:"showHistory,omitempty"`
}

// options are the raw command-line flag values.
type options struct {
	configFile     string
	envFile        string
	groupID        string
	outputDir      string
	apiURL         string
	reportTimeout  time.Duration
	requestTimeout time.Duration
	exportInterval time.Duration
	historyDB      string
	logLevel       string
	logJSON        bool
	healthCheck    bool
	showHistory    bool
}

func (o *options) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.groupID, "group-id", "g", "", "Power BI workspace (group) ID.")
	fs.StringVarP(&o.outputDir, "output", "o", "downloads", "Output directory.")
	fs.StringVar(&o.configFile, "config", "", "Path to a JSON configuration file. Environment variables and command-line flags override file values.")
	fs.StringVar(&o.envFile, "env-file", ".env", "Dotenv file to load before reading the environment. A missing default file is ignored.")
	fs.StringVar(&o.apiURL, "api-url", defaultAPIURL, "Power BI REST API root.")
	fs.DurationVar(&o.reportTimeout, "timeout", DefaultReportTimeout, "Maximum time spent downloading a single report.")
	fs.DurationVar(&o.requestTimeout, "request-timeout", DefaultRequestTimeout, "Timeout for connecting and receiving response headers.")
	fs.DurationVar(&o.exportInterval, "export-interval", 0, "Minimum delay between export requests (0 disables pacing).")
	fs.StringVar(&o.historyDB, "history-db", "", "Path to a SQLite file where runs and their outcomes are recorded.")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level (debug, info, warn, error).")
	fs.BoolVar(&o.logJSON, "log-json", false, "Output logs in JSON format.")
	fs.BoolVar(&o.healthCheck, "healthcheck", false, "Check authentication, print token details, then exit.")
	fs.BoolVar(&o.showHistory, "show-history", false, "Print the last run recorded in --history-db and exit.")
}

// envBindings maps environment variables onto configuration fields.
var envBindings = []struct {
	name string
	set  func(*Config, string)
}{
	{"AZURE_TENANT_ID", func(c *Config, v string) { c.TenantID = v }},
	{"AZURE_CLIENT_ID", func(c *Config, v string) { c.ClientID = v }},
	{"AZURE_CLIENT_SECRET", func(c *Config, v string) { c.ClientSecret = v }},
	{"PBI_GROUP_ID", func(c *Config, v string) { c.GroupID = v }},
	{"PBI_OUTPUT_DIR", func(c *Config, v string) { c.OutputDir = v }},
	{"PBI_API_URL", func(c *Config, v string) { c.APIURL = v }},
	{"PBI_HISTORY_DB", func(c *Config, v string) { c.HistoryDB = v }},
	{"PBI_LOG_LEVEL", func(c *Config, v string) { c.LogLevel = v }},
}

// LoadConfig builds the configuration from flag defaults, an optional JSON
// file, the environment (after loading a dotenv file) and explicitly set
// flags, in increasing order of precedence.
func LoadConfig(fs *pflag.FlagSet, opts *options) (Config, error) {
	// --- Configuration Loading & Merging ---
	// Start with default values from the flags themselves.
	config := Config{
		GroupID:        opts.groupID,
		OutputDir:      opts.outputDir,
		APIURL:         opts.apiURL,
		ReportTimeout:  Duration(opts.reportTimeout),
		RequestTimeout: Duration(opts.requestTimeout),
		ExportInterval: Duration(opts.exportInterval),
		HistoryDB:      opts.historyDB,
		LogLevel:       opts.logLevel,
		LogJSON:        opts.logJSON,
		HealthCheck:    opts.healthCheck,
		ShowHistory:    opts.showHistory,
	}

	if opts.configFile != "" {
		file, err := os.ReadFile(opts.configFile)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		if err := json.Unmarshal(file, &config); err != nil {
			return Config{}, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	// Variables already present in the process environment win over the dotenv file.
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			if fs.Changed("env-file") || !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("error loading env file: %w", err)
			}
		}
	}
	for _, b := range envBindings {
		if val, ok := os.LookupEnv(b.name); ok && val != "" {
			b.set(&config, val)
		}
	}

	// Re-apply any flags that were set on the command line.
	if fs.Changed("group-id") {
		config.GroupID = opts.groupID
	}
	if fs.Changed("output") {
		config.OutputDir = opts.outputDir
	}
	if fs.Changed("api-url") {
		config.APIURL = opts.apiURL
	}
	if fs.Changed("timeout") {
		config.ReportTimeout = Duration(opts.reportTimeout)
	}
	if fs.Changed("request-timeout") {
		config.RequestTimeout = Duration(opts.requestTimeout)
	}
	if fs.Changed("export-interval") {
		config.ExportInterval = Duration(opts.exportInterval)
	}
	if fs.Changed("history-db") {
		config.HistoryDB = opts.historyDB
	}
	if fs.Changed("log-level") {
		config.LogLevel = opts.logLevel
	}
	if fs.Changed("log-json") {
		config.LogJSON = opts.logJSON
	}
	if fs.Changed("healthcheck") {
		config.HealthCheck = opts.healthCheck
	}
	if fs.Changed("show-history") {
		config.ShowHistory = opts.showHistory
	}

	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) validate() error {
	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		return fmt.Errorf("invalid log level: %s. Must be one of debug, info, warn, error", c.LogLevel)
	}

	if c.ShowHistory {
		if c.HistoryDB == "" {
			return errors.New("--show-history requires --history-db")
		}
		if _, err := os.Stat(c.HistoryDB); os.IsNotExist(err) {
			return fmt.Errorf("history file does not exist: %s", c.HistoryDB)
		}
		if c.HealthCheck {
			return errors.New("--show-history and --healthcheck cannot be used at the same time")
		}
		// Reading history needs no credentials.
		return nil
	}

	if c.TenantID == "" {
		return errors.New("AZURE_TENANT_ID must be set via config file or environment variable")
	}
	if c.ClientID == "" {
		return errors.New("AZURE_CLIENT_ID must be set via config file or environment variable")
	}
	if c.ClientSecret == "" {
		return errors.New("AZURE_CLIENT_SECRET must be set via config file or environment variable")
	}
	if c.HealthCheck {
		return nil
	}

	if c.GroupID == "" {
		return errors.New("--group-id is required")
	}
	if c.OutputDir == "" {
		return errors.New("--output must not be empty")
	}
	if c.APIURL == "" {
		return errors.New("--api-url must not be empty")
	}
	if c.ReportTimeout <= 0 {
		return errors.New("--timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("--request-timeout must be positive")
	}
	if c.ExportInterval < 0 {
		return errors.New("--export-interval must not be negative")
	}
	return nil
}
