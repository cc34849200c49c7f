package lib

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"gopkg.in/yaml.v3"
)

/* This file implements logic for 'user controlled' global configurations of each module of the node */

const (
	// FILE NAMES in the 'data directory'
	ConfigFilePath     = "config.json"     // the file path for the node configuration
	ValidatorsFilePath = "validators.json" // the file path for the genesis validator registry
)

// Env options forwarding the consensus configuration
const (
	EnvFinalityWindowSeconds    = "FINALITY_WINDOW_SECONDS"
	EnvCrawlIntervalSeconds     = "CRAWL_INTERVAL_SECONDS"
	EnvAppealIntervalSeconds    = "APPEAL_INTERVAL_SECONDS"
	EnvNumInitialValidators     = "NUM_INITIAL_VALIDATORS"
	EnvRunnerCallTimeoutSeconds = "RUNNER_CALL_TIMEOUT_SECONDS"
)

// Config is the structure of the user configuration options for a node
type Config struct {
	MainConfig      `yaml:",inline"` // main options spanning over all modules
	ConsensusConfig `yaml:",inline"` // consensus pipeline options
	RunnerConfig    `yaml:",inline"` // runner gateway options
	StoreConfig     `yaml:",inline"` // persistence options
	MirrorConfig    `yaml:",inline"` // external ledger mirror options
	MetricsConfig   `yaml:",inline"` // telemetry options
	RPCConfig       `yaml:",inline"` // admin rpc options
}

// DefaultConfig() returns a Config with developer set options
func DefaultConfig() Config {
	return Config{
		MainConfig:      DefaultMainConfig(),
		ConsensusConfig: DefaultConsensusConfig(),
		RunnerConfig:    DefaultRunnerConfig(),
		StoreConfig:     DefaultStoreConfig(),
		MirrorConfig:    DefaultMirrorConfig(),
		MetricsConfig:   DefaultMetricsConfig(),
		RPCConfig:       DefaultRPCConfig(),
	}
}

// MAIN CONFIG BELOW

type MainConfig struct {
	LogLevel     string `json:"logLevel" yaml:"logLevel"`         // any level includes the levels above it: debug < info < warning < error
	LogMaxSizeMB int    `json:"logMaxSizeMB" yaml:"logMaxSizeMB"` // size in megabytes before the log file is rotated
}

// DefaultMainConfig() sets log level to 'info'
func DefaultMainConfig() MainConfig {
	return MainConfig{
		LogLevel:     "info", // everything but debug is the default
		LogMaxSizeMB: 10,
	}
}

// GetLogLevel() parses the log string in the config file into a LogLevel Enum
func (m *MainConfig) GetLogLevel() int32 {
	switch {
	case strings.Contains(strings.ToLower(m.LogLevel), "deb"):
		return DebugLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "inf"):
		return InfoLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "war"):
		return WarnLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "err"):
		return ErrorLevel
	default:
		return DebugLevel
	}
}

// CONSENSUS CONFIG BELOW

// ConsensusConfig defines the timing and sizing of the consensus pipeline
// NOTES:
// - the finality window is a wall clock minimum, checked every appeal interval
// - the runner call timeout bounds every single leader or validator execution
type ConsensusConfig struct {
	FinalityWindowSeconds    float64 `json:"finalityWindowSeconds" yaml:"finalityWindowSeconds"`       // minimum time in ACCEPTED before FINALIZED
	CrawlIntervalSeconds     float64 `json:"crawlIntervalSeconds" yaml:"crawlIntervalSeconds"`         // how often the crawler reads PENDING transactions
	AppealIntervalSeconds    float64 `json:"appealIntervalSeconds" yaml:"appealIntervalSeconds"`       // how often the appeal window worker scans
	NumInitialValidators     int     `json:"numInitialValidators" yaml:"numInitialValidators"`         // validators drawn for the first round (leader included)
	RunnerCallTimeoutSeconds float64 `json:"runnerCallTimeoutSeconds" yaml:"runnerCallTimeoutSeconds"` // per receipt deadline
	MaxConcurrentRunnerCalls int     `json:"maxConcurrentRunnerCalls" yaml:"maxConcurrentRunnerCalls"` // validator fan-out limit per round, 0 is unbounded
}

// DefaultConsensusConfig() returns the developer recommended consensus timings
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		FinalityWindowSeconds:    5,  // 5 seconds to appeal
		CrawlIntervalSeconds:     10, // crawl every 10 seconds
		AppealIntervalSeconds:    1,  // scan for finality every second
		NumInitialValidators:     5,  // leader + 4 validators
		RunnerCallTimeoutSeconds: 30, // 30 seconds per execution
		MaxConcurrentRunnerCalls: 0,  // the runner is the rate limiter
	}
}

// FinalityWindow() returns the finality window as a duration
func (c *ConsensusConfig) FinalityWindow() time.Duration { return seconds(c.FinalityWindowSeconds) }

// CrawlInterval() returns the crawl period as a duration
func (c *ConsensusConfig) CrawlInterval() time.Duration { return seconds(c.CrawlIntervalSeconds) }

// AppealInterval() returns the appeal worker period as a duration
func (c *ConsensusConfig) AppealInterval() time.Duration { return seconds(c.AppealIntervalSeconds) }

// RunnerCallTimeout() returns the per call deadline as a duration
func (c *ConsensusConfig) RunnerCallTimeout() time.Duration {
	return seconds(c.RunnerCallTimeoutSeconds)
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// RUNNER CONFIG BELOW

// RunnerConfig defines where the execution engine(s) are reached
type RunnerConfig struct {
	DefaultRunnerURL string            `json:"defaultRunnerURL" yaml:"defaultRunnerURL"` // the runner used for providers without a dedicated endpoint
	RunnerURLs       map[string]string `json:"runnerURLs" yaml:"runnerURLs"`             // provider -> runner endpoint
	RunnerRetries    uint64            `json:"runnerRetries" yaml:"runnerRetries"`       // transport retries inside the per call deadline
}

// DefaultRunnerConfig() points to a local runner
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DefaultRunnerURL: "http://localhost:4000/api",
		RunnerURLs:       map[string]string{},
		RunnerRetries:    2,
	}
}

// STORE CONFIG BELOW

// StoreConfig is user configurations for the key value database
type StoreConfig struct {
	DataDirPath       string `json:"dataDirPath" yaml:"dataDirPath"`             // path of the designated folder where the application stores its data
	DBName            string `json:"dbName" yaml:"dbName"`                       // name of the database
	InMemory          bool   `json:"inMemory" yaml:"inMemory"`                   // non-disk database, only for testing
	ContractCacheSize int    `json:"contractCacheSize" yaml:"contractCacheSize"` // number of contract states held in memory
	MemTableSize      int64  `json:"memTableSize" yaml:"memTableSize"`           // badger memtable size in bytes
}

// DefaultDataDirPath() is $USERHOME/.verdict
func DefaultDataDirPath() string {
	// get the user home
	home, err := os.UserHomeDir()
	// if unable to get the user home
	if err != nil {
		// fatal error
		panic(err)
	}
	// exit with full default data directory path
	return filepath.Join(home, ".verdict")
}

// DefaultStoreConfig() returns the developer recommended store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DataDirPath:       DefaultDataDirPath(),
		DBName:            "verdict",
		InMemory:          false,
		ContractCacheSize: 1024,
		MemTableSize:      int64(64 * units.MiB),
	}
}

// MIRROR CONFIG BELOW

// MirrorConfig configures the fire-and-forget notification of finalized transactions to an external ledger
type MirrorConfig struct {
	MirrorEnabled   bool   `json:"mirrorEnabled" yaml:"mirrorEnabled"`
	MirrorURL       string `json:"mirrorURL" yaml:"mirrorURL"`
	MirrorQueueSize int    `json:"mirrorQueueSize" yaml:"mirrorQueueSize"` // notifications beyond this backlog are dropped
}

// DefaultMirrorConfig() disables mirroring
func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		MirrorEnabled:   false,
		MirrorURL:       "http://localhost:8545",
		MirrorQueueSize: 1000,
	}
}

// METRICS CONFIG BELOW

// MetricsConfig represents the configuration for the metrics server
type MetricsConfig struct {
	MetricsEnabled    bool   `json:"metricsEnabled" yaml:"metricsEnabled"`       // if the metrics are enabled
	PrometheusAddress string `json:"prometheusAddress" yaml:"prometheusAddress"` // the address of the server
}

// DefaultMetricsConfig() returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		MetricsEnabled:    true,
		PrometheusAddress: "0.0.0.0:9090",
	}
}

// RPC CONFIG BELOW

type RPCConfig struct {
	AdminPort string `json:"adminPort" yaml:"adminPort"` // the port where the admin rpc server is hosted
	TimeoutS  int    `json:"timeoutS" yaml:"timeoutS"`   // the rpc request timeout in seconds
}

// DefaultRPCConfig() serves the admin rpc on localhost:50003
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		AdminPort: "50003",
		TimeoutS:  3,
	}
}

// ApplyEnv() overrides the consensus options with any set environment variables
func (c *Config) ApplyEnv() ErrorI {
	floats := map[string]*float64{
		EnvFinalityWindowSeconds:    &c.FinalityWindowSeconds,
		EnvCrawlIntervalSeconds:     &c.CrawlIntervalSeconds,
		EnvAppealIntervalSeconds:    &c.AppealIntervalSeconds,
		EnvRunnerCallTimeoutSeconds: &c.RunnerCallTimeoutSeconds,
	}
	for key, ptr := range floats {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return ErrInvalidEnvOption(key, err)
		}
		*ptr = f
	}
	if v, ok := os.LookupEnv(EnvNumInitialValidators); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return ErrInvalidEnvOption(EnvNumInitialValidators, err)
		}
		c.NumInitialValidators = n
	}
	return nil
}

// WriteToFile() saves the Config object to a JSON file
func (c Config) WriteToFile(filepath string) error {
	// convert the config to indented 'pretty' json bytes
	jsonBytes, err := json.MarshalIndent(c, "", "  ")
	// if an error occurred during the conversion
	if err != nil {
		// exit with error
		return err
	}
	// write the config.json file to the data directory
	return os.WriteFile(filepath, jsonBytes, os.ModePerm)
}

// NewConfigFromFile() populates a Config object from a JSON or YAML file
func NewConfigFromFile(path string) (Config, ErrorI) {
	// read the file into bytes
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ErrReadFile(err)
	}
	// define the default config to fill in any blanks in the file
	c := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(fileBytes, &c); err != nil {
			return Config{}, ErrYAMLUnmarshal(err)
		}
	default:
		if err = json.Unmarshal(fileBytes, &c); err != nil {
			return Config{}, ErrJSONUnmarshal(err)
		}
	}
	return c, nil
}
