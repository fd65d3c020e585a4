package config

import (
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"
)

// AppConfig ...
type AppConfig struct {
	Storage struct {
		DSN string `yaml:"dsn"`
	}
	AWS struct {
		Region             string `yaml:"region"`
		CredentialsFile    string `yaml:"credentialsFile"`
		CredentialsProfile string `yaml:"credentialsProfile"`
	}
	Notify struct {
		Backend string `yaml:"backend"` // "sqs" or "log"
		Queue   struct {
			Name    string `yaml:"name"`
			URL     string `yaml:"url"`
			Retries int    `yaml:"sendRetries"`
		}
	}
	Claim struct {
		Limit     int    `yaml:"limit"`     // server-side ceiling per claim call
		ChunkSize int    `yaml:"chunkSize"` // dedup insert batch size
		LogLevel  string `yaml:"loglevel"`
	}
	AutoReset struct {
		Enabled    bool              `yaml:"enabled"`
		Categories map[string]string `yaml:"categories"` // error type -> category
		Limits     map[string]int    `yaml:"limits"`     // category -> max occurrences
	}
	Supervisor struct {
		Workers         int    `yaml:"workers"`
		LogLevel        string `yaml:"loglevel"`
		ManagerTimeout  int    `yaml:"managerTimeout"`  // seconds without heartbeat
		SweepInterval   int    `yaml:"sweepInterval"`   // seconds between stale sweeps
		ServiceInterval int    `yaml:"serviceInterval"` // seconds between service passes
		ServiceBatch    int    `yaml:"serviceBatch"`
	}
	Scheduler struct {
		LogLevel string `yaml:"loglevel"`
	}
}

// Defaults applied when the yaml leaves a knob unset.
const (
	DefaultClaimLimit      = 200
	DefaultChunkSize       = 200
	DefaultManagerTimeout  = 3600
	DefaultSweepInterval   = 60
	DefaultServiceInterval = 30
	DefaultServiceBatch    = 100
)

// Read ...
func Read() (*AppConfig, error) {
	filename := os.Getenv("CFG_PATH")
	cfg := &AppConfig{}
	buff, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(buff, cfg)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults ...
func (cfg *AppConfig) ApplyDefaults() {
	if cfg.Claim.Limit == 0 {
		cfg.Claim.Limit = DefaultClaimLimit
	}
	if cfg.Claim.ChunkSize == 0 {
		cfg.Claim.ChunkSize = DefaultChunkSize
	}
	if cfg.Supervisor.ManagerTimeout == 0 {
		cfg.Supervisor.ManagerTimeout = DefaultManagerTimeout
	}
	if cfg.Supervisor.SweepInterval == 0 {
		cfg.Supervisor.SweepInterval = DefaultSweepInterval
	}
	if cfg.Supervisor.ServiceInterval == 0 {
		cfg.Supervisor.ServiceInterval = DefaultServiceInterval
	}
	if cfg.Supervisor.ServiceBatch == 0 {
		cfg.Supervisor.ServiceBatch = DefaultServiceBatch
	}
	if cfg.Supervisor.Workers == 0 {
		cfg.Supervisor.Workers = 1
	}
	if cfg.Notify.Backend == "" {
		cfg.Notify.Backend = "log"
	}
}
