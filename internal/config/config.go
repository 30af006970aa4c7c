// Package config loads the custody node configuration.
//
// Configuration is read from custody.yaml (explicit --config path, the user
// config dir, /etc/custody or the working directory), overridden by CUSTODY_*
// environment variables and finally by command line flags named after the
// dotted keys (e.g. --rpc.addr).
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/svm/programs/claim"
	"github.com/fortiblox/x1-custody/pkg/token"
)

const (
	configName = "custody"
	envPrefix  = "custody"
)

// Config is the complete node configuration.
type Config struct {
	Deployment Deployment `mapstructure:"deployment" yaml:"deployment"`
	Ledger     Ledger     `mapstructure:"ledger" yaml:"ledger"`
	Journal    Journal    `mapstructure:"journal" yaml:"journal"`
	RPC        RPC        `mapstructure:"rpc" yaml:"rpc"`
	GRPC       GRPC       `mapstructure:"grpc" yaml:"grpc"`
	Dashboard  Dashboard  `mapstructure:"dashboard" yaml:"dashboard"`
	Log        Log        `mapstructure:"log" yaml:"log"`
}

// Deployment holds the constants of one claim program deployment. Addresses
// are base58.
type Deployment struct {
	ProgramID               string `mapstructure:"program_id" yaml:"program_id"`
	Seed                    string `mapstructure:"seed" yaml:"seed"`
	Encoding                string `mapstructure:"encoding" yaml:"encoding"`
	Layout                  string `mapstructure:"layout" yaml:"layout"`
	TokenProgram            string `mapstructure:"token_program" yaml:"token_program"`
	CheckMint               bool   `mapstructure:"check_mint" yaml:"check_mint"`
	ExpectedMint            string `mapstructure:"expected_mint" yaml:"expected_mint,omitempty"`
	Treasury                string `mapstructure:"treasury" yaml:"treasury,omitempty"`
	RequireDestinationOwner bool   `mapstructure:"require_destination_owner" yaml:"require_destination_owner"`
	MintDecimals            *uint8 `mapstructure:"mint_decimals" yaml:"mint_decimals,omitempty"`
}

// Ledger configures the accounts store.
type Ledger struct {
	Path       string `mapstructure:"path" yaml:"path"`
	InMemory   bool   `mapstructure:"in_memory" yaml:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes" yaml:"sync_writes"`
}

// Journal configures the execution journal.
type Journal struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Path          string        `mapstructure:"path" yaml:"path"`
	RetainRecords uint64        `mapstructure:"retain_records" yaml:"retain_records"`
	PruneInterval time.Duration `mapstructure:"prune_interval" yaml:"prune_interval"`
}

// RPC configures the JSON-RPC server.
type RPC struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	EnableCORS     bool          `mapstructure:"enable_cors" yaml:"enable_cors"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
	LogRequests    bool          `mapstructure:"log_requests" yaml:"log_requests"`
}

// GRPC configures the Claim gRPC service.
type GRPC struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// Dashboard configures the status dashboard.
type Dashboard struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	BindAddress  string `mapstructure:"bind_address" yaml:"bind_address"`
	Port         int    `mapstructure:"port" yaml:"port"`
	RecentClaims int    `mapstructure:"recent_claims" yaml:"recent_claims"`
}

// Log configures logging.
type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Defaults returns the default value of every key.
func Defaults() map[string]any {
	return map[string]any{
		"deployment.seed":          "treasury",
		"deployment.encoding":      "fixed",
		"deployment.layout":        "minimal",
		"deployment.token_program": token.ProgramKey.String(),
		"deployment.check_mint":    true,

		"ledger.path":        "./data/ledger",
		"ledger.in_memory":   false,
		"ledger.sync_writes": true,

		"journal.enabled":        true,
		"journal.path":           "./data/journal.db",
		"journal.retain_records": 1_000_000,
		"journal.prune_interval": "10m",

		"rpc.enabled":       true,
		"rpc.addr":          ":8899",
		"rpc.read_timeout":  "30s",
		"rpc.write_timeout": "30s",
		"rpc.enable_cors":   true,
		"rpc.log_requests":  false,

		"grpc.enabled": false,
		"grpc.addr":    ":8900",

		"dashboard.enabled":       false,
		"dashboard.bind_address":  "127.0.0.1",
		"dashboard.port":          8080,
		"dashboard.recent_claims": 20,

		"log.level":  "info",
		"log.format": "text",
	}
}

// userConfigDir returns the per-user configuration directory.
func userConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "could not get user config directory")
	}
	return filepath.Join(dir, configName), nil
}

// Load reads the configuration. An explicit path that does not exist is an
// error; a missing file in the search path is not.
func Load(cmd *cobra.Command, path string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	}
	if dir, err := userConfigDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("/etc/custody")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, errors.Wrap(err, "read config")
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, errors.Wrap(err, "bind flags")
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, errors.Wrap(err, "decode config")
	}
	return c, nil
}

// Render returns the configuration as YAML.
func (c *Config) Render() ([]byte, error) {
	return yaml.Marshal(c)
}

// ClaimConfig converts the deployment section into program constants.
func (d *Deployment) ClaimConfig() (claim.Config, error) {
	var cfg claim.Config

	if d.ProgramID == "" {
		return cfg, errors.New("deployment.program_id is required")
	}
	programID, err := types.PubkeyFromBase58(d.ProgramID)
	if err != nil {
		return cfg, errors.Wrap(err, "deployment.program_id")
	}
	tokenProgram := token.ProgramKey
	if d.TokenProgram != "" {
		if tokenProgram, err = types.PubkeyFromBase58(d.TokenProgram); err != nil {
			return cfg, errors.Wrap(err, "deployment.token_program")
		}
	}
	encoding, err := claim.ParseEncoding(d.Encoding)
	if err != nil {
		return cfg, errors.Wrap(err, "deployment.encoding")
	}
	layout, err := claim.ParseLayout(d.Layout)
	if err != nil {
		return cfg, errors.Wrap(err, "deployment.layout")
	}

	cfg = claim.Config{
		ProgramID:               programID,
		SeedLabel:               []byte(d.Seed),
		Encoding:                encoding,
		Layout:                  layout,
		TokenProgramID:          tokenProgram,
		CheckMint:               d.CheckMint,
		RequireDestinationOwner: d.RequireDestinationOwner,
		MintDecimals:            d.MintDecimals,
	}
	if d.ExpectedMint != "" {
		mint, err := types.PubkeyFromBase58(d.ExpectedMint)
		if err != nil {
			return cfg, errors.Wrap(err, "deployment.expected_mint")
		}
		cfg.ExpectedMint = &mint
	}
	if d.Treasury != "" {
		treasury, err := types.PubkeyFromBase58(d.Treasury)
		if err != nil {
			return cfg, errors.Wrap(err, "deployment.treasury")
		}
		cfg.PinnedTreasury = &treasury
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "deployment")
	}
	return cfg, nil
}
