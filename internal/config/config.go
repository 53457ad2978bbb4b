package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "APPROVAL"

// Storage engines for db.engine.
const (
	EnginePebble  = "pebble"
	EngineLevelDB = "leveldb"
	EngineMemory  = "memory"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Log struct {
		Level string `mapstructure:"level"`
		Type  string `mapstructure:"type"`
	} `mapstructure:"log"`
	DB struct {
		Engine string `mapstructure:"engine"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"db"`
	Validator struct {
		Index    uint32 `mapstructure:"index"`
		KeysFile string `mapstructure:"keys_file"`
	} `mapstructure:"validator"`
	Pipeline struct {
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"pipeline"`
	Inconsistency struct {
		CacheSize int `mapstructure:"cache_size"`
		WarnAfter int `mapstructure:"warn_after"`
	} `mapstructure:"inconsistency"`
	Assignment struct {
		TrancheTicks uint64 `mapstructure:"tranche_ticks"`
	} `mapstructure:"assignment"`
	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
	Network struct {
		Name       string   `mapstructure:"name"`
		ListenAddr string   `mapstructure:"listen_addr"`
		Peers      []string `mapstructure:"peers"`
	} `mapstructure:"network"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.type", "console")
	v.SetDefault("db.engine", EnginePebble)
	v.SetDefault("db.path", "approval-db")
	v.SetDefault("validator.index", 0)
	v.SetDefault("validator.keys_file", "")
	v.SetDefault("pipeline.capacity", 64)
	v.SetDefault("inconsistency.cache_size", 1024)
	v.SetDefault("inconsistency.warn_after", 3)
	v.SetDefault("assignment.tranche_ticks", 1)
	v.SetDefault("metrics.addr", ":9615")
	v.SetDefault("network.name", "dev")
	v.SetDefault("network.listen_addr", "0.0.0.0:40000")
	v.SetDefault("network.peers", []string{})
}

// flagKeys are the keys that can be overridden on the command line. Each flag
// is named after its key.
var flagKeys = []string{
	"log.level",
	"log.type",
	"db.engine",
	"db.path",
	"validator.index",
	"validator.keys_file",
	"pipeline.capacity",
	"metrics.addr",
	"network.name",
	"network.listen_addr",
	"network.peers",
}

// RegisterFlags defines the override flags on fs. Unset flags fall through
// to the environment, the config file and the defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log.level", "", "log level (trace, debug, info, warn, error)")
	fs.String("log.type", "", "log format (console, json)")
	fs.String("db.engine", "", "storage engine (pebble, leveldb, memory)")
	fs.String("db.path", "", "database directory")
	fs.Uint32("validator.index", 0, "index of the local validator")
	fs.String("validator.keys_file", "", "validator key file")
	fs.Int("pipeline.capacity", 0, "vote pipeline capacity")
	fs.String("metrics.addr", "", "api and metrics listen address")
	fs.String("network.name", "", "network name")
	fs.String("network.listen_addr", "", "peer listen address")
	fs.StringSlice("network.peers", nil, "peer addresses to dial")
}

// BindFlags makes the flags registered by RegisterFlags take precedence over
// every other source when they are set.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	return nil
}

// LoadDotEnv loads path into the process environment when the file exists.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configFile (optional) and APPROVAL_* environment variables into v
// and decodes the result. Flags bound with BindFlags win over both.
func Load(v *viper.Viper, configFile string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.DB.Engine {
	case EnginePebble, EngineLevelDB:
		if c.DB.Path == "" {
			return fmt.Errorf("%w: db.path is required for %s", ErrInvalidConfig, c.DB.Engine)
		}
	case EngineMemory:
	default:
		return fmt.Errorf("%w: unknown db.engine %q", ErrInvalidConfig, c.DB.Engine)
	}
	if c.Pipeline.Capacity <= 0 {
		return fmt.Errorf("%w: pipeline.capacity must be positive", ErrInvalidConfig)
	}
	if c.Inconsistency.CacheSize <= 0 {
		return fmt.Errorf("%w: inconsistency.cache_size must be positive", ErrInvalidConfig)
	}
	if c.Assignment.TrancheTicks == 0 {
		return fmt.Errorf("%w: assignment.tranche_ticks must be positive", ErrInvalidConfig)
	}
	if c.Network.Name == "" {
		return fmt.Errorf("%w: network.name is required", ErrInvalidConfig)
	}
	return nil
}
