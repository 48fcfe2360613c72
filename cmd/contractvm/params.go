package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fortiblox/contractvm/pkg/gas"
	"github.com/fortiblox/contractvm/pkg/sandbox"
	"github.com/fortiblox/contractvm/pkg/trie"
	"github.com/fortiblox/contractvm/pkg/vm"
)

const (
	envPrefix = "CONTRACTVM"

	dataDirKey     = "data-dir"
	backendKey     = "backend"
	logLevelKey    = "log-level"
	gasLimitKey    = "gas-limit"
	callDepthKey   = "max-call-depth"
	callTimeoutKey = "call-timeout"
	cacheSizeKey   = "node-cache"
	memoryPagesKey = "memory-pages"
	versionKey     = "version"
)

// Storage backends.
const (
	backendBadger = "badger"
	backendBolt   = "bolt"
)

func buildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("contractvm", pflag.ContinueOnError)

	fs.String(dataDirKey, "./contractvm-data", "Directory holding the state database")
	fs.String(backendKey, backendBadger, "State backend: badger or bolt")
	fs.String(logLevelKey, "info", "Log level: debug, info, warn, error")
	fs.Uint64(gasLimitKey, gas.LimitDefault, "Gas budget of each root call")
	fs.Int(callDepthKey, vm.DefaultMaxCallDepth, "Maximum nested call depth")
	fs.Duration(callTimeoutKey, vm.DefaultCallTimeout, "Wall-clock limit of each root call")
	fs.Int(cacheSizeKey, trie.DefaultCacheSize, "Number of trie nodes kept in memory")
	fs.Uint32(memoryPagesKey, sandbox.DefaultConfig().MemoryLimitPages, "Linear memory limit per instance, in 64 KiB pages")
	fs.Bool(versionKey, false, "Print version and exit")

	return fs
}

// getViper parses args and returns the viper environment. Every flag can
// also be set through the environment, e.g. CONTRACTVM_DATA_DIR.
func getViper(args []string) (*viper.Viper, []string, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs := buildFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, nil, err
	}
	return v, fs.Args(), nil
}

// params is the resolved command line configuration.
type params struct {
	DataDir     string
	Backend     string
	LogLevel    string
	GasLimit    uint64
	CallDepth   int
	CallTimeout time.Duration
	CacheSize   int
	MemoryPages uint32
	Version     bool
}

func loadParams(v *viper.Viper) (params, error) {
	p := params{
		DataDir:     v.GetString(dataDirKey),
		Backend:     strings.ToLower(v.GetString(backendKey)),
		LogLevel:    v.GetString(logLevelKey),
		GasLimit:    v.GetUint64(gasLimitKey),
		CallDepth:   v.GetInt(callDepthKey),
		CallTimeout: v.GetDuration(callTimeoutKey),
		CacheSize:   v.GetInt(cacheSizeKey),
		MemoryPages: v.GetUint32(memoryPagesKey),
		Version:     v.GetBool(versionKey),
	}
	switch p.Backend {
	case backendBadger, backendBolt:
	default:
		return p, fmt.Errorf("unknown backend %q", p.Backend)
	}
	if p.CallTimeout <= 0 {
		return p, fmt.Errorf("%s must be positive", callTimeoutKey)
	}
	if p.DataDir == "" {
		return p, fmt.Errorf("%s is required", dataDirKey)
	}
	return p, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
