// Package config loads the dispatch gateway's environment-driven
// configuration, binding defaults through spf13/viper and exposing a
// pflag.FlagSet for cmd/dispatchd's CLI flags to override them.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luxfi/near-dispatch-gateway/internal/executor"
)

// Config is every environment-driven knob the gateway exposes.
type Config struct {
	NetworkID        string `mapstructure:"networkId"`
	NodeURL          string `mapstructure:"nodeUrl"`
	MasterAccountID  string `mapstructure:"masterAccountId"`
	MasterPrivateKey string `mapstructure:"masterPrivateKey"`
	ContractID       string `mapstructure:"contractId"`

	BatchSize               int `mapstructure:"batchSize"`
	BatchIntervalMs         int `mapstructure:"batchIntervalMs"`
	MaxParallelTransactions int `mapstructure:"maxParallelTransactions"`
	MaxConcurrentBatches    int `mapstructure:"maxConcurrentBatches"`
	QueueConcurrency        int `mapstructure:"queueConcurrency"`

	FunctionCallGas uint64 `mapstructure:"functionCallGas"`
	AttachedDeposit string `mapstructure:"attachedDeposit"`

	RPCPoolSize  int `mapstructure:"rpcPoolSize"`
	RPCTimeoutMs int `mapstructure:"rpcTimeoutMs"`

	QueueCapacity int `mapstructure:"queueCapacity"`

	ListenAddr string `mapstructure:"listenAddr"`
}

// defaults mirrors the Batch Collector's and Transfer Executor's documented
// production defaults.
func defaults() map[string]any {
	return map[string]any{
		"networkId":               "mainnet",
		"batchSize":               75,
		"batchIntervalMs":         300,
		"maxParallelTransactions": 30,
		"maxConcurrentBatches":    15,
		"queueConcurrency":        64,
		"functionCallGas":         30,
		"attachedDeposit":         "1",
		"rpcPoolSize":             4,
		"rpcTimeoutMs":            30000,
		"queueCapacity":           100000,
		"listenAddr":              ":8080",
	}
}

// BindFlags registers the overridable flags on fs and binds them into v,
// matching the teacher's cmd/-level flag-binding convention.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	d := defaults()
	fs.String("network-id", d["networkId"].(string), "chain identifier string embedded in every signature")
	fs.String("node-url", "", "RPC endpoint base URL")
	fs.String("master-account-id", "", "signer account")
	fs.String("master-private-key", "", "ed25519:<base58> private key")
	fs.String("contract-id", "", "FT contract to call ft_transfer on")
	fs.Int("batch-size", d["batchSize"].(int), "base batch target")
	fs.Int("batch-interval-ms", d["batchIntervalMs"].(int), "BC tick period")
	fs.Int("max-parallel-transactions", d["maxParallelTransactions"].(int), "TE semaphore cap")
	fs.Int("max-concurrent-batches", d["maxConcurrentBatches"].(int), "BC inflight cap")
	fs.Int("queue-concurrency", d["queueConcurrency"].(int), "ingress concurrency hint")
	fs.Uint64("function-call-gas", uint64(d["functionCallGas"].(int)), "per-call gas in TGas")
	fs.String("attached-deposit", d["attachedDeposit"].(string), "per-call deposit in yocto")
	fs.Int("rpc-pool-size", d["rpcPoolSize"].(int), "RC connection pool size")
	fs.Int("rpc-timeout-ms", d["rpcTimeoutMs"].(int), "per-call timeout")
	fs.Int("queue-capacity", d["queueCapacity"].(int), "ingress queue capacity bound")
	fs.String("listen-addr", d["listenAddr"].(string), "HTTP listen address")

	for _, name := range []string{
		"network-id", "node-url", "master-account-id", "master-private-key", "contract-id",
		"batch-size", "batch-interval-ms", "max-parallel-transactions", "max-concurrent-batches",
		"queue-concurrency", "function-call-gas", "attached-deposit", "rpc-pool-size",
		"rpc-timeout-ms", "queue-capacity", "listen-addr",
	} {
		if err := v.BindPFlag(flagToKey(name), fs.Lookup(name)); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", name, err)
		}
	}
	return nil
}

// flagToKey converts a kebab-case flag name to the mapstructure key used by
// the Config struct above ("node-url" -> "nodeUrl").
func flagToKey(flag string) string {
	parts := strings.Split(flag, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}

// Load builds a Viper instance seeded with defaults, environment variables
// (the upper-cased key prefixed DISPATCH_, e.g. DISPATCH_NODEURL), and any
// flags already bound via BindFlags, then unmarshals it into a Config.
func Load(v *viper.Viper) (*Config, error) {
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows; the required keys have
	// no default, so bind them to the environment explicitly.
	for _, k := range []string{"nodeUrl", "masterAccountId", "masterPrivateKey", "contractId"} {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", k, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the gateway's required fields and numeric bounds.
func (c *Config) Validate() error {
	if c.NodeURL == "" {
		return fmt.Errorf("config: nodeUrl is required")
	}
	if c.MasterAccountID == "" {
		return fmt.Errorf("config: masterAccountId is required")
	}
	if c.MasterPrivateKey == "" {
		return fmt.Errorf("config: masterPrivateKey is required")
	}
	if c.ContractID == "" {
		return fmt.Errorf("config: contractId is required")
	}
	if err := executor.ValidateGas(c.FunctionCallGas); err != nil {
		return err
	}
	if c.AttachedDeposit != "1" {
		return fmt.Errorf("config: attachedDeposit must be \"1\" yocto for the FT standard, got %q", c.AttachedDeposit)
	}
	return nil
}
