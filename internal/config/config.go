package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	DB struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"db"`
	Gateway struct {
		BaseURL         string `yaml:"base_url"`
		KeyID           string `yaml:"key_id"`
		KeySecret       string `yaml:"key_secret"`
		WebhookSecret   string `yaml:"webhook_secret"`
		SignatureHeader string `yaml:"signature_header"`
		TimeoutSeconds  int    `yaml:"timeout_seconds"`
	} `yaml:"gateway"`
	Chains struct {
		ERC20  NetworkConfig `yaml:"erc20"`
		Native NetworkConfig `yaml:"native"`
	} `yaml:"chains"`
	Settlement struct {
		MinFiatMinor          int64 `yaml:"min_fiat_minor"`
		FiatToleranceMinor    int64 `yaml:"fiat_tolerance_minor"`
		TransferTimeoutSecond int   `yaml:"transfer_timeout_seconds"`
	} `yaml:"settlement"`
	Worker struct {
		IntervalSeconds     int64 `yaml:"interval_seconds"`
		StaleAfterSeconds   int64 `yaml:"stale_after_seconds"`
		BatchSize           int   `yaml:"batch_size"`
		WSFailoverThreshold int   `yaml:"ws_failover_threshold"`
	} `yaml:"worker"`
}

// NetworkConfig describes one EVM network and the assets transferred on it.
type NetworkConfig struct {
	Name                 string        `yaml:"name"`
	ChainID              int64         `yaml:"chain_id"`
	RPCEndpoints         []string      `yaml:"rpc_endpoints"`
	WSEndpoints          []string      `yaml:"ws_endpoints"`
	SenderKey            string        `yaml:"sender_key"`
	GasLimit             uint64        `yaml:"gas_limit"`
	MaxGasPriceGwei      int64         `yaml:"max_gas_price_gwei"`
	ConfirmTimeoutSecond int           `yaml:"confirm_timeout_seconds"`
	RPCFailoverThreshold int           `yaml:"rpc_failover_threshold"`
	Assets               []AssetConfig `yaml:"assets"`
}

type AssetConfig struct {
	Symbol   string `yaml:"symbol"`
	Contract string `yaml:"contract"`
}

func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes YAML config data, applies environment overrides and defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.Driver != "memory" && cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if len(cfg.Chains.ERC20.RPCEndpoints) == 0 || len(cfg.Chains.Native.RPCEndpoints) == 0 {
		return nil, errors.New("chains config is incomplete")
	}
	for _, a := range cfg.Chains.ERC20.Assets {
		if a.Contract == "" {
			return nil, errors.New("erc20 asset " + a.Symbol + " has no contract")
		}
	}
	if cfg.Settlement.MinFiatMinor <= 0 {
		return nil, errors.New("settlement.min_fiat_minor must be positive")
	}
	// The stale sweep must not release a reservation whose transfer can still confirm.
	for _, n := range []NetworkConfig{cfg.Chains.ERC20, cfg.Chains.Native} {
		window := int64(cfg.Settlement.TransferTimeoutSecond + n.ConfirmTimeoutSecond)
		if cfg.Worker.StaleAfterSeconds <= window {
			return nil, fmt.Errorf("worker.stale_after_seconds (%d) must exceed transfer plus %s confirm timeout (%ds)",
				cfg.Worker.StaleAfterSeconds, n.Name, window)
		}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "postgres"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = "https://api.razorpay.com"
	}
	if cfg.Gateway.SignatureHeader == "" {
		cfg.Gateway.SignatureHeader = "X-Razorpay-Signature"
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = 10
	}
	if cfg.Settlement.MinFiatMinor == 0 {
		cfg.Settlement.MinFiatMinor = 500
	}
	if cfg.Settlement.FiatToleranceMinor <= 0 {
		cfg.Settlement.FiatToleranceMinor = 1
	}
	if cfg.Settlement.TransferTimeoutSecond <= 0 {
		cfg.Settlement.TransferTimeoutSecond = 180
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 30
	}
	if cfg.Worker.StaleAfterSeconds <= 0 {
		cfg.Worker.StaleAfterSeconds = 900
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 50
	}
	for _, n := range []*NetworkConfig{&cfg.Chains.ERC20, &cfg.Chains.Native} {
		if n.ConfirmTimeoutSecond <= 0 {
			n.ConfirmTimeoutSecond = 120
		}
		if n.MaxGasPriceGwei <= 0 {
			n.MaxGasPriceGwei = 100
		}
		if n.RPCFailoverThreshold <= 0 {
			n.RPCFailoverThreshold = 3
		}
	}
	if cfg.Chains.ERC20.GasLimit == 0 {
		cfg.Chains.ERC20.GasLimit = 65000
	}
	if cfg.Chains.Native.GasLimit == 0 {
		cfg.Chains.Native.GasLimit = 21000
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitCommaList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("RAZORPAY_KEY_ID"); v != "" {
		cfg.Gateway.KeyID = v
	}
	if v := os.Getenv("RAZORPAY_KEY_SECRET"); v != "" {
		cfg.Gateway.KeySecret = v
	}
	if v := os.Getenv("RAZORPAY_WEBHOOK_SECRET"); v != "" {
		cfg.Gateway.WebhookSecret = v
	}
	if v := os.Getenv("ERC20_RPC_ENDPOINTS"); v != "" {
		cfg.Chains.ERC20.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("ERC20_WS_ENDPOINTS"); v != "" {
		cfg.Chains.ERC20.WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("ERC20_SENDER_KEY"); v != "" {
		cfg.Chains.ERC20.SenderKey = v
	}
	if v := os.Getenv("ERC20_CHAIN_ID"); v != "" {
		cfg.Chains.ERC20.ChainID = atoi64Or(cfg.Chains.ERC20.ChainID, v)
	}
	if v := os.Getenv("NATIVE_RPC_ENDPOINTS"); v != "" {
		cfg.Chains.Native.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("NATIVE_WS_ENDPOINTS"); v != "" {
		cfg.Chains.Native.WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("NATIVE_SENDER_KEY"); v != "" {
		cfg.Chains.Native.SenderKey = v
	}
	if v := os.Getenv("NATIVE_CHAIN_ID"); v != "" {
		cfg.Chains.Native.ChainID = atoi64Or(cfg.Chains.Native.ChainID, v)
	}
	if v := os.Getenv("MIN_FIAT_MINOR"); v != "" {
		cfg.Settlement.MinFiatMinor = atoi64Or(cfg.Settlement.MinFiatMinor, v)
	}
	if v := os.Getenv("FIAT_TOLERANCE_MINOR"); v != "" {
		cfg.Settlement.FiatToleranceMinor = atoi64Or(cfg.Settlement.FiatToleranceMinor, v)
	}
	if v := os.Getenv("TRANSFER_TIMEOUT_SECONDS"); v != "" {
		cfg.Settlement.TransferTimeoutSecond = atoiOr(cfg.Settlement.TransferTimeoutSecond, v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_STALE_AFTER_SECONDS"); v != "" {
		cfg.Worker.StaleAfterSeconds = atoi64Or(cfg.Worker.StaleAfterSeconds, v)
	}
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		cfg.Worker.BatchSize = atoiOr(cfg.Worker.BatchSize, v)
	}
	if v := os.Getenv("WORKER_WS_FAILOVER_THRESHOLD"); v != "" {
		cfg.Worker.WSFailoverThreshold = atoiOr(cfg.Worker.WSFailoverThreshold, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
