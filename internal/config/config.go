package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Ticker    TickerConfig    `mapstructure:"ticker"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Arbitrage ArbitrageConfig `mapstructure:"arbitrage"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Auth      AuthConfig      `mapstructure:"auth"`
	GCP       GCPConfig       `mapstructure:"gcp"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	HTTPPort    int    `mapstructure:"http_port"`
	GRPCPort    int    `mapstructure:"grpc_port"`
	Environment string `mapstructure:"environment"`
	CORSOrigin  string `mapstructure:"cors_origin"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TickerConfig struct {
	TTL    time.Duration `mapstructure:"ttl"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

type ExchangeConfig struct {
	Exchanges    []string `mapstructure:"exchanges"`
	Symbols      []string `mapstructure:"symbols"` // user form, e.g. BTC_USDT
	MappingFile  string   `mapstructure:"mapping_file"`
	OKXProxy     string   `mapstructure:"okx_proxy"`
	BinanceWSURL string   `mapstructure:"binance_ws_url"`
	OKXWSURL     string   `mapstructure:"okx_ws_url"`
	KuCoinBullet string   `mapstructure:"kucoin_bullet_url"`
	ConnectRPS   float64  `mapstructure:"connect_rps"`
	ConnectBurst int      `mapstructure:"connect_burst"`
}

type ArbitrageConfig struct {
	AutoStart          bool          `mapstructure:"autostart"`
	MinProfitThreshold float64       `mapstructure:"min_profit_threshold"`
	MinProfitPercent   float64       `mapstructure:"min_profit_percent"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	TradeAmount        float64       `mapstructure:"trade_amount"`
	SimulationUSD      float64       `mapstructure:"simulation_usd"`
}

type StreamConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres, clickhouse
	URL    string `mapstructure:"url"`
}

type ChainConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	RPCURL          string `mapstructure:"rpc_url"`
	ChainID         int64  `mapstructure:"chain_id"`
	ContractAddress string `mapstructure:"contract_address"`
	PrivateKey      string `mapstructure:"private_key"`
	AuditLog        string `mapstructure:"audit_log"`
}

type AuthConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	JWTSecret         string   `mapstructure:"jwt_secret"`
	AdminRole         string   `mapstructure:"admin_role"`
	OperatorKeyHashes []string `mapstructure:"operator_key_hashes"`
}

type GCPConfig struct {
	ProjectID     string `mapstructure:"project_id"`
	UseSecrets    bool   `mapstructure:"use_secrets"`
	ChainKeyName  string `mapstructure:"chain_key_secret"`
	JWTSecretName string `mapstructure:"jwt_secret_name"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// binding ties a config key to its environment variable and default
type binding struct {
	key string
	env string
	def interface{}
}

var bindings = []binding{
	{"server.http_port", "HTTP_PORT", 3000},
	{"server.grpc_port", "GRPC_PORT", 50051},
	{"server.environment", "ENVIRONMENT", "development"},
	{"server.cors_origin", "CORS_ORIGIN", ""},

	{"redis.host", "REDIS_HOST", "localhost"},
	{"redis.port", "REDIS_PORT", 6379},
	{"redis.password", "REDIS_PASSWORD", ""},
	{"redis.db", "REDIS_DB", 0},

	{"ticker.ttl", "TICKER_REDIS_TTL", 30 * time.Second},
	{"ticker.max_age", "TICKER_MAX_AGE", 15 * time.Second},

	{"exchange.exchanges", "EXCHANGES", []string{"binance", "kucoin", "okx"}},
	{"exchange.symbols", "SYMBOLS", []string{"BTC_USDT", "ETH_USDT", "SOL_USDT", "BNB_USDT"}},
	{"exchange.mapping_file", "SYMBOL_MAPPING_FILE", ""},
	{"exchange.okx_proxy", "LOCAL_OKX_PROXY", ""},
	{"exchange.binance_ws_url", "BINANCE_WS_URL", "wss://stream.binance.com:9443/ws"},
	{"exchange.okx_ws_url", "OKX_WS_URL", "wss://ws.okx.com:8443/ws/v5/public"},
	{"exchange.kucoin_bullet_url", "KUCOIN_BULLET_URL", "https://api.kucoin.com/api/v1/bullet-public"},
	{"exchange.connect_rps", "EXCHANGE_CONNECT_RPS", 1.0},
	{"exchange.connect_burst", "EXCHANGE_CONNECT_BURST", 2},

	{"arbitrage.autostart", "ARBITRAGE_AUTOSTART", true},
	{"arbitrage.min_profit_threshold", "MIN_PROFIT_THRESHOLD", 0.1},
	{"arbitrage.min_profit_percent", "MIN_PROFIT_PERCENT", 0.0},
	{"arbitrage.cooldown", "EXECUTION_COOLDOWN", 60 * time.Second},
	{"arbitrage.trade_amount", "ARBITRAGE_TRADE_AMOUNT", 1.0},
	{"arbitrage.simulation_usd", "SIMULATION_TRADE_AMOUNT_USD", 100.0},

	{"stream.debounce", "STREAM_DEBOUNCE", 100 * time.Millisecond},

	{"database.driver", "RECORD_STORE_DRIVER", "sqlite"},
	{"database.url", "DATABASE_URL", "file:arbitrage.db?_pragma=busy_timeout(5000)"},

	{"chain.enabled", "CHAIN_ENABLED", false},
	{"chain.rpc_url", "BNB_RPC_URL", "https://data-seed-prebsc-1-s1.bnbchain.org:8545"},
	{"chain.chain_id", "BNB_CHAIN_ID", 97},
	{"chain.contract_address", "BNB_TEST_NET_CONTRACT_ADDRESS", ""},
	{"chain.private_key", "BNB_PRIVATE_KEY", ""},
	{"chain.audit_log", "CHAIN_AUDIT_LOG", "stdout"},

	{"auth.enabled", "AUTH_ENABLED", true},
	{"auth.jwt_secret", "JWT_SECRET", ""},
	{"auth.admin_role", "ADMIN_ROLE", "admin"},
	{"auth.operator_key_hashes", "OPERATOR_KEY_HASHES", []string{}},

	{"gcp.project_id", "GCP_PROJECT_ID", ""},
	{"gcp.use_secrets", "GCP_USE_SECRETS", false},
	{"gcp.chain_key_secret", "GCP_SECRET_CHAIN_KEY", "bnb-private-key"},
	{"gcp.jwt_secret_name", "GCP_SECRET_JWT", "jwt-secret"},

	{"logging.level", "LOG_LEVEL", "info"},
	{"logging.format", "LOG_FORMAT", "json"},
}

// New returns a viper instance with every binding registered. Callers may bind
// CLI flags onto it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, b := range bindings {
		v.SetDefault(b.key, b.def)
		_ = v.BindEnv(b.key, b.env)
	}
	return v
}

// Load loads configuration from .env, an optional YAML file and the environment
func Load(v *viper.Viper, configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	if v == nil {
		v = New()
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Exchange.Exchanges = normalizeList(cfg.Exchange.Exchanges, strings.ToLower)
	cfg.Exchange.Symbols = normalizeList(cfg.Exchange.Symbols, strings.ToUpper)
	cfg.Auth.OperatorKeyHashes = normalizeList(cfg.Auth.OperatorKeyHashes, nil)

	return &cfg, nil
}

// normalizeList splits comma-joined entries (env values arrive as one string),
// trims them and drops empties.
func normalizeList(in []string, fn func(string) string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if fn != nil {
				part = fn(part)
			}
			out = append(out, part)
		}
	}
	return out
}

// Validate reports configuration errors that must stop the process at startup
func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return errors.New("REDIS_HOST is required")
	}
	if len(c.Exchange.Exchanges) == 0 {
		return errors.New("EXCHANGES must list at least one exchange")
	}
	if len(c.Exchange.Symbols) == 0 {
		return errors.New("SYMBOLS must list at least one symbol")
	}

	if c.HasExchange("okx") {
		switch {
		case c.IsLocal() && c.Exchange.OKXProxy == "":
			return fmt.Errorf("LOCAL_OKX_PROXY is required when ENVIRONMENT=%s and okx is enabled", c.Server.Environment)
		case c.IsProduction() && c.Exchange.OKXProxy != "":
			return errors.New("LOCAL_OKX_PROXY must not be set in production")
		}
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "clickhouse":
	default:
		return fmt.Errorf("unknown RECORD_STORE_DRIVER %q", c.Database.Driver)
	}

	if c.Chain.Enabled {
		if c.Chain.RPCURL == "" {
			return errors.New("BNB_RPC_URL is required when CHAIN_ENABLED=true")
		}
		if c.Chain.ContractAddress == "" {
			return errors.New("BNB_TEST_NET_CONTRACT_ADDRESS is required when CHAIN_ENABLED=true")
		}
		if c.Chain.PrivateKey == "" {
			return errors.New("BNB_PRIVATE_KEY is required when CHAIN_ENABLED=true")
		}
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.OperatorKeyHashes) == 0 {
		return errors.New("JWT_SECRET or OPERATOR_KEY_HASHES is required when AUTH_ENABLED=true")
	}

	if c.Ticker.MaxAge <= 0 || c.Ticker.TTL <= 0 {
		return errors.New("ticker TTL and max age must be positive")
	}
	return nil
}

func (c *Config) IsLocal() bool {
	env := strings.ToLower(c.Server.Environment)
	return env == "local" || env == "development"
}

func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Server.Environment) == "production"
}

func (c *Config) HasExchange(name string) bool {
	for _, ex := range c.Exchange.Exchanges {
		if ex == name {
			return true
		}
	}
	return false
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
