package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del keeper.
type Config struct {
	Chain     ChainConfig     `yaml:"chain"`
	Contracts ContractsConfig `yaml:"contracts"`
	Keeper    KeeperConfig    `yaml:"keeper"`
	Cadence   CadenceConfig   `yaml:"cadence"`
	Prices    PricesConfig    `yaml:"prices"`
	Treasury  TreasuryConfig  `yaml:"treasury"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// ChainConfig describe el nodo y la wallet del keeper.
type ChainConfig struct {
	RPCURL                string `yaml:"rpc_url"`     // ws:// o wss:// para suscripciones
	PrivateKey            string `yaml:"private_key"` // mejor vía KEEPER_PRIVATE_KEY
	ReceiptTimeoutSeconds int    `yaml:"receipt_timeout_seconds"`
}

// ContractsConfig contiene las direcciones on-chain (hex con 0x).
type ContractsConfig struct {
	AccountProxy  string `yaml:"account_proxy"`
	MarketProxy   string `yaml:"market_proxy"`
	Multicall     string `yaml:"multicall"` // Multicall3 para lecturas batch
	Forwarder     string `yaml:"forwarder"` // trusted multicall forwarder para flag+liquidate atómico
	Pyth          string `yaml:"pyth"`
	PythWrapper   string `yaml:"pyth_wrapper"`
	SpotMarket    string `yaml:"spot_market"`
	WrappedNative string `yaml:"wrapped_native"`
}

// KeeperConfig controla liquidaciones y settlements.
type KeeperConfig struct {
	MarketID            uint64  `yaml:"market_id"` // 0 = cuenta completa / mercado del evento
	SettleDelaySeconds  float64 `yaml:"settle_delay_seconds"`
	FeeMultiplier       uint64  `yaml:"fee_multiplier"`
	ChunkSize           int     `yaml:"chunk_size"`
	MinCollateral       string  `yaml:"min_collateral"` // decimal, en USD
	FlagBeforeLiquidate bool    `yaml:"flag_before_liquidate"`
	AtomicFlag          bool    `yaml:"atomic_flag"`
	AwaitLiquidation    bool    `yaml:"await_liquidation_receipt"`
	LiquidationWorkers  int     `yaml:"liquidation_workers"`
	SettlementWorkers   int     `yaml:"settlement_workers"`
	MaxPending          int     `yaml:"max_pending_settlements"`
	OrderExpirySeconds  int     `yaml:"order_expiry_seconds"`
	LivenessTimeoutSecs int     `yaml:"liveness_timeout_seconds"`

	// MarketNames solo se usa en logs; un id sin nombre se loguea como market-<id>.
	MarketNames map[uint64]string `yaml:"market_names"`
}

// CadenceConfig son los intervalos en bloques de cada tarea (0 = desactivada).
type CadenceConfig struct {
	Liquidate      uint64 `yaml:"liquidate"`
	AccountRefresh uint64 `yaml:"account_refresh"`
	Prices         uint64 `yaml:"prices"`
	Swap           uint64 `yaml:"swap"`
}

// PricesConfig controla el price pusher.
type PricesConfig struct {
	FeedIDs            []string `yaml:"feed_ids"`
	StalenessTolerance uint64   `yaml:"staleness_tolerance_seconds"`
	MaxETHCost         string   `yaml:"max_eth_cost"`
	ServiceEndpoint    string   `yaml:"service_endpoint"`
}

// TreasuryConfig describe la ruta de conversión de saldos ociosos.
type TreasuryConfig struct {
	Enabled         bool        `yaml:"enabled"`
	Threshold       string      `yaml:"threshold_usd"`
	UnwrapFloor     string      `yaml:"unwrap_floor"`
	Route           []HopConfig `yaml:"route"`
	TargetToken     string      `yaml:"target_token"` // lo que entrega el router (WETH)
	RouterBase      string      `yaml:"router_base"`
	ChainID         uint64      `yaml:"chain_id"`
	Slippage        float64     `yaml:"slippage_percent"`
	MaxFailures     int         `yaml:"max_failures"`
	CooldownMinutes int         `yaml:"cooldown_minutes"`
}

// HopConfig es un paso de la ruta: el asset que se tiene y cómo se convierte.
type HopConfig struct {
	Kind     string `yaml:"kind"` // spot_buy | spot_unwrap | router_swap
	Symbol   string `yaml:"symbol"`
	Token    string `yaml:"token"`
	Decimals int32  `yaml:"decimals"`
	MarketID uint64 `yaml:"market_id"` // solo hops spot
}

// ServerConfig controla el servidor HTTP de operación (/metrics, /healthz).
type ServerConfig struct {
	Addr string `yaml:"addr"` // vacío = desactivado
}

// StorageConfig controla dónde se persiste el journal de transacciones.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las variables de entorno sobreescriben los valores del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	// Las cadencias se precargan: yaml solo pisa las keys presentes, así un 0 explícito
	// desactiva la tarea.
	cfg := Config{Cadence: CadenceConfig{Liquidate: 10, AccountRefresh: 100, Prices: 30, Swap: 100}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)

	return &cfg, nil
}

// SettleDelay devuelve el delay de settlement como time.Duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Keeper.SettleDelaySeconds * float64(time.Second))
}

// LivenessTimeout es el tiempo máximo sin bloques ni eventos antes de abortar.
func (c *Config) LivenessTimeout() time.Duration {
	return time.Duration(c.Keeper.LivenessTimeoutSecs) * time.Second
}

// ReceiptTimeout es la espera máxima por un receipt.
func (c *Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.Chain.ReceiptTimeoutSeconds) * time.Second
}

// OrderExpiry es la ventana tras el commit en la que una orden todavía se puede settlear.
func (c *Config) OrderExpiry() time.Duration {
	return time.Duration(c.Keeper.OrderExpirySeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
// Los nombres coinciden con los que usaban los bots anteriores.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("KEEPER_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("KEEPER_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("PRICE_SERVICE_ENDPOINT"); v != "" {
		cfg.Prices.ServiceEndpoint = v
	}
	if v := os.Getenv("SWAP_THRESHOLD_USD"); v != "" {
		cfg.Treasury.Threshold = v
	}
	if v := os.Getenv("ORDER_DELAY_SECONDS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ORDER_DELAY_SECONDS: %w", err)
		}
		cfg.Keeper.SettleDelaySeconds = f
	}

	blocks := []struct {
		env string
		dst *uint64
	}{
		{"BLOCKS_LIQUIDATE", &cfg.Cadence.Liquidate},
		{"BLOCKS_ACCOUNT_REFRESH", &cfg.Cadence.AccountRefresh},
		{"BLOCKS_SWAP", &cfg.Cadence.Swap},
		{"BLOCKS_PRICES", &cfg.Cadence.Prices},
	}
	for _, b := range blocks {
		v := os.Getenv(b.env)
		if v == "" {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", b.env, err)
		}
		*b.dst = n
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Chain.ReceiptTimeoutSeconds <= 0 {
		cfg.Chain.ReceiptTimeoutSeconds = 120
	}
	if cfg.Keeper.FeeMultiplier == 0 {
		cfg.Keeper.FeeMultiplier = 2
	}
	if cfg.Keeper.ChunkSize <= 0 {
		cfg.Keeper.ChunkSize = 500
	}
	if cfg.Keeper.MinCollateral == "" {
		cfg.Keeper.MinCollateral = "1"
	}
	if cfg.Keeper.LiquidationWorkers <= 0 {
		cfg.Keeper.LiquidationWorkers = 4
	}
	if cfg.Keeper.SettlementWorkers <= 0 {
		cfg.Keeper.SettlementWorkers = 8
	}
	if cfg.Keeper.MaxPending <= 0 {
		cfg.Keeper.MaxPending = 1024
	}
	if cfg.Keeper.OrderExpirySeconds <= 0 {
		cfg.Keeper.OrderExpirySeconds = 60
	}
	if cfg.Keeper.LivenessTimeoutSecs <= 0 {
		cfg.Keeper.LivenessTimeoutSecs = 60
	}
	if cfg.Prices.StalenessTolerance == 0 {
		cfg.Prices.StalenessTolerance = 3300
	}
	if cfg.Prices.MaxETHCost == "" {
		cfg.Prices.MaxETHCost = "0.05"
	}
	if cfg.Prices.ServiceEndpoint == "" {
		cfg.Prices.ServiceEndpoint = "https://hermes.pyth.network"
	}
	if cfg.Treasury.Threshold == "" {
		cfg.Treasury.Threshold = "200"
	}
	if cfg.Treasury.UnwrapFloor == "" {
		cfg.Treasury.UnwrapFloor = "0.01"
	}
	if cfg.Treasury.RouterBase == "" {
		cfg.Treasury.RouterBase = "https://api.odos.xyz"
	}
	if cfg.Treasury.Slippage <= 0 {
		cfg.Treasury.Slippage = 0.3
	}
	if cfg.Treasury.MaxFailures <= 0 {
		cfg.Treasury.MaxFailures = 3
	}
	if cfg.Treasury.CooldownMinutes <= 0 {
		cfg.Treasury.CooldownMinutes = 60
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "perpkeeper.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
