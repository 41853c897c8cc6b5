package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/pkg/logger"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config 描述了守护进程在启动阶段需要加载的全部配置。
type Config struct {
	ChainID              int64             `json:"chain_id" toml:"chain_id" validate:"gte=0"`
	Wallet               WalletConfig      `json:"wallet" toml:"wallet"`
	Gas                  GasConfig         `json:"gas" toml:"gas"`
	RPC                  RPCConfig         `json:"rpc" toml:"rpc"`
	Contracts            ContractsConfig   `json:"contracts" toml:"contracts"`
	QuestTypes           map[string]string `json:"quest_types" toml:"quest_types" validate:"required,min=1,dive,keys,oneof=Foraging Fishing MiningJewel MiningGold Gardening,endkeys,eth_addr"`
	QuestsFile           string            `json:"quests_file" toml:"quests_file" validate:"required"`
	Polling              PollingConfig     `json:"polling" toml:"polling"`
	HeroFetchConcurrency int               `json:"hero_fetch_concurrency" toml:"hero_fetch_concurrency" validate:"gte=1"`
	Disposal             DisposalConfig    `json:"disposal" toml:"disposal"`
	PrintGardenData      bool              `json:"print_garden_data" toml:"print_garden_data"`
	Report               ReportConfig      `json:"report" toml:"report"`
	Storage              StorageConfig     `json:"storage" toml:"storage"`
	Log                  logger.Config     `json:"log" toml:"log"`
}

// WalletConfig 描述签名身份。密码和私钥只通过环境变量名引用，从不落盘。
type WalletConfig struct {
	Address       string `json:"address" toml:"address" validate:"required,eth_addr"`
	KeystorePath  string `json:"keystore_path" toml:"keystore_path" validate:"required"`
	PasswordEnv   string `json:"password_env" toml:"password_env"`
	PrivateKeyEnv string `json:"private_key_env" toml:"private_key_env"`
}

// GasConfig 为零值时使用节点建议的 gas 价格并逐笔估算 gas 上限。
type GasConfig struct {
	GasPriceGwei float64 `json:"gas_price_gwei" toml:"gas_price_gwei" validate:"gte=0"`
	GasLimit     uint64  `json:"gas_limit" toml:"gas_limit"`
}

// RPCConfig 描述端点轮换和错误回退策略。
type RPCConfig struct {
	Endpoints                      []string `json:"endpoints" toml:"endpoints" validate:"required,min=1,dive,url"`
	FallbackOnError                bool     `json:"fallback_on_error" toml:"fallback_on_error"`
	NumberOfErrorBeforeFallBack    int      `json:"number_of_error_before_fallback" toml:"number_of_error_before_fallback" validate:"gte=1"`
	MaximumSwitchBeforeAddingDelay int      `json:"maximum_switch_before_adding_delay" toml:"maximum_switch_before_adding_delay" validate:"gte=1"`
	ReceiptTimeout                 Duration `json:"receipt_timeout" toml:"receipt_timeout"`
}

// ContractsConfig 列出需要绑定的合约地址。
type ContractsConfig struct {
	Quest   string `json:"quest" toml:"quest" validate:"required,eth_addr"`
	Hero    string `json:"hero" toml:"hero" validate:"required,eth_addr"`
	Jewel   string `json:"jewel" toml:"jewel" validate:"required,eth_addr"`
	Gardens string `json:"gardens" toml:"gardens" validate:"omitempty,eth_addr"`
	DEX     string `json:"dex" toml:"dex" validate:"omitempty,eth_addr"`
	Bank    string `json:"bank" toml:"bank" validate:"omitempty,eth_addr"`
}

// PollingConfig 控制循环节奏。
type PollingConfig struct {
	Quest        Duration `json:"quest" toml:"quest"`
	InstantQuest Duration `json:"instant_quest" toml:"instant_quest"`
	Error        Duration `json:"error" toml:"error"`
	SettleDelay  Duration `json:"settle_delay" toml:"settle_delay"`
}

// DisposalConfig 控制 Jewel 奖励的自动卖出或质押。
type DisposalConfig struct {
	AutoSell      bool         `json:"auto_sell" toml:"auto_sell"`
	AutoStake     bool         `json:"auto_stake" toml:"auto_stake"`
	PreferredPool string       `json:"preferred_pool" toml:"preferred_pool"`
	Pools         []PoolConfig `json:"pools" toml:"pools" validate:"dive"`
	SlippageBps   int          `json:"slippage_bps" toml:"slippage_bps" validate:"gte=0,lt=10000"`
	Deadline      Duration     `json:"deadline" toml:"deadline"`
}

// PoolConfig 描述一个可卖出 Jewel 的交易对。
// Decimals 为零时按 18 位精度换算卖出所得。
type PoolConfig struct {
	Name     string `json:"name" toml:"name" validate:"required"`
	Pair     string `json:"pair" toml:"pair" validate:"required,eth_addr"`
	Token    string `json:"token" toml:"token" validate:"required,eth_addr"`
	Decimals int    `json:"decimals" toml:"decimals" validate:"gte=0,lte=36"`
}

// ReportConfig 控制 HTTP 报告接口和事件发布。
type ReportConfig struct {
	Address   string          `json:"address" toml:"address"`
	Publisher PublisherConfig `json:"publisher" toml:"publisher"`
}

// PublisherConfig 选择事件发布实现。
type PublisherConfig struct {
	Driver   string         `json:"driver" toml:"driver" validate:"oneof=memory rabbitmq"`
	Buffer   int            `json:"buffer" toml:"buffer" validate:"gte=0"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" toml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 交换机。
type RabbitMQConfig struct {
	URL        string `json:"url" toml:"url"`
	URLEnv     string `json:"url_env" toml:"url_env"`
	Exchange   string `json:"exchange" toml:"exchange"`
	RoutingKey string `json:"routing_key" toml:"routing_key"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Journal JournalConfig `json:"journal" toml:"journal"`
	Lease   LeaseConfig   `json:"lease" toml:"lease"`
}

// JournalConfig 控制交易流水的存储位置。
type JournalConfig struct {
	Driver          string   `json:"driver" toml:"driver" validate:"oneof=memory mysql"`
	DSN             string   `json:"dsn" toml:"dsn"`
	DSNEnv          string   `json:"dsn_env" toml:"dsn_env"`
	MaxOpenConns    int      `json:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

// LeaseConfig 控制基于 Redis 的跨进程互斥。
type LeaseConfig struct {
	Enabled     bool     `json:"enabled" toml:"enabled"`
	Address     string   `json:"address" toml:"address"`
	PasswordEnv string   `json:"password_env" toml:"password_env"`
	DB          int      `json:"db" toml:"db"`
	Prefix      string   `json:"prefix" toml:"prefix"`
	TTL         Duration `json:"ttl" toml:"ttl"`
}

// Load 解析指定路径的配置文件。扩展名为 .toml 时按 TOML 解析，否则按 JSON。
// 同目录或工作目录下的 .env 会先被加载到环境变量中。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "配置文件路径为空")
	}

	loadDotEnv(filepath.Dir(path))

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(content), &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 TOML 配置失败")
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
		}
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv 不覆盖已存在的环境变量，文件缺失时静默跳过。
func loadDotEnv(baseDir string) {
	candidates := []string{filepath.Join(baseDir, ".env"), ".env"}
	seen := map[string]struct{}{}
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		if _, err := os.Stat(abs); err == nil {
			_ = godotenv.Load(abs)
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.HeroFetchConcurrency <= 0 {
		c.HeroFetchConcurrency = 1
	}

	if c.RPC.NumberOfErrorBeforeFallBack <= 0 {
		c.RPC.NumberOfErrorBeforeFallBack = 3
	}
	if c.RPC.MaximumSwitchBeforeAddingDelay <= 0 {
		c.RPC.MaximumSwitchBeforeAddingDelay = 3
	}
	if c.RPC.ReceiptTimeout.Duration <= 0 {
		c.RPC.ReceiptTimeout.Duration = 2 * time.Minute
	}

	if c.Polling.Quest.Duration <= 0 {
		c.Polling.Quest.Duration = 5 * time.Minute
	}
	if c.Polling.InstantQuest.Duration <= 0 {
		c.Polling.InstantQuest.Duration = 30 * time.Second
	}
	if c.Polling.Error.Duration <= 0 {
		c.Polling.Error.Duration = time.Minute
	}
	if c.Polling.SettleDelay.Duration <= 0 {
		c.Polling.SettleDelay.Duration = 300 * time.Millisecond
	}

	if c.Disposal.SlippageBps == 0 {
		c.Disposal.SlippageBps = 50
	}
	if c.Disposal.Deadline.Duration <= 0 {
		c.Disposal.Deadline.Duration = 2 * time.Minute
	}

	if c.Report.Address == "" {
		c.Report.Address = ":8080"
	}
	if c.Report.Publisher.Driver == "" {
		c.Report.Publisher.Driver = "memory"
	}
	if c.Report.Publisher.Buffer == 0 {
		c.Report.Publisher.Buffer = 256
	}
	if c.Report.Publisher.RabbitMQ.Exchange == "" {
		c.Report.Publisher.RabbitMQ.Exchange = "questpilot.events"
	}

	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "memory"
	}
	if c.Storage.Lease.Prefix == "" {
		c.Storage.Lease.Prefix = "questpilot:lease"
	}
	if c.Storage.Lease.TTL.Duration <= 0 {
		c.Storage.Lease.TTL.Duration = 10 * time.Minute
	}

	c.QuestsFile = resolvePath(baseDir, c.QuestsFile)
	c.Wallet.KeystorePath = resolvePath(baseDir, c.Wallet.KeystorePath)
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

var validate = validator.New()

// Validate 执行结构体标签校验以及跨字段约束。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return xerrors.Wrap(xerrors.CodeConfiguration, err,
				fmt.Sprintf("配置字段 %s 未通过 %s 校验", first.Namespace(), first.Tag()))
		}
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "配置校验失败")
	}

	if c.Disposal.AutoSell && c.Disposal.AutoStake {
		return xerrors.New(xerrors.CodeConfiguration, "auto_sell 与 auto_stake 不能同时开启")
	}
	if c.Disposal.AutoSell {
		if c.Contracts.DEX == "" {
			return xerrors.New(xerrors.CodeConfiguration, "开启 auto_sell 时必须配置 dex 合约")
		}
		if len(c.Disposal.Pools) == 0 {
			return xerrors.New(xerrors.CodeConfiguration, "开启 auto_sell 时至少需要一个交易对")
		}
	}
	if c.Disposal.AutoStake && c.Contracts.Bank == "" {
		return xerrors.New(xerrors.CodeConfiguration, "开启 auto_stake 时必须配置 bank 合约")
	}
	if c.PrintGardenData && c.Contracts.Gardens == "" {
		return xerrors.New(xerrors.CodeConfiguration, "print_garden_data 需要配置 gardens 合约")
	}
	if c.Report.Publisher.Driver == "rabbitmq" && c.Report.Publisher.RabbitMQ.URL == "" && c.Report.Publisher.RabbitMQ.URLEnv == "" {
		return xerrors.New(xerrors.CodeConfiguration, "rabbitmq 发布器需要 url 或 url_env")
	}
	if c.Storage.Journal.Driver == "mysql" && c.JournalDSN() == "" {
		return xerrors.New(xerrors.CodeConfiguration, "mysql 流水存储需要 dsn 或 dsn_env")
	}
	if c.Storage.Lease.Enabled && c.Storage.Lease.Address == "" {
		return xerrors.New(xerrors.CodeConfiguration, "启用 Redis 租约时必须配置 address")
	}

	return validateQuestTypes(c.QuestTypes)
}

// validateQuestTypes 保证任务类型到合约地址的映射是单射。
func validateQuestTypes(types map[string]string) error {
	seen := make(map[string]string, len(types))
	for name, addr := range types {
		key := strings.ToLower(strings.TrimSpace(addr))
		if strings.TrimLeft(strings.TrimPrefix(key, "0x"), "0") == "" {
			return xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("任务类型 %s 不能映射到零地址", name))
		}
		if other, dup := seen[key]; dup {
			return xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("任务类型 %s 与 %s 映射到同一合约 %s", name, other, addr),
				xerrors.WithMetadata("address", addr))
		}
		seen[key] = name
	}
	return nil
}

// JournalDSN 优先使用环境变量中的 DSN。
func (c *Config) JournalDSN() string {
	if env := strings.TrimSpace(c.Storage.Journal.DSNEnv); env != "" {
		if value := os.Getenv(env); value != "" {
			return value
		}
	}
	return c.Storage.Journal.DSN
}

// RabbitMQURL 优先使用环境变量中的连接串。
func (c *Config) RabbitMQURL() string {
	if env := strings.TrimSpace(c.Report.Publisher.RabbitMQ.URLEnv); env != "" {
		if value := os.Getenv(env); value != "" {
			return value
		}
	}
	return c.Report.Publisher.RabbitMQ.URL
}

// LeasePassword 从环境变量读取 Redis 密码。
func (c *Config) LeasePassword() string {
	if env := strings.TrimSpace(c.Storage.Lease.PasswordEnv); env != "" {
		return os.Getenv(env)
	}
	return ""
}
