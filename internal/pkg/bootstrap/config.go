// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"fulfillment/internal/service/order/domain"
)

// Config 是三个命令共用的配置文件结构
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Nacos    NacosConfig    `yaml:"nacos"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	MySQL    MySQLConfig    `yaml:"mysql"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Orders   OrdersConfig   `yaml:"orders"`
	Gate     GateConfig     `yaml:"gate"`
	Executor ExecutorConfig `yaml:"executor"`
	Worker   WorkerConfig   `yaml:"worker"`
	Bridge   BridgeConfig   `yaml:"bridge"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type TracingConfig struct {
	// JaegerEndpoint 为空时不导出 trace
	JaegerEndpoint string  `yaml:"jaeger_endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

type NacosConfig struct {
	// ServerAddrs 为空时不做服务注册和发现
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

func (c NacosConfig) Enabled() bool { return c.ServerAddrs != "" }

type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	EventsTopic   string        `yaml:"events_topic"`
	PulsesTopic   string        `yaml:"pulses_topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	PulseMaxAge   time.Duration `yaml:"pulse_max_age"`
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type RedisConfig struct {
	Addrs       string        `yaml:"addrs"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

func (c RedisConfig) Enabled() bool { return c.Addrs != "" }

type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

func (c MySQLConfig) Enabled() bool { return c.DSN != "" }

type GatewayConfig struct {
	Addr              string        `yaml:"addr"`
	EventPingInterval time.Duration `yaml:"event_ping_interval"`
}

type PhaseConfig struct {
	Phase                string `yaml:"phase"`
	Label                string `yaml:"label"`
	Instruction          string `yaml:"instruction"`
	RequiresConfirmation *bool  `yaml:"requires_confirmation"`
}

type OrdersConfig struct {
	Variants  []string      `yaml:"variants"`
	QueueSize int           `yaml:"queue_size"`
	Phases    []PhaseConfig `yaml:"phases"`
}

type GateConfig struct {
	Debounce time.Duration `yaml:"debounce"`
	Settle   time.Duration `yaml:"settle"`
	// Timeout 为 0 表示一直等待按钮
	Timeout time.Duration `yaml:"timeout"`
}

type ExecutorConfig struct {
	// URL 为空且启用了 Nacos 时按 Service 发现 worker
	URL          string        `yaml:"url"`
	Service      string        `yaml:"service"`
	Codec        string        `yaml:"codec"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	PingPeriod   time.Duration `yaml:"ping_period"`
	PongWait     time.Duration `yaml:"pong_wait"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

type WorkerConfig struct {
	Addr            string        `yaml:"addr"`
	EpisodeDuration time.Duration `yaml:"episode_duration"`
	PongWait        time.Duration `yaml:"pong_wait"`
}

type BridgeConfig struct {
	// Mode 为 kafka 或 http
	Mode       string        `yaml:"mode"`
	GatewayURL string        `yaml:"gateway_url"`
	Source     string        `yaml:"source"`
	Debounce   time.Duration `yaml:"debounce"`
}

// Default 返回不依赖任何外部组件即可运行的默认配置
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info"},
		Tracing: TracingConfig{SampleRatio: 1},
		Nacos:   NacosConfig{Group: "DEFAULT_GROUP"},
		Kafka: KafkaConfig{
			EventsTopic:   "order-events",
			PulsesTopic:   "confirmation-pulses",
			ConsumerGroup: "order-gateway",
			PulseMaxAge:   10 * time.Second,
		},
		Redis:   RedisConfig{SnapshotTTL: 24 * time.Hour},
		Gateway: GatewayConfig{Addr: ":8080", EventPingInterval: 15 * time.Second},
		Orders: OrdersConfig{
			Variants:  []string{"chocolate", "strawberry"},
			QueueSize: 32,
			Phases: []PhaseConfig{
				{
					Phase:       "PHASE_1",
					Label:       "pack",
					Instruction: `{{if eq .ItemVariant "chocolate"}}Please take the chocolate donuts and put them into the box.{{else}}Pick up the {{.ItemVariant}} donut and place it in the box.{{end}}`,
				},
				{Phase: "PHASE_2", Label: "seal", Instruction: "Please close the box."},
			},
		},
		Gate: GateConfig{Debounce: 300 * time.Millisecond, Settle: 5 * time.Second, Timeout: 5 * time.Minute},
		Executor: ExecutorConfig{
			URL:          "ws://localhost:8090/control",
			Service:      "robot-worker",
			Codec:        "json",
			ReplyTimeout: 10 * time.Second,
			PingPeriod:   10 * time.Second,
			PongWait:     30 * time.Second,
			StopTimeout:  5 * time.Second,
		},
		Worker: WorkerConfig{Addr: ":8090", EpisodeDuration: 120 * time.Second, PongWait: 60 * time.Second},
		Bridge: BridgeConfig{Mode: "http", GatewayURL: "http://localhost:8080", Source: "button-1", Debounce: 300 * time.Millisecond},
	}
}

// Load 读取配置文件。path 为空或文件不存在时使用默认配置，然后应用环境变量覆盖。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config file %s", path)
			}
		case os.IsNotExist(err):
		default:
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// applyEnv 用环境变量覆盖基础设施地址
func (c *Config) applyEnv() {
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	c.Redis.Addrs = getEnv("REDIS_ADDRS", c.Redis.Addrs)
	c.MySQL.DSN = getEnv("MYSQL_DSN", c.MySQL.DSN)
	c.Tracing.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)
	c.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Nacos.ServerAddrs)
	c.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Nacos.Namespace)
	c.Executor.URL = getEnv("EXECUTOR_URL", c.Executor.URL)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	if v, err := strconv.ParseBool(getEnv("LOG_PRETTY", "")); err == nil {
		c.Log.Pretty = v
	}
}

// Validate 检查阶段计划和商品规格
func (c *Config) Validate() error {
	if len(c.Orders.Variants) == 0 {
		return errors.New("orders.variants must not be empty")
	}
	seen := make(map[string]bool, len(c.Orders.Variants))
	for _, v := range c.Orders.Variants {
		if strings.TrimSpace(v) == "" {
			return errors.New("orders.variants contains a blank variant")
		}
		if seen[v] {
			return errors.Errorf("orders.variants contains %q twice", v)
		}
		seen[v] = true
	}
	if c.Orders.QueueSize <= 0 {
		return errors.New("orders.queue_size must be positive")
	}
	if _, err := c.PhasePlan(); err != nil {
		return err
	}
	if c.Gate.Debounce < 0 || c.Gate.Settle < 0 || c.Gate.Timeout < 0 {
		return errors.New("gate durations must not be negative")
	}
	switch c.Executor.Codec {
	case "", "json", "cbor":
	default:
		return errors.Errorf("executor.codec %q is not json or cbor", c.Executor.Codec)
	}
	switch c.Bridge.Mode {
	case "kafka", "http":
	default:
		return errors.Errorf("bridge.mode %q is not kafka or http", c.Bridge.Mode)
	}
	return nil
}

// PhasePlan 由配置构建阶段计划。requires_confirmation 缺省为 true。
func (c *Config) PhasePlan() (*domain.PhasePlan, error) {
	defs := make([]domain.PhaseDefinition, 0, len(c.Orders.Phases))
	for _, p := range c.Orders.Phases {
		confirm := true
		if p.RequiresConfirmation != nil {
			confirm = *p.RequiresConfirmation
		}
		defs = append(defs, domain.PhaseDefinition{
			Phase:                domain.Phase(p.Phase),
			Label:                p.Label,
			Instruction:          p.Instruction,
			RequiresConfirmation: confirm,
		})
	}
	plan, err := domain.NewPhasePlan(defs)
	if err != nil {
		return nil, errors.Wrap(err, "orders.phases")
	}
	return plan, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
