package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MinIOConfig 对象存储配置
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Location        string `yaml:"location"`
	// 上传的原始文件所在桶，批次文件按 {batch_id}/ 前缀存放
	IntakeBucket string `yaml:"intake_bucket"`
}

// MySQLConfig 数据库配置
type MySQLConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数
	MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期(分钟)
	LogLevel        string `yaml:"log_level"`
	AutoMigrate     bool   `yaml:"auto_migrate"` // 启动时自动迁移表结构
}

// RedisConfig Redis配置
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// 连接池设置
	PoolSize     int `yaml:"pool_size"`      // 连接池大小
	MinIdleConns int `yaml:"min_idle_conns"` // 最小空闲连接数
	// 超时设置
	DialTimeoutSeconds  int `yaml:"dial_timeout_seconds"`  // 连接超时(秒)
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`  // 读取超时(秒)
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"` // 写入超时(秒)
	// MD5记录过期时间(天)
	MD5RecordExpireDays int `yaml:"md5_record_expire_days"`
}

// RabbitMQConfig 消息队列配置
type RabbitMQConfig struct {
	URL string `yaml:"url"`
	// 批次上传事件
	IntakeEventsExchange string `yaml:"intake_events_exchange"`
	BatchUploadedQueue   string `yaml:"batch_uploaded_queue"`
	BatchUploadedKey     string `yaml:"batch_uploaded_routing_key"`
	// 批次完成事件
	BatchFinishedKey string `yaml:"batch_finished_routing_key"`
	PrefetchCount    int    `yaml:"prefetch_count"`
}

// TikaConfig 文本提取服务配置
type TikaConfig struct {
	ServerURL string `yaml:"server_url"`
	Timeout   int    `yaml:"timeout"` // 请求超时(秒)
}

// LLMConfig 大模型服务配置 (OpenAI兼容端点)
type LLMConfig struct {
	APIKey string `yaml:"api_key"`
	APIURL string `yaml:"api_url"`
	Model  string `yaml:"model"`
	// 任务专用模型，键为任务名: classify / quick_parse / full_parse
	TaskModels     map[string]string `yaml:"task_models"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

// CRMConfig 外部关系管理系统配置
type CRMConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIToken string `yaml:"api_token"`
	// 字段ID映射缓存的TTL(分钟)，过期后重新拉取
	FieldCacheTTLMinutes int `yaml:"field_cache_ttl_minutes"`
	TimeoutSeconds       int `yaml:"timeout_seconds"`
}

// RetryConfig 外部调用重试配置
type RetryConfig struct {
	MaxAttempts    int   `yaml:"max_attempts"`
	InitialDelayMS int   `yaml:"initial_delay_ms"`
	MaxDelayMS     int   `yaml:"max_delay_ms"`
	JitterMS       int   `yaml:"jitter_ms"`
	RetryableCodes []int `yaml:"retryable_codes"`
}

// CostGuardConfig 准入控制配置
type CostGuardConfig struct {
	DailyCallCeiling int64   `yaml:"daily_call_ceiling"` // 每日外部调用上限
	DailyCostCeiling float64 `yaml:"daily_cost_ceiling"` // 每日成本上限
	CallsPerFile     int64   `yaml:"calls_per_file"`     // 单文件的预估调用数
	CostPerFile      float64 `yaml:"cost_per_file"`      // 单文件的预估成本
}

// IntakeConfig 批次编排配置
type IntakeConfig struct {
	// 文件级校验
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes"`
	MinTextLength    int   `yaml:"min_text_length"`

	// 分组配置
	MaxFilesPerPack    int  `yaml:"max_files_per_pack"`
	AllowSingletonPack bool `yaml:"allow_singleton_pack"`

	// 过滤器
	ExcludeStudents bool     `yaml:"exclude_students"`
	RequiredSkills  []string `yaml:"required_skills"`

	// 错误隔离: 开启时单个包失败不影响批次其他包
	IsolatePackFailures bool `yaml:"isolate_pack_failures"`

	// 批次超时恢复参数
	PerFileAllowanceSeconds int `yaml:"per_file_allowance_seconds"`
	FixedBufferSeconds      int `yaml:"fixed_buffer_seconds"`
	AbsoluteCeilingSeconds  int `yaml:"absolute_ceiling_seconds"`
}

// TimeoutFor 计算批次的超时判定阈值:
// min(fileCount*perFileAllowance + fixedBuffer, absoluteCeiling)
func (c IntakeConfig) TimeoutFor(fileCount int) time.Duration {
	allowance := time.Duration(fileCount)*time.Duration(c.PerFileAllowanceSeconds)*time.Second +
		time.Duration(c.FixedBufferSeconds)*time.Second
	ceiling := time.Duration(c.AbsoluteCeilingSeconds) * time.Second
	if ceiling > 0 && allowance > ceiling {
		return ceiling
	}
	return allowance
}

// TracingConfig 链路追踪配置
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	TimeFormat   string `yaml:"time_format"`
	ReportCaller bool   `yaml:"report_caller"`
}

// Config 应用程序配置
type Config struct {
	MinIO     MinIOConfig     `yaml:"minio"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Tika      TikaConfig      `yaml:"tika"`
	LLM       LLMConfig       `yaml:"llm"`
	CRM       CRMConfig       `yaml:"crm"`
	Retry     RetryConfig     `yaml:"retry"`
	CostGuard CostGuardConfig `yaml:"cost_guard"`
	Intake    IntakeConfig    `yaml:"intake"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Logger    LoggerConfig    `yaml:"logger"`
}

// GetModelForTask 返回指定任务的专用模型，未配置时回退到默认模型
func (c *Config) GetModelForTask(task string) string {
	if c.LLM.TaskModels != nil {
		if m, ok := c.LLM.TaskModels[task]; ok && m != "" {
			return m
		}
	}
	return c.LLM.Model
}

// LoadConfig 加载配置文件并应用环境变量覆盖
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		// 尝试在常见位置查找配置文件
		searchPaths := []string{
			"config.yaml",
			"./config.yaml",
			filepath.Join("internal", "config", "config.yaml"),
		}
		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
		if configPath == "" {
			return nil, fmt.Errorf("未找到配置文件")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides 敏感配置优先使用环境变量
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CRM_API_TOKEN"); v != "" {
		cfg.CRM.APIToken = v
	}
	if v := os.Getenv("MYSQL_PASSWORD"); v != "" {
		cfg.MySQL.Password = v
	}
	if v := os.Getenv("MINIO_SECRET_ACCESS_KEY"); v != "" {
		cfg.MinIO.SecretAccessKey = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

// applyDefaults 填充未配置项的默认值
func applyDefaults(cfg *Config) {
	if cfg.MySQL.Port == 0 {
		cfg.MySQL.Port = 3306
	}
	if cfg.MySQL.MaxOpenConns == 0 {
		cfg.MySQL.MaxOpenConns = 25
	}
	if cfg.MySQL.MaxIdleConns == 0 {
		cfg.MySQL.MaxIdleConns = 5
	}
	if cfg.Redis.MD5RecordExpireDays == 0 {
		cfg.Redis.MD5RecordExpireDays = 30
	}
	if cfg.RabbitMQ.PrefetchCount == 0 {
		cfg.RabbitMQ.PrefetchCount = 1
	}
	if cfg.Tika.Timeout == 0 {
		cfg.Tika.Timeout = 60
	}
	if cfg.LLM.TimeoutSeconds == 0 {
		cfg.LLM.TimeoutSeconds = 60
	}
	if cfg.CRM.FieldCacheTTLMinutes == 0 {
		cfg.CRM.FieldCacheTTLMinutes = 15
	}
	if cfg.CRM.TimeoutSeconds == 0 {
		cfg.CRM.TimeoutSeconds = 30
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelayMS == 0 {
		cfg.Retry.InitialDelayMS = 500
	}
	if cfg.Retry.MaxDelayMS == 0 {
		cfg.Retry.MaxDelayMS = 10000
	}
	if cfg.Retry.JitterMS == 0 {
		cfg.Retry.JitterMS = 250
	}
	if len(cfg.Retry.RetryableCodes) == 0 {
		cfg.Retry.RetryableCodes = []int{429, 500, 502, 503, 504}
	}
	if cfg.CostGuard.CallsPerFile == 0 {
		cfg.CostGuard.CallsPerFile = 3
	}
	if cfg.Intake.MaxFileSizeBytes == 0 {
		cfg.Intake.MaxFileSizeBytes = 20 << 20
	}
	if cfg.Intake.MinTextLength == 0 {
		cfg.Intake.MinTextLength = 50
	}
	if cfg.Intake.MaxFilesPerPack == 0 {
		cfg.Intake.MaxFilesPerPack = 10
	}
	if cfg.Intake.PerFileAllowanceSeconds == 0 {
		cfg.Intake.PerFileAllowanceSeconds = 90
	}
	if cfg.Intake.FixedBufferSeconds == 0 {
		cfg.Intake.FixedBufferSeconds = 300
	}
	if cfg.Intake.AbsoluteCeilingSeconds == 0 {
		cfg.Intake.AbsoluteCeilingSeconds = 3600
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "intake-agent-go"
	}
}
