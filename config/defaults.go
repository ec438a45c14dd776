// =============================================================================
// 📦 AutoAgent 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:            DefaultServerConfig(),
		RateLimiting:      DefaultRateLimitConfig(),
		Workflows:         DefaultWorkflowConfig(),
		ContentProcessing: DefaultContentConfig(),
		LLM:               DefaultLLMConfig(),
		Knowledge:         DefaultKnowledgeConfig(),
		Redis:             DefaultRedisConfig(),
		Database:          DefaultDatabaseConfig(),
		Log:               DefaultLogConfig(),
		Telemetry:         DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultRateLimitConfig 返回默认限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequestsPerMinute:  60,
		MaxTokensPerRequest:   4000,
		MaxTokensPerMinute:    0,
		CooldownPeriodSeconds: 5,
		Blocking:              true,
	}
}

// DefaultWorkflowConfig 返回默认工作流配置
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		MaxConcurrentWorkflows: 5,
		TimeoutSeconds:         3600,
		RetryAttempts:          3,
		StepTimeoutSeconds:     300,
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          30 * time.Second,
		QueueCapacity:          0,
		Retention:              time.Hour,
		RecordWorkflows:        true,
	}
}

// DefaultContentConfig 返回默认内容处理配置
func DefaultContentConfig() ContentConfig {
	return ContentConfig{
		MaxFileSizeMB:    100,
		SupportedFormats: []string{"pdf", "txt", "md", "html", "youtube"},
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:    "deepseek",
		BaseURL:     "https://api.deepseek.com",
		Model:       "deepseek-chat",
		MaxTokens:   2048,
		Temperature: 0.7,
		Timeout:     60 * time.Second,
	}
}

// DefaultKnowledgeConfig 返回默认知识存储配置
func DefaultKnowledgeConfig() KnowledgeConfig {
	return KnowledgeConfig{
		Backend:       "memory",
		RedisPrefix:   "knowledge:",
		MongoURI:      "mongodb://localhost:27017",
		MongoDatabase: "autoagent",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "autoagent",
		Name:            "autoagent",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "autoagent",
		SampleRate:   0.1,
	}
}
