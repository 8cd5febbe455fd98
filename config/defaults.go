// =============================================================================
// 📦 BESH 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Database: DefaultDatabaseConfig(),
		Files:    DefaultFilesConfig(),
		LLM:      DefaultLLMConfig(),
		Batch:    DefaultBatchConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Path:            "besh.db",
		Host:            "localhost",
		Port:            5432,
		User:            "besh",
		Password:        "",
		Name:            "besh",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultFilesConfig 返回默认文件存储配置
func DefaultFilesConfig() FilesConfig {
	return FilesConfig{
		UploadDir: "/tmp/batch_files",
	}
}

// DefaultLLMConfig 返回默认推理后端配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:      "http://localhost:8000/v1",
		APIKey:       "dummy-key",
		DefaultModel: "",
		Timeout:      5 * time.Minute,
	}
}

// DefaultBatchConfig 返回默认批处理调度配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxWorkers:           64,
		MaxConcurrentBatches: 1,
		PollInterval:         time.Second,
		MonitorInterval:      30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: false,
	}
}
