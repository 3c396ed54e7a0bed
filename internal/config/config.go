package config

// Config represents the main relayd configuration
type Config struct {
	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Model backend
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Conversation store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Runtime sessions
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Maintenance
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string `json:"host" mapstructure:"host"`
	Port            int    `json:"port" mapstructure:"port"`
	SharedSecret    string `json:"shared_secret" mapstructure:"shared_secret"`
	ShutdownTimeout int    `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // seconds
}

// ModelConfig holds model backend configuration
type ModelConfig struct {
	Provider   string `json:"provider" mapstructure:"provider"` // gemini, anthropic, openai
	Name       string `json:"name" mapstructure:"name"`
	APIKey     string `json:"api_key" mapstructure:"api_key"`
	SecretFile string `json:"secret_file" mapstructure:"secret_file"`
	Endpoint   string `json:"endpoint" mapstructure:"endpoint"`
	Timeout    int    `json:"timeout" mapstructure:"timeout"` // seconds
	PromptFile string `json:"prompt_file" mapstructure:"prompt_file"`
}

// StoreConfig holds conversation store configuration
type StoreConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// SessionsConfig holds runtime session service configuration
type SessionsConfig struct {
	AppName string `json:"app_name" mapstructure:"app_name"`
	MaxAge  int    `json:"max_age" mapstructure:"max_age"` // days before pruning
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MaintenanceConfig holds the maintenance scheduler configuration
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 9,
		},
		Model: ModelConfig{
			Provider: "gemini",
			Name:     "gemini-2.0-flash",
			Timeout:  25,
		},
		Store: StoreConfig{
			Enabled: true,
		},
		Sessions: SessionsConfig{
			AppName: "master_agent",
			MaxAge:  30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "@hourly",
		},
	}
}
