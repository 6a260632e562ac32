package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/cyoa-agents/cyoa"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Model        string             `mapstructure:"model"`
	Servers      ServersConfig      `mapstructure:"servers"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Session      SessionConfig      `mapstructure:"session"`
	Log          LogConfig          `mapstructure:"log"`
}

// ServerConfig describes the inference server backing one agent role.
type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	Device  int    `mapstructure:"device"`   // GPU index, -1 leaves device selection to the server
	LogFile string `mapstructure:"log_file"` // empty inherits the parent's stdio
}

// ServersConfig stores process-management settings shared by all inference servers.
type ServersConfig struct {
	Command      string        `mapstructure:"command"`       // inference server executable
	Host         string        `mapstructure:"host"`          // bind address
	ExtraArgs    []string      `mapstructure:"extra_args"`    // appended after --port
	Readiness    string        `mapstructure:"readiness"`     // "port" or "log"
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"` // max wait for a cold start
	PollInterval time.Duration `mapstructure:"poll_interval"` // readiness probe interval
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`  // grace period before SIGKILL

	Storyteller ServerConfig `mapstructure:"storyteller"`
	Director    ServerConfig `mapstructure:"director"`
	Character   ServerConfig `mapstructure:"character"`
}

// GatewayConfig stores request/retry settings for talking to inference servers.
type GatewayConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`     // total attempts on non-2xx
	Backoff        time.Duration `mapstructure:"backoff"`         // wait between attempts
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`   // readiness wait after a connection failure
	ReadyInterval  time.Duration `mapstructure:"ready_interval"`  // readiness poll interval
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // per HTTP request
}

// MaxTokensConfig caps generation length per call site.
type MaxTokensConfig struct {
	Storyteller int `mapstructure:"storyteller"`
	Director    int `mapstructure:"director"`
	Character   int `mapstructure:"character"`
	Integration int `mapstructure:"integration"`
}

// OrchestratorConfig stores turn state machine settings.
type OrchestratorConfig struct {
	Integration          string          `mapstructure:"integration"`           // "storyteller" or "append"
	CharacterPolicy      string          `mapstructure:"character_policy"`      // "reuse" or "respawn"
	ParallelCharacters   bool            `mapstructure:"parallel_characters"`   // fan out character calls
	CharacterConcurrency int             `mapstructure:"character_concurrency"` // max in-flight character calls
	EnableTracing        bool            `mapstructure:"enable_tracing"`        // span logging around agent calls
	MaxTokens            MaxTokensConfig `mapstructure:"max_tokens"`
}

// SessionConfig stores CLI loop settings.
type SessionConfig struct {
	MaxTurns int    `mapstructure:"max_turns"`
	QuitWord string `mapstructure:"quit_word"`
}

// LogConfig stores logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(internal.DefaultAppName)
	v.AutomaticEnv()
	// servers.storyteller.port becomes CYOA_SERVERS_STORYTELLER_PORT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model", internal.DefaultModel)

	// Inference server defaults (one GPU per role, matching a 3-GPU box)
	v.SetDefault("servers.command", internal.DefaultServerCommand)
	v.SetDefault("servers.host", internal.DefaultServerHost)
	v.SetDefault("servers.extra_args", []string{})
	v.SetDefault("servers.readiness", "port")
	v.SetDefault("servers.ready_timeout", "10m")
	v.SetDefault("servers.poll_interval", "1s")
	v.SetDefault("servers.stop_timeout", "15s")
	v.SetDefault("servers.storyteller.port", internal.DefaultStorytellerPort)
	v.SetDefault("servers.storyteller.device", 0)
	v.SetDefault("servers.storyteller.log_file", "storyteller_server.log")
	v.SetDefault("servers.director.port", internal.DefaultDirectorPort)
	v.SetDefault("servers.director.device", 1)
	v.SetDefault("servers.director.log_file", "director_server.log")
	v.SetDefault("servers.character.port", internal.DefaultCharacterPort)
	v.SetDefault("servers.character.device", 2)
	v.SetDefault("servers.character.log_file", "character_server.log")

	// Gateway defaults
	v.SetDefault("gateway.max_retries", 5)
	v.SetDefault("gateway.backoff", "3s")
	v.SetDefault("gateway.ready_timeout", "60s")
	v.SetDefault("gateway.ready_interval", "1s")
	v.SetDefault("gateway.request_timeout", "10m")

	// Orchestrator defaults
	v.SetDefault("orchestrator.integration", "storyteller")
	v.SetDefault("orchestrator.character_policy", "reuse")
	v.SetDefault("orchestrator.parallel_characters", false)
	v.SetDefault("orchestrator.character_concurrency", 4)
	v.SetDefault("orchestrator.enable_tracing", true)
	v.SetDefault("orchestrator.max_tokens.storyteller", 4096)
	v.SetDefault("orchestrator.max_tokens.director", 16384)
	v.SetDefault("orchestrator.max_tokens.character", 256)
	v.SetDefault("orchestrator.max_tokens.integration", 512)

	// Session defaults
	v.SetDefault("session.max_turns", 5)
	v.SetDefault("session.quit_word", "quit")

	// Logging defaults
	v.SetDefault("log.level", "debug")
	v.SetDefault("log.file", internal.DefaultDebugLogFile)
}

// Validate rejects settings the runtime cannot honor.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("config: model must not be empty")
	}

	switch c.Servers.Readiness {
	case "port", "log":
	default:
		return fmt.Errorf("config: servers.readiness must be \"port\" or \"log\", got %q", c.Servers.Readiness)
	}

	ports := map[int]string{}
	for role, sc := range map[string]ServerConfig{
		"storyteller": c.Servers.Storyteller,
		"director":    c.Servers.Director,
		"character":   c.Servers.Character,
	} {
		if sc.Port <= 0 || sc.Port > 65535 {
			return fmt.Errorf("config: servers.%s.port out of range: %d", role, sc.Port)
		}
		if other, dup := ports[sc.Port]; dup {
			return fmt.Errorf("config: servers.%s and servers.%s share port %d", role, other, sc.Port)
		}
		ports[sc.Port] = role
	}

	if c.Gateway.MaxRetries < 1 {
		return fmt.Errorf("config: gateway.max_retries must be at least 1")
	}

	switch c.Orchestrator.Integration {
	case "storyteller", "append":
	default:
		return fmt.Errorf("config: orchestrator.integration must be \"storyteller\" or \"append\", got %q", c.Orchestrator.Integration)
	}

	switch c.Orchestrator.CharacterPolicy {
	case "reuse", "respawn":
	default:
		return fmt.Errorf("config: orchestrator.character_policy must be \"reuse\" or \"respawn\", got %q", c.Orchestrator.CharacterPolicy)
	}

	return nil
}
