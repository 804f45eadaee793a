package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// AgentConfig is the configuration of the hetuflow-agent binary.
type AgentConfig struct {
	Agent   AgentSection   `yaml:"agent"`
	Process ProcessSection `yaml:"process"`
	Log     LogConfig      `yaml:"log"`
}

type AgentSection struct {
	AgentID            string            `yaml:"agent_id"`
	Name               string            `yaml:"name"`
	ServerURL          string            `yaml:"server_url"` // ws://host:port/api/v1/gateway/ws
	Token              string            `yaml:"token"`
	Labels             map[string]string `yaml:"labels"`
	Metadata           map[string]string `yaml:"metadata"`
	MaxConcurrentTasks int               `yaml:"max_concurrent_tasks"`
	PollInterval       time.Duration     `yaml:"poll_interval"`
	HeartbeatInterval  time.Duration     `yaml:"heartbeat_interval"`
	ReconnectInterval  time.Duration     `yaml:"reconnect_interval"`
	LoadThreshold      float64           `yaml:"load_threshold"`
	WorkDir            string            `yaml:"work_dir"`
}

type ProcessSection struct {
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	ZombieCheckInterval time.Duration `yaml:"zombie_check_interval"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	KillGrace           time.Duration `yaml:"kill_grace"`
	KillHardLimit       time.Duration `yaml:"kill_hard_limit"`
	MaxOutputSize       int64         `yaml:"max_output_size"`
}

func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Agent: AgentSection{
			ServerURL:          "ws://127.0.0.1:9500/api/v1/gateway/ws",
			MaxConcurrentTasks: 8,
			PollInterval:       5 * time.Second,
			HeartbeatInterval:  10 * time.Second,
			ReconnectInterval:  10 * time.Second,
			LoadThreshold:      0.8,
			Labels:             map[string]string{},
			Metadata:           map[string]string{},
		},
		Process: ProcessSection{
			CleanupInterval:     30 * time.Second,
			ZombieCheckInterval: 5 * time.Second,
			DefaultTimeout:      time.Hour,
			KillGrace:           30 * time.Second,
			KillHardLimit:       35 * time.Second,
			MaxOutputSize:       1 << 20,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadAgent reads the agent configuration with the same file, .env and
// environment precedence as Load.
func LoadAgent(configPath string) (*AgentConfig, error) {
	_ = godotenv.Load()

	if configPath == "" {
		configPath = "agent.yaml"
	}

	cfg := DefaultAgentConfig()
	if err := readYAML(configPath, cfg); err != nil {
		return nil, err
	}
	cfg.overrideFromEnv()

	if cfg.Agent.AgentID == "" {
		cfg.Agent.AgentID = uuid.New().String()
	}
	if cfg.Agent.Name == "" {
		host, _ := os.Hostname()
		cfg.Agent.Name = host
	}
	return cfg, nil
}

func (c *AgentConfig) overrideFromEnv() {
	if id := os.Getenv("AGENT_ID"); id != "" {
		c.Agent.AgentID = id
	}
	if url := os.Getenv("AGENT_SERVER_URL"); url != "" {
		c.Agent.ServerURL = url
	}
	if token := os.Getenv("AGENT_TOKEN"); token != "" {
		c.Agent.Token = token
	}
	if labels := os.Getenv("AGENT_LABELS"); labels != "" {
		c.Agent.Labels = ParseLabels(labels)
	}
	if n := os.Getenv("AGENT_MAX_CONCURRENT_TASKS"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			c.Agent.MaxConcurrentTasks = v
		}
	}
	if dir := os.Getenv("AGENT_WORK_DIR"); dir != "" {
		c.Agent.WorkDir = dir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	envDuration("AGENT_RECONNECT_INTERVAL", &c.Agent.ReconnectInterval)
}

// Validate checks the agent settings.
func (c *AgentConfig) Validate() error {
	if c.Agent.ServerURL == "" {
		return errors.New("agent.server_url is required")
	}
	if !strings.HasPrefix(c.Agent.ServerURL, "ws://") && !strings.HasPrefix(c.Agent.ServerURL, "wss://") {
		return fmt.Errorf("agent.server_url must be a ws:// or wss:// url, got %q", c.Agent.ServerURL)
	}
	if c.Agent.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("agent.max_concurrent_tasks must be positive, got %d", c.Agent.MaxConcurrentTasks)
	}
	if c.Agent.LoadThreshold <= 0 || c.Agent.LoadThreshold > 1 {
		return fmt.Errorf("agent.load_threshold must be in (0, 1], got %v", c.Agent.LoadThreshold)
	}
	if c.Process.KillGrace <= 0 || c.Process.KillHardLimit <= c.Process.KillGrace {
		return fmt.Errorf("process.kill_hard_limit (%s) must exceed process.kill_grace (%s)", c.Process.KillHardLimit, c.Process.KillGrace)
	}
	return nil
}

// ParseLabels parses "k=v,k2=v2" into a label map. A bare key maps to "true".
func ParseLabels(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, found := strings.Cut(part, "=")
		if !found {
			v = "true"
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
