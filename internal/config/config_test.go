package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidateLockConfig(t *testing.T) {
	tests := []struct {
		name      string
		ttl       time.Duration
		interval  time.Duration
		heartbeat time.Duration
		wantErr   bool
	}{
		{"recommended", 60 * time.Second, 20 * time.Second, 10 * time.Second, false},
		{"exactly double", 40 * time.Second, 20 * time.Second, 10 * time.Second, false},
		{"ttl equals interval", 20 * time.Second, 20 * time.Second, 5 * time.Second, true},
		{"ttl below double", 30 * time.Second, 20 * time.Second, 10 * time.Second, true},
		{"heartbeat too long", 60 * time.Second, 20 * time.Second, 60 * time.Second, true},
		{"heartbeat beyond token interval", 60 * time.Second, 20 * time.Second, 59 * time.Second, true},
		{"heartbeat equals token interval", 60 * time.Second, 20 * time.Second, 20 * time.Second, false},
		{"zero ttl", 0, 20 * time.Second, 10 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLockConfig(tt.ttl, tt.interval, tt.heartbeat)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateLockConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecommendedLockConfig_IsValid(t *testing.T) {
	ttl, interval, heartbeat := RecommendedLockConfig()
	if err := ValidateLockConfig(ttl, interval, heartbeat); err != nil {
		t.Errorf("recommended config rejected: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ServerID == "" {
		t.Error("ServerID should be generated when absent")
	}
	if cfg.Scheduler.LockTTL != 60*time.Second {
		t.Errorf("LockTTL = %v, expected 60s", cfg.Scheduler.LockTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoad_YAMLDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  server_id: srv-1
scheduler:
  lock_ttl: 90s
  token_increment_interval: 30s
  heartbeat_interval: 15s
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ServerID != "srv-1" {
		t.Errorf("ServerID = %q, expected %q", cfg.Server.ServerID, "srv-1")
	}
	if cfg.Scheduler.LockTTL != 90*time.Second {
		t.Errorf("LockTTL = %v, expected 90s", cfg.Scheduler.LockTTL)
	}
	if cfg.Scheduler.AgentOverdueTTL != 30*time.Second {
		t.Errorf("AgentOverdueTTL = %v, expected default 30s", cfg.Scheduler.AgentOverdueTTL)
	}
}

func TestValidate_RejectsUnsafeLock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ServerID = "srv"
	cfg.Scheduler.LockTTL = 25 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected unsafe lock ratio to be rejected")
	}
}

func TestValidate_JobCheckWindow(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		duration time.Duration
		wantErr  bool
	}{
		{"lookahead covers tick", 10 * time.Second, time.Minute, false},
		{"lookahead equals tick", 10 * time.Second, 10 * time.Second, false},
		{"lookahead shorter than tick", time.Minute, 10 * time.Second, true},
		{"zero interval", 0, time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.ServerID = "srv"
			cfg.JWT.Secret = "secret"
			cfg.Scheduler.JobCheckInterval = tt.interval
			cfg.Scheduler.JobCheckDuration = tt.duration
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_UnsupportedDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ServerID = "srv"
	cfg.Database.Driver = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unsupported driver to be rejected")
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url      string
		addr     string
		password string
		db       int
	}{
		{"redis://localhost:6379", "localhost:6379", "", 0},
		{"redis://:secret@redis:6380/2", "redis:6380", "secret", 2},
		{"redis://user:pw@10.0.0.1:6379/0", "10.0.0.1:6379", "pw", 0},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			var r RedisConfig
			r.parseURL(tt.url)
			if r.Addr != tt.addr {
				t.Errorf("Addr = %q, expected %q", r.Addr, tt.addr)
			}
			if r.Password != tt.password {
				t.Errorf("Password = %q, expected %q", r.Password, tt.password)
			}
			if r.DB != tt.db {
				t.Errorf("DB = %d, expected %d", r.DB, tt.db)
			}
		})
	}
}

func TestOverrideFromEnv(t *testing.T) {
	t.Setenv("SERVER_ID", "env-server")
	t.Setenv("LOCK_TTL", "2m")
	t.Setenv("REDIS_URL", "redis://:pw@cache:6379/3")

	cfg := DefaultConfig()
	cfg.overrideFromEnv()

	if cfg.Server.ServerID != "env-server" {
		t.Errorf("ServerID = %q, expected %q", cfg.Server.ServerID, "env-server")
	}
	if cfg.Scheduler.LockTTL != 2*time.Minute {
		t.Errorf("LockTTL = %v, expected 2m", cfg.Scheduler.LockTTL)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "cache:6379" || cfg.Redis.DB != 3 {
		t.Errorf("Redis = %+v, expected enabled cache:6379 db 3", cfg.Redis)
	}
}

func TestLoadAgent_Defaults(t *testing.T) {
	t.Setenv("AGENT_LABELS", "os=linux, gpu ,")
	cfg, err := LoadAgent(filepath.Join(t.TempDir(), "agent.yaml"))
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if cfg.Agent.AgentID == "" {
		t.Error("AgentID should be generated")
	}
	if len(cfg.Agent.Labels) != 2 || cfg.Agent.Labels["os"] != "linux" || cfg.Agent.Labels["gpu"] != "true" {
		t.Errorf("Labels = %v, expected map[gpu:true os:linux]", cfg.Agent.Labels)
	}
	if cfg.Agent.ReconnectInterval != 10*time.Second {
		t.Errorf("ReconnectInterval = %v, expected 10s", cfg.Agent.ReconnectInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default agent config should validate, got %v", err)
	}
}

func TestAgentValidate(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.Agent.ServerURL = "http://wrong"
	if err := cfg.Validate(); err == nil {
		t.Error("expected non-websocket url to be rejected")
	}

	cfg = DefaultAgentConfig()
	cfg.Process.KillHardLimit = cfg.Process.KillGrace
	if err := cfg.Validate(); err == nil {
		t.Error("expected hard limit <= grace to be rejected")
	}
}
