package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the sandbox session configuration loaded from environment
// variables. It is built once at startup and never mutated afterwards.
type Config struct {
	SessionID    string
	SandboxID    string
	Repo         RepoConfig
	Git          GitConfig
	ControlPlane ControlPlaneConfig
	Agent        AgentConfig
	Server       ServerConfig
	Redis        RedisConfig
	AutoPush     bool
}

// RepoConfig identifies the repository checked out in the workspace.
type RepoConfig struct {
	Owner      string
	Name       string
	Branch     string // working branch
	BaseBranch string
}

// GitConfig holds git CLI settings.
type GitConfig struct {
	Host           string
	WorkspaceRoot  string
	CloneDepth     int
	CloneTimeout   time.Duration
	CommandTimeout time.Duration
	CommitMessage  string
	UserName       string
	UserEmail      string
	TokenEnvKey    string
}

// ControlPlaneConfig holds event delivery and command channel settings.
type ControlPlaneConfig struct {
	URL               string
	AuthToken         string //nolint:gosec // G117: sandbox bearer token config
	EventPath         string
	EventTimeout      time.Duration
	HeartbeatInterval time.Duration
	BridgeURL         string // empty disables the websocket command bridge
}

// AgentConfig selects the agent runtime endpoint and default model.
type AgentConfig struct {
	Type     string
	URL      string
	Provider string
	Model    string
}

// ServerConfig holds local command API settings.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// RedisConfig holds the optional event mirror settings.
type RedisConfig struct {
	Addr     string // empty disables the mirror
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cloneDepth, err := getEnvInt("SANDBOX_CLONE_DEPTH", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cloneTimeout, err := getEnvDuration("SANDBOX_CLONE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	gitTimeout, err := getEnvDuration("SANDBOX_GIT_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	eventTimeout, err := getEnvDuration("SANDBOX_EVENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	heartbeat, err := getEnvDuration("SANDBOX_HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("SANDBOX_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("SANDBOX_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rps, err := getEnvFloat("SANDBOX_RATE_LIMIT_RPS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	burst, err := getEnvInt("SANDBOX_RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("SANDBOX_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	autoPush, err := getEnvBool("SANDBOX_AUTO_PUSH", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		SessionID: getEnv("SANDBOX_SESSION_ID", ""),
		SandboxID: getEnv("SANDBOX_SANDBOX_ID", ""),
		Repo: RepoConfig{
			Owner:      getEnv("SANDBOX_REPO_OWNER", ""),
			Name:       getEnv("SANDBOX_REPO_NAME", ""),
			Branch:     getEnv("SANDBOX_BRANCH", ""),
			BaseBranch: getEnv("SANDBOX_BASE_BRANCH", "main"),
		},
		Git: GitConfig{
			Host:           getEnv("SANDBOX_GIT_HOST", "github.com"),
			WorkspaceRoot:  getEnv("SANDBOX_WORKSPACE_ROOT", "/workspace"),
			CloneDepth:     cloneDepth,
			CloneTimeout:   cloneTimeout,
			CommandTimeout: gitTimeout,
			CommitMessage:  getEnv("SANDBOX_COMMIT_MESSAGE", "Changes from cloud workspace"),
			UserName:       getEnv("SANDBOX_GIT_USER_NAME", "Sandbox Bot"),
			UserEmail:      getEnv("SANDBOX_GIT_USER_EMAIL", "bot@sandbox.local"),
			TokenEnvKey:    getEnv("SANDBOX_TOKEN_ENV_KEY", "GITHUB_APP_TOKEN"),
		},
		ControlPlane: ControlPlaneConfig{
			URL:               getEnv("SANDBOX_CONTROL_PLANE_URL", ""),
			AuthToken:         getEnv("SANDBOX_AUTH_TOKEN", ""),
			EventPath:         getEnv("SANDBOX_EVENT_PATH", "/internal/sandbox-event"),
			EventTimeout:      eventTimeout,
			HeartbeatInterval: heartbeat,
			BridgeURL:         getEnv("SANDBOX_BRIDGE_URL", ""),
		},
		Agent: AgentConfig{
			Type:     getEnv("SANDBOX_AGENT_TYPE", "opencode"),
			URL:      getEnv("SANDBOX_AGENT_URL", "http://127.0.0.1:4096"),
			Provider: getEnv("SANDBOX_AGENT_PROVIDER", "anthropic"),
			Model:    getEnv("SANDBOX_AGENT_MODEL", "claude-sonnet-4"),
		},
		Server: ServerConfig{
			Addr:           getEnv("SANDBOX_SERVER_ADDR", ":8081"),
			ReadTimeout:    readTimeout,
			WriteTimeout:   writeTimeout,
			RateLimitRPS:   rps,
			RateLimitBurst: burst,
			CORSOrigins:    getEnvList("SANDBOX_CORS_ORIGINS", []string{"*"}),
		},
		Redis: RedisConfig{
			Addr:     getEnv("SANDBOX_REDIS_ADDR", ""),
			Password: getEnv("SANDBOX_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		AutoPush: autoPush,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	required := []struct {
		key, val string
	}{
		{"SANDBOX_SESSION_ID", c.SessionID},
		{"SANDBOX_REPO_OWNER", c.Repo.Owner},
		{"SANDBOX_REPO_NAME", c.Repo.Name},
		{"SANDBOX_BRANCH", c.Repo.Branch},
		{"SANDBOX_CONTROL_PLANE_URL", c.ControlPlane.URL},
		{"SANDBOX_AUTH_TOKEN", c.ControlPlane.AuthToken},
	}
	for _, r := range required {
		if r.val == "" {
			return errors.New(r.key + " is required")
		}
	}

	u, err := url.Parse(c.ControlPlane.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("SANDBOX_CONTROL_PLANE_URL must be an http(s) URL, got %q", c.ControlPlane.URL)
	}
	if u.Scheme == "http" {
		log.Warn().Msg("SANDBOX_CONTROL_PLANE_URL uses plain http; events carry session data")
	}

	if c.Git.CloneDepth < 1 {
		return fmt.Errorf("SANDBOX_CLONE_DEPTH must be >= 1, got %d", c.Git.CloneDepth)
	}
	if c.Git.CloneTimeout <= 0 {
		return fmt.Errorf("SANDBOX_CLONE_TIMEOUT must be positive, got %s", c.Git.CloneTimeout)
	}
	if c.Git.CommandTimeout <= 0 {
		return fmt.Errorf("SANDBOX_GIT_TIMEOUT must be positive, got %s", c.Git.CommandTimeout)
	}
	if c.ControlPlane.EventTimeout <= 0 {
		return fmt.Errorf("SANDBOX_EVENT_TIMEOUT must be positive, got %s", c.ControlPlane.EventTimeout)
	}
	if c.ControlPlane.HeartbeatInterval <= 0 {
		return fmt.Errorf("SANDBOX_HEARTBEAT_INTERVAL must be positive, got %s", c.ControlPlane.HeartbeatInterval)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("SANDBOX_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("SANDBOX_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitRPS <= 0 {
		return fmt.Errorf("SANDBOX_RATE_LIMIT_RPS must be positive, got %g", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("SANDBOX_RATE_LIMIT_BURST must be >= 1, got %d", c.Server.RateLimitBurst)
	}

	return nil
}

// RepoSlug returns "owner/name".
func (c *RepoConfig) RepoSlug() string {
	return c.Owner + "/" + c.Name
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
