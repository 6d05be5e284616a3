package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every setting the client reads from the environment.
type Config struct {
	Backend BackendConfig
	Auth    AuthConfig
	Store   StoreConfig
	Call    CallConfig
}

// Load builds the configuration from environment variables.
func Load() (*Config, error) {
	backend, err := loadBackendConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	storeCfg, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	call := loadCallConfig()

	return &Config{Backend: backend, Auth: auth, Store: storeCfg, Call: call}, nil
}

// BackendConfig describes how to reach the DoorwAI backend.
type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

func loadBackendConfig() (BackendConfig, error) {
	base := getEnvOrDefault("DOORWAI_BACKEND_URL", "https://your-backend.example.com")
	base = strings.TrimRight(base, "/")

	timeoutSeconds := 30
	if override, err := parseOptionalIntEnv("HTTP_TIMEOUT"); err != nil {
		return BackendConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return BackendConfig{}, fmt.Errorf("HTTP_TIMEOUT must be at least 1 second, got %d", *override)
		}
		timeoutSeconds = *override
	}

	return BackendConfig{
		BaseURL: base,
		Timeout: time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// AuthConfig holds the Google OAuth application credentials.
type AuthConfig struct {
	ClientID     string
	ClientSecret string
	CallbackPort int
}

// Enabled reports whether sign-in credentials were provided.
func (c AuthConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

func loadAuthConfig() (AuthConfig, error) {
	port := 51121
	if override, err := parseOptionalIntEnv("OAUTH_CALLBACK_PORT"); err != nil {
		return AuthConfig{}, err
	} else if override != nil {
		if *override < 1 || *override > 65535 {
			return AuthConfig{}, fmt.Errorf("invalid OAUTH_CALLBACK_PORT value: %d", *override)
		}
		port = *override
	}

	return AuthConfig{
		ClientID:     strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_SECRET")),
		CallbackPort: port,
	}, nil
}

// StoreConfig locates the local secure storage directory.
type StoreConfig struct {
	DataDir string
}

func loadStoreConfig() (StoreConfig, error) {
	dir := strings.TrimSpace(os.Getenv("DOORWAI_DATA_DIR"))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return StoreConfig{}, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".doorwai")
	}
	return StoreConfig{DataDir: dir}, nil
}

// CallConfig describes the conversational voice agent endpoint.
type CallConfig struct {
	AgentID string
	WSURL   string
	Timeout time.Duration
}

// Enabled reports whether a voice agent was configured.
func (c CallConfig) Enabled() bool {
	return c.AgentID != ""
}

func loadCallConfig() CallConfig {
	return CallConfig{
		AgentID: strings.TrimSpace(os.Getenv("AGENT_ID")),
		WSURL:   getEnvOrDefault("AGENT_WS_URL", "wss://api.elevenlabs.io/v1/convai/conversation"),
		Timeout: 30 * time.Second,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
