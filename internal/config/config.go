// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Venice    VeniceConfig    `mapstructure:"venice" yaml:"venice"`
	Bridge    BridgeConfig    `mapstructure:"bridge" yaml:"bridge"`
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`
	Models    []ModelConfig   `mapstructure:"models" yaml:"models"`
}

type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig controls the local HTTP listener that speaks the Ollama dialect.
type ServerConfig struct {
	Host              string        `mapstructure:"host" yaml:"host"`
	Port              int           `mapstructure:"port" yaml:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// Version is what /api/version reports. Clients gate features on it.
	Version string `mapstructure:"version" yaml:"version"`
}

// Addr returns the host:port pair for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	// Debug forwards the page console into the application log after every request.
	Debug       bool           `mapstructure:"debug" yaml:"debug"`
	Args        []string       `mapstructure:"args" yaml:"args"`
	ExecPath    string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	// RemoteURL attaches to an already running browser's DevTools endpoint
	// instead of launching one.
	RemoteURL string         `mapstructure:"remote_url" yaml:"remote_url"`
	Viewport  ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	Persona   PersonaConfig  `mapstructure:"persona" yaml:"persona"`
}

type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

type PersonaConfig struct {
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// AuthMode selects how the session manager signs in.
type AuthMode string

const (
	AuthCredentials AuthMode = "credentials"
	AuthWallet      AuthMode = "wallet"
)

// VeniceConfig describes the remote chat application: where it lives, how to
// sign in, and which page elements drive it.
type VeniceConfig struct {
	BaseURL          string        `mapstructure:"base_url" yaml:"base_url"`
	SignInPath       string        `mapstructure:"sign_in_path" yaml:"sign_in_path"`
	ChatPath         string        `mapstructure:"chat_path" yaml:"chat_path"`
	InterceptPattern string        `mapstructure:"intercept_pattern" yaml:"intercept_pattern"`
	InterceptMethod  string        `mapstructure:"intercept_method" yaml:"intercept_method"`
	AuthMode         AuthMode      `mapstructure:"auth_mode" yaml:"auth_mode"`
	Username         string        `mapstructure:"username" yaml:"username"`
	Password         string        `mapstructure:"password" yaml:"-"`
	RequirePro       bool          `mapstructure:"require_pro" yaml:"require_pro"`
	Wallet           WalletConfig  `mapstructure:"wallet" yaml:"wallet"`
	Locators         LocatorConfig `mapstructure:"locators" yaml:"locators"`
}

// SignInURL joins the base URL with the sign-in path.
func (v VeniceConfig) SignInURL() string { return joinURL(v.BaseURL, v.SignInPath) }

// ChatURL joins the base URL with the chat path.
func (v VeniceConfig) ChatURL() string { return joinURL(v.BaseURL, v.ChatPath) }

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// WalletConfig drives the browser-wallet sign in. DialogPath is a chain of CSS
// selectors; each match's shadow root is the search root for the next one.
type WalletConfig struct {
	ConnectXPath string        `mapstructure:"connect_xpath" yaml:"connect_xpath"`
	DialogPath   []string      `mapstructure:"dialog_path" yaml:"dialog_path"`
	EnableWait   time.Duration `mapstructure:"enable_wait" yaml:"enable_wait"`
}

// LocatorConfig holds the page element locators. XPath unless named otherwise.
type LocatorConfig struct {
	IdentifierID string `mapstructure:"identifier_id" yaml:"identifier_id"`
	PasswordID   string `mapstructure:"password_id" yaml:"password_id"`
	SignInSubmit string `mapstructure:"sign_in_submit" yaml:"sign_in_submit"`
	ReadyMarker  string `mapstructure:"ready_marker" yaml:"ready_marker"`
	ProMarker    string `mapstructure:"pro_marker" yaml:"pro_marker"`
	ChatEntry    string `mapstructure:"chat_entry" yaml:"chat_entry"`
	ChatInput    string `mapstructure:"chat_input" yaml:"chat_input"`
	ChatSubmit   string `mapstructure:"chat_submit" yaml:"chat_submit"`
}

// BridgeConfig tunes the session bridge's timing and retry behaviour.
type BridgeConfig struct {
	// WaitTimeout bounds every individual UI wait.
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	// StreamTimeout is the inactivity window after which a stream counts as stalled.
	StreamTimeout     time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ReadinessAttempts int           `mapstructure:"readiness_attempts" yaml:"readiness_attempts"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	LoginInterval     time.Duration `mapstructure:"login_interval" yaml:"login_interval"`
	LoginBurst        int           `mapstructure:"login_burst" yaml:"login_burst"`
}

// InferenceConfig holds the parameters injected into every intercepted request.
type InferenceConfig struct {
	DefaultModel     string  `mapstructure:"default_model" yaml:"default_model"`
	SystemPrompt     string  `mapstructure:"system_prompt" yaml:"system_prompt"`
	ConversationType string  `mapstructure:"conversation_type" yaml:"conversation_type"`
	Temperature      float64 `mapstructure:"temperature" yaml:"temperature"`
	TopP             float64 `mapstructure:"top_p" yaml:"top_p"`
}

// ModelConfig is one entry of the advertised model list.
type ModelConfig struct {
	Name              string `mapstructure:"name" yaml:"name"`
	ParameterSize     string `mapstructure:"parameter_size" yaml:"parameter_size"`
	Family            string `mapstructure:"family" yaml:"family"`
	Format            string `mapstructure:"format" yaml:"format"`
	QuantizationLevel string `mapstructure:"quantization_level" yaml:"quantization_level"`
	Size              int64  `mapstructure:"size" yaml:"size"`
	ModifiedAt        string `mapstructure:"modified_at" yaml:"modified_at"`
}

// DefaultModels is the list advertised when the config file names none.
func DefaultModels() []ModelConfig {
	base := ModelConfig{
		Family:            "llama",
		Format:            "gguf",
		QuantizationLevel: "Q7_0",
		Size:              15628387458,
		ModifiedAt:        "2024-08-16T18:50:00.684933726+02:00",
	}
	names := []struct{ name, size string }{
		{"llama-3.1-405b-akash-api:latest", "405B"},
		{"hermes-2-theta-web:latest", "8B"},
		{"nous-hermes-8-web:latest", "8B"},
	}
	models := make([]ModelConfig, 0, len(names))
	for _, n := range names {
		m := base
		m.Name = n.name
		m.ParameterSize = n.size
		models = append(models, m)
	}
	return models
}

// NewDefaultConfig builds a Config populated only from SetDefaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "venice-bridge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9999)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.version", "0.3.6")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.viewport.width", 1920)
	v.SetDefault("browser.viewport.height", 1080)
	v.SetDefault("browser.persona.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.persona.platform", "Win32")
	v.SetDefault("browser.persona.languages", []string{"en-US", "en"})
	v.SetDefault("browser.persona.timezone", "America/Los_Angeles")
	v.SetDefault("browser.persona.locale", "en-US")

	// -- Venice --
	v.SetDefault("venice.base_url", "https://venice.ai")
	v.SetDefault("venice.sign_in_path", "/sign-in")
	v.SetDefault("venice.chat_path", "/chat")
	v.SetDefault("venice.intercept_pattern", "/api/inference/chat")
	v.SetDefault("venice.intercept_method", "POST")
	v.SetDefault("venice.auth_mode", string(AuthCredentials))
	v.SetDefault("venice.require_pro", true)
	v.SetDefault("venice.wallet.connect_xpath", "//button[contains(., 'Connect Wallet')]")
	v.SetDefault("venice.wallet.dialog_path", []string{"w3m-modal", "w3m-router", "w3m-connect-view", "wui-list-wallet"})
	v.SetDefault("venice.wallet.enable_wait", "30s")
	v.SetDefault("venice.locators.identifier_id", "identifier")
	v.SetDefault("venice.locators.password_id", "password")
	v.SetDefault("venice.locators.sign_in_submit", "//button[@type='submit'][contains(text(), 'Sign in')]")
	v.SetDefault("venice.locators.ready_marker", "//button[.//p[contains(text(), 'Text Conversation')]]")
	v.SetDefault("venice.locators.pro_marker", "//button[.//span[contains(text(), 'PRO')]]")
	v.SetDefault("venice.locators.chat_entry", "//button[.//p[contains(text(), 'Text Conversation')]]")
	v.SetDefault("venice.locators.chat_input", "//textarea[@placeholder='Ask a question...']")
	v.SetDefault("venice.locators.chat_submit", "//button[@type='submit' and @aria-label='submit']")

	// -- Bridge --
	v.SetDefault("bridge.wait_timeout", "60s")
	v.SetDefault("bridge.stream_timeout", "20s")
	v.SetDefault("bridge.poll_interval", "100ms")
	v.SetDefault("bridge.readiness_attempts", 3)
	v.SetDefault("bridge.max_attempts", 2)
	v.SetDefault("bridge.login_interval", "10s")
	v.SetDefault("bridge.login_burst", 1)

	// -- Inference --
	v.SetDefault("inference.default_model", "llama-3.1-405b-akash-api")
	v.SetDefault("inference.system_prompt", "")
	v.SetDefault("inference.conversation_type", "text")
	v.SetDefault("inference.temperature", 0.8)
	v.SetDefault("inference.top_p", 0.9)

	v.SetDefault("models", DefaultModels())
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Credentials come from the environment, never from the config file.
	_ = v.BindEnv("venice.username", "VBRIDGE_VENICE_USERNAME", "VENICE_USERNAME")
	_ = v.BindEnv("venice.password", "VBRIDGE_VENICE_PASSWORD", "VENICE_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every filesystem path setting.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.Browser.ExecPath, &c.Browser.UserDataDir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if err := c.Venice.Validate(); err != nil {
		return fmt.Errorf("venice configuration invalid: %w", err)
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge configuration invalid: %w", err)
	}
	if c.Inference.DefaultModel == "" {
		return fmt.Errorf("inference.default_model is required")
	}
	return nil
}

// Validate checks the Venice configuration.
func (v *VeniceConfig) Validate() error {
	if v.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if v.InterceptPattern == "" {
		return fmt.Errorf("intercept_pattern is required")
	}
	switch v.AuthMode {
	case AuthCredentials:
		// Credentials are checked when a login is attempted so that
		// commands like `version` work without them.
	case AuthWallet:
		if len(v.Wallet.DialogPath) == 0 {
			return fmt.Errorf("wallet.dialog_path must name at least one element")
		}
	default:
		return fmt.Errorf("auth_mode %q is not one of credentials, wallet", v.AuthMode)
	}
	return nil
}

// Validate checks the bridge timing settings.
func (b *BridgeConfig) Validate() error {
	if b.WaitTimeout <= 0 {
		return fmt.Errorf("wait_timeout must be a positive duration")
	}
	if b.StreamTimeout <= 0 {
		return fmt.Errorf("stream_timeout must be a positive duration")
	}
	if b.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if b.ReadinessAttempts <= 0 {
		return fmt.Errorf("readiness_attempts must be greater than 0")
	}
	if b.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than 0")
	}
	return nil
}
