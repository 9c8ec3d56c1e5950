package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"

	"github.com/tracyhatemice/mailotp/internal/otp"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel  string   `yaml:"log_level"`
	StateFile string   `yaml:"state_file"`
	Provider  Provider `yaml:"provider"`
	Policy    Policy   `yaml:"policy"`
	SMTP      SMTP     `yaml:"smtp"`
}

// Provider describes the mailbox the OTP email is delivered to.
type Provider struct {
	Label    string `yaml:"name"`
	Type     string `yaml:"type"` // "imap", "pop3" or "gmail"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`

	IMAPFolder string `yaml:"imap_folder"`
	ScanLimit  int    `yaml:"scan_limit"`

	CredentialsFile string `yaml:"credentials_file"`
	TokensDir       string `yaml:"tokens_dir"`
	OAuthPort       int    `yaml:"oauth_port"`
	BodyMode        string `yaml:"body_mode"` // "body" or "snippet"
}

// Policy selects which email to wait for and for how long.
type Policy struct {
	Preset          string `yaml:"preset"` // "standard" or "bank"
	Subject         string `yaml:"subject"`
	KeyPhrase       string `yaml:"key_phrase"`
	CodeLength      int    `yaml:"code_length"`
	MaxAttempts     int    `yaml:"max_attempts"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// SMTP holds the outgoing mail server used by selftest.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
	To       string `yaml:"to"`
}

const (
	PresetStandard = "standard"
	PresetBank     = "bank"

	BodyModeBody    = "body"
	BodyModeSnippet = "snippet"
)

// Name returns the provider label, defaulting to its type.
func (p *Provider) Name() string {
	if p.Label == "" {
		return p.Type
	}
	return p.Label
}

// GetIMAPFolder returns the IMAP folder name, defaulting to "INBOX".
func (p *Provider) GetIMAPFolder() string {
	if p.IMAPFolder == "" {
		return "INBOX"
	}
	return p.IMAPFolder
}

// GetScanLimit returns how many POP3 messages to inspect, defaulting to 20.
func (p *Provider) GetScanLimit() int {
	if p.ScanLimit <= 0 {
		return 20
	}
	return p.ScanLimit
}

// GetTokensDir returns where Gmail tokens are stored, defaulting to
// "gmail_credential".
func (p *Provider) GetTokensDir() string {
	if p.TokensDir == "" {
		return "gmail_credential"
	}
	return p.TokensDir
}

// GetOAuthPort returns the loopback port for the OAuth redirect.
func (p *Provider) GetOAuthPort() int {
	if p.OAuthPort <= 0 {
		return 8888
	}
	return p.OAuthPort
}

// GetBodyMode returns what Gmail text to read, defaulting to the body.
func (p *Provider) GetBodyMode() string {
	if p.BodyMode == "" {
		return BodyModeBody
	}
	return p.BodyMode
}

// GetPreset returns the policy preset, defaulting to "standard".
func (p *Policy) GetPreset() string {
	if p.Preset == "" {
		return PresetStandard
	}
	return p.Preset
}

// Interval returns the configured interval as a time.Duration. Zero means
// the preset default.
func (p *Policy) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// OTPPolicy builds the poll policy: preset defaults first, then any
// explicitly configured field.
func (p *Policy) OTPPolicy() otp.Policy {
	var out otp.Policy
	switch p.GetPreset() {
	case PresetBank:
		t := otp.BankNotification
		out = otp.BankPolicy(t.Subject, t.KeyPhrase, t.CodeLength)
	default:
		out = otp.StandardPolicy("", "", 0)
	}
	if p.Subject != "" {
		out.Subject = p.Subject
	}
	if p.KeyPhrase != "" {
		out.KeyPhrase = p.KeyPhrase
	}
	if p.CodeLength > 0 {
		out.CodeLength = p.CodeLength
	}
	if p.MaxAttempts > 0 {
		out.MaxAttempts = p.MaxAttempts
	}
	if p.IntervalSeconds > 0 {
		out.Interval = p.Interval()
	}
	return out
}

// GetStateFile returns the cursor state path, defaulting to
// "data/cursor.yaml".
func (c *Config) GetStateFile() string {
	if c.StateFile == "" {
		return "data/cursor.yaml"
	}
	return c.StateFile
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	p := c.Provider
	switch p.Type {
	case "imap", "pop3":
		if p.Host == "" {
			return fmt.Errorf("provider.host is required for %s", p.Type)
		}
		if p.Port == 0 {
			return fmt.Errorf("provider.port is required for %s", p.Type)
		}
	case "gmail":
		if p.CredentialsFile == "" {
			return fmt.Errorf("provider.credentials_file is required for gmail")
		}
		if mode := p.GetBodyMode(); mode != BodyModeBody && mode != BodyModeSnippet {
			return fmt.Errorf("provider.body_mode must be body or snippet")
		}
	default:
		return fmt.Errorf("provider.type must be imap, pop3 or gmail")
	}

	pol := c.Policy
	if preset := pol.GetPreset(); preset != PresetStandard && preset != PresetBank {
		return fmt.Errorf("policy.preset must be standard or bank")
	}
	if pol.CodeLength < 0 || pol.MaxAttempts < 0 || pol.IntervalSeconds < 0 {
		return fmt.Errorf("policy values must not be negative")
	}
	return nil
}

// ValidateSMTP checks the settings selftest needs.
func (c *Config) ValidateSMTP() error {
	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if c.SMTP.Port == 0 {
		return fmt.Errorf("smtp.port is required")
	}
	return nil
}
