package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Bridge: BridgeConfig{
			QueueSize:        256,
			OperationTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(*Config) {},
			expectError: false,
		},
		{
			name:        "invalid http port",
			mutate:      func(c *Config) { c.HTTP.Port = 70000 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name:        "empty http address while enabled",
			mutate:      func(c *Config) { c.HTTP.Address = "" },
			expectError: true,
			errorMsg:    "http address cannot be empty",
		},
		{
			name: "disabled http skips address check",
			mutate: func(c *Config) {
				c.HTTP.Enabled = false
				c.HTTP.Address = ""
				c.HTTP.Port = 0
			},
			expectError: false,
		},
		{
			name:        "zero queue size",
			mutate:      func(c *Config) { c.Bridge.QueueSize = 0 },
			expectError: true,
			errorMsg:    "queue_size must be at least 1",
		},
		{
			name:        "oversized queue",
			mutate:      func(c *Config) { c.Bridge.QueueSize = 100000 },
			expectError: true,
			errorMsg:    "queue_size must be at most 65536",
		},
		{
			name:        "negative operation timeout",
			mutate:      func(c *Config) { c.Bridge.OperationTimeout = -1 },
			expectError: true,
			errorMsg:    "operation_timeout cannot be negative",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
		{
			name:        "invalid log format",
			mutate:      func(c *Config) { c.Logging.Format = "xml" },
			expectError: true,
			errorMsg:    "format must be 'json' or 'text'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
http:
  port: 8080
  address: "127.0.0.1"
  enabled: true
bridge:
  queue_size: 256
  operation_timeout: 5
logging:
  level: "info"
  format: "json"
  output: "stdout"
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
bridge:
  queue_size: not_a_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing queue size",
			configYAML: `
http:
  enabled: false
logging:
  level: "info"
  format: "json"
`,
			expectError: true,
			errorMsg:    "queue_size must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if config == nil {
					t.Errorf("Expected config to be loaded but got nil")
				}
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Errorf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestOperationTimeoutDuration(t *testing.T) {
	b := BridgeConfig{OperationTimeout: 5}
	if b.GetOperationTimeoutDuration() != 5*time.Second {
		t.Errorf("Expected 5 seconds, got %v", b.GetOperationTimeoutDuration())
	}

	b.OperationTimeout = 0
	if b.GetOperationTimeoutDuration() != 0 {
		t.Errorf("Expected disabled timeout, got %v", b.GetOperationTimeoutDuration())
	}
}
