// Package config holds all nlquery configuration. Values come from an
// optional YAML file with environment variable overrides; a .env file in
// the working directory is loaded by the CLI before Load runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all nlquery configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// Gemini reasoning + embedding service
	LLM LLMConfig `yaml:"llm"`

	// Fabric warehouse connection
	Warehouse WarehouseConfig `yaml:"warehouse"`

	// Worked-example store
	Store StoreConfig `yaml:"store"`

	// Business rules document
	Rules RulesConfig `yaml:"rules"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LLMConfig configures the Gemini clients.
type LLMConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	EmbeddingModel string        `yaml:"embedding_model"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// WarehouseConfig configures the Fabric SQL endpoint connection.
type WarehouseConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Database        string        `yaml:"database"`
	TenantID        string        `yaml:"tenant_id"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	SchemaNotesPath string        `yaml:"schema_notes_path"`
	SchemaTTL       time.Duration `yaml:"schema_ttl"`
}

// StoreConfig configures the worked-example store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// RulesConfig configures the business-rules document cache.
type RulesConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:    "nlquery",
		Version: "1.0.0",
		Server: ServerConfig{
			Port: 8000,
		},
		LLM: LLMConfig{
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
			Model:          "gemini-2.0-flash",
			EmbeddingModel: "text-embedding-004",
			Timeout:        25 * time.Second,
			MaxRetries:     2,
		},
		Warehouse: WarehouseConfig{
			SchemaNotesPath: "Schema_table_details.txt",
			SchemaTTL:       5 * time.Minute,
		},
		Store: StoreConfig{
			DatabasePath: "sql_examples.db",
		},
		Rules: RulesConfig{
			Path: "business_rules.json",
			TTL:  10 * time.Second,
		},
	}
}

// Load reads configuration from the given YAML file (if it exists) on top
// of the defaults, then applies environment variable overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides maps environment variables onto the config. Variable
// names match the deployment .env contract.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("GEMINI_EMBEDDING_MODEL"); v != "" {
		c.LLM.EmbeddingModel = v
	}
	if v := os.Getenv("FABRIC_SQL_ENDPOINT"); v != "" {
		c.Warehouse.Endpoint = v
	}
	if v := os.Getenv("FABRIC_DATABASE"); v != "" {
		c.Warehouse.Database = v
	}
	if v := os.Getenv("FABRIC_TENANT_ID"); v != "" {
		c.Warehouse.TenantID = v
	}
	if v := os.Getenv("FABRIC_CLIENT_ID"); v != "" {
		c.Warehouse.ClientID = v
	}
	if v := os.Getenv("FABRIC_CLIENT_SECRET"); v != "" {
		c.Warehouse.ClientSecret = v
	}
	if v := os.Getenv("SCHEMA_DETAILS_PATH"); v != "" {
		c.Warehouse.SchemaNotesPath = v
	}
	if v := os.Getenv("EXAMPLES_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("BUSINESS_RULES_PATH"); v != "" {
		c.Rules.Path = v
	}
}
