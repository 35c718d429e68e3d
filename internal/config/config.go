package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Market       MarketConfig       `json:"market"`
	Escrow       EscrowConfig       `json:"escrow"`
	Settlement   SettlementConfig   `json:"settlement"`
	Certificates CertificatesConfig `json:"certificates"`
	Logging      LoggingConfig      `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

// MarketConfig controls whether the marketplace accepts new orders.
type MarketConfig struct {
	OpenOnStart bool `json:"open_on_start"`
}

// EscrowConfig sets how long in-flight orders may stay in each state
// before the sweeper reaps them.
type EscrowConfig struct {
	PendingTimeout time.Duration `json:"pending_timeout"`
	EscrowTimeout  time.Duration `json:"escrow_timeout"`
	SweepInterval  time.Duration `json:"sweep_interval"`
}

// SettlementConfig selects and configures the settlement backend.
type SettlementConfig struct {
	// Backend is "mock" or "provider".
	Backend     string        `json:"backend"`
	ProviderURL string        `json:"provider_url"`
	APIKey      string        `json:"api_key"`
	MockDelay   time.Duration `json:"mock_delay"`
}

// CertificatesConfig configures retirement certificate rendering.
type CertificatesConfig struct {
	IssuerName string `json:"issuer_name"`
}

// LoggingConfig
type LoggingConfig struct {
	Level string `json:"level"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// Default config
	config := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    os.Getenv("USER"),
			DBName:  "credit_marketplace",
			SSLMode: "disable",
		},
		Market: MarketConfig{
			OpenOnStart: true,
		},
		Escrow: EscrowConfig{
			PendingTimeout: 2 * time.Minute,
			EscrowTimeout:  10 * time.Minute,
			SweepInterval:  time.Minute,
		},
		Settlement: SettlementConfig{
			Backend:   "mock",
			MockDelay: 100 * time.Millisecond,
		},
		Certificates: CertificatesConfig{
			IssuerName: "AgriCarbon Credit Marketplace",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	overrideWithEnv(config)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func overrideWithEnv(config *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			config.Database.Port = p
		}
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}
	if backend := os.Getenv("SETTLEMENT_BACKEND"); backend != "" {
		config.Settlement.Backend = backend
	}
	if url := os.Getenv("SETTLEMENT_PROVIDER_URL"); url != "" {
		config.Settlement.ProviderURL = url
	}
	if key := os.Getenv("SETTLEMENT_API_KEY"); key != "" {
		config.Settlement.APIKey = key
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

func (c *Config) validate() error {
	if c.Escrow.PendingTimeout <= 0 {
		return fmt.Errorf("escrow.pending_timeout must be positive")
	}
	if c.Escrow.EscrowTimeout <= 0 {
		return fmt.Errorf("escrow.escrow_timeout must be positive")
	}
	if c.Escrow.SweepInterval <= 0 {
		return fmt.Errorf("escrow.sweep_interval must be positive")
	}
	switch c.Settlement.Backend {
	case "mock":
	case "provider":
		if c.Settlement.ProviderURL == "" {
			return fmt.Errorf("settlement.provider_url is required for the provider backend")
		}
	default:
		return fmt.Errorf("unknown settlement backend %q", c.Settlement.Backend)
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
