package config

import (
	"fmt"
	"time"
)

type ServerConfig struct {
	Port         string        `env:"SERVER_PORT" envDefault:"8080"`
	BodyLimit    int           `env:"SERVER_BODY_LIMIT" envDefault:"1048576"`
	CORSOrigins  string        `env:"CORS_ORIGINS" envDefault:"http://localhost:3000"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	Debug        bool          `env:"DEBUG" envDefault:"false"`
}

type DatabaseConfig struct {
	Host            string        `env:"DB_HOST" envDefault:"localhost"`
	Port            int           `env:"DB_PORT" envDefault:"5432"`
	User            string        `env:"DB_USER" envDefault:"postgres"`
	Password        string        `env:"DB_PASSWORD" envDefault:"postgres"`
	Name            string        `env:"DB_NAME" envDefault:"authcore"`
	SSLMode         string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// DSN returns a lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AuditConfig struct {
	// Sink is one of logx, postgres, both
	Sink string `env:"AUDIT_SINK" envDefault:"both"`
}

func (a AuditConfig) validate() error {
	switch a.Sink {
	case "logx", "postgres", "both":
		return nil
	default:
		return fmt.Errorf("AUDIT_SINK must be logx, postgres or both, got %q", a.Sink)
	}
}
