package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa de domasync.
type Config struct {
	Feed       FeedConfig       `yaml:"feed"`
	API        APIConfig        `yaml:"api"`
	Optimistic OptimisticConfig `yaml:"optimistic"`
	Replay     ReplayConfig     `yaml:"replay"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
}

// FeedConfig controla el transport y el núcleo de reconciliación.
type FeedConfig struct {
	WSURL                  string `yaml:"ws_url"`
	CaptureMaxEvents       int    `yaml:"capture_max_events"`
	CaptureEnabled         *bool  `yaml:"capture_enabled"` // nil = activo
	RefreshIntervalSeconds int    `yaml:"refresh_interval_seconds"`
	BackfillTimeoutSeconds int    `yaml:"backfill_timeout_seconds"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"` // sin mensajes ni pong → reconectar
}

// APIConfig contiene el base URL del API REST y las colecciones de backfill.
type APIConfig struct {
	BaseURL     string   `yaml:"base_url"`
	Collections []string `yaml:"collections"`
}

// OptimisticConfig contiene los timeouts por tipo de acción, en segundos.
type OptimisticConfig struct {
	ListingTimeoutSeconds int `yaml:"listing_timeout_seconds"`
	OfferTimeoutSeconds   int `yaml:"offer_timeout_seconds"`
	CancelTimeoutSeconds  int `yaml:"cancel_timeout_seconds"`
	BuyTimeoutSeconds     int `yaml:"buy_timeout_seconds"`
}

// ReplayConfig controla la reproducción de capturas y manifests.
type ReplayConfig struct {
	SpeedMS int     `yaml:"speed_ms"` // intervalo entre eventos de una captura
	Scale   float64 `yaml:"scale"`    // >1 acelera los delays de un manifest
}

// StorageConfig controla dónde se persiste el estado de cliente.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// Default devuelve la configuración por defecto, con overrides de entorno.
// Se usa cuando no hay archivo de configuración.
func Default() *Config {
	_ = godotenv.Load()
	var cfg Config
	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg
}

// RefreshInterval devuelve el intervalo del full refresh periódico.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Feed.RefreshIntervalSeconds) * time.Second
}

// BackfillTimeout devuelve el timeout de cada backfill.
func (c *Config) BackfillTimeout() time.Duration {
	return time.Duration(c.Feed.BackfillTimeoutSeconds) * time.Second
}

// ReadTimeout devuelve el timeout de lectura del transport.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Feed.ReadTimeoutSeconds) * time.Second
}

// ReplaySpeed devuelve el intervalo entre eventos al reproducir una captura.
func (c *Config) ReplaySpeed() time.Duration {
	return time.Duration(c.Replay.SpeedMS) * time.Millisecond
}

// CaptureEnabled devuelve si la captura arranca activa.
func (c *Config) CaptureEnabled() bool {
	return c.Feed.CaptureEnabled == nil || *c.Feed.CaptureEnabled
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOMA_WS_URL"); v != "" {
		cfg.Feed.WSURL = v
	}
	if v := os.Getenv("DOMA_API_BASE"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("DOMASYNC_DB"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Feed.WSURL == "" {
		cfg.Feed.WSURL = "wss://api.doma.xyz/v1/ws"
	}
	if cfg.Feed.CaptureMaxEvents <= 0 {
		cfg.Feed.CaptureMaxEvents = 300
	}
	if cfg.Feed.RefreshIntervalSeconds <= 0 {
		cfg.Feed.RefreshIntervalSeconds = 30
	}
	if cfg.Feed.BackfillTimeoutSeconds <= 0 {
		cfg.Feed.BackfillTimeoutSeconds = 15
	}
	if cfg.Feed.ReadTimeoutSeconds <= 0 {
		cfg.Feed.ReadTimeoutSeconds = 60
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://api.doma.xyz/v1"
	}
	if len(cfg.API.Collections) == 0 {
		cfg.API.Collections = []string{"listings", "offers"}
	}
	if cfg.Optimistic.ListingTimeoutSeconds <= 0 {
		cfg.Optimistic.ListingTimeoutSeconds = 30
	}
	if cfg.Optimistic.OfferTimeoutSeconds <= 0 {
		cfg.Optimistic.OfferTimeoutSeconds = 30
	}
	if cfg.Optimistic.CancelTimeoutSeconds <= 0 {
		cfg.Optimistic.CancelTimeoutSeconds = 15
	}
	if cfg.Optimistic.BuyTimeoutSeconds <= 0 {
		cfg.Optimistic.BuyTimeoutSeconds = 20
	}
	if cfg.Replay.SpeedMS <= 0 {
		cfg.Replay.SpeedMS = 400
	}
	if cfg.Replay.Scale <= 0 {
		cfg.Replay.Scale = 1
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "domasync.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
