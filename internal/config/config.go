// Package config provides centralized configuration management for every
// WIP server binary. It loads configuration from environment variables with
// sensible defaults, mirroring the recognized configuration surface and
// per-server overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds the UDP listener and worker-pool settings shared by
// every server.
type ServerConfig struct {
	Host           string
	Port           int
	Debug          bool
	MaxWorkers     int
	UDPBufferSize  int
	ResponseTimeout time.Duration
	ProtocolVersion uint8
}

// AuthConfig controls whether incoming requests of a given packet type must
// carry a verified auth_hash Extended Field record.
type AuthConfig struct {
	Enabled            bool
	Passphrase         string
	HashAlgorithm      string
	TargetPacketTypes  map[uint8]bool
}

// CacheConfig controls TTL and backing store for one of the two proxy
// caches (coordinate→area, or fingerprint→weather).
type CacheConfig struct {
	TTL          time.Duration
	RedisEnabled bool
	RedisAddr    string
	Capacity     int // 0 = unbounded
}

// BackendConfig is the address of one downstream server the proxy forwards
// to.
type BackendConfig struct {
	Host string
	Port int
}

// ObservabilityConfig mirrors the teacher's tracing/metrics settings,
// extended with a service name per binary.
type ObservabilityConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	MetricsPort    string
}

// WeatherServerConfig aggregates everything the proxy needs: its own
// listener, the three backend addresses, the two cache configs, and the
// auth config applied when forwarding to each backend.
type WeatherServerConfig struct {
	Server          ServerConfig
	Observability   ObservabilityConfig
	CoordinateCache CacheConfig
	WeatherCache    CacheConfig
	Location        BackendConfig
	Query           BackendConfig
	Report          BackendConfig
	LocationAuth    AuthConfig
	QueryAuth       AuthConfig
	ReportAuth      AuthConfig
	RateLimit       RateLimitConfig
}

// RateLimitConfig bounds admissions per source IP before a datagram is even
// decoded.
type RateLimitConfig struct {
	Enabled bool
	RPS     int
	Window  time.Duration
}

// LocationServerConfig aggregates the Location Server's settings: its
// listener, the geometry store connection pool, and its coordinate cache.
type LocationServerConfig struct {
	Server          ServerConfig
	Observability   ObservabilityConfig
	Database        DatabaseConfig
	CoordinateCache CacheConfig
	Auth            AuthConfig
}

// QueryServerConfig aggregates the Query Server's settings: its listener,
// the Redis-backed document store, the weather cache, and its scheduler.
type QueryServerConfig struct {
	Server             ServerConfig
	Observability      ObservabilityConfig
	Redis              RedisConfig
	WeatherCache       CacheConfig
	Auth               AuthConfig
	DisasterStaleness  time.Duration
	AlertStaleness     time.Duration
	WeatherUpdateTimes []string
	SkipRetryInterval  time.Duration
}

// ReportServerConfig aggregates the Report Server's settings: its
// listener, the report log directory, and retention.
type ReportServerConfig struct {
	Server        ServerConfig
	Observability  ObservabilityConfig
	ReportLogDir  string
	RetainPerArea int
	Auth          AuthConfig
}

// RedisConfig mirrors the teacher's RedisConfig, reused for the Query
// Server's document store and for either proxy cache when Redis-backed.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig mirrors the teacher's DatabaseConfig for the geometry
// store connection pool.
type DatabaseConfig struct {
	Host                  string
	Port                  int
	User                  string
	Password              string
	Database              string
	SSLMode               string
	MaxConnections        int
	MaxIdleConnections    int
	ConnectionMaxLifetime time.Duration
}

func baseServerConfig(envPrefix string, defaultPort int) ServerConfig {
	return ServerConfig{
		Host:            getEnv(envPrefix+"_HOST", "0.0.0.0"),
		Port:            getEnvAsInt(envPrefix+"_PORT", defaultPort),
		Debug:           getEnvAsBool(envPrefix+"_DEBUG", false),
		MaxWorkers:      getEnvAsInt(envPrefix+"_MAX_WORKERS", 32),
		UDPBufferSize:   getEnvAsInt("UDP_BUFFER_SIZE", 4096),
		ResponseTimeout: getEnvAsDuration("RESPONSE_TIMEOUT_MS", 10000*time.Millisecond),
		ProtocolVersion: 1,
	}
}

func baseObservabilityConfig(serviceName string) ObservabilityConfig {
	return ObservabilityConfig{
		ServiceName:    serviceName,
		ServiceVersion: getEnv("VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SampleRate:     0.1,
		MetricsPort:    getEnv(serviceName+"_METRICS_PORT", "9090"),
	}
}

func authConfig(role string, defaultEnabledTypes map[uint8]bool) AuthConfig {
	return AuthConfig{
		Enabled:           getEnvAsBool(role+"_AUTH_ENABLED", false),
		Passphrase:        getEnv(role+"_PASSPHRASE", ""),
		HashAlgorithm:     getEnv("HASH_ALGORITHM", "sha512"),
		TargetPacketTypes: defaultEnabledTypes,
	}
}

// defaultAuthTargets is {4, 5} — ReportReq/ReportAck — per §6.3's default.
func defaultAuthTargets() map[uint8]bool {
	return map[uint8]bool{4: true, 5: true}
}

// LoadWeatherServerConfig reads the proxy's configuration from the
// environment.
func LoadWeatherServerConfig() *WeatherServerConfig {
	return &WeatherServerConfig{
		Server:        baseServerConfig("WEATHER_SERVER", 4110),
		Observability: baseObservabilityConfig("weather-server"),
		CoordinateCache: CacheConfig{
			TTL:          getEnvAsDuration("COORDINATE_CACHE_TTL_HOURS", 7*24*time.Hour),
			RedisEnabled: getEnvAsBool("COORDINATE_CACHE_REDIS_ENABLED", false),
			RedisAddr:    getEnv("COORDINATE_CACHE_REDIS_ADDR", "localhost:6379"),
			Capacity:     getEnvAsInt("COORDINATE_CACHE_CAPACITY", 10000),
		},
		WeatherCache: CacheConfig{
			TTL:          getEnvAsDuration("WEATHER_CACHE_TTL_MINUTES", 10*time.Minute),
			RedisEnabled: getEnvAsBool("WEATHER_CACHE_REDIS_ENABLED", false),
			RedisAddr:    getEnv("WEATHER_CACHE_REDIS_ADDR", "localhost:6379"),
		},
		Location:     BackendConfig{Host: getEnv("LOCATION_SERVER_HOST", "127.0.0.1"), Port: getEnvAsInt("LOCATION_SERVER_PORT", 4109)},
		Query:        BackendConfig{Host: getEnv("QUERY_SERVER_HOST", "127.0.0.1"), Port: getEnvAsInt("QUERY_SERVER_PORT", 4111)},
		Report:       BackendConfig{Host: getEnv("REPORT_SERVER_HOST", "127.0.0.1"), Port: getEnvAsInt("REPORT_SERVER_PORT", 4112)},
		LocationAuth: authConfig("LOCATION", defaultAuthTargets()),
		QueryAuth:    authConfig("QUERY", defaultAuthTargets()),
		ReportAuth:   authConfig("REPORT", defaultAuthTargets()),
		RateLimit: RateLimitConfig{
			Enabled: getEnvAsBool("RATE_LIMIT_ENABLED", false),
			RPS:     getEnvAsInt("RATE_LIMIT_RPS", 100),
			Window:  time.Minute,
		},
	}
}

// LoadLocationServerConfig reads the Location Server's configuration from
// the environment.
func LoadLocationServerConfig() *LocationServerConfig {
	return &LocationServerConfig{
		Server:        baseServerConfig("LOCATION_SERVER", 4109),
		Observability: baseObservabilityConfig("location-server"),
		Database: DatabaseConfig{
			Host:                  getEnv("DB_HOST", "localhost"),
			Port:                  getEnvAsInt("DB_PORT", 5432),
			User:                  getEnv("DB_USER", "wip"),
			Password:              getEnv("DB_PASSWORD", ""),
			Database:              getEnv("DB_NAME", "wip_geometry"),
			SSLMode:               getEnv("DB_SSLMODE", "disable"),
			MaxConnections:        getEnvAsInt("DB_MAX_CONNECTIONS", 10),
			MaxIdleConnections:    getEnvAsInt("DB_MAX_IDLE_CONNECTIONS", 1),
			ConnectionMaxLifetime: 5 * time.Minute,
		},
		CoordinateCache: CacheConfig{
			TTL: getEnvAsDuration("COORDINATE_CACHE_TTL_HOURS", 7*24*time.Hour),
		},
		Auth: authConfig("LOCATION", defaultAuthTargets()),
	}
}

// LoadQueryServerConfig reads the Query Server's configuration from the
// environment.
func LoadQueryServerConfig() *QueryServerConfig {
	return &QueryServerConfig{
		Server:        baseServerConfig("QUERY_SERVER", 4111),
		Observability: baseObservabilityConfig("query-server"),
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			PoolSize:     10,
			MinIdleConns: 5,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		WeatherCache: CacheConfig{
			TTL: getEnvAsDuration("WEATHER_CACHE_TTL_MINUTES", 10*time.Minute),
		},
		Auth:               authConfig("QUERY", defaultAuthTargets()),
		DisasterStaleness:  getEnvAsDuration("DISASTER_ALERT_CACHE_MIN", 1440*time.Minute),
		AlertStaleness:     getEnvAsDuration("DISASTER_ALERT_CACHE_MIN", 1440*time.Minute),
		WeatherUpdateTimes: splitCSV(getEnv("WEATHER_UPDATE_TIME", "03:00")),
		SkipRetryInterval:  getEnvAsDuration("SKIP_AREA_CHECK_INTERVAL_MINUTES", 10*time.Minute),
	}
}

// LoadReportServerConfig reads the Report Server's configuration from the
// environment.
func LoadReportServerConfig() *ReportServerConfig {
	return &ReportServerConfig{
		Server:        baseServerConfig("REPORT_SERVER", 4112),
		Observability: baseObservabilityConfig("report-server"),
		ReportLogDir:  getEnv("REPORT_LOG_DIR", "./data/reports"),
		RetainPerArea: getEnvAsInt("REPORT_RETAIN_PER_AREA", 0),
		Auth:          authConfig("REPORT", defaultAuthTargets()),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a plain integer from the environment, matching the
// teacher's convention of expressing timeouts as a plain integer, and
// converts it using the unit the key's suffix names (_MS, _MIN/_MINUTES,
// _HOURS). A key without such a suffix falls back to the default's own
// unit (hours, minutes, else milliseconds).
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			unit := time.Millisecond
			switch {
			case strings.HasSuffix(key, "_MS"):
				unit = time.Millisecond
			case strings.HasSuffix(key, "_MIN"), strings.HasSuffix(key, "_MINUTES"):
				unit = time.Minute
			case strings.HasSuffix(key, "_HOURS"):
				unit = time.Hour
			case defaultValue%time.Hour == 0 && defaultValue >= time.Hour:
				unit = time.Hour
			case defaultValue%time.Minute == 0 && defaultValue >= time.Minute:
				unit = time.Minute
			}
			return time.Duration(intValue) * unit
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
