package config

import (
	"os"
)

type Config struct {
	HTTPAddr           string
	ObsHTTPAddr        string
	DatabaseURL        string
	KafkaBrokers       string
	DeltasTopic        string
	NotificationsTopic string
	RedisAddr          string
	ServiceName        string
	InstanceID         string
	MetricsEnabled     bool
	TracingEnabled     bool
	JaegerURL          string
}

func Load() *Config {
	return &Config{
		HTTPAddr:           mustEnv("HTTP_ADDR"),
		ObsHTTPAddr:        getEnv("OBS_HTTP_ADDR", ":9091"),
		DatabaseURL:        mustEnv("DATABASE_URL"),
		KafkaBrokers:       mustEnv("KAFKA_BROKERS"),
		DeltasTopic:        getEnv("DELTAS_TOPIC", "messaging.deltas"),
		NotificationsTopic: getEnv("NOTIFICATIONS_TOPIC", "messaging.notifications"),
		RedisAddr:          mustEnv("REDIS_ADDR"),
		ServiceName:        getEnv("SERVICE_NAME", "messaging"),
		InstanceID:         mustEnv("INSTANCE_ID"),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", false),
		TracingEnabled:     getEnvBool("TRACING_ENABLED", false),
		JaegerURL:          getEnv("JAEGER_URL", ""),
	}
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true"
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic("missing required env: " + k)
	}
	return v
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
