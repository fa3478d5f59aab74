// Package config loads process settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LineageSource selects where lineage queries read edges from.
type LineageSource string

const (
	LineageFromStore LineageSource = "store"
	LineageFromNeo4j LineageSource = "neo4j"
)

// Config holds every setting the stancore process reads at startup.
type Config struct {
	HTTPAddr  string
	LogLevel  slog.Level
	BatchSize int

	LineageSource LineageSource
	Neo4j         Neo4jConfig
	NATS          NATSConfig
	Reports       ReportsConfig
}

// Neo4jConfig locates the graph database used as lineage mirror.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
	// Mirror copies committed actions into neo4j even when lineage reads
	// come from the store.
	Mirror bool
}

// Enabled reports whether a neo4j connection should be opened.
func (c Neo4jConfig) Enabled() bool { return c.URI != "" }

// NATSConfig routes audit entries to a NATS subject. An empty URL disables
// publishing.
type NATSConfig struct {
	URL     string
	Subject string
}

// ReportsConfig sizes the transfer audit export worker.
type ReportsConfig struct {
	QueueSize   int
	HistorySize int
}

// Load reads files (default .env) into the environment without overriding
// variables already set, then builds a Config. A missing default .env is
// not an error; a missing explicit file is.
//
//	STANCORE_HTTP_ADDR          listen address (default :8080)
//	STANCORE_LOG_LEVEL          debug|info|warn|error (default info)
//	STANCORE_LINEAGE_BATCH      frontier batch size (default 500)
//	STANCORE_LINEAGE_SOURCE     store|neo4j (default store)
//	STANCORE_NEO4J_URI, STANCORE_NEO4J_USER, STANCORE_NEO4J_PASSWORD,
//	STANCORE_NEO4J_DATABASE, STANCORE_NEO4J_MIRROR
//	STANCORE_NATS_URL, STANCORE_NATS_SUBJECT
//	STANCORE_REPORT_QUEUE, STANCORE_REPORT_HISTORY
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	level, err := parseLevel(os.Getenv("STANCORE_LOG_LEVEL"))
	if err != nil {
		return nil, err
	}
	batch, err := intEnv("STANCORE_LINEAGE_BATCH", 500)
	if err != nil {
		return nil, err
	}
	queue, err := intEnv("STANCORE_REPORT_QUEUE", 32)
	if err != nil {
		return nil, err
	}
	history, err := intEnv("STANCORE_REPORT_HISTORY", 256)
	if err != nil {
		return nil, err
	}
	mirror, err := boolEnv("STANCORE_NEO4J_MIRROR")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:      firstNonEmpty(env("STANCORE_HTTP_ADDR"), ":8080"),
		LogLevel:      level,
		BatchSize:     batch,
		LineageSource: LineageSource(strings.ToLower(firstNonEmpty(env("STANCORE_LINEAGE_SOURCE"), string(LineageFromStore)))),
		Neo4j: Neo4jConfig{
			URI:      env("STANCORE_NEO4J_URI"),
			Username: firstNonEmpty(env("STANCORE_NEO4J_USER"), "neo4j"),
			Password: env("STANCORE_NEO4J_PASSWORD"),
			Database: env("STANCORE_NEO4J_DATABASE"),
			Mirror:   mirror,
		},
		NATS: NATSConfig{
			URL:     env("STANCORE_NATS_URL"),
			Subject: env("STANCORE_NATS_SUBJECT"),
		},
		Reports: ReportsConfig{QueueSize: queue, HistorySize: history},
	}
	switch cfg.LineageSource {
	case LineageFromStore:
	case LineageFromNeo4j:
		if !cfg.Neo4j.Enabled() {
			return nil, fmt.Errorf("lineage source neo4j requires STANCORE_NEO4J_URI")
		}
	default:
		return nil, fmt.Errorf("unknown lineage source %q", cfg.LineageSource)
	}
	return cfg, nil
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func intEnv(key string, def int) (int, error) {
	raw := env(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return n, nil
}

func boolEnv(key string) (bool, error) {
	raw := env(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("STANCORE_LOG_LEVEL: %w", err)
	}
	return level, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
