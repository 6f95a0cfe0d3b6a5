// Package config loads the environment-variable surface the core is
// configured from. None of these variables are parsed by anything else in
// this module; cmd/gatekeepd is the only caller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the fully resolved runtime configuration for one process
// (supervisor or worker — both read the same variables).
type Config struct {
	Env         string // "development" or "production"
	HTTPPort    int
	HTTPSPort   int
	EnableHTTPS bool
	DBPath      string
	CertsDir    string
	AcmeDirURL  string
	LogLevel    string
	WorkerID    int // -1 when unset (supervisor process)
}

const (
	defaultAcmeDirURL = "https://acme-v02.api.letsencrypt.org/directory"
	defaultDBPath     = "./data/current.db"
	defaultCertsDir   = "./certs"
)

// Load reads the environment variables named in the external interface
// contract and applies development/production defaults. It validates port
// ranges eagerly so that misconfiguration fails at startup rather than at
// the first request.
func Load() (Config, error) {
	env := strings.ToLower(os.Getenv("NODE_ENV"))
	if env != "production" {
		env = "development"
	}
	production := env == "production"

	cfg := Config{
		Env:        env,
		DBPath:     getOr("DB_PATH", defaultDBPath),
		CertsDir:   getOr("CERTS_DIR", defaultCertsDir),
		AcmeDirURL: getOr("ACME_DIRECTORY_URL", defaultAcmeDirURL),
		LogLevel:   getOr("LOG_LEVEL", levelDefault(production)),
		WorkerID:   -1,
	}

	var err error
	cfg.HTTPPort, err = getPortOr("HTTP_PORT", portDefault(production, 8080, 80))
	if err != nil {
		return Config{}, err
	}
	cfg.HTTPSPort, err = getPortOr("HTTPS_PORT", portDefault(production, 8443, 443))
	if err != nil {
		return Config{}, err
	}

	cfg.EnableHTTPS, err = getBoolOr("ENABLE_HTTPS", production)
	if err != nil {
		return Config{}, err
	}

	if raw, ok := os.LookupEnv("WORKER_ID"); ok && raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid WORKER_ID %q: %w", raw, err)
		}
		cfg.WorkerID = id
	}

	return cfg, nil
}

// IsWorker reports whether this process was launched as a supervised
// worker (as opposed to the top-level supervisor process).
func (c Config) IsWorker() bool {
	return c.WorkerID >= 0
}

func levelDefault(production bool) string {
	if production {
		return "info"
	}
	return "debug"
}

func portDefault(production bool, devPort, prodPort int) int {
	if production {
		return prodPort
	}
	return devPort
}

func getOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getPortOr(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("config: %s %d out of range [1,65535]", key, port)
	}
	return port, nil
}

func getBoolOr(key string, def bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}
