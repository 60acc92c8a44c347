package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gengate.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the daemon.
type Config struct {
	Environment string
	ListenAddr  string

	// Upstream backend
	BackendBaseURL string
	BackendModel   string
	RequestTimeout time.Duration

	// Credential pool
	CredentialsFile string
	DefaultRPM      int
	DefaultRPD      int
	RateLimitPause  time.Duration
	TransientPause  time.Duration
	BackoffCeiling  time.Duration

	// Dispatch
	WorkerPoolSize int
	MaxAttempts    int

	// Delivery
	BrokerKind    string // memory|badger
	BadgerDir     string
	Retention     time.Duration
	StreamTimeout time.Duration

	// Attempt ledger
	LedgerKind        string // sqlite|postgres|none
	LedgerPath        string
	LedgerDSN         string
	LedgerAsync       bool
	LedgerMaxOpen     int
	LedgerMaxIdle     int
	LedgerConnMaxLife time.Duration

	// Logging
	LogFile     string
	LogMaxBytes int64
}

// Load reads the current environment and loads the daemon config file under
// root. Missing files fall back to defaults; GENGATE_* environment variables
// take precedence over file values.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := Config{
		Environment:     s.Environment,
		ListenAddr:      firstNonEmpty(os.Getenv("GENGATE_LISTEN_ADDR"), merged["listen_addr"], ":8090"),
		BackendBaseURL:  firstNonEmpty(os.Getenv("GENGATE_BACKEND_BASE_URL"), merged["backend_base_url"], "https://api.openai.com/v1"),
		BackendModel:    firstNonEmpty(os.Getenv("GENGATE_BACKEND_MODEL"), merged["backend_model"], "gpt-4o-mini"),
		CredentialsFile: firstNonEmpty(os.Getenv("GENGATE_CREDENTIALS_FILE"), merged["credentials_file"], filepath.Join(root, "config", "credentials.yaml")),
		DefaultRPM:      parseOptionalInt(firstNonEmpty(os.Getenv("GENGATE_DEFAULT_RPM"), merged["default_rpm"]), 3),
		DefaultRPD:      parseOptionalInt(firstNonEmpty(os.Getenv("GENGATE_DEFAULT_RPD"), merged["default_rpd"]), 500),
		WorkerPoolSize:  parseOptionalInt(firstNonEmpty(os.Getenv("GENGATE_WORKER_POOL"), merged["worker_pool"]), 16),
		MaxAttempts:     parseOptionalInt(firstNonEmpty(os.Getenv("GENGATE_MAX_ATTEMPTS"), merged["max_attempts"]), 3),
		BrokerKind:      strings.ToLower(firstNonEmpty(os.Getenv("GENGATE_BROKER"), merged["broker"], "memory")),
		BadgerDir:       firstNonEmpty(os.Getenv("GENGATE_BADGER_DIR"), merged["badger_dir"], filepath.Join(root, "data", "streams")),
		LedgerKind:      strings.ToLower(firstNonEmpty(os.Getenv("GENGATE_LEDGER"), merged["ledger"], "sqlite")),
		LedgerPath:      firstNonEmpty(os.Getenv("GENGATE_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		LedgerDSN:       firstNonEmpty(os.Getenv("GENGATE_LEDGER_DSN"), merged["ledger_dsn"]),
		LedgerAsync:     parseOptionalBool(firstNonEmpty(os.Getenv("GENGATE_LEDGER_ASYNC"), merged["ledger_async"]), true),
		LedgerMaxOpen:   parseOptionalInt(merged["ledger_max_open"], 10),
		LedgerMaxIdle:   parseOptionalInt(merged["ledger_max_idle"], 5),
		LogFile:         firstNonEmpty(os.Getenv("GENGATE_LOG_FILE"), merged["log_file"], "-"),
		LogMaxBytes:     int64(parseOptionalInt(merged["log_max_bytes"], 64<<20)),
	}

	durations := []struct {
		dst      *time.Duration
		env, key string
		fallback time.Duration
	}{
		{&cfg.RequestTimeout, "GENGATE_REQUEST_TIMEOUT", "request_timeout", 60 * time.Second},
		{&cfg.RateLimitPause, "GENGATE_RATE_LIMIT_PAUSE", "rate_limit_pause", 30 * time.Second},
		{&cfg.TransientPause, "GENGATE_TRANSIENT_PAUSE", "transient_pause", 5 * time.Second},
		{&cfg.BackoffCeiling, "GENGATE_BACKOFF_CEILING", "backoff_ceiling", 15 * time.Minute},
		{&cfg.Retention, "GENGATE_RETENTION", "retention", 2 * time.Minute},
		{&cfg.StreamTimeout, "GENGATE_STREAM_TIMEOUT", "stream_timeout", 5 * time.Minute},
		{&cfg.LedgerConnMaxLife, "", "ledger_conn_max_life", 30 * time.Minute},
	}
	for _, d := range durations {
		raw := merged[d.key]
		if d.env != "" {
			raw = firstNonEmpty(os.Getenv(d.env), raw)
		}
		if strings.TrimSpace(raw) == "" {
			*d.dst = d.fallback
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", d.key, raw, err)
		}
		*d.dst = parsed
	}

	switch cfg.BrokerKind {
	case "memory", "badger":
	default:
		return Config{}, fmt.Errorf("invalid broker %q (want memory or badger)", cfg.BrokerKind)
	}
	switch cfg.LedgerKind {
	case "sqlite", "postgres", "none":
	default:
		return Config{}, fmt.Errorf("invalid ledger %q (want sqlite, postgres or none)", cfg.LedgerKind)
	}
	if cfg.LedgerKind == "postgres" && cfg.LedgerDSN == "" {
		return Config{}, errors.New("ledger=postgres requires ledger_dsn")
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("GENGATE_ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".gengate", "ledger.db")
}
