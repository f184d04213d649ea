package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Prajjwal74/expense-tracker/internal/retry"
)

type Config struct {
	// Root of the tracker checkout; every relative path below resolves against it.
	Dir string

	// Database and backups
	DBName     string
	DataDir    string
	BackupDir  string
	CountTable string

	// Web UI
	AppCommand     []string
	AppPort        int
	AppURL         string
	AppOpenBrowser bool
	ReadyAttempts  int
	ReadyInterval  time.Duration

	Ollama OllamaConfig

	// Bootstrap
	VenvDir          string
	Python           string
	RequirementsFile string
	EnvFile          string
	EnvTemplate      string

	// Daily job
	IngestCommand []string
	DailyLog      string

	Git GitConfig

	// Off-site copies of each snapshot (e.g. "azure"). Empty disables mirroring.
	MirrorProviders []string
	MirrorPrefix    string
	Azure           AzureConfig

	ProbeTimeout time.Duration

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

type OllamaConfig struct {
	URL            string
	Binary         string
	StartCommand   []string
	InstallCommand string // shell snippet, run with sh -c
	Model          string
	Settle         time.Duration
}

type GitConfig struct {
	Remote string
	Branch string
	Push   bool
}

type AzureConfig struct {
	Account   string
	Container string
	SASToken  string
	Endpoint  string // defaults to https://<account>.blob.core.windows.net/

	ClientID     string
	ClientSecret string
	TenantID     string
}

// Load reads config from environment variables, applies defaults and validates.
// Callers load .env (godotenv) beforehand so file values land in the environment.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return v
		}
		return def
	}
	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}
	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		return def
	}
	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}
	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}
	parseList := func(key string) []string {
		var out []string
		for _, part := range strings.Split(get(key, ""), ",") {
			if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	dir, err := filepath.Abs(get("TRACKER_DIR", "."))
	if err != nil {
		return Config{}, fmt.Errorf("resolve TRACKER_DIR: %w", err)
	}

	port := parseInt("APP_PORT", 8501)

	cfg := Config{
		Dir:        dir,
		DBName:     get("DB_NAME", "expense_tracker"),
		DataDir:    get("DATA_DIR", "data"),
		BackupDir:  get("BACKUP_DIR", "backups"),
		CountTable: get("COUNT_TABLE", "transactions"),

		AppCommand: strings.Fields(get("APP_COMMAND",
			fmt.Sprintf("venv/bin/streamlit run app.py --server.port %d --server.headless true", port))),
		AppPort:        port,
		AppURL:         get("APP_URL", fmt.Sprintf("http://localhost:%d", port)),
		AppOpenBrowser: parseBool("APP_OPEN_BROWSER", true),
		ReadyAttempts:  parseInt("READY_ATTEMPTS", 20),
		ReadyInterval:  parseDur("READY_INTERVAL", time.Second),

		Ollama: OllamaConfig{
			URL:            get("OLLAMA_URL", "http://localhost:11434"),
			Binary:         get("OLLAMA_BINARY", "ollama"),
			StartCommand:   strings.Fields(get("OLLAMA_START_COMMAND", "ollama serve")),
			InstallCommand: get("OLLAMA_INSTALL_COMMAND", "curl -fsSL https://ollama.com/install.sh | sh"),
			Model:          get("OLLAMA_MODEL", "llama3.2"),
			Settle:         parseDur("OLLAMA_SETTLE", 3*time.Second),
		},

		VenvDir:          get("VENV_DIR", "venv"),
		Python:           get("PYTHON", "python3"),
		RequirementsFile: get("REQUIREMENTS_FILE", "requirements.txt"),
		EnvFile:          get("ENV_FILE", ".env"),
		EnvTemplate:      get("ENV_TEMPLATE", ".env.example"),

		IngestCommand: strings.Fields(get("INGEST_COMMAND", "venv/bin/python fetch_daily.py")),
		DailyLog:      get("DAILY_LOG", "logs/daily.log"),

		Git: GitConfig{
			Remote: get("GIT_REMOTE", "origin"),
			Branch: get("GIT_BRANCH", "main"),
			Push:   parseBool("GIT_PUSH", true),
		},

		MirrorProviders: parseList("MIRROR_PROVIDERS"),
		MirrorPrefix:    strings.Trim(get("MIRROR_PREFIX", "expense-tracker/backups"), "/"),
		Azure: AzureConfig{
			Account:      get("AZURE_STORAGE_ACCOUNT", ""),
			Container:    get("AZURE_STORAGE_CONTAINER", ""),
			SASToken:     get("AZURE_STORAGE_SAS", ""),
			Endpoint:     get("AZURE_BLOB_ENDPOINT", ""),
			ClientID:     get("AZURE_CLIENT_ID", ""),
			ClientSecret: get("AZURE_CLIENT_SECRET", ""),
			TenantID:     get("AZURE_TENANT_ID", ""),
		},

		ProbeTimeout: parseDur("PROBE_TIMEOUT", 2*time.Second),

		RetryMaxAttempts:  parseInt("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay: parseDur("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     parseDur("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("RETRY_JITTER", retry.Default.Jitter),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks required values and mirror-specific requirements.
func (c *Config) validate() error {
	if strings.TrimSpace(c.DBName) == "" {
		return errors.New("DB_NAME must not be empty")
	}
	if strings.ContainsAny(c.DBName, `/\`) {
		return errors.New("DB_NAME must be a bare name, not a path")
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return fmt.Errorf("APP_PORT out of range: %d", c.AppPort)
	}
	if len(c.AppCommand) == 0 {
		return errors.New("APP_COMMAND must not be empty")
	}
	if c.ReadyAttempts == 0 {
		return errors.New("READY_ATTEMPTS must be at least 1")
	}
	for _, p := range c.MirrorProviders {
		switch p {
		case "azure":
			if c.Azure.Account == "" || c.Azure.Container == "" {
				return errors.New("azure: AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_CONTAINER are required")
			}
			// Accept SAS or SP (ClientID/Secret/Tenant). If neither, we still allow for MSI in provider impl.
		default:
			return errors.New("unsupported mirror provider: " + p)
		}
	}
	return nil
}

// Path resolves p against the tracker directory unless it is already absolute.
func (c Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// DBPath is the live database file, data/<name>.db by default.
func (c Config) DBPath() string {
	return filepath.Join(c.Path(c.DataDir), c.DBName+".db")
}

// BackupPath is the directory holding snapshots and the latest pointer.
func (c Config) BackupPath() string {
	return c.Path(c.BackupDir)
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}

// ReadyOptions are the fixed-spacing options for web UI readiness polling.
func (c Config) ReadyOptions() retry.Options {
	return retry.Fixed(c.ReadyAttempts, c.ReadyInterval)
}
