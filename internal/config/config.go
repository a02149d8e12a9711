// Package config reads server configuration from WORKSPACESYNC_*
// environment variables and the optional room policy file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rectangular-labs/workspacesync/internal/logging"
)

const envPrefix = "WORKSPACESYNC_"

const (
	ProfileCustom       = "custom"
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
)

const (
	SubmitterLog  = "log"
	SubmitterHTTP = "http"
	SubmitterNATS = "nats"
)

type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	Profile      string
	DataDir      string
	BlobStoreDSN string
	TaskQueueDSN string
	PolicyFile   string

	FlushInterval time.Duration
	IdleTimeout   time.Duration

	TaskQueueSize int
	Workers       int
	MaxAttempts   int
	RetryDelay    time.Duration
	SubmitTimeout time.Duration

	Submitter         string
	WorkflowURL       string
	WorkflowToken     string
	NATSURL           string
	NATSSubjectPrefix string

	JWTSecret          string
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
	MaxFrameBytes      int64
	PingInterval       time.Duration
	SendBuffer         int
	AllowedOrigins     []string

	MaxUpdateBytes  int
	FragmentTimeout time.Duration
	MaxBatchBytes   int
}

// Load reads the environment. Explicit DSNs win over the defaults of the
// selected backend profile.
func Load() (Config, error) {
	cfg := Config{
		Addr:      envOr("ADDR", ":8080"),
		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),

		Profile:      strings.ToLower(envOr("BACKEND_PROFILE", ProfileCustom)),
		DataDir:      envOr("DATA_DIR", ".workspacesync"),
		BlobStoreDSN: envOr("BLOB_STORE_DSN", ""),
		TaskQueueDSN: envOr("TASK_QUEUE_DSN", ""),
		PolicyFile:   envOr("POLICY_FILE", ""),

		FlushInterval: durationEnv("FLUSH_INTERVAL", 5*time.Second),
		IdleTimeout:   durationEnv("IDLE_TIMEOUT", 5*time.Minute),

		TaskQueueSize: intEnv("TASK_QUEUE_SIZE", 1024),
		Workers:       intEnv("TASK_WORKERS", 2),
		MaxAttempts:   intEnv("TASK_MAX_ATTEMPTS", 5),
		RetryDelay:    durationEnv("TASK_RETRY_DELAY", time.Second),
		SubmitTimeout: durationEnv("TASK_SUBMIT_TIMEOUT", 15*time.Second),

		Submitter:         strings.ToLower(envOr("SUBMITTER", SubmitterLog)),
		WorkflowURL:       envOr("WORKFLOW_URL", ""),
		WorkflowToken:     envOr("WORKFLOW_TOKEN", ""),
		NATSURL:           envOr("NATS_URL", ""),
		NATSSubjectPrefix: envOr("NATS_SUBJECT_PREFIX", "workspacesync.tasks"),

		JWTSecret:          envOr("JWT_SECRET", ""),
		RateLimitPerSecond: floatEnv("RATE_LIMIT_PER_SECOND", 0),
		RateLimitBurst:     intEnv("RATE_LIMIT_BURST", 0),
		MaxBodyBytes:       int64Env("MAX_BODY_BYTES", 1<<20),
		MaxFrameBytes:      int64Env("MAX_FRAME_BYTES", 4<<20),
		PingInterval:       durationEnv("PING_INTERVAL", 20*time.Second),
		SendBuffer:         intEnv("SEND_BUFFER", 256),
		AllowedOrigins:     listEnv("ALLOWED_ORIGINS"),

		MaxUpdateBytes:  intEnv("MAX_UPDATE_BYTES", 256<<10),
		FragmentTimeout: durationEnv("FRAGMENT_TIMEOUT", 30*time.Second),
		MaxBatchBytes:   intEnv("MAX_BATCH_BYTES", 64<<20),
	}
	if err := cfg.applyProfile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MountConfig configures the mount client. It shares the variable prefix
// with the server but none of its settings.
type MountConfig struct {
	BaseURL        string
	Token          string
	Room           string
	RemotePath     string
	LocalDir       string
	StateFile      string
	ContentKey     string
	Interval       time.Duration
	IntervalJitter float64
	Timeout        time.Duration
}

func LoadMount() MountConfig {
	return MountConfig{
		BaseURL:        envOr("MOUNT_URL", "http://127.0.0.1:8080"),
		Token:          envOr("MOUNT_TOKEN", ""),
		Room:           envOr("MOUNT_ROOM", ""),
		RemotePath:     envOr("MOUNT_REMOTE_PATH", "/"),
		LocalDir:       envOr("MOUNT_LOCAL_DIR", ""),
		StateFile:      envOr("MOUNT_STATE_FILE", ""),
		ContentKey:     envOr("MOUNT_CONTENT_KEY", ""),
		Interval:       durationEnv("MOUNT_INTERVAL", 2*time.Second),
		IntervalJitter: floatEnv("MOUNT_INTERVAL_JITTER", 0.2),
		Timeout:        durationEnv("MOUNT_TIMEOUT", 15*time.Second),
	}
}

func (c *Config) applyProfile() error {
	var blobDSN, queueDSN string
	switch c.Profile {
	case "", ProfileCustom:
		c.Profile = ProfileCustom
		return nil
	case ProfileMemory, "inmemory":
		c.Profile = ProfileMemory
		blobDSN, queueDSN = "memory://", "memory://"
	case ProfileDurableLocal, "local":
		c.Profile = ProfileDurableLocal
		blobDSN = "file://" + filepath.Join(c.DataDir, "rooms")
		queueDSN = "file://" + filepath.Join(c.DataDir, "tasks.json")
	case ProfileProduction, "prod":
		c.Profile = ProfileProduction
		production := envOr("PRODUCTION_DSN", envOr("POSTGRES_DSN", ""))
		if production == "" && (c.BlobStoreDSN == "" || c.TaskQueueDSN == "") {
			return fmt.Errorf("%sPRODUCTION_DSN or %sPOSTGRES_DSN is required when %sBACKEND_PROFILE=%s", envPrefix, envPrefix, envPrefix, c.Profile)
		}
		blobDSN, queueDSN = production, production
	default:
		return fmt.Errorf("unsupported %sBACKEND_PROFILE=%q", envPrefix, c.Profile)
	}
	if c.BlobStoreDSN == "" {
		c.BlobStoreDSN = blobDSN
	}
	if c.TaskQueueDSN == "" {
		c.TaskQueueDSN = queueDSN
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Submitter {
	case SubmitterLog:
	case SubmitterHTTP:
		if c.WorkflowURL == "" {
			return fmt.Errorf("%sWORKFLOW_URL is required for the http submitter", envPrefix)
		}
	case SubmitterNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("%sNATS_URL is required for the nats submitter", envPrefix)
		}
	default:
		return fmt.Errorf("unsupported %sSUBMITTER=%q", envPrefix, c.Submitter)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("unsupported %sLOG_FORMAT=%q", envPrefix, c.LogFormat)
	}
	if c.Profile == ProfileProduction && c.JWTSecret == "" {
		return fmt.Errorf("%sJWT_SECRET is required when %sBACKEND_PROFILE=%s", envPrefix, envPrefix, c.Profile)
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + name)); v != "" {
		return v
	}
	return fallback
}

func listEnv(name string) []string {
	raw := envOr(name, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := envOr(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		invalid(name, raw, strconv.Itoa(fallback))
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := envOr(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		invalid(name, raw, strconv.FormatInt(fallback, 10))
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := envOr(name, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		invalid(name, raw, strconv.FormatFloat(fallback, 'g', -1, 64))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := envOr(name, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		invalid(name, raw, fallback.String())
		return fallback
	}
	return value
}

func invalid(name, raw, fallback string) {
	logging.Warn("invalid environment value, using fallback",
		logging.String("name", envPrefix+name),
		logging.String("value", raw),
		logging.String("fallback", fallback),
	)
}
