package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the validation pipeline reads from the
// environment. Every knob has a default except the database, the
// gateway address, the X-Road identity and the credential source.
type Config struct {
	DatabaseURL string
	Port        string

	GatewayBaseURL   string
	XRoadInstance    string
	XRoadMemberClass string
	XRoadMemberCode  string
	XRoadSubsystem   string
	GatewayClientID  string

	// CredentialSecretID names an AWS Secrets Manager secret holding
	// the gateway API key. GatewayAPIKey is the local fallback.
	CredentialSecretID string
	GatewayAPIKey      string

	SRID             int
	EligibleStatuses []string
	MaxBatch         int
	Workers          int
	RunDeadline      time.Duration
	PollInterval     time.Duration
	PollBudget       time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	FailureCeiling   int
	AdminArea        string
	DiagDir          string
}

// Load reads the environment. A .env file in the working directory
// fills blanks first; real environment variables win.
func Load() Config {
	_ = godotenv.Load()
	return fromEnv()
}

// LoadFile is Load with an explicit env file. The file must exist.
func LoadFile(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", path, err)
		}
	} else {
		_ = godotenv.Load()
	}
	return fromEnv(), nil
}

func fromEnv() Config {
	return Config{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Port:        envDefault("PORT", "8084"),

		GatewayBaseURL:   strings.TrimSpace(os.Getenv("PVL_GATEWAY_BASE_URL")),
		XRoadInstance:    strings.TrimSpace(os.Getenv("PVL_XROAD_INSTANCE")),
		XRoadMemberClass: strings.TrimSpace(os.Getenv("PVL_XROAD_MEMBER_CLASS")),
		XRoadMemberCode:  strings.TrimSpace(os.Getenv("PVL_XROAD_MEMBER_CODE")),
		XRoadSubsystem:   strings.TrimSpace(os.Getenv("PVL_XROAD_SUBSYSTEM")),
		GatewayClientID:  strings.TrimSpace(os.Getenv("PVL_GATEWAY_CLIENT_ID")),

		CredentialSecretID: strings.TrimSpace(os.Getenv("PVL_CREDENTIAL_SECRET_ID")),
		GatewayAPIKey:      strings.TrimSpace(os.Getenv("PVL_GATEWAY_API_KEY")),

		SRID:             envIntDefault("PVL_SRID", 3067),
		EligibleStatuses: envCSVDefault("PVL_ELIGIBLE_STATUSES", []string{"APPROVED", "VALID"}),
		MaxBatch:         envIntDefault("PVL_MAX_BATCH", 50),
		Workers:          envIntDefault("PVL_WORKERS", 4),
		RunDeadline:      envDurationDefault("PVL_RUN_DEADLINE", 5*time.Minute),
		PollInterval:     envDurationDefault("PVL_POLL_INTERVAL", 10*time.Second),
		PollBudget:       envDurationDefault("PVL_POLL_BUDGET", 2*time.Minute),
		RetryMaxAttempts: envIntDefault("PVL_RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   envDurationDefault("PVL_RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:    envDurationDefault("PVL_RETRY_MAX_DELAY", 30*time.Second),
		FailureCeiling:   envIntDefault("PVL_FAILURE_CEILING", 5),
		AdminArea:        strings.TrimSpace(os.Getenv("PVL_ADMIN_AREA")),
		DiagDir:          strings.TrimSpace(os.Getenv("PVL_DIAG_DIR")),
	}
}

// Validate reports every missing required setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.GatewayBaseURL == "" {
		errs = append(errs, errors.New("PVL_GATEWAY_BASE_URL is required"))
	}
	if c.XRoadInstance == "" || c.XRoadMemberClass == "" || c.XRoadMemberCode == "" || c.XRoadSubsystem == "" {
		errs = append(errs, errors.New("PVL_XROAD_INSTANCE, PVL_XROAD_MEMBER_CLASS, PVL_XROAD_MEMBER_CODE and PVL_XROAD_SUBSYSTEM are required"))
	}
	if c.GatewayClientID == "" {
		errs = append(errs, errors.New("PVL_GATEWAY_CLIENT_ID is required"))
	}
	if c.CredentialSecretID == "" && c.GatewayAPIKey == "" {
		errs = append(errs, errors.New("either PVL_CREDENTIAL_SECRET_ID or PVL_GATEWAY_API_KEY is required"))
	}
	if c.AdminArea == "" {
		errs = append(errs, errors.New("PVL_ADMIN_AREA is required"))
	}
	return errors.Join(errs...)
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envDurationDefault(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envCSVDefault(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
