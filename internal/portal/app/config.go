package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseFile   string // Optional: path to SQLite database file (default: ./portal.db)
	PolicyFile     string // Optional: path to ABAC policy JSON (default: ./abac_policy.json)
	MasterKeyPath  string // Optional: path to vault master key file (default: ./master.key)
	SigningKeyPath string // Optional: path to RSA record-signing key PEM (default: ./signing.pem)

	// WebAuthn relying party settings.
	RPID         string        // Relying party ID, usually the bare domain (default: localhost)
	RPName       string        // Human-readable relying party name (default: CareBridge)
	RPOrigins    []string      // Comma-separated list of allowed front-end origins
	ChallengeTTL time.Duration // Ceremony challenge lifetime (default: 2m)

	SignatureMode string // Record signature handling: enforce or advisory (default: enforce)
	MFAIssuer     string // Issuer label in authenticator apps (default: CareBridge)

	MaxFailedLogins int           // Failed logins before lockout (default: 5)
	LockoutDuration time.Duration // Lockout cooldown (default: 15m)
	LoginBurst      int           // Per-user login attempt burst (default: 5)
	KDFConcurrency  int           // Max concurrent PBKDF2 derivations (default: 4)

	SeedDemoUsers bool   // Seed the demo accounts into an empty database (default: true in dev)
	DemoPassword  string // Password for seeded demo accounts

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

func LoadConfig() Config {
	// A missing .env file is fine; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	cfg := Config{
		DatabaseFile:   getEnvOrDefault("PORTAL_DATABASE_FILE", "portal.db"),
		PolicyFile:     getEnvOrDefault("PORTAL_POLICY_FILE", "abac_policy.json"),
		MasterKeyPath:  getEnvOrDefault("PORTAL_MASTER_KEY_PATH", "master.key"),
		SigningKeyPath: getEnvOrDefault("PORTAL_SIGNING_KEY_PATH", "signing.pem"),

		RPID:         getEnvOrDefault("PORTAL_RP_ID", "localhost"),
		RPName:       getEnvOrDefault("PORTAL_RP_NAME", "CareBridge"),
		ChallengeTTL: getEnvDurationOrDefault("PORTAL_CHALLENGE_TTL", 2*time.Minute),

		SignatureMode: getEnvOrDefault("SIGNATURE_MODE", "enforce"),
		MFAIssuer:     getEnvOrDefault("PORTAL_MFA_ISSUER", "CareBridge"),

		MaxFailedLogins: getEnvIntOrDefault("PORTAL_MAX_FAILED_LOGINS", 5),
		LockoutDuration: getEnvDurationOrDefault("PORTAL_LOCKOUT_DURATION", 15*time.Minute),
		LoginBurst:      getEnvIntOrDefault("PORTAL_LOGIN_BURST", 5),
		KDFConcurrency:  getEnvIntOrDefault("PORTAL_KDF_CONCURRENCY", 4),

		DemoPassword: getEnvOrDefault("PORTAL_DEMO_PASSWORD", "Demo!Pass123"),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}

	origins := getEnvOrDefault("PORTAL_RP_ORIGINS", "http://localhost:8080")
	for _, origin := range strings.Split(origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.RPOrigins = append(cfg.RPOrigins, origin)
		}
	}

	// Demo accounts default on outside prod.
	cfg.SeedDemoUsers = getEnvBoolOrDefault("PORTAL_SEED_DEMO_USERS", cfg.Env != "prod")

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(value); err == nil {
		return d
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}

	return defaultValue
}
