package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StoreScope is one commerce store taking part in order synchronization.
// CatalogIDs are the marketplace catalog ids mapped to this store.
type StoreScope struct {
	ID         int
	Name       string
	CatalogIDs []int
	Active     bool
}

// Config carries everything the sync engine reads from the environment.
type Config struct {
	AccountID   int
	AccessToken string
	SecretToken string
	APIBaseURL  string

	Stores []StoreScope

	// ImportDays is the default lookback window, capped at 10 days.
	ImportDays int
	// LockTTL is the lifetime of the persisted import lock.
	LockTTL time.Duration
	// PreprodMode bypasses the import lock and order linkage push-back.
	PreprodMode bool
	// CurrencyConversion disables the no_currency_conversion API flag.
	CurrencyConversion bool

	// MarketplaceCacheFile is where the marketplaces JSON document lives.
	MarketplaceCacheFile string
	MarketplaceCacheTTL  time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	HTTPPort string
	// ToolboxUser / ToolboxPasswordHash guard the toolbox endpoints.
	// The hash is a bcrypt hash of the password.
	ToolboxUser         string
	ToolboxPasswordHash string
}

func loadEnv() {
	exePath, err := os.Getwd()
	if err != nil {
		log.Fatal("Error getting working directory:", err)
	}

	possiblePaths := []string{
		filepath.Join(exePath, ".env"),
		filepath.Join(exePath, "..", ".env"),
		filepath.Join(exePath, "..", "..", ".env"),
	}

	for _, envPath := range possiblePaths {
		if err := godotenv.Load(envPath); err == nil {
			log.Printf("Loaded environment variables from %s", envPath)
			return
		}
	}
}

// FromEnv reads the configuration from the environment, probing for a .env
// file next to the binary first.
func FromEnv() (*Config, error) {
	loadEnv()

	accountID, _ := strconv.Atoi(os.Getenv("LENGOW_ACCOUNT_ID"))
	cfg := &Config{
		AccountID:   accountID,
		AccessToken: os.Getenv("LENGOW_ACCESS_TOKEN"),
		SecretToken: os.Getenv("LENGOW_SECRET_TOKEN"),
		APIBaseURL:  getEnv("LENGOW_API_URL", "https://api.lengow.io"),

		ImportDays:         getEnvInt("SYNC_IMPORT_DAYS", 3),
		LockTTL:            getEnvDuration("SYNC_LOCK_TTL", 5*time.Minute),
		PreprodMode:        getEnvBool("SYNC_PREPROD_MODE"),
		CurrencyConversion: getEnvBool("SYNC_CURRENCY_CONVERSION"),

		MarketplaceCacheFile: getEnv("MARKETPLACE_CACHE_FILE", "marketplaces.json"),
		MarketplaceCacheTTL:  getEnvDuration("MARKETPLACE_CACHE_TTL", 12*time.Hour),

		KafkaTopic: getEnv("KAFKA_TOPIC", "order_events"),

		HTTPPort:            getEnv("HTTP_PORT", "9000"),
		ToolboxUser:         os.Getenv("TOOLBOX_USER"),
		ToolboxPasswordHash: os.Getenv("TOOLBOX_PASSWORD_HASH"),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	stores, err := parseStores(os.Getenv("SYNC_STORES"))
	if err != nil {
		return nil, err
	}
	cfg.Stores = stores

	if cfg.AccountID == 0 || cfg.AccessToken == "" || cfg.SecretToken == "" {
		return nil, fmt.Errorf("config: account ID, access token or secret token missing")
	}
	return cfg, nil
}

// parseStores decodes "1:main:101,102;2:outlet:103" into store scopes.
func parseStores(raw string) ([]StoreScope, error) {
	if raw == "" {
		return nil, nil
	}
	var stores []StoreScope
	for _, part := range strings.Split(raw, ";") {
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("config: invalid store scope %q", part)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("config: invalid store id %q", fields[0])
		}
		scope := StoreScope{ID: id, Name: fields[1], Active: true}
		for _, c := range strings.Split(fields[2], ",") {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			catalogID, err := strconv.Atoi(c)
			if err != nil {
				return nil, fmt.Errorf("config: invalid catalog id %q for store %d", c, id)
			}
			scope.CatalogIDs = append(scope.CatalogIDs, catalogID)
		}
		stores = append(stores, scope)
	}
	return stores, nil
}

// GenerateDSN builds the postgres connection string from the environment.
func GenerateDSN() string {
	host := os.Getenv("DB_HOST")
	port, _ := strconv.Atoi(os.Getenv("DB_PORT"))
	user := os.Getenv("POSTGRES_USER")
	password := os.Getenv("POSTGRES_PASSWORD")
	dbname := os.Getenv("POSTGRES_DB")

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable", host, port, user, password, dbname)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
