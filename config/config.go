/*
Package config loads the server configuration.

PURPOSE:
  Every setting has a command-line flag; the flag's default comes from an
  environment variable when one is set, then from a built-in value. So
  `SETTLEMENT_PORT=9000 ./server` and `./server -port=9000` are equivalent,
  and an explicit flag always wins.

GATEWAY SELECTION:
  With TRIPAY_API_KEY, TRIPAY_PRIVATE_KEY and TRIPAY_MERCHANT_CODE all set
  the server talks to Tripay. Otherwise it runs the in-process simulator,
  which signs its callbacks with the simulator private key below.

SEE ALSO:
  - cmd/server/main.go: Wiring
*/
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SimulatorPrivateKey signs callbacks when no Tripay credentials are set.
const SimulatorPrivateKey = "simulator-private-key"

type Config struct {
	Port   int
	DBPath string

	LogLevel    string
	Development bool

	TripayBaseURL      string
	TripayAPIKey       string
	TripayPrivateKey   string
	TripayMerchantCode string
	GatewayTimeout     time.Duration
	TransactionTTL     time.Duration

	CallbackURL string
	ReturnURL   string

	MinNominal    decimal.Decimal
	SweepInterval time.Duration
	SweepGrace    time.Duration
	SweepGiveUp   time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	ChannelsFile string
}

// UseSimulator reports whether no Tripay credentials were given.
func (c Config) UseSimulator() bool {
	return c.TripayAPIKey == "" || c.TripayPrivateKey == "" || c.TripayMerchantCode == ""
}

// CallbackKey is the key webhook signatures are checked against.
func (c Config) CallbackKey() string {
	if c.UseSimulator() {
		return SimulatorPrivateKey
	}
	return c.TripayPrivateKey
}

// Load parses args (without the program name).
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("settlement-engine", flag.ContinueOnError)

	var (
		c          Config
		minNominal string
		brokers    string
	)

	fs.IntVar(&c.Port, "port", getEnvInt("SETTLEMENT_PORT", 8080), "HTTP server port")
	fs.StringVar(&c.DBPath, "db", getEnv("SETTLEMENT_DB", "settlement.db"), `SQLite database path (":memory:" for in-memory)`)

	fs.StringVar(&c.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.BoolVar(&c.Development, "dev", getEnvBool("SETTLEMENT_DEV", false), "human-readable logs")

	fs.StringVar(&c.TripayBaseURL, "tripay-url", getEnv("TRIPAY_BASE_URL", "https://tripay.co.id/api-sandbox"), "Tripay API base URL")
	fs.StringVar(&c.TripayAPIKey, "tripay-api-key", getEnv("TRIPAY_API_KEY", ""), "Tripay API key")
	fs.StringVar(&c.TripayPrivateKey, "tripay-private-key", getEnv("TRIPAY_PRIVATE_KEY", ""), "Tripay private key")
	fs.StringVar(&c.TripayMerchantCode, "tripay-merchant", getEnv("TRIPAY_MERCHANT_CODE", ""), "Tripay merchant code")
	fs.DurationVar(&c.GatewayTimeout, "gateway-timeout", getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second), "timeout of one gateway call")
	fs.DurationVar(&c.TransactionTTL, "transaction-ttl", getEnvDuration("TRANSACTION_TTL", 24*time.Hour), "how long a gateway payment stays payable")

	fs.StringVar(&c.CallbackURL, "callback-url", getEnv("CALLBACK_URL", "http://localhost:8080/api/gateway/callback"), "URL the gateway posts callbacks to")
	fs.StringVar(&c.ReturnURL, "return-url", getEnv("RETURN_URL", ""), "URL the customer returns to after checkout")

	fs.StringVar(&minNominal, "min-nominal", getEnv("MIN_NOMINAL", "10000"), "smallest top-up or withdrawal")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", getEnvDuration("SWEEP_INTERVAL", time.Minute), "how often stale payments are polled")
	fs.DurationVar(&c.SweepGrace, "sweep-grace", getEnvDuration("SWEEP_GRACE", 2*time.Minute), "minimum payment age before polling")
	fs.DurationVar(&c.SweepGiveUp, "sweep-give-up", getEnvDuration("SWEEP_GIVE_UP", 24*time.Hour), "time past the deadline before an unpollable payment is parked")

	fs.StringVar(&c.RedisAddr, "redis", getEnv("REDIS_ADDR", ""), "Redis address for the distributed customer lock (empty: in-process lock)")
	fs.StringVar(&c.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")

	fs.StringVar(&brokers, "kafka-brokers", getEnv("KAFKA_BROKERS", ""), "comma-separated Kafka brokers (empty: events are logged)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", getEnv("KAFKA_TOPIC", "settlement-events"), "Kafka topic for settlement events")

	fs.StringVar(&c.ChannelsFile, "channels", getEnv("CHANNELS_FILE", ""), "payment channel JSON to seed the catalog with")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var err error
	c.MinNominal, err = decimal.NewFromString(minNominal)
	if err != nil || !c.MinNominal.IsPositive() {
		return Config{}, fmt.Errorf("min-nominal: invalid amount %q", minNominal)
	}
	c.KafkaBrokers = splitList(brokers)

	if c.Port <= 0 || c.Port > 65535 {
		return Config{}, fmt.Errorf("port: out of range: %d", c.Port)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("log-level: unknown level %q", c.LogLevel)
	}
	return c, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return n
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return b
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
