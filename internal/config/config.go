// Package config loads the checkout service configuration.
//
// Values are layered: Default, then a .env file in the working directory,
// then environment variables, then the YAML file named by
// CHECKOUT_CONFIG_FILE. Every backend endpoint the service talks to comes
// from here; nothing is hard-coded in the stores or adapters.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/nursery-checkout/internal/gateway"
	"github.com/yourorg/nursery-checkout/internal/planbuilder"
	"github.com/yourorg/nursery-checkout/internal/policy"
	"github.com/yourorg/nursery-checkout/internal/router/circuitbreaker"
)

// ErrInvalidConfig is wrapped by every Validate and parse failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreHTTP     = "http"
)

// Config is the full service configuration.
type Config struct {
	HTTP           HTTPConfig                     `yaml:"http"`
	Auth           AuthConfig                     `yaml:"auth"`
	Store          StoreConfig                    `yaml:"store"`
	Payment        PaymentConfig                  `yaml:"payment"`
	MockGateways   bool                           `yaml:"mock_gateways"`
	Gateways       map[gateway.Kind]GatewayConfig `yaml:"gateways"`
	Rates          map[string]string              `yaml:"rates"`
	Limits         map[string]LimitConfig         `yaml:"limits"`
	Policy         []policy.PolicyRule            `yaml:"policy"`
	CircuitBreaker CircuitBreakerConfig           `yaml:"circuit_breaker"`
	Log            LogConfig                      `yaml:"log"`
	Tracing        TracingConfig                  `yaml:"tracing"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig verifies the buyer bearer tokens issued by the shop's auth
// service (HS256).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// StoreConfig selects the order store. RedisURL, when set, puts the
// idempotency dedup layer in front of it so several service instances share
// one order per checkout session.
type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	DatabaseURL   string        `yaml:"database_url"`
	OrderAPIURL   string        `yaml:"order_api_url"`
	OrderAPIToken string        `yaml:"order_api_token"`
	RedisURL      string        `yaml:"redis_url"`
	DedupPrefix   string        `yaml:"dedup_prefix"`
	DedupTTL      time.Duration `yaml:"dedup_ttl"`
}

// PaymentConfig holds per-attempt settings. The URL templates accept the
// {session} and {gateway} placeholders. SessionRetention is how long an idle
// checkout session stays in memory.
type PaymentConfig struct {
	OrderCurrency    string        `yaml:"order_currency"`
	Timeout          time.Duration `yaml:"timeout"`
	SessionRetention time.Duration `yaml:"session_retention"`
	ReturnURL        string        `yaml:"return_url"`
	CancelURL        string        `yaml:"cancel_url"`
	NotifyURL        string        `yaml:"notify_url"`
}

// GatewayConfig is the endpoint and credentials of one gateway. Not every
// gateway uses every field: the wallet takes ClientID/Secret, the card
// element takes Secret as its API key, the local gateways take
// MerchantID/Secret.
type GatewayConfig struct {
	BaseURL    string `yaml:"base_url"`
	ClientID   string `yaml:"client_id"`
	MerchantID string `yaml:"merchant_id"`
	Secret     string `yaml:"secret"`
	Currency   string `yaml:"currency"`
}

// LimitConfig bounds one charge; amounts are decimal strings.
type LimitConfig struct {
	Min string `yaml:"min"`
	Max string `yaml:"max"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration of a local development instance.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:      StoreMemory,
			DedupPrefix: "checkout:order",
			DedupTTL:    24 * time.Hour,
		},
		Payment: PaymentConfig{
			OrderCurrency:    "MDL",
			Timeout:          15 * time.Minute,
			SessionRetention: 2 * time.Hour,
			ReturnURL:        "http://localhost:3000/checkout/{session}/return",
			CancelURL:        "http://localhost:3000/checkout/{session}",
			NotifyURL:        "http://localhost:8080/webhooks/{gateway}",
		},
		Gateways: map[gateway.Kind]GatewayConfig{
			gateway.WalletRedirect:    {Currency: "USD"},
			gateway.LocalGatewayA:     {Currency: "MDL"},
			gateway.LocalGatewayB:     {Currency: "MDL"},
			gateway.HostedCardElement: {Currency: "EUR"},
		},
		Rates: map[string]string{
			"MDL:EUR": "0.0509",
			"MDL:USD": "0.0556",
		},
		Limits: map[string]LimitConfig{},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{
			ServiceName: "nursery-checkout",
		},
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if path := os.Getenv("CHECKOUT_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays environment variables onto c.
func (c *Config) LoadFromEnv() error {
	setString(&c.HTTP.Addr, "CHECKOUT_HTTP_ADDR")
	if err := setDuration(&c.HTTP.ReadTimeout, "CHECKOUT_HTTP_READ_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.HTTP.WriteTimeout, "CHECKOUT_HTTP_WRITE_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.HTTP.ShutdownTimeout, "CHECKOUT_HTTP_SHUTDOWN_TIMEOUT"); err != nil {
		return err
	}

	setString(&c.Auth.JWTSecret, "CHECKOUT_JWT_SECRET")
	setString(&c.Auth.Issuer, "CHECKOUT_JWT_ISSUER")

	setString(&c.Store.Driver, "CHECKOUT_STORE_DRIVER")
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.OrderAPIURL, "CHECKOUT_ORDER_API_URL")
	setString(&c.Store.OrderAPIToken, "CHECKOUT_ORDER_API_TOKEN")
	setString(&c.Store.RedisURL, "REDIS_URL")
	setString(&c.Store.RedisURL, "CHECKOUT_REDIS_URL")
	if err := setDuration(&c.Store.DedupTTL, "CHECKOUT_DEDUP_TTL"); err != nil {
		return err
	}

	setString(&c.Payment.OrderCurrency, "CHECKOUT_ORDER_CURRENCY")
	if err := setDuration(&c.Payment.Timeout, "CHECKOUT_PAYMENT_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Payment.SessionRetention, "CHECKOUT_SESSION_RETENTION"); err != nil {
		return err
	}
	setString(&c.Payment.ReturnURL, "CHECKOUT_RETURN_URL")
	setString(&c.Payment.CancelURL, "CHECKOUT_CANCEL_URL")
	setString(&c.Payment.NotifyURL, "CHECKOUT_NOTIFY_URL")

	if v := os.Getenv("CHECKOUT_MOCK_GATEWAYS"); v != "" {
		c.MockGateways = parseBool(v)
	}
	c.gatewayFromEnv(gateway.WalletRedirect, "PAYPAL")
	c.gatewayFromEnv(gateway.HostedCardElement, "STRIPE")
	c.gatewayFromEnv(gateway.LocalGatewayA, "LOCALPAY_A")
	c.gatewayFromEnv(gateway.LocalGatewayB, "LOCALPAY_B")
	if v := os.Getenv("CHECKOUT_RATES"); v != "" {
		rates, err := parseRates(v)
		if err != nil {
			return err
		}
		c.Rates = rates
	}

	if v := os.Getenv("CHECKOUT_BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CHECKOUT_BREAKER_THRESHOLD=%q", ErrInvalidConfig, v)
		}
		c.CircuitBreaker.FailureThreshold = n
	}
	if err := setDuration(&c.CircuitBreaker.ResetTimeout, "CHECKOUT_BREAKER_RESET_TIMEOUT"); err != nil {
		return err
	}

	setString(&c.Log.Level, "CHECKOUT_LOG_LEVEL")
	setString(&c.Log.Format, "CHECKOUT_LOG_FORMAT")
	if v := os.Getenv("CHECKOUT_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = parseBool(v)
	}
	setString(&c.Tracing.ServiceName, "OTEL_SERVICE_NAME")
	return nil
}

// gatewayFromEnv reads <PREFIX>_BASE_URL, _CLIENT_ID, _MERCHANT_ID, _SECRET
// (or _API_KEY) and _CURRENCY.
func (c *Config) gatewayFromEnv(kind gateway.Kind, prefix string) {
	if c.Gateways == nil {
		c.Gateways = make(map[gateway.Kind]GatewayConfig)
	}
	g := c.Gateways[kind]
	setString(&g.BaseURL, prefix+"_BASE_URL")
	setString(&g.ClientID, prefix+"_CLIENT_ID")
	setString(&g.MerchantID, prefix+"_MERCHANT_ID")
	setString(&g.Secret, prefix+"_API_KEY")
	setString(&g.Secret, prefix+"_SECRET")
	setString(&g.Secret, prefix+"_CLIENT_SECRET")
	setString(&g.Currency, prefix+"_CURRENCY")
	c.Gateways[kind] = g
}

// LoadFromFile overlays a YAML file onto c. Keys absent from the file keep
// their current values.
func (c *Config) LoadFromFile(path string) error {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("%w: unsupported config file extension %q", ErrInvalidConfig, ext)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", clean, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, clean, err)
	}
	return nil
}

// Validate reports every incoherent setting at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		add("http.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		add("auth.jwt_secret is required")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	case StoreHTTP:
		if c.Store.OrderAPIURL == "" {
			add("store.order_api_url is required for the http driver")
		}
	default:
		add("store.driver %q is not one of memory, postgres, http", c.Store.Driver)
	}

	if len(c.Payment.OrderCurrency) != 3 {
		add("payment.order_currency %q is not an ISO currency code", c.Payment.OrderCurrency)
	}
	if c.Payment.Timeout <= 0 {
		add("payment.timeout must be positive")
	}
	if c.Payment.SessionRetention <= c.Payment.Timeout {
		add("payment.session_retention %s must exceed payment.timeout %s", c.Payment.SessionRetention, c.Payment.Timeout)
	}
	if c.Payment.NotifyURL == "" {
		add("payment.notify_url is required")
	}

	rates, err := c.RateTable()
	if err != nil {
		add("%v", err)
	}
	for kind, g := range c.Gateways {
		if _, err := gateway.ParseKind(string(kind)); err != nil {
			add("gateways: %v", err)
			continue
		}
		if g.Currency != "" && len(g.Currency) != 3 {
			add("gateways.%s.currency %q is not an ISO currency code", kind, g.Currency)
		}
		if g.Currency != "" && rates != nil {
			if _, err := rates.Rate(c.Payment.OrderCurrency, g.Currency); err != nil {
				add("gateways.%s: %v", kind, err)
			}
		}
		if !c.MockGateways {
			for _, missing := range g.missingCredentials(kind) {
				add("gateways.%s.%s is required", kind, missing)
			}
		}
	}
	if _, err := c.LimitTable(); err != nil {
		add("%v", err)
	}
	if _, err := policy.NewPaymentPolicyEnforcer(c.PolicyRules()); err != nil {
		add("policy: %v", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level %q is invalid", c.Log.Level)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (g GatewayConfig) missingCredentials(kind gateway.Kind) []string {
	var missing []string
	switch kind {
	case gateway.WalletRedirect:
		if g.ClientID == "" {
			missing = append(missing, "client_id")
		}
		if g.Secret == "" {
			missing = append(missing, "secret")
		}
	case gateway.HostedCardElement:
		if g.Secret == "" {
			missing = append(missing, "secret")
		}
	case gateway.LocalGatewayA, gateway.LocalGatewayB:
		if g.BaseURL == "" {
			missing = append(missing, "base_url")
		}
		if g.MerchantID == "" {
			missing = append(missing, "merchant_id")
		}
		if g.Secret == "" {
			missing = append(missing, "secret")
		}
	}
	return missing
}

// Currencies maps each configured gateway to its charge currency.
func (c *Config) Currencies() map[gateway.Kind]string {
	out := make(map[gateway.Kind]string, len(c.Gateways))
	for kind, g := range c.Gateways {
		if g.Currency != "" {
			out[kind] = strings.ToUpper(g.Currency)
		}
	}
	return out
}

// RateTable parses the configured exchange rates.
func (c *Config) RateTable() (planbuilder.StaticRates, error) {
	table := make(planbuilder.StaticRates, len(c.Rates))
	for pair, raw := range c.Rates {
		from, to, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(pair)), ":")
		if !ok || len(from) != 3 || len(to) != 3 {
			return nil, fmt.Errorf("%w: rate pair %q must look like MDL:EUR", ErrInvalidConfig, pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("%w: rate %s=%q must be a positive decimal", ErrInvalidConfig, pair, raw)
		}
		table[from+":"+to] = rate
	}
	return table, nil
}

// LimitTable parses the per-gateway charge bounds.
func (c *Config) LimitTable() (planbuilder.Limits, error) {
	limits := make(planbuilder.Limits, len(c.Limits))
	for key, l := range c.Limits {
		var limit planbuilder.Limit
		for _, f := range []struct {
			raw string
			dst *decimal.Decimal
		}{{l.Min, &limit.Min}, {l.Max, &limit.Max}} {
			if f.raw == "" {
				continue
			}
			d, err := decimal.NewFromString(f.raw)
			if err != nil || d.IsNegative() {
				return nil, fmt.Errorf("%w: limit %s has invalid amount %q", ErrInvalidConfig, key, f.raw)
			}
			*f.dst = d
		}
		kind, cur, ok := strings.Cut(key, ":")
		if !ok {
			return nil, fmt.Errorf("%w: limit key %q must look like gateway:CUR", ErrInvalidConfig, key)
		}
		limits[planbuilder.Key(gateway.Kind(kind), cur)] = limit
	}
	return limits, nil
}

// PolicyRules returns the configured failure rules, or the stock rules when
// none are configured.
func (c *Config) PolicyRules() []policy.PolicyRule {
	if len(c.Policy) == 0 {
		return policy.DefaultRules()
	}
	return c.Policy
}

// Breaker returns the circuit breaker settings.
func (c *Config) Breaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		ResetTimeout:     c.CircuitBreaker.ResetTimeout,
	}
}

// NewLogger builds the process logger.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Log.Level)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, key, v)
	}
	*dst = d
	return nil
}

// parseRates reads "MDL:EUR=0.0509,MDL:USD=0.0556".
func parseRates(s string) (map[string]string, error) {
	rates := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pair, rate, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: CHECKOUT_RATES entry %q must look like MDL:EUR=0.0509", ErrInvalidConfig, part)
		}
		rates[strings.TrimSpace(pair)] = strings.TrimSpace(rate)
	}
	return rates, nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}
