package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultRequestTimeout   = 60 * time.Second
	defaultKVBackend        = KVBackendMemory
	defaultRedisPrefix      = "storefront:"
	defaultFXEndpoint       = "https://open.er-api.com/v6/latest/TRY"
	defaultFXTTL            = 6 * time.Hour
	defaultFXTimeout        = 5 * time.Second
	defaultFXAttempts       = 2
	defaultFXBreakerTrips   = 3
	defaultFXBreakerTimeout = 30 * time.Second
	defaultCouponCode       = "INDIRIM10"
	defaultCouponPercent    = 10
	defaultFreeShipping     = 150.0
	defaultShippingFee      = 29.9
	defaultNotifyTopic      = "order-events"
	defaultEnvironment      = "local"
	defaultLogLevel         = "info"
	defaultSessionIdle      = 30 * time.Minute
	defaultSessionSweep     = 5 * time.Minute
	defaultDeviceRateLimit  = 120
	defaultDeviceRateWindow = time.Minute
	defaultIdempotencyTTL   = 24 * time.Hour
)

// KV backends supported for cart and rate cache persistence.
const (
	KVBackendMemory    = "memory"
	KVBackendRedis     = "redis"
	KVBackendFirestore = "firestore"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firestore FirestoreConfig
	KV        KVConfig
	Redis     RedisConfig
	Storage   StorageConfig
	PubSub    PubSubConfig
	FX        FXConfig
	Cart      CartConfig
	Checkout  CheckoutConfig
	Session   SessionConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	Environment    string
	LogLevel       string
	// DeviceRateLimit caps API requests per device within DeviceRateWindow. Zero disables it.
	DeviceRateLimit  int
	DeviceRateWindow time.Duration
}

// FirestoreConfig stores database parameters. An empty project disables Firestore backed repositories.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// KVConfig selects the key-value backend used for cart blobs and the FX cache.
type KVConfig struct {
	Backend    string
	Collection string
}

// RedisConfig configures the Redis KV backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// StorageConfig names the bucket mirroring the FX cache artifact. Empty disables the mirror.
type StorageConfig struct {
	CacheBucket string
}

// PubSubConfig configures order notifications. Empty project falls back to log-only notifications.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// FXConfig controls the exchange rate source and its resilience knobs.
type FXConfig struct {
	Endpoint       string
	APIKey         string
	TTL            time.Duration
	Timeout        time.Duration
	Attempts       int
	BreakerTrips   int
	BreakerTimeout time.Duration
}

// CartConfig holds promotion and shipping parameters.
type CartConfig struct {
	CouponCode          string
	CouponPercent       int
	FreeShippingOverTRY float64
	FlatShippingFeeTRY  float64
}

// CheckoutConfig controls order placement behaviour.
type CheckoutConfig struct {
	OrderNumberPrefix string
	IdempotencyTTL    time.Duration
}

// SessionConfig controls how long idle device sessions stay in memory.
type SessionConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles configuration from defaults, the .env file, the process environment and
// the explicit env map, in increasing precedence, then resolves secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "STOREFRONT_SERVER_PORT", defaultPort),
			ReadTimeout:    durationWithDefault(lookup, "STOREFRONT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "STOREFRONT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "STOREFRONT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "STOREFRONT_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			Environment:    stringWithDefault(lookup, "STOREFRONT_ENVIRONMENT", defaultEnvironment),
			LogLevel:       strings.ToLower(stringWithDefault(lookup, "STOREFRONT_LOG_LEVEL", defaultLogLevel)),

			DeviceRateLimit:  intWithDefault(lookup, "STOREFRONT_SERVER_DEVICE_RATE_LIMIT", defaultDeviceRateLimit),
			DeviceRateWindow: durationWithDefault(lookup, "STOREFRONT_SERVER_DEVICE_RATE_WINDOW", defaultDeviceRateWindow),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "STOREFRONT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "STOREFRONT_FIRESTORE_EMULATOR_HOST", ""),
		},
		KV: KVConfig{
			Backend:    strings.ToLower(stringWithDefault(lookup, "STOREFRONT_KV_BACKEND", defaultKVBackend)),
			Collection: stringWithDefault(lookup, "STOREFRONT_KV_COLLECTION", "kv"),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "STOREFRONT_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "STOREFRONT_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "STOREFRONT_REDIS_DB", 0),
			Prefix:   stringWithDefault(lookup, "STOREFRONT_REDIS_PREFIX", defaultRedisPrefix),
		},
		Storage: StorageConfig{
			CacheBucket: stringWithDefault(lookup, "STOREFRONT_STORAGE_CACHE_BUCKET", ""),
		},
		PubSub: PubSubConfig{
			ProjectID: stringWithDefault(lookup, "STOREFRONT_PUBSUB_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "STOREFRONT_PUBSUB_ORDER_TOPIC", defaultNotifyTopic),
		},
		FX: FXConfig{
			Endpoint:       stringWithDefault(lookup, "STOREFRONT_FX_ENDPOINT", defaultFXEndpoint),
			APIKey:         stringWithDefault(lookup, "STOREFRONT_FX_API_KEY", ""),
			TTL:            durationWithDefault(lookup, "STOREFRONT_FX_TTL", defaultFXTTL),
			Timeout:        durationWithDefault(lookup, "STOREFRONT_FX_TIMEOUT", defaultFXTimeout),
			Attempts:       intWithDefault(lookup, "STOREFRONT_FX_ATTEMPTS", defaultFXAttempts),
			BreakerTrips:   intWithDefault(lookup, "STOREFRONT_FX_BREAKER_TRIPS", defaultFXBreakerTrips),
			BreakerTimeout: durationWithDefault(lookup, "STOREFRONT_FX_BREAKER_TIMEOUT", defaultFXBreakerTimeout),
		},
		Cart: CartConfig{
			CouponCode:          strings.ToUpper(stringWithDefault(lookup, "STOREFRONT_CART_COUPON_CODE", defaultCouponCode)),
			CouponPercent:       intWithDefault(lookup, "STOREFRONT_CART_COUPON_PERCENT", defaultCouponPercent),
			FreeShippingOverTRY: floatWithDefault(lookup, "STOREFRONT_CART_FREE_SHIPPING_OVER", defaultFreeShipping),
			FlatShippingFeeTRY:  floatWithDefault(lookup, "STOREFRONT_CART_SHIPPING_FEE", defaultShippingFee),
		},
		Checkout: CheckoutConfig{
			OrderNumberPrefix: stringWithDefault(lookup, "STOREFRONT_CHECKOUT_ORDER_PREFIX", "SF"),
			IdempotencyTTL:    durationWithDefault(lookup, "STOREFRONT_CHECKOUT_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
		Session: SessionConfig{
			IdleTimeout:   durationWithDefault(lookup, "STOREFRONT_SESSION_IDLE_TIMEOUT", defaultSessionIdle),
			SweepInterval: durationWithDefault(lookup, "STOREFRONT_SESSION_SWEEP_INTERVAL", defaultSessionSweep),
		},
	}

	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	resolved, err := resolveSecret(ctx, cfg.FX.APIKey, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.FX.APIKey = resolved

	resolved, err = resolveSecret(ctx, cfg.Redis.Password, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Redis.Password = resolved

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.KV.Backend {
	case KVBackendMemory:
	case KVBackendRedis:
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			missing = append(missing, "Redis.Addr")
		}
	case KVBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
		if strings.TrimSpace(cfg.KV.Collection) == "" {
			missing = append(missing, "KV.Collection")
		}
	default:
		missing = append(missing, "KV.Backend")
	}
	if strings.TrimSpace(cfg.FX.Endpoint) == "" {
		missing = append(missing, "FX.Endpoint")
	}
	if cfg.FX.TTL <= 0 {
		missing = append(missing, "FX.TTL")
	}
	if cfg.FX.Timeout <= 0 {
		missing = append(missing, "FX.Timeout")
	}
	if cfg.FX.Attempts <= 0 {
		missing = append(missing, "FX.Attempts")
	}
	if strings.TrimSpace(cfg.Cart.CouponCode) == "" {
		missing = append(missing, "Cart.CouponCode")
	}
	if cfg.Cart.CouponPercent <= 0 || cfg.Cart.CouponPercent > 100 {
		missing = append(missing, "Cart.CouponPercent")
	}
	if cfg.Cart.FlatShippingFeeTRY < 0 {
		missing = append(missing, "Cart.FlatShippingFeeTRY")
	}
	if strings.TrimSpace(cfg.Checkout.OrderNumberPrefix) == "" {
		missing = append(missing, "Checkout.OrderNumberPrefix")
	}
	if cfg.Server.DeviceRateLimit < 0 {
		missing = append(missing, "Server.DeviceRateLimit")
	}
	if cfg.Server.DeviceRateLimit > 0 && cfg.Server.DeviceRateWindow <= 0 {
		missing = append(missing, "Server.DeviceRateWindow")
	}
	if cfg.Session.IdleTimeout <= 0 {
		missing = append(missing, "Session.IdleTimeout")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
