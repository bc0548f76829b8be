package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseConfig configures the Redis import lease backend.
type LeaseConfig struct {
	// Address is the Redis server address (e.g. "localhost:6379").
	Address string `yaml:"address"`
	// Password for Redis authentication (optional).
	Password string `yaml:"password"`
	// Database number to use.
	Database int `yaml:"database"`
	// Prefix is prepended to all lease keys.
	Prefix string `yaml:"prefix"`
	// TTL is how long a lease survives without renewal.
	TTL time.Duration `yaml:"ttl"`
	// Timeout for Redis operations.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultLeaseConfig returns sensible defaults.
func DefaultLeaseConfig(address string) LeaseConfig {
	return LeaseConfig{
		Address: address,
		Prefix:  "statflow:leases:",
		TTL:     30 * time.Minute,
		Timeout: 5 * time.Second,
	}
}

// ImportLease is a Redis-backed distributed lease complementing the
// registry's conditional stage updates when several worker processes share
// one queue. The stage CAS remains the correctness backstop; the lease only
// avoids wasted work.
type ImportLease struct {
	cfg    LeaseConfig
	client *redis.Client
}

// NewImportLease connects to Redis and verifies the connection.
func NewImportLease(cfg LeaseConfig) (*ImportLease, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &ImportLease{cfg: cfg, client: client}, nil
}

// releaseScript deletes the lease only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire takes the lease for a version. It returns a release func, or
// ok=false when another worker holds the lease.
func (l *ImportLease) Acquire(ctx context.Context, versionID string) (release func(context.Context) error, ok bool, err error) {
	key := l.cfg.Prefix + versionID
	token := uuid.NewString()

	set, err := l.client.SetNX(ctx, key, token, l.cfg.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lease for %s: %w", versionID, err)
	}
	if !set {
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("releasing lease for %s: %w", versionID, err)
		}
		return nil
	}
	return release, true, nil
}

// Renew extends the lease while a long stage is running.
func (l *ImportLease) Renew(ctx context.Context, versionID string) error {
	key := l.cfg.Prefix + versionID
	if err := l.client.Expire(ctx, key, l.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("renewing lease for %s: %w", versionID, err)
	}
	return nil
}

// Close releases the Redis connection.
func (l *ImportLease) Close() error {
	return l.client.Close()
}
