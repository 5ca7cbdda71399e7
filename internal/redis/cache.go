package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/models"
)

// CacheClient wraps Redis for the availability display cache with cluster support.
// The cache is advisory only; reservation decisions never read from it.
type CacheClient struct {
	client    redis.UniversalClient // Universal client supports both single and cluster
	ttl       time.Duration
	keyPrefix string
}

// NewCacheClient creates a new Redis cache client with cluster support
func NewCacheClient(addrs []string, password string, clusterMode bool, ttl time.Duration, keyPrefix string) *CacheClient {
	var client redis.UniversalClient

	if clusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        addrs,
			Password:     password,
			MaxRetries:   3,
			PoolSize:     50, // Larger pool for cluster
			MinIdleConns: 5,
			PoolTimeout:  30 * time.Second,
			// Cluster-specific options
			MaxRedirects:   8,
			ReadOnly:       false,
			RouteByLatency: true,
		})
	} else {
		// Single Redis instance for development
		addr := "localhost:6379"
		if len(addrs) > 0 {
			addr = addrs[0]
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0, // DB is not supported in cluster mode
			PoolSize: 10,
		})
	}

	return &CacheClient{
		client:    client,
		ttl:       ttl,
		keyPrefix: keyPrefix,
	}
}

// GetAvailability retrieves a cached availability snapshot. A cache miss
// returns (nil, nil).
func (c *CacheClient) GetAvailability(ctx context.Context, productID uuid.UUID) (*models.Availability, error) {
	key := c.availabilityKey(productID)

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			// Cache miss
			return nil, nil
		}
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to get availability from cache")
		return nil, fmt.Errorf("failed to get availability from cache: %w", err)
	}

	var availability models.Availability
	if err := json.Unmarshal([]byte(val), &availability); err != nil {
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to unmarshal cached availability")
		return nil, fmt.Errorf("failed to unmarshal cached availability: %w", err)
	}

	log.Debug().Str("product_id", productID.String()).Msg("Cache hit for availability")
	return &availability, nil
}

// SetAvailability stores an availability snapshot in cache
func (c *CacheClient) SetAvailability(ctx context.Context, availability *models.Availability) error {
	key := c.availabilityKey(availability.ProductID)

	data, err := json.Marshal(availability)
	if err != nil {
		return fmt.Errorf("failed to marshal availability: %w", err)
	}

	err = c.client.Set(ctx, key, data, c.ttl).Err()
	if err != nil {
		log.Error().Err(err).Str("product_id", availability.ProductID.String()).Msg("Failed to set availability in cache")
		return fmt.Errorf("failed to set availability in cache: %w", err)
	}

	log.Debug().Str("product_id", availability.ProductID.String()).Msg("Cached availability")
	return nil
}

// DeleteAvailability removes an availability snapshot from cache. Called after
// every write that changes the reserved or actual quantity for a product.
func (c *CacheClient) DeleteAvailability(ctx context.Context, productID uuid.UUID) error {
	key := c.availabilityKey(productID)

	err := c.client.Del(ctx, key).Err()
	if err != nil {
		log.Error().Err(err).Str("product_id", productID.String()).Msg("Failed to delete availability from cache")
		return fmt.Errorf("failed to delete availability from cache: %w", err)
	}

	log.Debug().Str("product_id", productID.String()).Msg("Deleted availability from cache")
	return nil
}

// Ping checks if Redis is available
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CacheClient) Close() error {
	return c.client.Close()
}

// availabilityKey generates the cache key for a product with prefix
func (c *CacheClient) availabilityKey(productID uuid.UUID) string {
	return fmt.Sprintf("%savailability:%s", c.keyPrefix, productID)
}
