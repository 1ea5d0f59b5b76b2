// Package redis provides the Clustered-mode lock service: tokens are held
// as Redis keys owned by a lock ID, bounded by TTL so a crashed process
// can't strand its locks.
package redis

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/acid"
)

// Redis configurable options.
type Options struct {
	// Redis server(cluster) address.
	Address string
	// Password required when connecting to the Redis server.
	Password string
	// DB to connect to.
	DB int
	// TLS config.
	TLSConfig *tls.Config
}

// DefaultOptions.
func DefaultOptions() Options {
	return Options{
		Address:  "localhost:6379",
		Password: "", // no password set
		DB:       0,  // use default DB
	}
}

// OptionsFrom converts the transaction-level Redis config.
func OptionsFrom(cfg *acid.RedisConfig) Options {
	if cfg == nil {
		return DefaultOptions()
	}
	return Options{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// Connection contains Redis client connection object and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

var connection *Connection
var mux sync.Mutex

// Returns true if connection instance is valid.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection creates the singleton connection and returns it for every
// call. Connectivity is verified with backoff so a briefly unavailable
// server doesn't fail process startup.
func OpenConnection(ctx context.Context, options Options) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}

	c := openConnection(options)
	if err := acid.Retry(ctx, func(ctx context.Context) error {
		return c.Client.Ping(ctx).Err()
	}, nil); err != nil {
		c.Client.Close()
		return nil, err
	}
	connection = c
	return connection, nil
}

// Close the singleton connection if open.
func CloseConnection() error {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := connection.Client.Close()
	connection = nil
	return err
}

func openConnection(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB})

	return &Connection{
		Client:  client,
		Options: options,
	}
}
