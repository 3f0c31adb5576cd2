package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// ServiceTag is added to every point so several mirrors can share a bucket.
const ServiceTag = "graylogic-mirror"

// Stats are cumulative write counters.
type Stats struct {
	PointsQueued  uint64 `json:"points_queued"`
	PointsDropped uint64 `json:"points_dropped"`
	WriteErrors   uint64 `json:"write_errors"`
}

// Client is a non-blocking, batching InfluxDB v2 writer for sync telemetry.
//
// All methods are safe for concurrent use. Points written after Close are
// counted as dropped.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	// lifeMu is held shared by writers and exclusively by Close, so no
	// point reaches a closed write API.
	lifeMu sync.RWMutex
	open   atomic.Bool

	closeOnce sync.Once
	errorsMu  sync.Mutex
	onError   func(err error)

	queued      atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
}

// Connect pings the server and prepares the batching write API.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))
	if err := ping(context.Background(), client, connectTimeout); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
	c.open.Store(true)
	go c.forwardErrors(c.writeAPI.Errors())
	return c, nil
}

// clientOptions maps the config section onto batching options.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())). // #nosec G115 -- positive
		AddDefaultTag("service", ServiceTag)
}

func ping(ctx context.Context, client influxdb2.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.writeErrors.Add(1)
		c.errorsMu.Lock()
		fn := c.onError
		c.errorsMu.Unlock()
		if fn != nil {
			fn(err)
		}
	}
}

// SetOnError registers a callback for asynchronous write failures.
func (c *Client) SetOnError(fn func(err error)) {
	c.errorsMu.Lock()
	c.onError = fn
	c.errorsMu.Unlock()
}

// Close flushes pending points and closes the client. It is idempotent.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.lifeMu.Lock()
		defer c.lifeMu.Unlock()
		c.open.Store(false)
		c.writeAPI.Flush()
		c.client.Close()
	})
	return nil
}

// IsConnected reports whether the client accepts writes.
func (c *Client) IsConnected() bool {
	return c != nil && c.open.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := ping(ctx, c.client, pingTimeout); err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	return nil
}

// Flush blocks until buffered points are sent. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}

// Stats returns the write counters.
func (c *Client) Stats() Stats {
	return Stats{
		PointsQueued:  c.queued.Load(),
		PointsDropped: c.dropped.Load(),
		WriteErrors:   c.writeErrors.Load(),
	}
}
