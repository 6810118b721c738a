package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gadget-fleet/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second

	// sourceTag marks every point so fleet series can share a bucket.
	sourceTag   = "source"
	sourceValue = "gadget-fleet"
)

// Logger is the subset of logging.Logger the client reports through.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Client is the shop's metrics writer.
//
// Points are batched and written in the background; a rejected batch is
// logged and counted, and the next HealthCheck reports it. All methods
// are safe for concurrent use, and writes after Close are dropped.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	connected atomic.Bool

	// writeErrors counts rejected batches; reported is the count the
	// last HealthCheck saw.
	writeErrors atomic.Uint64
	reported    atomic.Uint64

	logMu  sync.RWMutex
	logger Logger
}

// batchOptions returns the client options for cfg. Non-positive batch
// settings select the defaults. Transfer durations are in milliseconds,
// so points carry millisecond precision.
func batchOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize) // #nosec G115 -- positive
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())). // #nosec G115 -- positive
		SetPrecision(time.Millisecond).
		AddDefaultTag(sourceTag, sourceValue)
}

// Connect pings the server and opens a batching writer on cfg's bucket.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, batchOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   noopLogger{},
	}
	c.connected.Store(true)
	go c.drainErrors(c.writeAPI.Errors())
	return c, nil
}

// SetLogger sets where rejected batches are reported.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logMu.Lock()
	c.logger = logger
	c.logMu.Unlock()
}

func (c *Client) log() Logger {
	c.logMu.RLock()
	defer c.logMu.RUnlock()
	if c.logger == nil {
		return noopLogger{}
	}
	return c.logger
}

// drainErrors consumes the write API's error channel until it closes.
func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		n := c.writeErrors.Add(1)
		c.log().Warn("InfluxDB batch rejected", "error", err, "rejected_total", n)
	}
}

// WriteErrors returns how many batches the server has rejected.
func (c *Client) WriteErrors() uint64 {
	return c.writeErrors.Load()
}

// Close flushes buffered points and releases the client.
func (c *Client) Close() error {
	if c.client == nil || !c.connected.Swap(false) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server. Batches rejected since the previous
// check make it fail with ErrWriteFailed even when the ping succeeds.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check: server not healthy")
	}
	return c.checkWrites()
}

// checkWrites reports batches rejected since it last ran.
func (c *Client) checkWrites() error {
	total := c.writeErrors.Load()
	if prev := c.reported.Swap(total); total > prev {
		return fmt.Errorf("%w: %d batches rejected since last check", ErrWriteFailed, total-prev)
	}
	return nil
}

// IsConnected reports whether the client is open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Flush writes buffered points now. It is a no-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}
