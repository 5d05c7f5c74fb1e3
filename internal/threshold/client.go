// Package threshold is the client side of threshold sealing: it encrypts to
// a weighted set of key servers and decrypts by collecting user secret keys
// from a quorum of them.
package threshold

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/drand/kyber"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"groupseal/internal/sealcrypto"
	"groupseal/internal/sui"
)

const (
	// DefaultTimeout bounds each key-server request.
	DefaultTimeout = 10 * time.Second

	// MaxThreshold is the largest threshold a ciphertext can carry.
	MaxThreshold = sealcrypto.MaxShares
)

// ServerConfig describes one key server. A server of weight w holds w
// shares of every ciphertext.
type ServerConfig struct {
	ObjectID sui.ObjectID
	Weight   int
	URL      string
	// PublicKey is the compressed G1 master public key. When empty it is
	// fetched from the server's service endpoint on first use.
	PublicKey []byte
}

// Client talks to a fixed set of key servers.
type Client struct {
	servers []ServerConfig
	byID    map[sui.ObjectID]ServerConfig

	http       HTTPDoer
	timeout    time.Duration
	logger     *zap.Logger
	registerer prometheus.Registerer
	now        func() time.Time
	cacheSize  int

	metrics *metrics
	cache   *lru.Cache

	mu         sync.Mutex
	publicKeys map[sui.ObjectID]kyber.Point
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) { c.http = doer }
}

// WithTimeout sets the per-server request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRegisterer registers client metrics. Metrics are not exported
// without it.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = r }
}

// WithKeyCache caches up to size verified user secret keys per
// (server, identity, session key). Zero disables caching.
//
// Cached keys meet the quorum without contacting the servers, so the
// access policy is not re-evaluated: a member removed from a group keeps
// decrypting that group's ciphertexts until the session key changes.
func WithKeyCache(size int) Option {
	return func(c *Client) { c.cacheSize = size }
}

// WithClock overrides the time source used for session expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient validates the server list and builds a client.
func NewClient(servers []ServerConfig, opts ...Option) (*Client, error) {
	if len(servers) == 0 {
		return nil, errors.New("at least one key server is required")
	}

	c := &Client{
		servers:    make([]ServerConfig, 0, len(servers)),
		byID:       make(map[sui.ObjectID]ServerConfig, len(servers)),
		http:       &http.Client{},
		timeout:    DefaultTimeout,
		logger:     zap.NewNop(),
		now:        time.Now,
		publicKeys: make(map[sui.ObjectID]kyber.Point),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, s := range servers {
		if s.Weight < 1 {
			return nil, fmt.Errorf("key server %s: weight must be at least 1", s.ObjectID)
		}
		if s.URL == "" {
			return nil, fmt.Errorf("key server %s: url is required", s.ObjectID)
		}
		if _, dup := c.byID[s.ObjectID]; dup {
			return nil, fmt.Errorf("key server %s configured twice", s.ObjectID)
		}
		if len(s.PublicKey) > 0 {
			pk, err := sealcrypto.ParsePublicKey(s.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("key server %s: %w", s.ObjectID, err)
			}
			c.publicKeys[s.ObjectID] = pk
		}
		c.servers = append(c.servers, s)
		c.byID[s.ObjectID] = s
	}

	if c.cacheSize > 0 {
		cache, err := lru.New(c.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create key cache: %w", err)
		}
		c.cache = cache
	}
	c.metrics = newMetrics(c.registerer)
	return c, nil
}

// Servers returns the configured servers.
func (c *Client) Servers() []ServerConfig {
	return append([]ServerConfig(nil), c.servers...)
}

// TotalWeight is the sum of configured weights.
func (c *Client) TotalWeight() int {
	total := 0
	for _, s := range c.servers {
		total += s.Weight
	}
	return total
}

// publicKey returns a server's public key, fetching it once if needed.
func (c *Client) publicKey(ctx context.Context, s ServerConfig) (kyber.Point, error) {
	c.mu.Lock()
	pk, ok := c.publicKeys[s.ObjectID]
	c.mu.Unlock()
	if ok {
		return pk, nil
	}

	start := time.Now()
	pk, err := c.getService(ctx, s)
	c.observe(s.ObjectID, "service", start, err)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.publicKeys[s.ObjectID] = pk
	c.mu.Unlock()
	return pk, nil
}

func (c *Client) observe(server sui.ObjectID, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		} else if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
	}
	id := server.String()
	c.metrics.requests.WithLabelValues(id, op, outcome).Inc()
	c.metrics.duration.WithLabelValues(id, op).Observe(time.Since(start).Seconds())
}
