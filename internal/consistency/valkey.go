package consistency

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/sells-group/lmm-analyzer/internal/model"
)

// DefaultKeyPrefix namespaces templates in a shared Valkey database.
const DefaultKeyPrefix = "analysis:template:"

// ValkeyOptions configures a ValkeyCache.
type ValkeyOptions struct {
	Address  string
	Password string
	TLS      bool
	Prefix   string
	TTL      time.Duration // zero keeps entries until evicted by the server

	// DisableClientCache turns off server-assisted client-side caching.
	// Needed for servers without CLIENT TRACKING support.
	DisableClientCache bool
}

// ValkeyCache shares templates between processes through Valkey. Two
// workers analyzing equivalent posts at the same time may both miss and
// both write; the later write wins.
//
// Valkey failures never fail an analysis: a failed read is a miss and a
// failed write is logged.
type ValkeyCache struct {
	client valkey.Client
	prefix string
	ttl    time.Duration
}

// NewValkeyCache connects to Valkey and verifies the connection.
func NewValkeyCache(ctx context.Context, opts ValkeyOptions) (*ValkeyCache, error) {
	clientOpts := valkey.ClientOption{
		InitAddress:      []string{opts.Address},
		Password:         opts.Password,
		ConnWriteTimeout: 5 * time.Second,
		DisableCache:     opts.DisableClientCache,
	}
	if opts.TLS {
		clientOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client, err := valkey.NewClient(clientOpts)
	if err != nil {
		return nil, eris.Wrap(err, "consistency: create valkey client")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, eris.Wrap(err, "consistency: ping valkey")
	}

	zap.L().Info("consistency: connected to valkey", zap.String("address", opts.Address))
	return NewValkeyCacheFromClient(client, opts.Prefix, opts.TTL), nil
}

// NewValkeyCacheFromClient wraps an existing client.
func NewValkeyCacheFromClient(client valkey.Client, prefix string, ttl time.Duration) *ValkeyCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ValkeyCache{client: client, prefix: prefix, ttl: ttl}
}

// Lookup implements Cache.
func (c *ValkeyCache) Lookup(ctx context.Context, entity, content string) (model.AnalysisResult, bool) {
	key := c.prefix + Key(entity, content)

	raw, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if !valkey.IsValkeyNil(err) {
			zap.L().Warn("consistency: valkey lookup failed", zap.String("key", key), zap.Error(err))
		}
		return model.AnalysisResult{}, false
	}

	var r model.AnalysisResult
	if err := json.Unmarshal(raw, &r); err != nil {
		zap.L().Warn("consistency: corrupt template in valkey", zap.String("key", key), zap.Error(err))
		return model.AnalysisResult{}, false
	}
	return r.Template(), true
}

// Update implements Cache.
func (c *ValkeyCache) Update(ctx context.Context, post model.Post, result model.AnalysisResult) {
	key := c.prefix + Key(post.Entity, post.Content)

	raw, err := json.Marshal(result.Template())
	if err != nil {
		zap.L().Warn("consistency: encode template", zap.String("key", key), zap.Error(err))
		return
	}

	var cmd valkey.Completed
	if c.ttl >= time.Second {
		cmd = c.client.B().Set().Key(key).Value(valkey.BinaryString(raw)).ExSeconds(int64(c.ttl.Seconds())).Build()
	} else {
		cmd = c.client.B().Set().Key(key).Value(valkey.BinaryString(raw)).Build()
	}
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		zap.L().Warn("consistency: valkey update failed", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the underlying connection.
func (c *ValkeyCache) Close() {
	c.client.Close()
}
