package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/Aidin1998/swapflow/pkg/errors"
)

// Config sizes the per-client buckets. A zero Rate disables limiting.
type Config struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Rate    float64       `mapstructure:"rate" yaml:"rate"`
	Burst   int           `mapstructure:"burst" yaml:"burst"`
	IdleTTL time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
}

// DefaultConfig allows 10 orders per second per client with bursts of 20.
func DefaultConfig() Config {
	return Config{Enabled: true, Rate: 10, Burst: 20, IdleTTL: 10 * time.Minute}
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*clientBucket
	swept   time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter with no buckets.
func NewLimiter(cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*clientBucket),
	}
}

// Take consumes a token from key's bucket. When the bucket is empty it
// returns false and how long until the next token, leaving the bucket as it was.
func (l *Limiter) Take(key string) (bool, time.Duration) {
	now := l.now()
	r := l.bucket(key, now).ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

func (l *Limiter) bucket(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) > l.cfg.IdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Middleware rejects requests over the client's budget with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.cfg.Enabled || l.cfg.Rate <= 0 {
			c.Next()
			return
		}
		key := c.ClientIP()
		ok, wait := l.Take(key)
		if ok {
			c.Next()
			return
		}

		retry := int(math.Ceil(wait.Seconds()))
		if retry < 1 {
			retry = 1
		}
		l.logger.Debug("Rate limited", zap.String("client", key), zap.Duration("retry_after", wait))
		problem := apperrors.NewProblemDetails(
			apperrors.TypeRateLimited, apperrors.TitleRateLimited, http.StatusTooManyRequests,
			"too many orders, slow down", c.Request.URL.Path,
		).WithExtra("retry_after", retry)
		c.Header("Retry-After", strconv.Itoa(retry))
		c.Header("Content-Type", "application/problem+json")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, problem)
	}
}
