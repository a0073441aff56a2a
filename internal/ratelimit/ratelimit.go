// Package ratelimit はRedisの固定ウィンドウカウンターによるリクエスト制限を提供します。
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "ratelimit:"

// Limiter はクライアント単位の固定ウィンドウカウンターです。
type Limiter struct {
	rdb    *redis.Client
	max    int64
	window time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// New は Limiter を作成します。max はウィンドウあたりの許容リクエスト数です。
func New(rdb *redis.Client, max int, window time.Duration, logger zerolog.Logger) *Limiter {
	if max <= 0 {
		max = 100
	}
	if window < time.Second {
		window = time.Minute
	}
	return &Limiter{
		rdb:    rdb,
		max:    int64(max),
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Allow は1リクエスト分を計上し、上限内かどうかを返します。
// Redis に到達できない場合は制限せずに通します（可用性優先）。
func (l *Limiter) Allow(ctx context.Context, clientID string) (bool, time.Duration) {
	windowSec := int64(l.window / time.Second)
	bucket := l.now().Unix() / windowSec
	key := fmt.Sprintf("%s%s:%d", keyPrefix, clientID, bucket)

	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		return true, 0
	}

	if count.Val() > l.max {
		retryAfter := time.Duration((bucket+1)*windowSec-l.now().Unix()) * time.Second
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}
	return true, 0
}

// Middleware は上限超過時に 429 を返す gin ミドルウェアです。
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := l.Allow(c.Request.Context(), c.ClientIP())
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "リクエスト数が上限を超えました。しばらく待ってから再試行してください。",
			})
			return
		}
		c.Next()
	}
}
