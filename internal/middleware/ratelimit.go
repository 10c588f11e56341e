package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/httprate"
	"golang.org/x/time/rate"

	"github.com/hitoshi/glassware/internal/model"
)

// RateLimiterConfig はユーザー単位のレート制限設定。
// Rateはreq/sec、Burstは瞬間的に許容する件数。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit
	GeneralBurst    int
	CommandRate     rate.Limit
	CommandBurst    int
	CleanupInterval time.Duration // アイドルなリミッターを掃除する間隔
}

// DefaultRateLimiterConfig はAPI全般120 req/min、コマンド10 req/minの設定を返す。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		CommandRate:     rate.Limit(10.0 / 60.0),
		CommandBurst:    10,
		CleanupInterval: 5 * time.Minute,
	}
}

// limiterPool はキー（ユーザーID）ごとのトークンバケットを保持する。
type limiterPool struct {
	kind  string
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(kind string, limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		kind:    kind,
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*poolEntry),
	}
}

func (p *limiterPool) allow(key string, now time.Time) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.entries[key] = e
	}
	e.lastSeen = now
	p.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// evictIdle はlastSeenがcutoffより前のエントリを削除する。
func (p *limiterPool) evictIdle(cutoff time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		if e.lastSeen.Before(cutoff) {
			delete(p.entries, key)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// middleware はセッション済みユーザーをキーに制限するミドルウェアを返す。
// SessionMiddlewareの内側に置くこと。
func (p *limiterPool) middleware(now func() time.Time) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !p.allow(userID, now()) {
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", p.kind),
				)
				writeRateLimitResponse(w, p.limit)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はAPI全般とコマンド実行の2系統のユーザー単位制限をまとめる。
// 2系統は独立しており、コマンド実行は両方の制限を受ける。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterPool
	command *limiterPool
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter はRateLimiterを生成し、アイドルエントリの掃除を開始する。
// 不要になったらStopを呼ぶこと。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterPool("general", config.GeneralRate, config.GeneralBurst),
		command: newLimiterPool("command", config.CommandRate, config.CommandBurst),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go rl.sweepLoop()
	}
	return rl
}

// Stop は掃除ゴルーチンを止める。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のユーザー単位制限。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware(rl.now)
}

// CommandMiddleware はコマンド実行のユーザー単位制限。
func (rl *RateLimiter) CommandMiddleware() func(next http.Handler) http.Handler {
	return rl.command.middleware(rl.now)
}

// GeneralLimiterCount は保持しているAPI全般リミッターの数。
func (rl *RateLimiter) GeneralLimiterCount() int { return rl.general.size() }

// CommandLimiterCount は保持しているコマンドリミッターの数。
func (rl *RateLimiter) CommandLimiterCount() int { return rl.command.size() }

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

// sweep はCleanupIntervalの2倍以上使われていないリミッターを捨てる。
func (rl *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-2 * rl.config.CleanupInterval)
	rl.general.evictIdle(cutoff)
	rl.command.evictIdle(cutoff)
}

// retryAfterSeconds はトークンが1つ補充されるまでの秒数（切り上げ、最低1）。
func retryAfterSeconds(limit rate.Limit) int {
	if limit <= 0 || limit == rate.Inf {
		return 1
	}
	sec := int(math.Ceil(1.0 / float64(limit)))
	if sec < 1 {
		return 1
	}
	return sec
}

func writeRateLimitResponse(w http.ResponseWriter, limit rate.Limit) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limit)))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitError())
}

// NewIPRateLimitMiddleware は送信元IPごとの固定ウィンドウ制限。
// セッションを持たないMirrorからの通知受信に使う。
// requestsPerMinuteが0以下なら制限しない。
func NewIPRateLimitMiddleware(requestsPerMinute int) func(next http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limit := rate.Limit(float64(requestsPerMinute) / 60.0)
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			slog.Warn("rate limit exceeded",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("limit_type", "ip"),
			)
			writeRateLimitResponse(w, limit)
		}),
	)
}
