package mw

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goredis "github.com/redis/go-redis/v9"

	"signalbackbone/internal/config"
	"signalbackbone/internal/security"
	storeredis "signalbackbone/internal/stores/redis"
)

// RateLimitMiddleware enforces independent per-IP and per-JWT-subject token
// buckets over the same Redis instance the rest of the pipeline writes to.
type RateLimitMiddleware struct {
	Cfg      *config.RateLimitConfig
	Rdb      *storeredis.Client
	Verifier *security.RS256Verifier // optional; nil disables JWT-bucket parsing
}

func NewRateLimit(cfg *config.RateLimitConfig, rdb *storeredis.Client, verifier *security.RS256Verifier) *RateLimitMiddleware {
	if cfg == nil {
		panic("rate limit config cannot be nil")
	}
	if rdb == nil {
		panic("redis client cannot be nil")
	}
	if cfg.ByIP.TTL == 0 {
		cfg.ByIP.TTL = 2 * time.Minute
	}
	if cfg.ByJWT.TTL == 0 {
		cfg.ByJWT.TTL = 2 * time.Minute
	}
	return &RateLimitMiddleware{Cfg: cfg, Rdb: rdb, Verifier: verifier}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		now := time.Now()

		ip := extractClientIP(r, m.Cfg.TrustedProxiesList)
		ipKey := "rl:ip:" + ip
		okIP, remIP := m.allow(ctx, ipKey, now, m.Cfg.ByIP)
		w.Header().Set("X-RateLimit-Limit-IP", strconv.Itoa(m.Cfg.ByIP.Burst))
		w.Header().Set("X-RateLimit-Remaining-IP", strconv.FormatFloat(remIP, 'f', 0, 64))

		okJWT := true
		if sub := m.subjectFromRequest(r); sub != "" {
			var remJWT float64
			okJWT, remJWT = m.allow(ctx, "rl:jwt:"+sub, now, m.Cfg.ByJWT)
			w.Header().Set("X-RateLimit-Limit-JWT", strconv.Itoa(m.Cfg.ByJWT.Burst))
			w.Header().Set("X-RateLimit-Remaining-JWT", strconv.FormatFloat(remJWT, 'f', 0, 64))
		}

		if !(okIP && okJWT) {
			w.Header().Set("Retry-After", strconv.Itoa(m.calculateRetryAfter(okIP, okJWT)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) subjectFromRequest(r *http.Request) string {
	if sub := subjectFromContext(r); sub != "" {
		return sub
	}
	if m.Verifier == nil {
		return ""
	}
	cl, err := m.Verifier.VerifyBearer(r.Header.Get("Authorization"))
	if err != nil {
		return ""
	}
	rc, ok := cl.(*jwt.RegisteredClaims)
	if !ok {
		return ""
	}
	return rc.Subject
}

func subjectFromContext(r *http.Request) string {
	if v := r.Context().Value(claimsCtxKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// calculateRetryAfter returns the slower of the two buckets' refill periods,
// in whole seconds, for whichever bucket(s) rejected the request.
func (m *RateLimitMiddleware) calculateRetryAfter(okIP, okJWT bool) int {
	retry := 1
	if !okIP && m.Cfg.ByIP.RefillPerSec > 0 {
		if s := int(1.0/float64(m.Cfg.ByIP.RefillPerSec) + 0.999); s > retry {
			retry = s
		}
	}
	if !okJWT && m.Cfg.ByJWT.RefillPerSec > 0 {
		if s := int(1.0/float64(m.Cfg.ByJWT.RefillPerSec) + 0.999); s > retry {
			retry = s
		}
	}
	return retry
}

// --- redis token-bucket (Lua) for atomic read-refill-consume in one round trip ---
var luaTokenBucket = goredis.NewScript(`
-- KEYS[1] = key
-- ARGV[1] = now_ms
-- ARGV[2] = refill_per_sec (integer)
-- ARGV[3] = burst (integer)
-- ARGV[4] = ttl_seconds
local key   = KEYS[1]
local now   = tonumber(ARGV[1])
local rate  = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl   = tonumber(ARGV[4])

local last_ms = tonumber(redis.call('HGET', key, 'ts') or now)
local tokens  = tonumber(redis.call('HGET', key, 'tok') or burst)

if now > last_ms then
  local delta = (now - last_ms) / 1000.0
  tokens = math.min(burst, tokens + (delta * rate))
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tok', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)

return {allowed, tokens}
`)

func (m *RateLimitMiddleware) allow(ctx context.Context, key string, now time.Time, b config.RateBucket) (bool, float64) {
	ttl := int(b.TTL.Seconds())
	if ttl <= 0 {
		ttl = 120
	}

	res, err := luaTokenBucket.Run(ctx, m.Rdb, []string{key},
		now.UnixMilli(), b.RefillPerSec, b.Burst, ttl,
	).Result()
	if err != nil { // Redis unavailable: fail open rather than block traffic
		return true, 0
	}

	arr, ok := res.([]any)
	if !ok || len(arr) < 2 {
		return false, 0
	}
	allowed := arr[0].(int64) == 1
	tokenLeft, _ := arr[1].(float64)
	return allowed, tokenLeft
}

// extractClientIP resolves the caller's IP: the first valid X-Forwarded-For
// entry, else X-Real-IP, else RemoteAddr. The headers are honored from any
// peer; trustedProxies is not consulted.
func extractClientIP(r *http.Request, trustedProxies []string) string {
	remote := remoteAddrIP(r.RemoteAddr)
	_ = trustedProxies // reserved for a future anti-spoofing restriction; see isTrusted

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := parseXFF(xff); len(ips) > 0 {
			return ips[0]
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	return remote
}

func remoteAddrIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		if net.ParseIP(addr) != nil {
			return addr
		}
		return "unknown"
	}
	return host
}

func parseXFF(xff string) []string {
	parts := strings.Split(xff, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		ip := strings.TrimSpace(p)
		if ip == "" {
			continue
		}
		if net.ParseIP(ip) == nil {
			continue
		}
		out = append(out, ip)
	}
	return out
}

func isTrusted(ip string, trusted []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, t := range trusted {
		if strings.Contains(t, "/") {
			_, cidr, err := net.ParseCIDR(t)
			if err == nil && cidr.Contains(parsed) {
				return true
			}
			continue
		}
		if t == ip {
			return true
		}
	}
	return false
}

func isPublicIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast() {
		return false
	}
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, block, _ := net.ParseCIDR(cidr)
		if block.Contains(parsed) {
			return false
		}
	}
	return true
}
