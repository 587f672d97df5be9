package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	PerIPPerMinute     int
	PerUserPerMinute   int
	Burst              int
	CleanupInterval    time.Duration
	EntryIdleRetention time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerIPPerMinute:     120,
		PerUserPerMinute:   60,
		Burst:              20,
		CleanupInterval:    5 * time.Minute,
		EntryIdleRetention: 15 * time.Minute,
	}
}

// RateLimiter applies a per-IP bucket first, then a per-user bucket when
// the request body carries an identity. Stale buckets are swept on a timer.
type RateLimiter struct {
	cfg RateLimitConfig

	mu          sync.Mutex
	ipBuckets   map[string]*tokenBucket
	userBuckets map[string]*tokenBucket
	lastSweep   time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:         cfg,
		ipBuckets:   make(map[string]*tokenBucket),
		userBuckets: make(map[string]*tokenBucket),
		lastSweep:   time.Now(),
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		ip := clientIP(r)
		userID := extractUserID(r)

		rl.mu.Lock()
		rl.sweepLocked(now)
		allowed := rl.bucketLocked(rl.ipBuckets, ip, rl.cfg.PerIPPerMinute, now).take(now)
		if allowed && userID != "" {
			allowed = rl.bucketLocked(rl.userBuckets, userID, rl.cfg.PerUserPerMinute, now).take(now)
		}
		rl.mu.Unlock()

		if !allowed {
			writeError(w, "", http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) bucketLocked(buckets map[string]*tokenBucket, key string, perMinute int, now time.Time) *tokenBucket {
	b, ok := buckets[key]
	if !ok {
		b = &tokenBucket{
			rate:     float64(perMinute) / 60.0,
			burst:    float64(rl.cfg.Burst),
			tokens:   float64(rl.cfg.Burst),
			lastSeen: now,
		}
		buckets[key] = b
	}
	return b
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.cfg.CleanupInterval {
		return
	}
	rl.lastSweep = now
	for key, b := range rl.ipBuckets {
		if now.Sub(b.lastSeen) > rl.cfg.EntryIdleRetention {
			delete(rl.ipBuckets, key)
		}
	}
	for key, b := range rl.userBuckets {
		if now.Sub(b.lastSeen) > rl.cfg.EntryIdleRetention {
			delete(rl.userBuckets, key)
		}
	}
}

type tokenBucket struct {
	rate     float64
	burst    float64
	tokens   float64
	lastSeen time.Time
}

func (b *tokenBucket) take(now time.Time) bool {
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.lastSeen = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// extractUserID peeks at the JSON body for an acting identity without
// consuming it. The body is restored for the downstream handler.
func extractUserID(r *http.Request) string {
	if r.Body == nil || r.Method == http.MethodGet {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	if err != nil {
		return ""
	}

	var probe struct {
		DoctorID  string `json:"doctor_id"`
		PatientID string `json:"patient_id"`
		PartyID   string `json:"party_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	if probe.DoctorID != "" {
		return probe.DoctorID
	}
	if probe.PartyID != "" {
		return probe.PartyID
	}
	return probe.PatientID
}
