package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HammerMeetNail/slotswap/internal/handlers"
	"github.com/HammerMeetNail/slotswap/internal/logging"
)

// WindowCounter increments a key that expires after window and returns the
// new count. database.RedisAdapter implements it.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

type RateLimiter struct {
	counter  WindowCounter
	limit    int
	window   time.Duration
	prefix   string
	keyFunc  func(r *http.Request) string
	failOpen bool
	logger   *logging.Logger
	now      func() time.Time
}

// NewRateLimiter builds a fixed-window limiter. When the counter is nil or
// fails, requests pass if failOpen is set and get 503 otherwise.
func NewRateLimiter(counter WindowCounter, limit int, window time.Duration, prefix string, keyFunc func(r *http.Request) string, failOpen bool) *RateLimiter {
	if keyFunc == nil {
		keyFunc = GetClientIP
	}
	return &RateLimiter{
		counter:  counter,
		limit:    limit,
		window:   window,
		prefix:   prefix,
		keyFunc:  keyFunc,
		failOpen: failOpen,
		logger:   logging.Default,
		now:      time.Now,
	}
}

func (rl *RateLimiter) WithLogger(l *logging.Logger) *RateLimiter {
	rl.logger = l
	return rl
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.counter == nil {
			rl.unavailable(w, r, next, nil)
			return
		}

		key := rl.prefix + rl.keyFunc(r)
		count, err := rl.counter.IncrWindow(r.Context(), key, rl.window)
		if err != nil {
			rl.unavailable(w, r, next, err)
			return
		}

		reset := rl.now().Truncate(rl.window).Add(rl.window)
		remaining := rl.limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if int(count) > rl.limit {
			retry := int64(reset.Sub(rl.now()).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) unavailable(w http.ResponseWriter, r *http.Request, next http.Handler, err error) {
	if err != nil {
		rl.logger.Warn("rate limiter unavailable", map[string]interface{}{
			"prefix":    rl.prefix,
			"error":     err.Error(),
			"fail_open": rl.failOpen,
		})
	}
	if rl.failOpen {
		next.ServeHTTP(w, r)
		return
	}
	writeError(w, http.StatusServiceUnavailable, "Rate limiter unavailable")
}

// GetClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then
// the remote address without port.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// UserOrIPKey keys authenticated requests by user id and anonymous ones by
// client IP.
func UserOrIPKey(r *http.Request) string {
	if user := handlers.GetUserFromContext(r.Context()); user != nil {
		return "user:" + user.ID.String()
	}
	return "ip:" + GetClientIP(r)
}

func NewAuthRateLimiter(counter WindowCounter, limit int, window time.Duration, failOpen bool) *RateLimiter {
	return NewRateLimiter(counter, limit, window, "ratelimit:auth:", GetClientIP, failOpen)
}

func NewAPIRateLimiter(counter WindowCounter, limit int, window time.Duration, failOpen bool) *RateLimiter {
	return NewRateLimiter(counter, limit, window, "ratelimit:api:", UserOrIPKey, failOpen)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: message}); err != nil {
		logging.Error("writing error response", map[string]interface{}{"error": err.Error()})
	}
}
