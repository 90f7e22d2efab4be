package ratelimit

import (
	"net"
	"net/http"
	"strconv"

	"chatsync/internal/chat"
	myMiddleware "chatsync/internal/middleware"
)

// KeyFunc picks the identity a request is counted against.
type KeyFunc func(r *http.Request) string

// ByIP keys on the client address. Mount chi's RealIP first when running
// behind a proxy.
func ByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// ByUserOrIP keys on the authenticated user, falling back to the address.
func ByUserOrIP(r *http.Request) string {
	if userID, _, ok := myMiddleware.UserFromContext(r.Context()); ok {
		return "user:" + userID
	}
	return ByIP(r)
}

// Middleware enforces policy on every request and reports the outcome in
// the X-RateLimit-* headers.
func (l *Limiter) Middleware(policy string, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.CheckAndIncrement(r.Context(), key(r), policy)
			if err != nil {
				l.log.Error("rate limit check failed", "policy", policy, "error", err)
				chat.WriteError(w, err)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				chat.WriteError(w, chat.RateLimited(d.RetryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
