package handler

import (
	"net"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxTrackedClients = 4096

// rateLimiter throttles requests per client address. Limiters of the least
// recently seen clients are evicted.
type rateLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	cache, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &rateLimiter{
		limiters: cache,
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	if l, ok := rl.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rl.rate, rl.burst)
	// A concurrent first request from the same client may install its own
	// limiter; the loser's allowance is lost, which only tightens the limit
	rl.limiters.Add(key, l)
	return l
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !rl.limiter(key).Allow() {
			log.WithFields(log.Fields{
				"client": key,
				"path":   r.URL.Path,
			}).Debug("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
