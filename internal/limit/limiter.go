// Package limit throttles how fast each user may open tunnels.
package limit

import (
	"time"

	cache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"tunnelgateway/internal/config"
)

// idleExpiry is how long an unused bucket is kept.
const idleExpiry = 10 * time.Minute

type policy struct {
	limit rate.Limit
	burst int
}

// Limiter keeps one token bucket per user. Users without a configured rate,
// and the anonymous user unless Anonymous is set, are never limited.
type Limiter struct {
	policies  map[string]policy
	anonymous *policy
	buckets   *cache.Cache
}

// NewLimiter builds limiters from the users' rate_limit and burst settings.
// A burst of zero defaults to the rate rounded up.
func NewLimiter(users []config.UserConfig) *Limiter {
	l := &Limiter{
		policies: make(map[string]policy, len(users)),
		buckets:  cache.New(idleExpiry, idleExpiry),
	}
	for _, u := range users {
		if u.RateLimit <= 0 {
			continue
		}
		l.policies[u.Name] = newPolicy(u.RateLimit, u.Burst)
	}
	return l
}

func newPolicy(perSecond float64, burst int) policy {
	if burst <= 0 {
		burst = int(perSecond)
		if float64(burst) < perSecond {
			burst++
		}
	}
	return policy{limit: rate.Limit(perSecond), burst: burst}
}

// LimitAnonymous applies a rate to connections no user was resolved for.
func (l *Limiter) LimitAnonymous(perSecond float64, burst int) {
	if perSecond <= 0 {
		l.anonymous = nil
		return
	}
	p := newPolicy(perSecond, burst)
	l.anonymous = &p
}

// Allow reports whether user may open another tunnel now.
func (l *Limiter) Allow(user string) bool {
	p, ok := l.policies[user]
	if !ok {
		if user != "" || l.anonymous == nil {
			return true
		}
		p = *l.anonymous
	}

	var bucket *rate.Limiter
	if entry, found := l.buckets.Get(user); found {
		bucket = entry.(*rate.Limiter)
	} else {
		bucket = rate.NewLimiter(p.limit, p.burst)
		if err := l.buckets.Add(user, bucket, cache.DefaultExpiration); err != nil {
			// Another caller created it first.
			if entry, found := l.buckets.Get(user); found {
				bucket = entry.(*rate.Limiter)
			}
		}
	}
	l.buckets.Set(user, bucket, cache.DefaultExpiration)
	return bucket.Allow()
}
