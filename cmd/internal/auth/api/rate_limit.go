package authapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// LoginLimiter tracks failed logins per client IP and per email in memory.
// One limiter is shared by every sign-in surface so the form and the JSON
// endpoint count against the same budget.
type LoginLimiter struct {
	mu      sync.Mutex
	byIP    map[string][]time.Time
	byEmail map[string][]time.Time

	ipMax      int
	ipWindow   time.Duration
	tiers      []lockoutTier
	keep       time.Duration
	trustProxy bool
	now        func() time.Time

	sweepEvery time.Duration
	lastSweep  time.Time
}

// NewLoginLimiter builds a limiter from the login throttle settings in cfg.
func NewLoginLimiter(cfg Config) *LoginLimiter { return newLoginLimiter(cfg) }

func newLoginLimiter(cfg Config) *LoginLimiter {
	tiers := []lockoutTier{
		{Threshold: cfg.LockoutSevereThreshold, Duration: cfg.LockoutSevereDuration},
		{Threshold: cfg.LockoutLongThreshold, Duration: cfg.LockoutLongDuration},
		{Threshold: cfg.LockoutShortThreshold, Duration: cfg.LockoutShortDuration},
	}
	keep := cfg.LoginIPWindow
	for _, t := range tiers {
		if t.Duration > keep {
			keep = t.Duration
		}
	}
	sweep := cfg.LoginIPWindow
	if sweep <= 0 {
		sweep = keep
	}
	return &LoginLimiter{
		byIP:       make(map[string][]time.Time),
		byEmail:    make(map[string][]time.Time),
		ipMax:      cfg.LoginIPMax,
		ipWindow:   cfg.LoginIPWindow,
		tiers:      tiers,
		keep:       keep,
		trustProxy: cfg.TrustProxy,
		now:        time.Now,
		sweepEvery: sweep,
	}
}

// Allow reports whether a sign-in for email from r may proceed.
// When it may not, retry is how long the caller should wait.
func (l *LoginLimiter) Allow(r *http.Request, email string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	blocked, retry := l.check(clientIP(r, l.trustProxy), normalizeEmail(email), l.now())
	return !blocked, retry
}

// Failed records a rejected password for email from r.
func (l *LoginLimiter) Failed(r *http.Request, email string) {
	if l == nil {
		return
	}
	l.fail(clientIP(r, l.trustProxy), normalizeEmail(email), l.now())
}

// Succeeded resets the email lockout.
func (l *LoginLimiter) Succeeded(email string) {
	l.succeed(normalizeEmail(email))
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// check reports whether a login attempt for ip/email must be refused and for how long.
func (l *LoginLimiter) check(ip net.IP, email string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return false, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	if ip != nil && l.ipMax > 0 {
		if blocked, retry := evaluateWindowThrottle(now, l.byIP[ip.String()], l.ipMax, l.ipWindow); blocked {
			return true, retry
		}
	}
	if email != "" {
		if blocked, retry := evaluateProgressiveLockout(now, l.byEmail[email], l.tiers); blocked {
			return true, retry
		}
	}
	return false, 0
}

func (l *LoginLimiter) fail(ip net.IP, email string, now time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	if ip != nil {
		k := ip.String()
		l.byIP[k] = prune(append(l.byIP[k], now), now, l.keep)
	}
	if email != "" {
		l.byEmail[email] = prune(append(l.byEmail[email], now), now, l.keep)
	}
}

func (l *LoginLimiter) succeed(email string) {
	if l == nil || email == "" {
		return
	}
	l.mu.Lock()
	delete(l.byEmail, email)
	l.mu.Unlock()
}

// sweepLocked drops keys whose failures have all aged out, at most once per sweepEvery.
func (l *LoginLimiter) sweepLocked(now time.Time) {
	if l.sweepEvery <= 0 || now.Sub(l.lastSweep) < l.sweepEvery {
		return
	}
	l.lastSweep = now
	for _, m := range []map[string][]time.Time{l.byIP, l.byEmail} {
		for k, ts := range m {
			if ts = prune(ts, now, l.keep); len(ts) == 0 {
				delete(m, k)
			} else {
				m[k] = ts
			}
		}
	}
}

func prune(ts []time.Time, now time.Time, keep time.Duration) []time.Time {
	cut := now.Add(-keep)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cut) {
			out = append(out, t)
		}
	}
	return out
}

// evaluateWindowThrottle blocks when at least max failures fall inside window.
// retry is the time until the oldest in-window failure ages out.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, f := range failures {
		if !f.After(cut) {
			continue
		}
		count++
		if oldest.IsZero() || f.Before(oldest) {
			oldest = f
		}
	}
	if count < max {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

// evaluateProgressiveLockout applies the first tier whose threshold is met and
// whose lockout, counted from the latest failure, has not elapsed.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}
	latest := failures[0]
	for _, f := range failures[1:] {
		if f.After(latest) {
			latest = f
		}
	}
	for _, t := range tiers {
		if t.Threshold <= 0 || t.Duration <= 0 || len(failures) < t.Threshold {
			continue
		}
		if retry := latest.Add(t.Duration).Sub(now); retry > 0 {
			return true, retry
		}
	}
	return false, 0
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

// clientIP returns the caller address, honoring X-Forwarded-For only when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip
			}
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
