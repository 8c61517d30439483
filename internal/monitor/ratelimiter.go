package monitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Time windows tracked by the rate limiter
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

var windows = []string{WindowMinute, WindowHour, WindowDay}

// Limits holds the per-user request ceilings. A zero limit disables that window.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// RateLimitResult represents the result of a rate limit check
type RateLimitResult struct {
	Allowed           bool
	NextAvailableTime time.Time
	CurrentCount      int
	WindowLimit       int
	TimeWindow        string
	UserFriendlyMsg   string
}

// RateLimiter counts expensive operations (image generation) per user in fixed
// minute/hour/day windows. Counters live in an in-memory go-cache and expire
// with their window, so a restart resets every user.
type RateLimiter struct {
	mu     sync.Mutex
	counts *cache.Cache
	limits Limits
	exempt map[string]bool
	logger *slog.Logger
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(limits Limits, logger *slog.Logger, exemptUserIDs ...string) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	exempt := make(map[string]bool, len(exemptUserIDs))
	for _, id := range exemptUserIDs {
		if id != "" {
			exempt[id] = true
		}
	}

	return &RateLimiter{
		counts: cache.New(time.Hour, 10*time.Minute),
		limits: limits,
		exempt: exempt,
		logger: logger,
		now:    time.Now,
	}
}

// Allow checks every window for the user and, if all have room, records the request.
// A denied request is not counted.
func (r *RateLimiter) Allow(userID string) *RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.exempt[userID] {
		return &RateLimitResult{Allowed: true, NextAvailableTime: now}
	}

	for _, window := range windows {
		limit := r.limitFor(window)
		if limit <= 0 {
			continue
		}

		count := r.count(userID, window, now)
		if count >= limit {
			nextAvailable := windowStart(now, window).Add(windowDuration(window))
			r.logger.Debug("Rate limit exceeded",
				"user_id", userID,
				"window", window,
				"current_count", count,
				"limit", limit,
				"next_available", nextAvailable)
			return &RateLimitResult{
				Allowed:           false,
				NextAvailableTime: nextAvailable,
				CurrentCount:      count,
				WindowLimit:       limit,
				TimeWindow:        window,
				UserFriendlyMsg:   formatRateLimitMessage(window, limit, count, nextAvailable.Sub(now)),
			}
		}
	}

	for _, window := range windows {
		if r.limitFor(window) > 0 {
			r.record(userID, window, now)
		}
	}

	return &RateLimitResult{Allowed: true, NextAvailableTime: now}
}

// usage returns the request count of the user's current window
func (r *RateLimiter) usage(userID, window string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count(userID, window, r.now())
}

// Flush drops all counters
func (r *RateLimiter) Flush() {
	r.counts.Flush()
}

func (r *RateLimiter) limitFor(window string) int {
	switch window {
	case WindowMinute:
		return r.limits.PerMinute
	case WindowHour:
		return r.limits.PerHour
	case WindowDay:
		return r.limits.PerDay
	default:
		return 0
	}
}

func (r *RateLimiter) count(userID, window string, now time.Time) int {
	v, ok := r.counts.Get(counterKey(userID, window, now))
	if !ok {
		return 0
	}
	n, _ := v.(int)
	return n
}

func (r *RateLimiter) record(userID, window string, now time.Time) {
	key := counterKey(userID, window, now)
	ttl := windowStart(now, window).Add(windowDuration(window)).Sub(now)
	if err := r.counts.Add(key, 1, ttl); err == nil {
		return
	}
	if _, err := r.counts.IncrementInt(key, 1); err != nil {
		r.logger.Warn("Failed to increment rate limit counter", "key", key, "error", err)
	}
}

// counterKey embeds the window start so a new window never sees the previous count,
// even before go-cache evicts the expired item
func counterKey(userID, window string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", userID, window, windowStart(now, window).Unix())
}

// windowDuration returns the duration for a time window
func windowDuration(window string) time.Duration {
	switch window {
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// windowStart calculates the start of the current window for a given time
func windowStart(t time.Time, window string) time.Time {
	switch window {
	case WindowHour:
		return t.Truncate(time.Hour)
	case WindowDay:
		year, month, day := t.Date()
		return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
	default:
		return t.Truncate(time.Minute)
	}
}

// formatRateLimitMessage creates a user-friendly rate limit exceeded message
func formatRateLimitMessage(window string, limit int, currentCount int, timeUntilReset time.Duration) string {
	return fmt.Sprintf("⏰ **Rate limit exceeded!** You've used %d/%d image generations per %s. Please try again in %s.",
		currentCount, limit, window, formatDuration(timeUntilReset))
}

// pluralize returns "s" if count != 1, empty string otherwise
func pluralize(count int) string {
	if count == 1 {
		return ""
	}
	return "s"
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		seconds := int(d.Seconds())
		return fmt.Sprintf("%d second%s", seconds, pluralize(seconds))
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		return fmt.Sprintf("%d minute%s", minutes, pluralize(minutes))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		return fmt.Sprintf("%d hour%s", hours, pluralize(hours))
	}
	days := int(d.Hours() / 24)
	return fmt.Sprintf("%d day%s", days, pluralize(days))
}
