// Package ratelimit caps deliveries per hour and per day at global,
// channel, campaign and recipient level. Counters live in memory and are
// flushed to the shared bbolt state file.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Level is the scope a limit applies to
type Level string

const (
	LevelGlobal    Level = "global"
	LevelChannel   Level = "channel"
	LevelCampaign  Level = "campaign"
	LevelRecipient Level = "recipient"
)

// Config contains rate limit configuration. A nil limit disables its level.
type Config struct {
	Global           *LimitConfig
	Channels         map[string]*LimitConfig // keyed by channel name
	DefaultCampaign  *LimitConfig
	DefaultRecipient *LimitConfig // per address across campaigns

	FlushInterval time.Duration
	Now           func() time.Time
}

// LimitConfig contains rate limit values. Zero means unlimited.
type LimitConfig struct {
	MessagesPerHour int `json:"messages_per_hour"`
	MessagesPerDay  int `json:"messages_per_day"`
}

// Request describes one delivery attempt
type Request struct {
	Channel    string // email, whatsapp
	CampaignID string
	Recipient  string // email address or phone number
}

// Result contains the rate limit decision
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats is the counter state of one key
type Stats struct {
	Level       Level
	Key         string
	HourlyCount int
	DailyCount  int
	HourStart   time.Time
	DayStart    time.Time
}

// window counts events since Start; it restarts once span has passed
type window struct {
	Count int       `json:"count"`
	Start time.Time `json:"start"`
}

func (w window) at(now time.Time, span time.Duration) window {
	if w.Start.IsZero() || now.Sub(w.Start) >= span {
		return window{Start: now}
	}
	return w
}

type counter struct {
	Hour window `json:"hour"`
	Day  window `json:"day"`
}

func (c counter) at(now time.Time) counter {
	return counter{Hour: c.Hour.at(now, time.Hour), Day: c.Day.at(now, 24*time.Hour)}
}

type limitCheck struct {
	level Level
	key   string
	limit *LimitConfig
}

// Limiter enforces the configured limits
type Limiter struct {
	db     *bolt.DB
	config *Config
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]counter
	dirty    map[string]struct{}

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a limiter and loads the persisted counters
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		now:      cfg.Now,
		counters: make(map[string]counter),
		dirty:    make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := l.load(); err != nil {
		return nil, err
	}

	go l.flushLoop()
	return l, nil
}

// Allow decides req and, when allowed, counts it on every level
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	return l.evaluate(req, true), nil
}

// Check decides req without counting it
func (l *Limiter) Check(ctx context.Context, req *Request) (*Result, error) {
	return l.evaluate(req, false), nil
}

func (l *Limiter) evaluate(req *Request, commit bool) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	checks := l.checksFor(req)

	current := make([]counter, len(checks))
	for i, check := range checks {
		c := l.counters[check.key].at(now)
		if retry, over := exceeded(c, check.limit, now); over {
			return &Result{DeniedBy: check.level, DeniedKey: check.key, RetryAfter: retry}
		}
		current[i] = c
	}

	if commit {
		for i, check := range checks {
			c := current[i]
			c.Hour.Count++
			c.Day.Count++
			l.counters[check.key] = c
			l.dirty[check.key] = struct{}{}
		}
	}
	return &Result{Allowed: true}
}

// exceeded reports whether c is at limit and when the blocking window ends
func exceeded(c counter, limit *LimitConfig, now time.Time) (time.Duration, bool) {
	if limit.MessagesPerHour > 0 && c.Hour.Count >= limit.MessagesPerHour {
		return c.Hour.Start.Add(time.Hour).Sub(now), true
	}
	if limit.MessagesPerDay > 0 && c.Day.Count >= limit.MessagesPerDay {
		return c.Day.Start.Add(24 * time.Hour).Sub(now), true
	}
	return 0, false
}

// GetStats returns the current counts of one key
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.Lock()
	stored, ok := l.counters[makeKey(level, key)]
	l.mu.Unlock()

	stats := &Stats{Level: level, Key: key}
	if !ok {
		return stats, nil
	}
	c := stored.at(l.now())
	stats.HourlyCount, stats.HourStart = c.Hour.Count, c.Hour.Start
	stats.DailyCount, stats.DayStart = c.Day.Count, c.Day.Start
	return stats, nil
}

// Stop ends background flushing and writes the counters one last time
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		<-l.done
	})
	return l.flush()
}

func (l *Limiter) checksFor(req *Request) []limitCheck {
	var checks []limitCheck
	add := func(level Level, key string, limit *LimitConfig) {
		if limit != nil && key != "" {
			checks = append(checks, limitCheck{level: level, key: makeKey(level, key), limit: limit})
		}
	}

	add(LevelGlobal, "global", l.config.Global)
	add(LevelChannel, req.Channel, l.config.Channels[req.Channel])
	add(LevelCampaign, req.CampaignID, l.config.DefaultCampaign)
	add(LevelRecipient, strings.ToLower(req.Recipient), l.config.DefaultRecipient)
	return checks
}

func (l *Limiter) load() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		if err != nil {
			return fmt.Errorf("failed to create rate limits bucket: %w", err)
		}
		return bucket.ForEach(func(k, v []byte) error {
			var c counter
			if json.Unmarshal(v, &c) == nil {
				l.counters[string(k)] = c
			}
			return nil
		})
	})
}

// flush writes changed counters and drops the ones idle for a full day
func (l *Limiter) flush() error {
	l.mu.Lock()
	now := l.now()
	changed := make(map[string]counter, len(l.dirty))
	for key := range l.dirty {
		changed[key] = l.counters[key]
	}
	var expired []string
	for key, c := range l.counters {
		if now.Sub(c.Day.Start) >= 24*time.Hour {
			expired = append(expired, key)
			delete(l.counters, key)
		}
	}
	l.dirty = make(map[string]struct{})
	l.mu.Unlock()

	if len(changed) == 0 && len(expired) == 0 {
		return nil
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		for _, key := range expired {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		for key, c := range changed {
			if now.Sub(c.Day.Start) >= 24*time.Hour {
				continue
			}
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) flushLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
