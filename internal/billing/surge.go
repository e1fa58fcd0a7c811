package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Surge tells the queue whether surge pricing is in effect.
type Surge interface {
	IsSurgePeriod(ctx context.Context, at time.Time) (bool, error)
	SurgeMultiplier(ctx context.Context, at time.Time) (float64, error)
}

// MonthDay is a day of the year without the year.
type MonthDay struct {
	Month time.Month
	Day   int
}

// ParseMonthDay parses "MM-DD".
func ParseMonthDay(s string) (MonthDay, error) {
	t, err := time.Parse("01-02", s)
	if err != nil {
		return MonthDay{}, fmt.Errorf("parse month-day %q: %w", s, err)
	}
	return MonthDay{Month: t.Month(), Day: t.Day()}, nil
}

func (m MonthDay) ordinal() int { return int(m.Month)*100 + m.Day }

// CalendarSurge is a yearly window, inclusive on both ends, evaluated in UTC.
// A window whose start is after its end wraps the new year.
type CalendarSurge struct {
	Start      MonthDay
	End        MonthDay
	Multiplier float64
}

// DefaultCalendarSurge is the June 15 to June 30 window at 1.5x.
var DefaultCalendarSurge = CalendarSurge{
	Start:      MonthDay{Month: time.June, Day: 15},
	End:        MonthDay{Month: time.June, Day: 30},
	Multiplier: 1.5,
}

// NewCalendarSurge builds a window from "MM-DD" bounds.
func NewCalendarSurge(start, end string, multiplier float64) (CalendarSurge, error) {
	s, err := ParseMonthDay(start)
	if err != nil {
		return CalendarSurge{}, err
	}
	e, err := ParseMonthDay(end)
	if err != nil {
		return CalendarSurge{}, err
	}
	if multiplier < 1 {
		return CalendarSurge{}, fmt.Errorf("surge multiplier must be >= 1, got %v", multiplier)
	}
	return CalendarSurge{Start: s, End: e, Multiplier: multiplier}, nil
}

func (c CalendarSurge) IsSurgePeriod(_ context.Context, at time.Time) (bool, error) {
	at = at.UTC()
	d := MonthDay{Month: at.Month(), Day: at.Day()}.ordinal()
	s, e := c.Start.ordinal(), c.End.ordinal()
	if s <= e {
		return d >= s && d <= e, nil
	}
	return d >= s || d <= e, nil
}

func (c CalendarSurge) SurgeMultiplier(ctx context.Context, at time.Time) (float64, error) {
	on, err := c.IsSurgePeriod(ctx, at)
	if err != nil || !on {
		return 1, err
	}
	return c.Multiplier, nil
}

type surgeAnswer struct {
	on         bool
	multiplier float64
}

// CachedSurge memoizes another Surge per UTC day.
type CachedSurge struct {
	next  Surge
	cache *ttlcache.Cache[string, surgeAnswer]
}

// NewCachedSurge wraps next with a ttl bounded cache. Call Stop to release the janitor.
func NewCachedSurge(next Surge, ttl time.Duration) *CachedSurge {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := ttlcache.New[string, surgeAnswer](
		ttlcache.WithTTL[string, surgeAnswer](ttl),
		ttlcache.WithCapacity[string, surgeAnswer](64),
	)
	go c.Start()
	return &CachedSurge{next: next, cache: c}
}

// Stop halts the cache's expiry goroutine.
func (c *CachedSurge) Stop() { c.cache.Stop() }

func (c *CachedSurge) lookup(ctx context.Context, at time.Time) (surgeAnswer, error) {
	key := at.UTC().Format(time.DateOnly)
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	on, err := c.next.IsSurgePeriod(ctx, at)
	if err != nil {
		return surgeAnswer{}, err
	}
	ans := surgeAnswer{on: on, multiplier: 1}
	if on {
		if ans.multiplier, err = c.next.SurgeMultiplier(ctx, at); err != nil {
			return surgeAnswer{}, err
		}
	}
	c.cache.Set(key, ans, ttlcache.DefaultTTL)
	return ans, nil
}

func (c *CachedSurge) IsSurgePeriod(ctx context.Context, at time.Time) (bool, error) {
	ans, err := c.lookup(ctx, at)
	return ans.on, err
}

func (c *CachedSurge) SurgeMultiplier(ctx context.Context, at time.Time) (float64, error) {
	ans, err := c.lookup(ctx, at)
	if err != nil {
		return 1, err
	}
	return ans.multiplier, nil
}
