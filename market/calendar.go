// Package market classifies wall-clock time into trading sessions and
// decides whether an order can be accepted now or must be deferred to a
// later execution slot. All functions are pure over the timestamps they are
// given; nothing here reads the system clock.
package market

import (
	"time"

	"github.com/quantrelay/quantrelay/config"
	"github.com/quantrelay/quantrelay/errors"
)

// SessionStatus classifies a moment in time against the exchange calendar
type SessionStatus string

const (
	SessionOpen       SessionStatus = "open"
	SessionPreMarket  SessionStatus = "pre_market"
	SessionPostMarket SessionStatus = "post_market"
	SessionAMOWindow  SessionStatus = "amo_window"
	SessionClosed     SessionStatus = "closed"
	SessionHoliday    SessionStatus = "holiday"
	SessionWeekend    SessionStatus = "weekend"
)

// AMOSlot names the execution slot a deferred order is scheduled into
type AMOSlot string

const (
	SlotPreOpen  AMOSlot = config.AMOSlotPreOpen
	SlotOpen     AMOSlot = config.AMOSlotOpen
	SlotOpenPlus AMOSlot = config.AMOSlotOpenPlus
)

const dateLayout = "2006-01-02"

// Calendar answers trading-day and session questions for one exchange.
// Immutable after construction; safe for concurrent use.
type Calendar struct {
	loc              *time.Location
	holidays         map[string]bool
	extraTradingDays map[string]bool
	preOpen          int // minutes since midnight
	open             int
	close            int
	postClose        int
	amoOffset        time.Duration
	allowPostMarket  bool
}

// NewCalendar builds a Calendar from validated configuration
func NewCalendar(cfg config.CalendarConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid calendar timezone %q", cfg.Timezone)
	}

	boundaries := make([]int, 4)
	for i, value := range []string{cfg.PreOpen, cfg.Open, cfg.Close, cfg.PostClose} {
		parsed, err := time.Parse("15:04", value)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid session boundary %q", value)
		}
		boundaries[i] = parsed.Hour()*60 + parsed.Minute()
	}

	holidays := make(map[string]bool, len(cfg.Holidays))
	for _, day := range cfg.Holidays {
		holidays[day] = true
	}
	extra := make(map[string]bool, len(cfg.ExtraTradingDays))
	for _, day := range cfg.ExtraTradingDays {
		extra[day] = true
	}

	return &Calendar{
		loc:              loc,
		holidays:         holidays,
		extraTradingDays: extra,
		preOpen:          boundaries[0],
		open:             boundaries[1],
		close:            boundaries[2],
		postClose:        boundaries[3],
		amoOffset:        time.Duration(cfg.AMOOffsetMinutes) * time.Minute,
		allowPostMarket:  cfg.AllowPostMarket,
	}, nil
}

// Location returns the exchange timezone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether the exchange trades on the given date.
// Special trading days (e.g. budget-day Saturdays) override the weekend
// rule, so the weekly pattern is never assumed fixed.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	key := local.Format(dateLayout)

	if c.extraTradingDays[key] {
		return true
	}
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	return !c.holidays[key]
}

// ClassifySession maps an instant to its session status.
// On a trading day, the stretch from midnight to pre-open and the stretch
// after post-market close both fall in the after-market-order window; the
// two branches are classified separately rather than by naive time-of-day
// comparison, so the window spanning midnight never misfires on
// weekends or holidays.
func (c *Calendar) ClassifySession(t time.Time) SessionStatus {
	local := t.In(c.loc)

	if !c.IsTradingDay(local) {
		if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
			return SessionWeekend
		}
		return SessionHoliday
	}

	minute := local.Hour()*60 + local.Minute()
	switch {
	case minute < c.preOpen:
		return SessionAMOWindow // morning branch: midnight to pre-open
	case minute < c.open:
		return SessionPreMarket
	case minute < c.close:
		return SessionOpen
	case minute < c.postClose:
		return SessionPostMarket
	default:
		return SessionAMOWindow // evening branch: after post-market close
	}
}

// NextTradingDay walks forward one day at a time until a trading day is
// found. Intentionally linear: holiday sets are small and lookahead is
// bounded to under a year.
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	local := t.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	for {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			return day
		}
	}
}

// Decision is the outcome of a defer check
type Decision struct {
	Defer       bool
	Reason      string
	Session     SessionStatus
	ScheduledAt *time.Time // non-nil iff Defer
}

// ShouldDefer decides whether an order arriving at t can be executed now.
// Only SessionOpen (and, when configured, pre/post market) executes
// immediately; everything else is deferred to the caller's preferred AMO
// slot on the next session.
func (c *Calendar) ShouldDefer(t time.Time, slot AMOSlot) Decision {
	session := c.ClassifySession(t)

	switch session {
	case SessionOpen:
		return Decision{Defer: false, Session: session}
	case SessionPreMarket, SessionPostMarket:
		if c.allowPostMarket {
			return Decision{Defer: false, Session: session}
		}
	}

	scheduled := c.NextSlotTime(t, slot)
	return Decision{
		Defer:       true,
		Reason:      "market not open: " + string(session),
		Session:     session,
		ScheduledAt: &scheduled,
	}
}

// NextSlotTime computes the next occurrence of the given execution slot
// strictly after t: today's slot if it has not passed yet on a trading day,
// otherwise the slot on the next trading day.
func (c *Calendar) NextSlotTime(t time.Time, slot AMOSlot) time.Time {
	local := t.In(c.loc)
	slotMinute := c.slotMinute(slot)

	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	if !c.IsTradingDay(day) || local.Hour()*60+local.Minute() >= slotMinute {
		day = c.NextTradingDay(day)
	}
	return day.Add(time.Duration(slotMinute) * time.Minute)
}

func (c *Calendar) slotMinute(slot AMOSlot) int {
	switch slot {
	case SlotPreOpen:
		return c.preOpen
	case SlotOpenPlus:
		return c.open + int(c.amoOffset.Minutes())
	default:
		return c.open
	}
}
