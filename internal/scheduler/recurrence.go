package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	xerrors "Enclosure-Core/internal/errors"
)

// Kind enumerates recurrence shapes.
type Kind uint8

const (
	KindOnce Kind = iota
	KindInterval
	KindDaily
)

// Recurrence decides what happens to an entry after it fired.
type Recurrence struct {
	kind                 Kind
	every                time.Duration
	hour, minute, second int
}

// Once removes the entry after it fired.
func Once() Recurrence { return Recurrence{kind: KindOnce} }

// Every re-arms the entry d after the tick that fired it.
func Every(d time.Duration) Recurrence { return Recurrence{kind: KindInterval, every: d} }

// DailyAt re-arms the entry to the next wall clock occurrence of hh:mm:ss.
func DailyAt(hour, minute, second int) Recurrence {
	return Recurrence{kind: KindDaily, hour: hour, minute: minute, second: second}
}

// ParseDaily parses "hh:mm" or "hh:mm:ss".
func ParseDaily(s string) (Recurrence, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Recurrence{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid time of day %q", s))
	}
	limits := []int{23, 59, 59}
	values := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return Recurrence{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid time of day %q", s))
		}
		values[i] = n
	}
	return DailyAt(values[0], values[1], values[2]), nil
}

func (r Recurrence) Kind() Kind              { return r.kind }
func (r Recurrence) Interval() time.Duration { return r.every }

func (r Recurrence) validate() error {
	switch r.kind {
	case KindOnce:
		return nil
	case KindInterval:
		if r.every <= 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "interval must be positive")
		}
		return nil
	case KindDaily:
		if r.hour < 0 || r.hour > 23 || r.minute < 0 || r.minute > 59 || r.second < 0 || r.second > 59 {
			return xerrors.New(xerrors.CodeInvalidArgument, "invalid time of day")
		}
		return nil
	}
	return xerrors.New(xerrors.CodeInvalidArgument, "unknown recurrence")
}

// NextDaily returns the first hh:mm:ss in loc strictly after now.
func (r Recurrence) NextDaily(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	y, m, d := local.Date()
	next := time.Date(y, m, d, r.hour, r.minute, r.second, 0, loc)
	if !next.After(local) {
		next = time.Date(y, m, d+1, r.hour, r.minute, r.second, 0, loc)
	}
	return next
}

// rearm returns the next fire time after a firing at now, or false when
// the entry is done.
func (r Recurrence) rearm(now time.Time, loc *time.Location) (time.Time, bool) {
	switch r.kind {
	case KindInterval:
		return now.Add(r.every), true
	case KindDaily:
		return r.NextDaily(now, loc), true
	}
	return time.Time{}, false
}

func (r Recurrence) String() string {
	switch r.kind {
	case KindInterval:
		return "every " + r.every.String()
	case KindDaily:
		return fmt.Sprintf("daily at %02d:%02d:%02d", r.hour, r.minute, r.second)
	}
	return "once"
}
