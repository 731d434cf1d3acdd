package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a validated flush schedule. Exactly one of Cron or Every is set.
type Schedule struct {
	Cron  string
	Every time.Duration
}

func (s Schedule) IsZero() bool {
	return s.Cron == "" && s.Every == 0
}

// ParseSchedule validates the optional service.flush section. A nil section
// yields a zero Schedule, meaning the log batch is shipped on heartbeats only.
func ParseSchedule(f *Flush) (Schedule, error) {
	if f == nil || (f.Cron == "" && f.Duration == "") {
		return Schedule{}, nil
	}
	if f.Cron != "" {
		if _, err := ParseCron(f.Cron); err != nil {
			return Schedule{}, fmt.Errorf("parsing service.flush.cron: %w", err)
		}
		return Schedule{Cron: strings.TrimSpace(f.Cron)}, nil
	}
	d, err := ParseISODuration(f.Duration)
	if err != nil {
		return Schedule{}, fmt.Errorf("parsing service.flush.duration: %w", err)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("service.flush.duration must be positive, got %s", d)
	}
	return Schedule{Every: d}, nil
}

// ParseCron parses a 5 field cron expression or a macro (@hourly, @every 5m)
// and returns the interval between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>[+-]?\d+)H)?(?:(?P<minute>[+-]?\d+)M)?(?:(?P<second>[+-]?\d+(?:[.,]\d+)?)S)?)?$`)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseISODuration parses the day/time subset of ISO8601 durations: P1D,
// PT5M, P1DT2H30M, PT0.5S. Minutes require the T designator.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" || !isoDurationRx.MatchString(dur) {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)

	hasT := strings.Contains(dur, "T")
	hasHMS := false

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}

		num, frac, err := splitDecimal(part)
		if err != nil {
			return 0, err
		}
		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			hasHMS = true
			unit = time.Hour
		case "minute":
			hasHMS = true
			if !hasT {
				return 0, ErrISOFormat
			}
			unit = time.Minute
		case "second":
			hasHMS = true
			unit = time.Second
		default:
			return 0, fmt.Errorf("unknown component %s", name)
		}
		ret += time.Duration(num) * unit
		if num >= 0 {
			ret += time.Duration(frac * float64(unit))
		} else {
			ret -= time.Duration(frac * float64(unit))
		}
	}

	// P2DT
	if hasT && !hasHMS {
		return 0, ErrISOFormat
	}
	return ret, nil
}

func splitDecimal(s string) (num int, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	a, b, ok := strings.Cut(s, ".")
	if ok {
		if len(b) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, err := strconv.Atoi(b)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		if f != 0 {
			frac = float64(f) / math.Pow10(len(b))
		}
	}
	num, err = strconv.Atoi(a)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}
