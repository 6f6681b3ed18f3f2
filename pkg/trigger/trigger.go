package trigger

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hanfei1991/dagsched/model"
	"github.com/hanfei1991/dagsched/pkg/errors"
)

// DateTimeLayout is the layout of ONCE trigger values and period starts.
const DateTimeLayout = "2006-01-02 15:04:05"

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Period units of a PERIOD trigger.
const (
	PeriodHourly    = "HOURLY"
	PeriodDaily     = "DAILY"
	PeriodWeekly    = "WEEKLY"
	PeriodMonthly   = "MONTHLY"
	PeriodQuarterly = "QUARTERLY"
	PeriodYearly    = "YEARLY"
)

// PeriodValue is the json trigger value of a PERIOD job, e.g.
// {"period":"MONTHLY","start":"2000-01-01 00:00:00","step":1}.
type PeriodValue struct {
	Period string `json:"period"`
	Start  string `json:"start"`
	Step   int    `json:"step"`
}

// Validate checks the trigger value of a job.
func Validate(tt model.TriggerType, value string) error {
	switch tt {
	case model.TriggerTypeCron:
		_, err := parseCron(value)
		return err
	case model.TriggerTypeOnce:
		_, err := parseDateTime(tt, value)
		return err
	case model.TriggerTypePeriod:
		_, _, err := parsePeriod(value)
		return err
	case model.TriggerTypeFixedRate, model.TriggerTypeFixedDelay:
		_, err := FixedInterval(tt, value)
		return err
	case model.TriggerTypeDepend:
		_, err := ParseDependParents(value)
		return err
	default:
		return errors.ErrInvalidTriggerType.GenWithStackByArgs(tt.String(), value)
	}
}

// Next returns the first trigger time strictly after after. ok is false
// when the job never triggers again or is triggered by its parents.
func Next(tt model.TriggerType, value string, after time.Time) (next time.Time, ok bool, err error) {
	switch tt {
	case model.TriggerTypeCron:
		sched, err := parseCron(value)
		if err != nil {
			return time.Time{}, false, err
		}
		next = sched.Next(after)
		return next, !next.IsZero(), nil
	case model.TriggerTypeOnce:
		at, err := parseDateTime(tt, value)
		if err != nil {
			return time.Time{}, false, err
		}
		if at.After(after) {
			return at, true, nil
		}
		return time.Time{}, false, nil
	case model.TriggerTypePeriod:
		start, advance, err := parsePeriod(value)
		if err != nil {
			return time.Time{}, false, err
		}
		next = start
		for !next.After(after) {
			next = advance(next)
		}
		return next, true, nil
	case model.TriggerTypeFixedRate, model.TriggerTypeFixedDelay:
		interval, err := FixedInterval(tt, value)
		if err != nil {
			return time.Time{}, false, err
		}
		return after.Add(interval), true, nil
	case model.TriggerTypeDepend:
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, errors.ErrInvalidTriggerType.GenWithStackByArgs(tt.String(), value)
	}
}

// FixedInterval parses the seconds of a FIXED_RATE or FIXED_DELAY value.
func FixedInterval(tt model.TriggerType, value string) (time.Duration, error) {
	seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || seconds <= 0 {
		return 0, errors.ErrInvalidTriggerType.GenWithStackByArgs(tt.String(), value)
	}
	return time.Duration(seconds) * time.Second, nil
}

// ParseDependParents parses the comma separated parent job ids of a
// DEPEND job.
func ParseDependParents(value string) ([]int64, error) {
	var parents []int64
	seen := make(map[int64]struct{})
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.ErrInvalidTriggerType.GenWithStackByArgs(model.TriggerTypeDepend.String(), value)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		parents = append(parents, id)
	}
	if len(parents) == 0 {
		return nil, errors.ErrInvalidTriggerType.GenWithStackByArgs(model.TriggerTypeDepend.String(), value)
	}
	return parents, nil
}

func parseCron(value string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(value))
	if err != nil {
		return nil, errors.ErrInvalidTriggerType.Wrap(err).GenWithStackByArgs(model.TriggerTypeCron.String(), value)
	}
	return sched, nil
}

func parseDateTime(tt model.TriggerType, value string) (time.Time, error) {
	t, err := time.ParseInLocation(DateTimeLayout, strings.TrimSpace(value), time.Local)
	if err != nil {
		return time.Time{}, errors.ErrInvalidTriggerType.Wrap(err).GenWithStackByArgs(tt.String(), value)
	}
	return t, nil
}

func parsePeriod(value string) (time.Time, func(time.Time) time.Time, error) {
	var pv PeriodValue
	if err := json.Unmarshal([]byte(value), &pv); err != nil {
		return time.Time{}, nil, errors.ErrInvalidTriggerType.Wrap(err).GenWithStackByArgs(model.TriggerTypePeriod.String(), value)
	}
	if pv.Step <= 0 {
		return time.Time{}, nil, errors.ErrInvalidTriggerType.GenWithStackByArgs(model.TriggerTypePeriod.String(), value)
	}
	start, err := parseDateTime(model.TriggerTypePeriod, pv.Start)
	if err != nil {
		return time.Time{}, nil, err
	}

	step := pv.Step
	var advance func(time.Time) time.Time
	switch pv.Period {
	case PeriodHourly:
		advance = func(t time.Time) time.Time { return t.Add(time.Duration(step) * time.Hour) }
	case PeriodDaily:
		advance = func(t time.Time) time.Time { return t.AddDate(0, 0, step) }
	case PeriodWeekly:
		advance = func(t time.Time) time.Time { return t.AddDate(0, 0, 7*step) }
	case PeriodMonthly:
		advance = func(t time.Time) time.Time { return t.AddDate(0, step, 0) }
	case PeriodQuarterly:
		advance = func(t time.Time) time.Time { return t.AddDate(0, 3*step, 0) }
	case PeriodYearly:
		advance = func(t time.Time) time.Time { return t.AddDate(step, 0, 0) }
	default:
		return time.Time{}, nil, errors.ErrInvalidTriggerType.GenWithStackByArgs(model.TriggerTypePeriod.String(), value)
	}
	return start, advance, nil
}
