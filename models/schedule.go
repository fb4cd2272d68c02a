package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron"
)

// ErrScheduleExpired the schedule window is over; no further fire times.
var ErrScheduleExpired = errors.New("schedule window has ended")

// NextTriggerTime computes the next fire time for a plan. FIXED_RATE
// measures from the previous trigger time, FIXED_DELAY from the previous
// instance's feedback time, CRON from whichever baseline is latest.
func (opt ScheduleOption) NextTriggerTime(lastTriggerAt time.Time, lastFeedbackAt time.Time, now time.Time) (time.Time, error) {
	baseline := now
	if !opt.ScheduleStartAt.IsZero() && opt.ScheduleStartAt.After(baseline) {
		baseline = opt.ScheduleStartAt
	}

	var next time.Time
	switch opt.ScheduleType {
	case ScheduleTypeFixedRate:
		if lastTriggerAt.IsZero() {
			next = baseline
		} else {
			next = lastTriggerAt.Add(time.Duration(opt.Interval) * time.Second)
		}
	case ScheduleTypeFixedDelay:
		if lastFeedbackAt.IsZero() {
			next = baseline
		} else {
			next = lastFeedbackAt.Add(time.Duration(opt.Interval) * time.Second)
		}
	case ScheduleTypeCron:
		schedule, err := cron.ParseStandard(opt.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", opt.CronExpr, err)
		}
		cronBase := baseline
		if lastTriggerAt.After(cronBase) {
			cronBase = lastTriggerAt
		}
		next = schedule.Next(cronBase)
	default:
		return time.Time{}, fmt.Errorf("schedule type %q does not self-trigger", opt.ScheduleType)
	}

	if !opt.ScheduleEndAt.IsZero() && next.After(opt.ScheduleEndAt) {
		return time.Time{}, ErrScheduleExpired
	}

	return next, nil
}

// Validate rejects options a trigger timer could never be armed for.
func (opt ScheduleOption) Validate() error {
	switch opt.ScheduleType {
	case ScheduleTypeFixedRate, ScheduleTypeFixedDelay:
		if opt.Interval <= 0 {
			return fmt.Errorf("schedule type %s requires a positive interval", opt.ScheduleType)
		}
	case ScheduleTypeCron:
		if _, err := cron.ParseStandard(opt.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", opt.CronExpr, err)
		}
	case ScheduleTypeNone:
	default:
		return fmt.Errorf("unknown schedule type %q", opt.ScheduleType)
	}
	return nil
}
