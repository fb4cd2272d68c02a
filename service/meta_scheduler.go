package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"flowbroker/constants"
	"flowbroker/models"
	"flowbroker/utils"
)

type plannedTrigger struct {
	plan      models.Plan
	triggerAt time.Time
}

// TriggerScheduler holds the in-memory fire timers for plans owned by this
// broker. A coarse sweep ticker checks armed triggers against the clock;
// firing is delegated to the processor, whose duplicate guard makes a timer
// that fires twice harmless.
//
// FIXED_RATE and CRON re-arm themselves right after firing. FIXED_DELAY
// disarms on fire and is re-armed by the processor when the instance
// completes.
type TriggerScheduler struct {
	logger hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	triggers  sync.Map
	triggerFn func(plan models.Plan, triggerType models.TriggerType, attributes map[string]string, triggerAt time.Time) (*models.PlanInstance, *utils.GenericError)
}

func NewTriggerScheduler(ctx context.Context, logger hclog.Logger) *TriggerScheduler {
	schedulerCtx, cancel := context.WithCancel(ctx)
	return &TriggerScheduler{
		logger: logger.Named("trigger-scheduler"),
		ctx:    schedulerCtx,
		cancel: cancel,
	}
}

// SetTriggerHandler wired after construction; the processor needs this
// scheduler as its fixed-delay armer at the same time.
func (scheduler *TriggerScheduler) SetTriggerHandler(triggerFn func(plan models.Plan, triggerType models.TriggerType, attributes map[string]string, triggerAt time.Time) (*models.PlanInstance, *utils.GenericError)) {
	scheduler.triggerFn = triggerFn
}

func (scheduler *TriggerScheduler) Start() {
	go scheduler.runSweep()
}

func (scheduler *TriggerScheduler) Stop() {
	scheduler.cancel()
}

// ArmPlanTrigger arms or re-arms the single timer for the plan. Arming an
// already armed plan replaces its fire time; plan reloads rely on this.
func (scheduler *TriggerScheduler) ArmPlanTrigger(plan models.Plan, triggerAt time.Time) {
	scheduler.triggers.Store(plan.ID, plannedTrigger{plan: plan, triggerAt: triggerAt})
	scheduler.logger.Debug("armed plan trigger", "planId", plan.ID, "planVersion", plan.Version, "triggerAt", triggerAt)
}

// CancelPlan disarms the plan's timer; used when a plan is disabled or its
// ownership moves to another broker.
func (scheduler *TriggerScheduler) CancelPlan(planId uint64) {
	scheduler.triggers.Delete(planId)
}

// CancelAll disarms every timer; called when the scheduler lease is lost so
// a demoted broker stops firing immediately.
func (scheduler *TriggerScheduler) CancelAll() {
	scheduler.triggers.Range(func(key any, value any) bool {
		scheduler.triggers.Delete(key)
		return true
	})
}

// ArmedTriggerAt reports the pending fire time for a plan, if any.
func (scheduler *TriggerScheduler) ArmedTriggerAt(planId uint64) (time.Time, bool) {
	value, ok := scheduler.triggers.Load(planId)
	if !ok {
		return time.Time{}, false
	}
	return value.(plannedTrigger).triggerAt, true
}

func (scheduler *TriggerScheduler) runSweep() {
	ticker := time.NewTicker(time.Duration(constants.DefaultTriggerSweepMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			scheduler.sweep(time.Now().UTC())
		case <-scheduler.ctx.Done():
			return
		}
	}
}

func (scheduler *TriggerScheduler) sweep(now time.Time) {
	scheduler.triggers.Range(func(key any, value any) bool {
		planned := value.(plannedTrigger)
		if planned.triggerAt.After(now) {
			return true
		}

		switch planned.plan.ScheduleOption.ScheduleType {
		case models.ScheduleTypeFixedRate, models.ScheduleTypeCron:
			next, err := planned.plan.ScheduleOption.NextTriggerTime(planned.triggerAt, time.Time{}, now)
			if err != nil {
				scheduler.logger.Info("plan schedule ended", "planId", planned.plan.ID, "reason", err.Error())
				scheduler.triggers.Delete(key)
			} else {
				scheduler.triggers.Store(key, plannedTrigger{plan: planned.plan, triggerAt: next})
			}
		default:
			scheduler.triggers.Delete(key)
		}

		go scheduler.fire(planned)
		return true
	})
}

func (scheduler *TriggerScheduler) fire(planned plannedTrigger) {
	if scheduler.triggerFn == nil {
		scheduler.logger.Error("no trigger handler wired", "planId", planned.plan.ID)
		return
	}

	_, err := scheduler.triggerFn(planned.plan, models.TriggerTypeSchedule, nil, planned.triggerAt)
	if err != nil {
		if err.Type == http.StatusConflict {
			scheduler.logger.Debug("trigger suppressed", "planId", planned.plan.ID, "reason", err.Message)
			return
		}
		scheduler.logger.Error("failed to trigger plan", "planId", planned.plan.ID, "error", err.Message)
	}
}
