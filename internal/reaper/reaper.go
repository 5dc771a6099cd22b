// Package reaper implements the Timeout Reaper: a periodic cooperative task
// that transitions commands stuck in `accepted` past their receipt
// deadline to `timeout`.
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zw834675966/ems/internal/command"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/store"
	"github.com/zw834675966/ems/internal/tenantctx"
)

// Reaper periodically reaps commands that have sat in `accepted` longer
// than the configured receipt timeout.
type Reaper struct {
	commands store.CommandStore
	audit    store.AuditStore
	log      *zap.Logger
	cron     *cron.Cron

	timeout time.Duration
	newID   func() string
	nowMs   func() int64
}

// New builds a Reaper. timeout is how long a command may remain `accepted`
// before it is reaped; the reap schedule is passed to Start.
func New(commands store.CommandStore, audit store.AuditStore, log *zap.Logger, timeout time.Duration, newID func() string) *Reaper {
	return &Reaper{
		commands: commands,
		audit:    audit,
		log:      log,
		cron:     cron.New(cron.WithSeconds()),
		timeout:  timeout,
		newID:    newID,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Start schedules the reap job and begins the cron scheduler. schedule
// follows cron.WithSeconds() syntax (6 fields: sec min hour dom month dow),
// e.g. "*/30 * * * * *" for every 30s.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() { r.reapOnce(ctx) })
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reaper) reapOnce(ctx context.Context) {
	cutoff := r.nowMs() - r.timeout.Milliseconds()
	stale, err := r.commands.ListAcceptedOlderThan(ctx, cutoff)
	if err != nil {
		r.log.Error("reaper: list accepted commands failed", zap.Error(err))
		return
	}
	for _, cmd := range stale {
		r.reapOne(ctx, cmd)
	}
}

// reapOne is idempotent: TransitionFrom only applies when the row is still
// `accepted`, so a command reaped or reconciled by a concurrent receipt
// between the list and the update is left untouched.
func (r *Reaper) reapOne(ctx context.Context, cmd domain.Command) {
	tc := tenantctx.New(cmd.TenantID, "reaper").WithProject(cmd.ProjectID)
	next, ok := command.NextStatus(cmd.Status, command.EventReaperDeadline)
	if !ok {
		return
	}
	applied, err := r.commands.TransitionFrom(ctx, tc, cmd.CommandID, command.FromStatesFor(command.EventReaperDeadline), next)
	if err != nil {
		r.log.Error("reaper: transition failed", zap.String("command_id", cmd.CommandID), zap.Error(err))
		return
	}
	if !applied {
		return
	}
	rec := domain.AuditRecord{
		AuditID:   r.newID(),
		TenantID:  cmd.TenantID,
		ProjectID: cmd.ProjectID,
		Actor:     "reaper",
		Action:    domain.ActionCommandReceipt,
		Resource:  cmd.CommandID,
		Result:    string(domain.StatusTimeout),
		TsMs:      r.nowMs(),
	}
	if err := r.audit.Insert(ctx, tc, rec); err != nil {
		r.log.Error("reaper: audit write failed", zap.Error(err))
	}
}
