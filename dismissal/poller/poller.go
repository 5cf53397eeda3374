// Package poller runs the background housekeeping that keeps the queue
// honest when nobody has a browser open: auto-clearing cars left at their
// cone, rolling finished days into the archive, and expiring invitations,
// trials and sessions.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"carline/dismissal/archive"
	"carline/dismissal/dblayer"
)

// Poller runs an infinite loop of housekeeping passes.
type Poller struct {
	db            *dblayer.DB
	archiver      archive.Archiver
	recheckPeriod time.Duration
}

// New creates a Poller.  archiver may be nil, in which case finished days are
// rolled over without being archived.
func New(db *dblayer.DB, archiver archive.Archiver, recheckPeriod time.Duration) *Poller {
	return &Poller{
		db:            db,
		archiver:      archiver,
		recheckPeriod: recheckPeriod,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.recheckPeriod)
	defer ticker.Stop()

	// Poll once right away --- ticker doesn't fire until the tick period has
	// elapsed.
	if err := p.Pass(ctx); err != nil {
		slog.ErrorContext(ctx, "Error during poller pass", slog.Any("err", err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := p.Pass(ctx); err != nil {
			slog.ErrorContext(ctx, "Error during poller pass", slog.Any("err", err))
		}
	}
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// Pass runs every housekeeping step once.  A failing step doesn't stop the
// ones after it; the first error is returned.
func (p *Poller) Pass(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting poller pass")
	defer func() {
		slog.InfoContext(ctx, "Finished poller pass")
	}()

	steps := []step{
		{"auto-clear", p.autoClear},
		{"rollover", p.rollover},
		{"expire-invitations", p.expireInvitations},
		{"expire-trials", p.expireTrials},
		{"expire-sessions", p.expireSessions},
	}

	var firstErr error
	for _, s := range steps {
		if err := s.run(ctx); err != nil {
			slog.ErrorContext(ctx, "Poller step failed", slog.String("step", s.name), slog.Any("err", err))
			if firstErr == nil {
				firstErr = fmt.Errorf("in step %s: %w", s.name, err)
			}
		}
	}
	return firstErr
}

func (p *Poller) autoClear(ctx context.Context) error {
	n, err := p.db.AutoClearSent(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.InfoContext(ctx, "Auto-cleared sent dismissals", slog.Int("count", n))
	}
	return nil
}

func (p *Poller) rollover(ctx context.Context) error {
	schools, err := p.db.ListSchools(ctx)
	if err != nil {
		return err
	}

	now := p.db.Now()
	var firstErr error
	for _, school := range schools {
		if err := p.rolloverSchool(ctx, school.ID, school.ServiceDate(now)); err != nil {
			slog.ErrorContext(ctx, "Error rolling over school", slog.String("school", school.ID), slog.Any("err", err))
			if firstErr == nil {
				firstErr = fmt.Errorf("while rolling over school %s: %w", school.ID, err)
			}
		}
	}
	return firstErr
}

// rolloverSchool archives, then marks historical, a school's dismissals from
// before today.  If archiving fails nothing is marked, so the next pass tries
// again.
func (p *Poller) rolloverSchool(ctx context.Context, schoolID, today string) error {
	stale, err := p.db.DismissalsBefore(ctx, schoolID, today)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	if p.archiver != nil {
		byDate := archive.GroupByDate(stale)
		dates := make([]string, 0, len(byDate))
		for date := range byDate {
			dates = append(dates, date)
		}
		sort.Strings(dates)

		for _, date := range dates {
			if err := p.archiver.Archive(ctx, schoolID, date, byDate[date]); err != nil {
				return fmt.Errorf("while archiving %s: %w", date, err)
			}
		}
	}

	rolled, err := p.db.RolloverBefore(ctx, schoolID, today)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Rolled over dismissals", slog.String("school", schoolID), slog.Int("count", len(rolled)))
	return nil
}

func (p *Poller) expireInvitations(ctx context.Context) error {
	n, err := p.db.ExpireInvitations(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.InfoContext(ctx, "Expired invitations", slog.Int("count", n))
	}
	return nil
}

func (p *Poller) expireTrials(ctx context.Context) error {
	ids, err := p.db.ExpireTrials(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		slog.InfoContext(ctx, "School trial ended", slog.String("school", id))
	}
	return nil
}

func (p *Poller) expireSessions(ctx context.Context) error {
	n, err := p.db.DeleteExpiredSessions(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.InfoContext(ctx, "Deleted expired sessions", slog.Int("count", n))
	}
	return nil
}
