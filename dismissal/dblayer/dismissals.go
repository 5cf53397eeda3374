package dblayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"carline/dismissal/carnumber"
	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"
)

// LookupResult is the outcome of looking up a car at the curb.
type LookupResult struct {
	Dismissal *dbtypes.Dismissal
	Students  []*dbtypes.Student

	// AlreadyProcessed is set when the car already had a dismissal today; in
	// that case Dismissal is the existing record and nothing was written.
	AlreadyProcessed bool
}

// LookupCar sends a car to a cone.
//
// Reading the lane, checking for an existing dismissal, advancing the pointer
// and creating the dismissal all happen in one transaction.  Because every
// lookup reads and writes the lane document, concurrent lookups for the same
// school are serialized: no two cars get the same pointer value, and a car
// scanned twice at once gets a single dismissal.
func (db *DB) LookupCar(ctx context.Context, actor *dbtypes.User, car string) (*LookupResult, error) {
	if err := requireSchool(actor, dbtypes.PermLookupCars); err != nil {
		return nil, err
	}
	car = carnumber.Normalize(car)
	if car == "" {
		return nil, ErrCarNumberMustNotBeEmpty
	}

	now := db.now()
	var result *LookupResult
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		result = nil

		school, err := getSchool(txn, actor.SchoolID)
		if err != nil {
			return err
		}
		date := school.ServiceDate(now)

		lane, _, err := laneForDate(txn, school, date)
		if err != nil {
			return err
		}

		existing, err := docstore.QueryAll[dbtypes.Dismissal](txn, dbtypes.DismissalsCollection,
			docstore.Eq("schoolId", school.ID),
			docstore.Eq("date", date),
			docstore.Eq("carNumber", car))
		if err != nil {
			return fmt.Errorf("while checking for an existing dismissal: %w", err)
		}
		for _, d := range existing {
			if d.Status == dbtypes.StatusHistorical {
				continue
			}
			students, err := studentsByID(txn, school.ID, d.StudentIDs)
			if err != nil {
				return err
			}
			result = &LookupResult{
				Dismissal:        d,
				Students:         students,
				AlreadyProcessed: true,
			}
			return nil
		}

		students, err := studentsForCar(txn, school.ID, car, now)
		if err != nil {
			return err
		}
		if len(students) == 0 {
			return ErrNoStudentsFound
		}

		cone, next := AssignCone(lane.CurrentPointer, lane.ConeCount)
		lane.CurrentPointer = next

		d := &dbtypes.Dismissal{
			ID:         db.store.NewID(dbtypes.DismissalsCollection),
			SchoolID:   school.ID,
			Date:       date,
			CarNumber:  car,
			ConeNumber: cone,
			Status:     dbtypes.StatusWaiting,
			CreatedAt:  now,
			CreatedBy:  actor.ID,
		}
		for _, s := range students {
			d.StudentIDs = append(d.StudentIDs, s.ID)
		}

		if err := txn.Set(dbtypes.LanesCollection, lane.ID, lane); err != nil {
			return fmt.Errorf("while advancing lane pointer: %w", err)
		}
		if err := txn.Create(dbtypes.DismissalsCollection, d.ID, d); err != nil {
			return fmt.Errorf("while creating dismissal: %w", err)
		}

		result = &LookupResult{
			Dismissal: d,
			Students:  students,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyProcessed {
		slog.InfoContext(ctx, "Assigned car to cone",
			slog.String("school", actor.SchoolID),
			slog.String("car", car),
			slog.Int64("cone", result.Dismissal.ConeNumber),
			slog.Int("students", len(result.Students)))
	}
	return result, nil
}

// studentsByID loads the listed students, skipping any that have since been
// deleted.
func studentsByID(txn docstore.Txn, schoolID string, ids []string) ([]*dbtypes.Student, error) {
	var students []*dbtypes.Student
	for _, id := range ids {
		s, err := getStudent(txn, schoolID, id)
		if errors.Is(err, ErrStudentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	return students, nil
}

func getDismissal(txn docstore.Txn, schoolID, id string) (*dbtypes.Dismissal, error) {
	d := &dbtypes.Dismissal{}
	err := txn.Get(dbtypes.DismissalsCollection, id, d)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrDismissalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving dismissal %s: %w", id, err)
	}
	if d.SchoolID != schoolID {
		return nil, ErrDismissalNotFound
	}
	return d, nil
}

// applyStatus moves d to status st, stamping the transition time.
func applyStatus(d *dbtypes.Dismissal, st dbtypes.DismissalStatus, now time.Time) error {
	if !dbtypes.CanTransition(d.Status, st) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, d.Status, st)
	}
	switch st {
	case dbtypes.StatusSent:
		d.SentAt = now
	case dbtypes.StatusWaiting:
		d.SentAt = time.Time{}
	case dbtypes.StatusCompleted:
		d.CompletedAt = now
	}
	d.Status = st
	return nil
}

// UpdateDismissalStatus moves one dismissal through the queue.
func (db *DB) UpdateDismissalStatus(ctx context.Context, actor *dbtypes.User, id string, st dbtypes.DismissalStatus) (*dbtypes.Dismissal, error) {
	if err := requireSchool(actor, dbtypes.PermManageQueue); err != nil {
		return nil, err
	}

	now := db.now()
	var d *dbtypes.Dismissal
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		d, err = getDismissal(txn, actor.SchoolID, id)
		if err != nil {
			return err
		}
		if err := applyStatus(d, st, now); err != nil {
			return err
		}
		return txn.Set(dbtypes.DismissalsCollection, d.ID, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func sortDismissals(ds []*dbtypes.Dismissal) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

// ListTodayDismissals returns today's dismissals for the actor's school in
// the order they were created.
func (db *DB) ListTodayDismissals(ctx context.Context, actor *dbtypes.User, includeHistorical bool) ([]*dbtypes.Dismissal, error) {
	if err := requireSchool(actor, ""); err != nil {
		return nil, err
	}

	now := db.now()
	var out []*dbtypes.Dismissal
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		out = nil
		school, err := getSchool(txn, actor.SchoolID)
		if err != nil {
			return err
		}
		all, err := docstore.QueryAll[dbtypes.Dismissal](txn, dbtypes.DismissalsCollection,
			docstore.Eq("schoolId", school.ID),
			docstore.Eq("date", school.ServiceDate(now)))
		if err != nil {
			return err
		}
		for _, d := range all {
			if includeHistorical || d.Status != dbtypes.StatusHistorical {
				out = append(out, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while listing dismissals: %w", err)
	}

	sortDismissals(out)
	return out, nil
}

// Queue is today's dismissals split by status, each in creation order.
type Queue struct {
	Waiting   []*dbtypes.Dismissal `json:"waiting"`
	Sent      []*dbtypes.Dismissal `json:"sent"`
	Completed []*dbtypes.Dismissal `json:"completed"`
}

// GroupQueue splits dismissals by status.  Historical dismissals are dropped.
func GroupQueue(ds []*dbtypes.Dismissal) *Queue {
	q := &Queue{
		Waiting:   []*dbtypes.Dismissal{},
		Sent:      []*dbtypes.Dismissal{},
		Completed: []*dbtypes.Dismissal{},
	}
	for _, d := range ds {
		switch d.Status {
		case dbtypes.StatusWaiting:
			q.Waiting = append(q.Waiting, d)
		case dbtypes.StatusSent:
			q.Sent = append(q.Sent, d)
		case dbtypes.StatusCompleted:
			q.Completed = append(q.Completed, d)
		}
	}
	return q
}

// ResetDay clears today's queue: every dismissal becomes historical and the
// lane pointer goes back to cone 1.  Returns the number of dismissals
// cleared.
func (db *DB) ResetDay(ctx context.Context, actor *dbtypes.User) (int, error) {
	if err := requireSchool(actor, dbtypes.PermManageQueue); err != nil {
		return 0, err
	}

	now := db.now()
	cleared := 0
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		cleared = 0

		school, err := getSchool(txn, actor.SchoolID)
		if err != nil {
			return err
		}
		date := school.ServiceDate(now)
		lane, _, err := laneForDate(txn, school, date)
		if err != nil {
			return err
		}
		ds, err := docstore.QueryAll[dbtypes.Dismissal](txn, dbtypes.DismissalsCollection,
			docstore.Eq("schoolId", school.ID),
			docstore.Eq("date", date))
		if err != nil {
			return err
		}

		lane.CurrentPointer = 1
		if err := txn.Set(dbtypes.LanesCollection, lane.ID, lane); err != nil {
			return err
		}
		for _, d := range ds {
			if d.Status == dbtypes.StatusHistorical {
				continue
			}
			d.Status = dbtypes.StatusHistorical
			if err := txn.Set(dbtypes.DismissalsCollection, d.ID, d); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("while resetting day: %w", err)
	}

	slog.InfoContext(ctx, "Reset dismissal day", slog.String("school", actor.SchoolID), slog.Int("cleared", cleared))
	return cleared, nil
}

// AutoClearSent completes every sent dismissal that has been at its cone
// longer than its school's auto-clear setting.  Returns the number
// completed.
func (db *DB) AutoClearSent(ctx context.Context) (int, error) {
	now := db.now()
	cleared := 0
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		cleared = 0

		sent, err := docstore.QueryAll[dbtypes.Dismissal](txn, dbtypes.DismissalsCollection, docstore.Eq("status", dbtypes.StatusSent))
		if err != nil {
			return err
		}

		schools := map[string]*dbtypes.School{}
		for _, d := range sent {
			if _, ok := schools[d.SchoolID]; ok {
				continue
			}
			school, err := getSchool(txn, d.SchoolID)
			if errors.Is(err, ErrSchoolNotFound) {
				schools[d.SchoolID] = nil
				continue
			}
			if err != nil {
				return err
			}
			schools[d.SchoolID] = school
		}

		for _, d := range sent {
			school := schools[d.SchoolID]
			if school == nil || school.Settings.AutoClearMinutes <= 0 {
				continue
			}
			limit := time.Duration(school.Settings.AutoClearMinutes) * time.Minute
			if now.Sub(d.SentAt) < limit {
				continue
			}
			if err := applyStatus(d, dbtypes.StatusCompleted, now); err != nil {
				return err
			}
			if err := txn.Set(dbtypes.DismissalsCollection, d.ID, d); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("while auto-clearing sent dismissals: %w", err)
	}
	return cleared, nil
}

// liveStatuses are the statuses a dismissal holds before it is rolled over.
var liveStatuses = []dbtypes.DismissalStatus{
	dbtypes.StatusWaiting,
	dbtypes.StatusSent,
	dbtypes.StatusCompleted,
}

// staleDismissals reads only non-historical dismissals, one status at a time,
// so the cost doesn't grow with the school's history.
func staleDismissals(txn docstore.Txn, schoolID, date string) ([]*dbtypes.Dismissal, error) {
	var stale []*dbtypes.Dismissal
	for _, st := range liveStatuses {
		ds, err := docstore.QueryAll[dbtypes.Dismissal](txn, dbtypes.DismissalsCollection,
			docstore.Eq("schoolId", schoolID),
			docstore.Eq("status", st))
		if err != nil {
			return nil, err
		}
		for _, d := range ds {
			if d.Date < date {
				stale = append(stale, d)
			}
		}
	}
	sortDismissals(stale)
	return stale, nil
}

// DismissalsBefore returns the school's non-historical dismissals from
// service dates before date.
func (db *DB) DismissalsBefore(ctx context.Context, schoolID, date string) ([]*dbtypes.Dismissal, error) {
	var stale []*dbtypes.Dismissal
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		stale, err = staleDismissals(txn, schoolID, date)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while listing dismissals before %s: %w", date, err)
	}
	return stale, nil
}

// RolloverBefore marks historical every non-historical dismissal of the
// school dated before date, returning the records it changed.
func (db *DB) RolloverBefore(ctx context.Context, schoolID, date string) ([]*dbtypes.Dismissal, error) {
	var rolled []*dbtypes.Dismissal
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		rolled, err = staleDismissals(txn, schoolID, date)
		if err != nil {
			return err
		}
		for _, d := range rolled {
			d.Status = dbtypes.StatusHistorical
			if err := txn.Set(dbtypes.DismissalsCollection, d.ID, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while rolling over dismissals before %s: %w", date, err)
	}
	return rolled, nil
}
