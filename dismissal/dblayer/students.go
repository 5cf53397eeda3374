package dblayer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"carline/dismissal/carnumber"
	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"
)

type StudentInput struct {
	FirstName          string
	LastName           string
	Grade              string
	TransportationMode dbtypes.TransportationMode
	CarNumber          string
}

func (in *StudentInput) apply(s *dbtypes.Student) error {
	if !in.TransportationMode.Valid() {
		return fmt.Errorf("%w: unknown transportation mode %q", ErrInvalidArgument, in.TransportationMode)
	}
	car := carnumber.Normalize(in.CarNumber)
	if in.TransportationMode == dbtypes.TransportCar && car == "" {
		return ErrInvalidTransportation
	}
	if in.TransportationMode != dbtypes.TransportCar {
		car = ""
	}

	s.FirstName = strings.TrimSpace(in.FirstName)
	s.LastName = strings.TrimSpace(in.LastName)
	s.Grade = strings.TrimSpace(in.Grade)
	s.Transportation = dbtypes.Transportation{
		Mode:      in.TransportationMode,
		CarNumber: car,
	}
	return nil
}

func getStudent(txn docstore.Txn, schoolID, id string) (*dbtypes.Student, error) {
	student := &dbtypes.Student{}
	err := txn.Get(dbtypes.StudentsCollection, id, student)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving student %s: %w", id, err)
	}
	if student.SchoolID != schoolID {
		return nil, ErrStudentNotFound
	}
	return student, nil
}

func sortStudents(students []*dbtypes.Student) {
	sort.Slice(students, func(i, j int) bool {
		if students[i].LastName != students[j].LastName {
			return students[i].LastName < students[j].LastName
		}
		if students[i].FirstName != students[j].FirstName {
			return students[i].FirstName < students[j].FirstName
		}
		return students[i].ID < students[j].ID
	})
}

func (db *DB) CreateStudent(ctx context.Context, actor *dbtypes.User, in *StudentInput) (*dbtypes.Student, error) {
	if err := requireSchool(actor, dbtypes.PermManageStudents); err != nil {
		return nil, err
	}

	student := &dbtypes.Student{
		ID:        db.store.NewID(dbtypes.StudentsCollection),
		SchoolID:  actor.SchoolID,
		CreatedAt: db.now(),
	}
	if err := in.apply(student); err != nil {
		return nil, err
	}

	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		return txn.Create(dbtypes.StudentsCollection, student.ID, student)
	})
	if err != nil {
		return nil, fmt.Errorf("while creating student: %w", err)
	}
	return student, nil
}

func (db *DB) UpdateStudent(ctx context.Context, actor *dbtypes.User, id string, in *StudentInput) (*dbtypes.Student, error) {
	if err := requireSchool(actor, dbtypes.PermManageStudents); err != nil {
		return nil, err
	}

	var student *dbtypes.Student
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		student, err = getStudent(txn, actor.SchoolID, id)
		if err != nil {
			return err
		}
		if err := in.apply(student); err != nil {
			return err
		}
		return txn.Set(dbtypes.StudentsCollection, student.ID, student)
	})
	if err != nil {
		return nil, err
	}
	return student, nil
}

// DeleteStudent removes a student along with their overrides.
func (db *DB) DeleteStudent(ctx context.Context, actor *dbtypes.User, id string) error {
	if err := requireSchool(actor, dbtypes.PermManageStudents); err != nil {
		return err
	}

	return db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		if _, err := getStudent(txn, actor.SchoolID, id); err != nil {
			return err
		}
		overrides, err := docstore.QueryAll[dbtypes.Override](txn, dbtypes.OverridesCollection, docstore.Eq("studentId", id))
		if err != nil {
			return err
		}

		for _, o := range overrides {
			if err := txn.Delete(dbtypes.OverridesCollection, o.ID); err != nil {
				return err
			}
		}
		return txn.Delete(dbtypes.StudentsCollection, id)
	})
}

// ListStudents returns the school's students sorted by name.
func (db *DB) ListStudents(ctx context.Context, actor *dbtypes.User) ([]*dbtypes.Student, error) {
	if err := requireSchool(actor, ""); err != nil {
		return nil, err
	}

	var students []*dbtypes.Student
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		students, err = docstore.QueryAll[dbtypes.Student](txn, dbtypes.StudentsCollection, docstore.Eq("schoolId", actor.SchoolID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while listing students: %w", err)
	}
	sortStudents(students)
	return students, nil
}

type OverrideInput struct {
	StudentID string
	CarNumber string
	StartDate time.Time
	EndDate   time.Time
	Reason    string
}

func (db *DB) CreateOverride(ctx context.Context, actor *dbtypes.User, in *OverrideInput) (*dbtypes.Override, error) {
	if err := requireSchool(actor, dbtypes.PermManageOverrides); err != nil {
		return nil, err
	}
	car := carnumber.Normalize(in.CarNumber)
	if car == "" {
		return nil, ErrCarNumberMustNotBeEmpty
	}
	if in.EndDate.IsZero() || (!in.StartDate.IsZero() && in.EndDate.Before(in.StartDate)) {
		return nil, ErrInvalidDateRange
	}

	override := &dbtypes.Override{
		ID:        db.store.NewID(dbtypes.OverridesCollection),
		SchoolID:  actor.SchoolID,
		StudentID: in.StudentID,
		CarNumber: car,
		StartDate: in.StartDate,
		EndDate:   in.EndDate,
		IsActive:  true,
		Reason:    strings.TrimSpace(in.Reason),
		CreatedBy: actor.ID,
		CreatedAt: db.now(),
	}

	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		if _, err := getStudent(txn, actor.SchoolID, in.StudentID); err != nil {
			return err
		}
		return txn.Create(dbtypes.OverridesCollection, override.ID, override)
	})
	if err != nil {
		return nil, err
	}
	return override, nil
}

func (db *DB) DeactivateOverride(ctx context.Context, actor *dbtypes.User, id string) (*dbtypes.Override, error) {
	if err := requireSchool(actor, dbtypes.PermManageOverrides); err != nil {
		return nil, err
	}

	override := &dbtypes.Override{}
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		err := txn.Get(dbtypes.OverridesCollection, id, override)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrOverrideNotFound
		}
		if err != nil {
			return fmt.Errorf("while retrieving override %s: %w", id, err)
		}
		if override.SchoolID != actor.SchoolID {
			return ErrOverrideNotFound
		}

		override.IsActive = false
		return txn.Set(dbtypes.OverridesCollection, override.ID, override)
	})
	if err != nil {
		return nil, err
	}
	return override, nil
}

// ListOverrides returns the school's overrides, newest first.  Unless
// includeInactive is set, only overrides active right now are returned.
func (db *DB) ListOverrides(ctx context.Context, actor *dbtypes.User, includeInactive bool) ([]*dbtypes.Override, error) {
	if err := requireSchool(actor, ""); err != nil {
		return nil, err
	}

	now := db.now()
	var overrides []*dbtypes.Override
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		all, err := docstore.QueryAll[dbtypes.Override](txn, dbtypes.OverridesCollection, docstore.Eq("schoolId", actor.SchoolID))
		if err != nil {
			return err
		}
		overrides = overrides[:0]
		for _, o := range all {
			if includeInactive || o.ActiveAt(now) {
				overrides = append(overrides, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while listing overrides: %w", err)
	}

	sort.Slice(overrides, func(i, j int) bool {
		return overrides[i].CreatedAt.After(overrides[j].CreatedAt)
	})
	return overrides, nil
}

// studentsForCar resolves which students leave in car at now: those with an
// active override to car, plus those whose default car is car and who have
// no active override sending them elsewhere.
func studentsForCar(txn docstore.Txn, schoolID, car string, now time.Time) ([]*dbtypes.Student, error) {
	students, err := docstore.QueryAll[dbtypes.Student](txn, dbtypes.StudentsCollection, docstore.Eq("schoolId", schoolID))
	if err != nil {
		return nil, fmt.Errorf("while listing students: %w", err)
	}
	overrides, err := docstore.QueryAll[dbtypes.Override](txn, dbtypes.OverridesCollection, docstore.Eq("schoolId", schoolID), docstore.Eq("isActive", true))
	if err != nil {
		return nil, fmt.Errorf("while listing overrides: %w", err)
	}

	// When a student has several active overrides, the newest wins.
	current := map[string]*dbtypes.Override{}
	for _, o := range overrides {
		if !o.ActiveAt(now) {
			continue
		}
		if prev, ok := current[o.StudentID]; !ok || o.CreatedAt.After(prev.CreatedAt) {
			current[o.StudentID] = o
		}
	}

	var matched []*dbtypes.Student
	for _, s := range students {
		if o, ok := current[s.ID]; ok {
			if o.CarNumber == car {
				matched = append(matched, s)
			}
			continue
		}
		if s.DefaultCarNumber() == car {
			matched = append(matched, s)
		}
	}
	sortStudents(matched)
	return matched, nil
}

// StudentsForCar returns the students who leave in the given car right now.
func (db *DB) StudentsForCar(ctx context.Context, actor *dbtypes.User, car string) ([]*dbtypes.Student, error) {
	if err := requireSchool(actor, dbtypes.PermLookupCars); err != nil {
		return nil, err
	}
	car = carnumber.Normalize(car)
	if car == "" {
		return nil, ErrCarNumberMustNotBeEmpty
	}

	now := db.now()
	var students []*dbtypes.Student
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		students, err = studentsForCar(txn, actor.SchoolID, car, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return students, nil
}

// KnownCarNumbers returns every car number a lookup could currently resolve
// for the actor's school: default cars plus active override cars.
func (db *DB) KnownCarNumbers(ctx context.Context, actor *dbtypes.User) ([]string, error) {
	if err := requireSchool(actor, dbtypes.PermLookupCars); err != nil {
		return nil, err
	}

	now := db.now()
	seen := map[string]bool{}
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		students, err := docstore.QueryAll[dbtypes.Student](txn, dbtypes.StudentsCollection, docstore.Eq("schoolId", actor.SchoolID))
		if err != nil {
			return err
		}
		overrides, err := docstore.QueryAll[dbtypes.Override](txn, dbtypes.OverridesCollection, docstore.Eq("schoolId", actor.SchoolID), docstore.Eq("isActive", true))
		if err != nil {
			return err
		}
		for _, s := range students {
			if car := s.DefaultCarNumber(); car != "" {
				seen[car] = true
			}
		}
		for _, o := range overrides {
			if o.ActiveAt(now) {
				seen[o.CarNumber] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while collecting car numbers: %w", err)
	}

	cars := make([]string, 0, len(seen))
	for car := range seen {
		cars = append(cars, car)
	}
	sort.Strings(cars)
	return cars, nil
}
