package dblayer

import (
	"context"
	"errors"
	"fmt"

	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"
)

// NextPointer returns the cone after pointer in a lane of coneCount cones,
// wrapping from the last cone back to the first.
func NextPointer(pointer, coneCount int64) int64 {
	if coneCount < 1 {
		return 1
	}
	return pointer%coneCount + 1
}

// AssignCone returns the cone the next car goes to and the pointer to store
// afterwards.  A pointer outside 1..coneCount (for example after the lane
// shrank) restarts at cone 1.
func AssignCone(pointer, coneCount int64) (cone, next int64) {
	if coneCount < 1 {
		coneCount = 1
	}
	cone = pointer
	if cone < 1 || cone > coneCount {
		cone = 1
	}
	return cone, NextPointer(cone, coneCount)
}

// laneForDate loads the school's lane for date.  A lane that doesn't exist
// yet is returned unsaved with the school's default cone count and the
// pointer at cone 1, and created is true.
func laneForDate(txn docstore.Txn, school *dbtypes.School, date string) (lane *dbtypes.Lane, created bool, err error) {
	lane = &dbtypes.Lane{}
	err = txn.Get(dbtypes.LanesCollection, dbtypes.LaneID(school.ID, date), lane)
	if err == nil {
		return lane, false, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return nil, false, fmt.Errorf("while retrieving lane: %w", err)
	}

	count := school.Settings.DefaultConeCount
	if count < 1 {
		count = defaultConeCount
	}
	return &dbtypes.Lane{
		ID:             dbtypes.LaneID(school.ID, date),
		SchoolID:       school.ID,
		Date:           date,
		ConeCount:      count,
		CurrentPointer: 1,
	}, true, nil
}

// GetLane returns today's lane for the actor's school, creating it on first
// use.
func (db *DB) GetLane(ctx context.Context, actor *dbtypes.User) (*dbtypes.Lane, error) {
	if err := requireSchool(actor, ""); err != nil {
		return nil, err
	}

	now := db.now()
	var lane *dbtypes.Lane
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		school, err := getSchool(txn, actor.SchoolID)
		if err != nil {
			return err
		}

		var created bool
		lane, created, err = laneForDate(txn, school, school.ServiceDate(now))
		if err != nil {
			return err
		}
		if created {
			return txn.Create(dbtypes.LanesCollection, lane.ID, lane)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lane, nil
}

// ConfigureLane sets today's cone count.  The pointer is kept if it still
// names a cone, and otherwise restarts at cone 1.
func (db *DB) ConfigureLane(ctx context.Context, actor *dbtypes.User, coneCount int64) (*dbtypes.Lane, error) {
	if err := requireSchool(actor, dbtypes.PermManageSettings); err != nil {
		return nil, err
	}
	if coneCount < 1 || coneCount > maxConeCount {
		return nil, ErrInvalidConeCount
	}

	now := db.now()
	var lane *dbtypes.Lane
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		school, err := getSchool(txn, actor.SchoolID)
		if err != nil {
			return err
		}
		lane, _, err = laneForDate(txn, school, school.ServiceDate(now))
		if err != nil {
			return err
		}

		lane.ConeCount = coneCount
		if lane.CurrentPointer < 1 || lane.CurrentPointer > coneCount {
			lane.CurrentPointer = 1
		}
		return txn.Set(dbtypes.LanesCollection, lane.ID, lane)
	})
	if err != nil {
		return nil, err
	}
	return lane, nil
}
