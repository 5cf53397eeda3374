package dblayer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"
)

const (
	trialLength             = 14 * 24 * time.Hour
	defaultConeCount        = 4
	defaultAutoClearMinutes = 10
	maxConeCount            = 99
)

type NewSchool struct {
	Name     string
	Address  string
	Timezone string

	AdminEmail        string
	AdminDisplayName  string
	AdminPasswordHash string
}

// CreateSchool signs up a new school and its first admin.  The school starts
// on a trial.
func (db *DB) CreateSchool(ctx context.Context, ns *NewSchool) (*dbtypes.School, *dbtypes.User, error) {
	email := normalizeEmail(ns.AdminEmail)
	if email == "" {
		return nil, nil, ErrEmailMustNotBeEmpty
	}

	now := db.now()
	school := &dbtypes.School{
		ID:                 db.store.NewID(dbtypes.SchoolsCollection),
		Name:               strings.TrimSpace(ns.Name),
		Address:            strings.TrimSpace(ns.Address),
		Timezone:           ns.Timezone,
		SubscriptionStatus: dbtypes.SubscriptionTrialing,
		TrialEndsAt:        now.Add(trialLength),
		Settings: dbtypes.SchoolSettings{
			DefaultConeCount: defaultConeCount,
			AutoClearMinutes: defaultAutoClearMinutes,
		},
		CreatedAt: now,
	}
	if _, err := time.LoadLocation(school.Timezone); err != nil {
		school.Timezone = "UTC"
	}

	admin := &dbtypes.User{
		ID:           db.store.NewID(dbtypes.UsersCollection),
		Email:        email,
		DisplayName:  ns.AdminDisplayName,
		PasswordHash: ns.AdminPasswordHash,
		Role:         dbtypes.RoleAdmin,
		SchoolID:     school.ID,
		CreatedAt:    now,
	}

	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		existing, err := userByEmail(txn, email)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrEmailAlreadyRegistered
		}

		if err := txn.Create(dbtypes.SchoolsCollection, school.ID, school); err != nil {
			return fmt.Errorf("while creating school: %w", err)
		}
		if err := txn.Create(dbtypes.UsersCollection, admin.ID, admin); err != nil {
			return fmt.Errorf("while creating admin user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return school, admin, nil
}

func getSchool(txn docstore.Txn, id string) (*dbtypes.School, error) {
	school := &dbtypes.School{}
	err := txn.Get(dbtypes.SchoolsCollection, id, school)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrSchoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving school %s: %w", id, err)
	}
	return school, nil
}

// GetSchool returns the actor's school.
func (db *DB) GetSchool(ctx context.Context, actor *dbtypes.User) (*dbtypes.School, error) {
	if err := requireSchool(actor, ""); err != nil {
		return nil, err
	}

	var school *dbtypes.School
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		school, err = getSchool(txn, actor.SchoolID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return school, nil
}

type SchoolSettingsUpdate struct {
	Name             string
	Address          string
	Timezone         string
	DefaultConeCount int64
	AutoClearMinutes int64
}

// UpdateSchoolSettings overwrites the school's editable fields.
func (db *DB) UpdateSchoolSettings(ctx context.Context, actor *dbtypes.User, u *SchoolSettingsUpdate) (*dbtypes.School, error) {
	if err := requireSchool(actor, dbtypes.PermManageSettings); err != nil {
		return nil, err
	}
	if u.DefaultConeCount < 1 || u.DefaultConeCount > maxConeCount {
		return nil, ErrInvalidConeCount
	}
	if _, err := time.LoadLocation(u.Timezone); err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidArgument, u.Timezone)
	}
	if u.AutoClearMinutes < 0 {
		return nil, fmt.Errorf("%w: auto-clear minutes must not be negative", ErrInvalidArgument)
	}

	var school *dbtypes.School
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		school, err = getSchool(txn, actor.SchoolID)
		if err != nil {
			return err
		}

		school.Name = strings.TrimSpace(u.Name)
		school.Address = strings.TrimSpace(u.Address)
		school.Timezone = u.Timezone
		school.Settings.DefaultConeCount = u.DefaultConeCount
		school.Settings.AutoClearMinutes = u.AutoClearMinutes

		return txn.Set(dbtypes.SchoolsCollection, school.ID, school)
	})
	if err != nil {
		return nil, err
	}
	return school, nil
}

// SetSubscriptionStatus records the billing state reported by the payment
// processor.  Activating a subscription ends any trial.
func (db *DB) SetSubscriptionStatus(ctx context.Context, actor *dbtypes.User, st dbtypes.SubscriptionStatus) (*dbtypes.School, error) {
	if err := requireSchool(actor, dbtypes.PermManageBilling); err != nil {
		return nil, err
	}
	if !st.Valid() {
		return nil, ErrInvalidSubscriptionStatus
	}

	var school *dbtypes.School
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		school, err = getSchool(txn, actor.SchoolID)
		if err != nil {
			return err
		}
		school.SubscriptionStatus = st
		return txn.Set(dbtypes.SchoolsCollection, school.ID, school)
	})
	if err != nil {
		return nil, err
	}
	return school, nil
}

// ListSchools returns every school.  Used by the poller.
func (db *DB) ListSchools(ctx context.Context) ([]*dbtypes.School, error) {
	var schools []*dbtypes.School
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		schools, err = docstore.QueryAll[dbtypes.School](txn, dbtypes.SchoolsCollection)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while listing schools: %w", err)
	}
	return schools, nil
}

// ExpireTrials moves schools whose trial has ended to past_due.  Returns the
// IDs of the schools changed.
func (db *DB) ExpireTrials(ctx context.Context) ([]string, error) {
	now := db.now()
	var expired []string
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		expired = nil
		schools, err := docstore.QueryAll[dbtypes.School](txn, dbtypes.SchoolsCollection, docstore.Eq("subscriptionStatus", dbtypes.SubscriptionTrialing))
		if err != nil {
			return err
		}
		for _, s := range schools {
			if s.TrialEndsAt.After(now) {
				continue
			}
			s.SubscriptionStatus = dbtypes.SubscriptionPastDue
			if err := txn.Set(dbtypes.SchoolsCollection, s.ID, s); err != nil {
				return err
			}
			expired = append(expired, s.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while expiring trials: %w", err)
	}
	return expired, nil
}
