package dblayer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"
)

const invitationLifetime = 7 * 24 * time.Hour

type NewInvitation struct {
	Email       string
	Role        dbtypes.Role
	Permissions []dbtypes.Permission
}

// CreateInvitation records a pending invitation for email to join the actor's
// school.  Any earlier pending invitation to the same address is revoked.
func (db *DB) CreateInvitation(ctx context.Context, actor *dbtypes.User, ni *NewInvitation) (*dbtypes.UserInvitation, error) {
	if err := requireSchool(actor, dbtypes.PermManageUsers); err != nil {
		return nil, err
	}
	email := normalizeEmail(ni.Email)
	if email == "" {
		return nil, ErrEmailMustNotBeEmpty
	}
	if !ni.Role.Valid() {
		return nil, ErrInvalidRole
	}
	if err := validatePermissions(ni.Permissions); err != nil {
		return nil, err
	}
	if err := checkGrant(actor, ni.Role, ni.Permissions); err != nil {
		return nil, err
	}

	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("while generating invitation token: %w", err)
	}

	now := db.now()
	inv := &dbtypes.UserInvitation{
		ID:          db.store.NewID(dbtypes.UserInvitationsCollection),
		SchoolID:    actor.SchoolID,
		Email:       email,
		Role:        ni.Role,
		Permissions: ni.Permissions,
		Token:       token,
		ExpiresAt:   now.Add(invitationLifetime),
		Status:      dbtypes.InvitationPending,
		InvitedBy:   actor.ID,
		CreatedAt:   now,
	}

	err = db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		existing, err := userByEmail(txn, email)
		if err != nil {
			return err
		}
		if existing != nil && existing.SchoolID == actor.SchoolID {
			return ErrAlreadyInSchool
		}

		earlier, err := docstore.QueryAll[dbtypes.UserInvitation](txn, dbtypes.UserInvitationsCollection,
			docstore.Eq("schoolId", actor.SchoolID),
			docstore.Eq("email", email),
			docstore.Eq("status", dbtypes.InvitationPending))
		if err != nil {
			return err
		}

		for _, e := range earlier {
			e.Status = dbtypes.InvitationRevoked
			if err := txn.Set(dbtypes.UserInvitationsCollection, e.ID, e); err != nil {
				return err
			}
		}
		return txn.Create(dbtypes.UserInvitationsCollection, inv.ID, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func invitationByToken(txn docstore.Txn, token string) (*dbtypes.UserInvitation, error) {
	invs, err := docstore.QueryAll[dbtypes.UserInvitation](txn, dbtypes.UserInvitationsCollection, docstore.Eq("token", token))
	if err != nil {
		return nil, fmt.Errorf("while looking up invitation: %w", err)
	}
	if len(invs) == 0 {
		return nil, ErrInvitationNotFound
	}
	return invs[0], nil
}

// AcceptInvitation joins user to the inviting school with the invited role.
//
// The invitation is re-read inside the transaction, so of several concurrent
// accepts exactly one succeeds and the rest see ErrInvitationNotPending.
func (db *DB) AcceptInvitation(ctx context.Context, user *dbtypes.User, token string) (*dbtypes.User, error) {
	if token == "" {
		return nil, ErrInvitationNotFound
	}

	now := db.now()
	var updated *dbtypes.User
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		inv, err := invitationByToken(txn, token)
		if err != nil {
			return err
		}
		// Read the invitation by ID as well, so the transaction conflicts with
		// any other writer of this document.
		if err := txn.Get(dbtypes.UserInvitationsCollection, inv.ID, inv); err != nil {
			return fmt.Errorf("while retrieving invitation %s: %w", inv.ID, err)
		}

		updated, err = getUser(txn, user.ID)
		if err != nil {
			return err
		}

		if inv.Status != dbtypes.InvitationPending {
			return ErrInvitationNotPending
		}
		if !inv.Acceptable(now) {
			return ErrInvitationExpired
		}
		if normalizeEmail(updated.Email) != inv.Email {
			return ErrInvitationWrongEmail
		}
		if updated.SchoolID != "" && updated.SchoolID != inv.SchoolID {
			return ErrAlreadyInSchool
		}

		updated.SchoolID = inv.SchoolID
		updated.Role = inv.Role
		updated.Permissions = inv.Permissions

		inv.Status = dbtypes.InvitationAccepted
		inv.AcceptedBy = updated.ID
		inv.AcceptedAt = now

		if err := txn.Set(dbtypes.UsersCollection, updated.ID, updated); err != nil {
			return err
		}
		return txn.Set(dbtypes.UserInvitationsCollection, inv.ID, inv)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetInvitation returns the invitation carrying token, for showing a
// would-be member what they are joining.
func (db *DB) GetInvitation(ctx context.Context, token string) (*dbtypes.UserInvitation, error) {
	var inv *dbtypes.UserInvitation
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		inv, err = invitationByToken(txn, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (db *DB) RevokeInvitation(ctx context.Context, actor *dbtypes.User, id string) (*dbtypes.UserInvitation, error) {
	if err := requireSchool(actor, dbtypes.PermManageUsers); err != nil {
		return nil, err
	}

	inv := &dbtypes.UserInvitation{}
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		err := txn.Get(dbtypes.UserInvitationsCollection, id, inv)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrInvitationNotFound
		}
		if err != nil {
			return fmt.Errorf("while retrieving invitation %s: %w", id, err)
		}
		if inv.SchoolID != actor.SchoolID {
			return ErrInvitationNotFound
		}
		if inv.Status != dbtypes.InvitationPending {
			return ErrInvitationNotPending
		}

		inv.Status = dbtypes.InvitationRevoked
		return txn.Set(dbtypes.UserInvitationsCollection, inv.ID, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ListInvitations returns the school's invitations, newest first.
func (db *DB) ListInvitations(ctx context.Context, actor *dbtypes.User) ([]*dbtypes.UserInvitation, error) {
	if err := requireSchool(actor, dbtypes.PermManageUsers); err != nil {
		return nil, err
	}

	var invs []*dbtypes.UserInvitation
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		invs, err = docstore.QueryAll[dbtypes.UserInvitation](txn, dbtypes.UserInvitationsCollection, docstore.Eq("schoolId", actor.SchoolID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while listing invitations: %w", err)
	}

	sort.Slice(invs, func(i, j int) bool {
		return invs[i].CreatedAt.After(invs[j].CreatedAt)
	})
	return invs, nil
}

// ExpireInvitations marks pending invitations past their expiry as expired.
// Returns the number changed.
func (db *DB) ExpireInvitations(ctx context.Context) (int, error) {
	now := db.now()
	expired := 0
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		expired = 0
		pending, err := docstore.QueryAll[dbtypes.UserInvitation](txn, dbtypes.UserInvitationsCollection, docstore.Eq("status", dbtypes.InvitationPending))
		if err != nil {
			return err
		}
		for _, inv := range pending {
			if inv.ExpiresAt.After(now) {
				continue
			}
			inv.Status = dbtypes.InvitationExpired
			if err := txn.Set(dbtypes.UserInvitationsCollection, inv.ID, inv); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("while expiring invitations: %w", err)
	}
	return expired, nil
}
