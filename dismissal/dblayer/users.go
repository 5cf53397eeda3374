package dblayer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"
)

func getUser(txn docstore.Txn, id string) (*dbtypes.User, error) {
	user := &dbtypes.User{}
	err := txn.Get(dbtypes.UsersCollection, id, user)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while retrieving user %s: %w", id, err)
	}
	return user, nil
}

// ListUsers returns the users of the actor's school, sorted by email.
func (db *DB) ListUsers(ctx context.Context, actor *dbtypes.User) ([]*dbtypes.User, error) {
	if err := requireSchool(actor, dbtypes.PermManageUsers); err != nil {
		return nil, err
	}

	var users []*dbtypes.User
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		users, err = docstore.QueryAll[dbtypes.User](txn, dbtypes.UsersCollection, docstore.Eq("schoolId", actor.SchoolID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("while listing users: %w", err)
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].Email < users[j].Email
	})
	return users, nil
}

func validatePermissions(perms []dbtypes.Permission) error {
	for _, p := range perms {
		if !p.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
	}
	return nil
}

// checkGrant refuses to let actor hand out more than it holds: only admins
// make admins, and every permission the grant carries must be one the actor
// has.  An empty perms list grants the role's defaults.
func checkGrant(actor *dbtypes.User, role dbtypes.Role, perms []dbtypes.Permission) error {
	if actor.Role == dbtypes.RoleAdmin {
		return nil
	}
	if role == dbtypes.RoleAdmin {
		return fmt.Errorf("%w: only admins can grant the admin role", ErrPermissionDenied)
	}
	granted := perms
	if len(granted) == 0 {
		granted = dbtypes.DefaultPermissions(role)
	}
	for _, p := range granted {
		if !actor.Can(p) {
			return fmt.Errorf("%w: cannot grant %q without holding it", ErrPermissionDenied, p)
		}
	}
	return nil
}

// checkTarget refuses to let a non-admin change or remove an admin.
func checkTarget(actor, target *dbtypes.User) error {
	if target.Role == dbtypes.RoleAdmin && actor.Role != dbtypes.RoleAdmin {
		return fmt.Errorf("%w: only admins can modify admins", ErrPermissionDenied)
	}
	return nil
}

// UpdateUserRole changes another user's role and explicit permission list.
func (db *DB) UpdateUserRole(ctx context.Context, actor *dbtypes.User, userID string, role dbtypes.Role, perms []dbtypes.Permission) (*dbtypes.User, error) {
	if err := requireSchool(actor, dbtypes.PermManageUsers); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if err := validatePermissions(perms); err != nil {
		return nil, err
	}
	if userID == actor.ID && role != dbtypes.RoleAdmin && actor.Role == dbtypes.RoleAdmin {
		return nil, ErrCannotModifySelf
	}
	if err := checkGrant(actor, role, perms); err != nil {
		return nil, err
	}

	var user *dbtypes.User
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		user, err = getUser(txn, userID)
		if err != nil {
			return err
		}
		if user.SchoolID != actor.SchoolID {
			return ErrUserNotFound
		}
		if err := checkTarget(actor, user); err != nil {
			return err
		}

		user.Role = role
		user.Permissions = perms
		return txn.Set(dbtypes.UsersCollection, user.ID, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// RemoveUser detaches a user from the actor's school and ends their
// sessions.  The user record itself is kept so they can be re-invited.
func (db *DB) RemoveUser(ctx context.Context, actor *dbtypes.User, userID string) error {
	if err := requireSchool(actor, dbtypes.PermManageUsers); err != nil {
		return err
	}
	if userID == actor.ID {
		return ErrCannotModifySelf
	}

	return db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		user, err := getUser(txn, userID)
		if err != nil {
			return err
		}
		if user.SchoolID != actor.SchoolID {
			return ErrUserNotFound
		}
		if err := checkTarget(actor, user); err != nil {
			return err
		}

		sessions, err := docstore.QueryAll[dbtypes.Session](txn, dbtypes.SessionsCollection, docstore.Eq("userId", userID))
		if err != nil {
			return err
		}

		user.SchoolID = ""
		user.Role = ""
		user.Permissions = nil
		if err := txn.Set(dbtypes.UsersCollection, user.ID, user); err != nil {
			return err
		}
		for _, s := range sessions {
			if err := txn.Delete(dbtypes.SessionsCollection, s.Cookie); err != nil {
				return err
			}
		}
		return nil
	})
}
