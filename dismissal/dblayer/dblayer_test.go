package dblayer

import (
	"context"
	"errors"
	"testing"
	"time"

	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"
)

// testClock is a settable clock for DB.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fixture struct {
	db     *DB
	store  *docstore.BadgerStore
	clock  *testClock
	school *dbtypes.School
	admin  *dbtypes.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := docstore.OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Error closing store: %v", err)
		}
	})

	clock := &testClock{now: time.Date(2026, time.March, 2, 15, 0, 0, 0, time.UTC)}
	db := New(store, WithClock(clock.Now))

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Unexpected error hashing password: %v", err)
	}

	school, admin, err := db.CreateSchool(context.Background(), &NewSchool{
		Name:              "Maple Elementary",
		Timezone:          "UTC",
		AdminEmail:        "Principal@Example.com",
		AdminDisplayName:  "Principal",
		AdminPasswordHash: string(hash),
	})
	if err != nil {
		t.Fatalf("Unexpected error creating school: %v", err)
	}

	return &fixture{
		db:     db,
		store:  store,
		clock:  clock,
		school: school,
		admin:  admin,
	}
}

// addUser stores a user directly, bypassing invitations.
func (f *fixture) addUser(t *testing.T, email string, role dbtypes.Role) *dbtypes.User {
	t.Helper()
	u := &dbtypes.User{
		ID:       f.store.NewID(dbtypes.UsersCollection),
		Email:    email,
		Role:     role,
		SchoolID: f.school.ID,
	}
	err := f.store.RunTransaction(context.Background(), func(ctx context.Context, txn docstore.Txn) error {
		return txn.Create(dbtypes.UsersCollection, u.ID, u)
	})
	if err != nil {
		t.Fatalf("Unexpected error creating user: %v", err)
	}
	return u
}

func (f *fixture) addCarRider(t *testing.T, first, car string) *dbtypes.Student {
	t.Helper()
	s, err := f.db.CreateStudent(context.Background(), f.admin, &StudentInput{
		FirstName:          first,
		LastName:           "Tester",
		Grade:              "3",
		TransportationMode: dbtypes.TransportCar,
		CarNumber:          car,
	})
	if err != nil {
		t.Fatalf("Unexpected error creating student: %v", err)
	}
	return s
}

func TestCreateSchool(t *testing.T) {
	f := newFixture(t)

	if f.school.SubscriptionStatus != dbtypes.SubscriptionTrialing {
		t.Errorf("New school status = %q, want trialing", f.school.SubscriptionStatus)
	}
	if got, want := f.school.TrialEndsAt, f.clock.now.Add(14*24*time.Hour); !got.Equal(want) {
		t.Errorf("Trial ends at %v, want %v", got, want)
	}
	if f.school.Settings.DefaultConeCount != 4 {
		t.Errorf("Default cone count = %d, want 4", f.school.Settings.DefaultConeCount)
	}
	if f.admin.Email != "principal@example.com" || f.admin.Role != dbtypes.RoleAdmin || f.admin.SchoolID != f.school.ID {
		t.Errorf("Bad admin user: %+v", f.admin)
	}

	_, _, err := f.db.CreateSchool(context.Background(), &NewSchool{
		Name:       "Other",
		AdminEmail: "principal@example.com",
	})
	if !errors.Is(err, ErrEmailAlreadyRegistered) {
		t.Errorf("Duplicate signup: got error %v, want ErrEmailAlreadyRegistered", err)
	}
}

func TestPasswordSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.db.SessionFromPassword(ctx, "principal@example.com", "wrong"); !errors.Is(err, ErrUnknownUserOrWrongPassword) {
		t.Errorf("Wrong password: got error %v, want ErrUnknownUserOrWrongPassword", err)
	}
	if _, err := f.db.SessionFromPassword(ctx, "nobody@example.com", "hunter2"); !errors.Is(err, ErrUnknownUserOrWrongPassword) {
		t.Errorf("Unknown user: got error %v, want ErrUnknownUserOrWrongPassword", err)
	}

	session, err := f.db.SessionFromPassword(ctx, " PRINCIPAL@example.com ", "hunter2")
	if err != nil {
		t.Fatalf("Unexpected error logging in: %v", err)
	}

	user, err := f.db.UserFromSessionCookie(ctx, session.Cookie)
	if err != nil {
		t.Fatalf("Unexpected error resolving session: %v", err)
	}
	if user == nil || user.ID != f.admin.ID {
		t.Fatalf("Session resolved to %+v, want admin %s", user, f.admin.ID)
	}

	f.clock.Advance(19 * time.Hour)
	user, err = f.db.UserFromSessionCookie(ctx, session.Cookie)
	if err != nil {
		t.Fatalf("Unexpected error resolving expired session: %v", err)
	}
	if user != nil {
		t.Errorf("Expired session resolved to user %s", user.ID)
	}

	fresh, err := f.db.SessionFromPassword(ctx, "principal@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Unexpected error logging in again: %v", err)
	}

	n, err := f.db.DeleteExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("Unexpected error deleting expired sessions: %v", err)
	}
	if n != 1 {
		t.Errorf("Deleted %d sessions, want 1", n)
	}

	user, err = f.db.UserFromSessionCookie(ctx, fresh.Cookie)
	if err != nil {
		t.Fatalf("Unexpected error resolving fresh session: %v", err)
	}
	if user == nil || user.ID != f.admin.ID {
		t.Errorf("Fresh session resolved to %+v after cleanup, want admin %s", user, f.admin.ID)
	}
}

func TestPermissionsAreEnforced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	teacher := f.addUser(t, "teacher@example.com", dbtypes.RoleTeacher)

	_, err := f.db.CreateStudent(ctx, teacher, &StudentInput{
		FirstName:          "Ada",
		TransportationMode: dbtypes.TransportWalker,
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Teacher creating student: got error %v, want ErrPermissionDenied", err)
	}

	orphan := &dbtypes.User{ID: "orphan", Email: "orphan@example.com"}
	if _, err := f.db.ListStudents(ctx, orphan); !errors.Is(err, ErrNotInSchool) {
		t.Errorf("School-less user listing students: got error %v, want ErrNotInSchool", err)
	}
}

func TestUpdateUserRoleAndRemoveUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	staff := f.addUser(t, "staff@example.com", dbtypes.RoleStaff)

	if _, err := f.db.UpdateUserRole(ctx, f.admin, f.admin.ID, dbtypes.RoleTeacher, nil); !errors.Is(err, ErrCannotModifySelf) {
		t.Errorf("Admin demoting self: got error %v, want ErrCannotModifySelf", err)
	}
	if err := f.db.RemoveUser(ctx, f.admin, f.admin.ID); !errors.Is(err, ErrCannotModifySelf) {
		t.Errorf("Admin removing self: got error %v, want ErrCannotModifySelf", err)
	}

	updated, err := f.db.UpdateUserRole(ctx, f.admin, staff.ID, dbtypes.RoleFrontOffice, []dbtypes.Permission{dbtypes.PermLookupCars})
	if err != nil {
		t.Fatalf("Unexpected error updating role: %v", err)
	}
	if updated.Role != dbtypes.RoleFrontOffice || !updated.Can(dbtypes.PermLookupCars) || updated.Can(dbtypes.PermManageStudents) {
		t.Errorf("Bad updated user: %+v", updated)
	}

	if err := f.db.RemoveUser(ctx, f.admin, staff.ID); err != nil {
		t.Fatalf("Unexpected error removing user: %v", err)
	}
	users, err := f.db.ListUsers(ctx, f.admin)
	if err != nil {
		t.Fatalf("Unexpected error listing users: %v", err)
	}
	if len(users) != 1 || users[0].ID != f.admin.ID {
		t.Errorf("After removal, users = %+v, want only the admin", users)
	}
}

func TestManageUsersCannotEscalate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	teacher := f.addUser(t, "teacher@example.com", dbtypes.RoleTeacher)
	staff := f.addUser(t, "staff@example.com", dbtypes.RoleStaff)

	manager, err := f.db.UpdateUserRole(ctx, f.admin, staff.ID, dbtypes.RoleStaff, []dbtypes.Permission{dbtypes.PermLookupCars, dbtypes.PermManageUsers})
	if err != nil {
		t.Fatalf("Unexpected error granting manage_users: %v", err)
	}

	if _, err := f.db.UpdateUserRole(ctx, manager, manager.ID, dbtypes.RoleAdmin, nil); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Non-admin promoting self to admin: got error %v, want ErrPermissionDenied", err)
	}
	if _, err := f.db.UpdateUserRole(ctx, manager, f.admin.ID, dbtypes.RoleStaff, nil); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Non-admin demoting the admin: got error %v, want ErrPermissionDenied", err)
	}
	if err := f.db.RemoveUser(ctx, manager, f.admin.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Non-admin removing the admin: got error %v, want ErrPermissionDenied", err)
	}
	if _, err := f.db.UpdateUserRole(ctx, manager, teacher.ID, dbtypes.RoleTeacher, []dbtypes.Permission{dbtypes.PermManageBilling}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Granting a permission the actor lacks: got error %v, want ErrPermissionDenied", err)
	}
	// Front office defaults include manage_students, which the manager lacks.
	if _, err := f.db.UpdateUserRole(ctx, manager, teacher.ID, dbtypes.RoleFrontOffice, nil); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Granting role defaults the actor lacks: got error %v, want ErrPermissionDenied", err)
	}

	for _, ni := range []*NewInvitation{
		{Email: "boss@example.com", Role: dbtypes.RoleAdmin},
		{Email: "billing@example.com", Role: dbtypes.RoleStaff, Permissions: []dbtypes.Permission{dbtypes.PermManageBilling}},
	} {
		if _, err := f.db.CreateInvitation(ctx, manager, ni); !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("Inviting %s as %s %v: got error %v, want ErrPermissionDenied", ni.Email, ni.Role, ni.Permissions, err)
		}
	}

	users, err := f.db.ListUsers(ctx, f.admin)
	if err != nil {
		t.Fatalf("Unexpected error listing users: %v", err)
	}
	roles := map[string]dbtypes.Role{}
	for _, u := range users {
		roles[u.ID] = u.Role
	}
	want := map[string]dbtypes.Role{
		f.admin.ID: dbtypes.RoleAdmin,
		teacher.ID: dbtypes.RoleTeacher,
		staff.ID:   dbtypes.RoleStaff,
	}
	if diff := cmp.Diff(roles, want); diff != "" {
		t.Errorf("Roles changed by refused updates; diff (-got +want)\n%s", diff)
	}

	// Grants within the manager's own permissions still work.
	updated, err := f.db.UpdateUserRole(ctx, manager, teacher.ID, dbtypes.RoleTeacher, []dbtypes.Permission{dbtypes.PermLookupCars})
	if err != nil {
		t.Fatalf("Unexpected error making a grant the manager holds: %v", err)
	}
	if !updated.Can(dbtypes.PermLookupCars) || updated.Can(dbtypes.PermManageQueue) {
		t.Errorf("Bad updated teacher: %+v", updated)
	}
	if _, err := f.db.CreateInvitation(ctx, manager, &NewInvitation{
		Email:       "helper@example.com",
		Role:        dbtypes.RoleStaff,
		Permissions: []dbtypes.Permission{dbtypes.PermLookupCars},
	}); err != nil {
		t.Errorf("Unexpected error inviting within the manager's permissions: %v", err)
	}
}
