// Package dblayer packages up the application's reads and writes against the
// document store.
package dblayer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
)

const sessionLifetime = 18 * time.Hour

type DB struct {
	store               docstore.Store
	googleOAuthClientID string
	now                 func() time.Time
}

type Opt func(*DB)

// WithGoogleOAuthClientID sets the audience expected in Google ID tokens.
func WithGoogleOAuthClientID(id string) Opt {
	return func(db *DB) {
		db.googleOAuthClientID = id
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Opt {
	return func(db *DB) {
		db.now = now
	}
}

func New(store docstore.Store, opts ...Opt) *DB {
	db := &DB{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Now returns the current time according to the DB's clock.
func (db *DB) Now() time.Time {
	return db.now()
}

// Store exposes the underlying document store, for health checks.
func (db *DB) Store() docstore.Store {
	return db.store
}

// User-facing errors.  Anything not in this list is an internal failure.
var (
	ErrEmailMustNotBeEmpty        = errors.New("email must not be empty")
	ErrPasswordMustNotBeEmpty     = errors.New("password must not be empty")
	ErrUnknownUserOrWrongPassword = errors.New("unknown user or wrong password")
	ErrEmailAlreadyRegistered     = errors.New("a user with that email already exists")
	ErrPermissionDenied           = errors.New("permission denied")
	ErrNotInSchool                = errors.New("user does not belong to a school")
	ErrCannotModifySelf           = errors.New("admins cannot remove or demote themselves")
	ErrInvalidRole                = errors.New("invalid role")
	ErrInvalidPermission          = errors.New("invalid permission")
	ErrInvalidSubscriptionStatus  = errors.New("invalid subscription status")
	ErrInvalidConeCount           = errors.New("cone count must be between 1 and 99")
	ErrInvalidTransportation      = errors.New("car riders need a car number")
	ErrInvalidDateRange           = errors.New("override end date must not be before its start date")
	ErrInvalidTransition          = errors.New("invalid dismissal status transition")
	ErrNoStudentsFound            = errors.New("no students found for that car number")
	ErrCarNumberMustNotBeEmpty    = errors.New("car number must not be empty")
	ErrInvitationNotPending       = errors.New("invitation is no longer pending")
	ErrInvitationExpired          = errors.New("invitation has expired")
	ErrInvitationWrongEmail       = errors.New("invitation was sent to a different email address")
	ErrAlreadyInSchool            = errors.New("user already belongs to a school")
	ErrInvalidArgument            = errors.New("invalid argument")
	ErrInvalidIDToken             = errors.New("invalid identity token")

	ErrSchoolNotFound     = errors.New("no such school")
	ErrUserNotFound       = errors.New("no such user")
	ErrStudentNotFound    = errors.New("no such student")
	ErrOverrideNotFound   = errors.New("no such override")
	ErrDismissalNotFound  = errors.New("no such dismissal")
	ErrInvitationNotFound = errors.New("no such invitation")
)

var userErrors = []error{
	ErrEmailMustNotBeEmpty,
	ErrPasswordMustNotBeEmpty,
	ErrUnknownUserOrWrongPassword,
	ErrEmailAlreadyRegistered,
	ErrCannotModifySelf,
	ErrInvalidRole,
	ErrInvalidPermission,
	ErrInvalidSubscriptionStatus,
	ErrInvalidConeCount,
	ErrInvalidTransportation,
	ErrInvalidDateRange,
	ErrInvalidTransition,
	ErrNoStudentsFound,
	ErrCarNumberMustNotBeEmpty,
	ErrInvitationNotPending,
	ErrInvitationExpired,
	ErrInvitationWrongEmail,
	ErrAlreadyInSchool,
	ErrInvalidArgument,
	ErrInvalidIDToken,
}

var notFoundErrors = []error{
	ErrSchoolNotFound,
	ErrUserNotFound,
	ErrStudentNotFound,
	ErrOverrideNotFound,
	ErrDismissalNotFound,
	ErrInvitationNotFound,
}

// IsUserError reports whether err is caused by bad input rather than a
// system failure.
func IsUserError(err error) bool {
	for _, ue := range userErrors {
		if errors.Is(err, ue) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err means a referenced record doesn't exist.
func IsNotFound(err error) bool {
	for _, nf := range notFoundErrors {
		if errors.Is(err, nf) {
			return true
		}
	}
	return errors.Is(err, docstore.ErrNotFound)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// URL-safe so the token can double as a document ID.
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func userByEmail(txn docstore.Txn, email string) (*dbtypes.User, error) {
	users, err := docstore.QueryAll[dbtypes.User](txn, dbtypes.UsersCollection, docstore.Eq("email", email))
	if err != nil {
		return nil, fmt.Errorf("while looking up user with email %q: %w", email, err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	// Emails are supposed to be unique.  Consider only one user.
	return users[0], nil
}

func (db *DB) newSession(ctx context.Context, userID string) (*dbtypes.Session, error) {
	cookie, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("while generating session cookie: %w", err)
	}

	session := &dbtypes.Session{
		Cookie:  cookie,
		UserID:  userID,
		Expires: db.now().Add(sessionLifetime),
	}
	err = db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		return txn.Create(dbtypes.SessionsCollection, session.Cookie, session)
	})
	if err != nil {
		return nil, fmt.Errorf("while storing session cookie: %w", err)
	}

	return session, nil
}

// SessionFromPassword runs the password-based login process for a given user,
// returning a session or an error.
func (db *DB) SessionFromPassword(ctx context.Context, email, password string) (*dbtypes.Session, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrEmailMustNotBeEmpty
	}

	if password == "" {
		return nil, ErrPasswordMustNotBeEmpty
	}

	var user *dbtypes.User
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		user, err = userByEmail(txn, email)
		return err
	})
	if err != nil {
		return nil, err
	}

	if user == nil || user.PasswordHash == "" {
		return nil, ErrUnknownUserOrWrongPassword
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrUnknownUserOrWrongPassword
	}

	return db.newSession(ctx, user.ID)
}

// SessionFromGoogleFederation signs in a user based on a Google identity token
// returned from the "Sign in with Google" process.
//
// A first-time user is created without a school; they join one by accepting
// an invitation.
func (db *DB) SessionFromGoogleFederation(ctx context.Context, idToken string) (*dbtypes.Session, error) {
	payload, err := idtoken.Validate(ctx, idToken, db.googleOAuthClientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	email, _ := payload.Claims["email"].(string)
	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrEmailMustNotBeEmpty
	}
	displayName, _ := payload.Claims["name"].(string)

	var user *dbtypes.User
	err = db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		var err error
		user, err = userByEmail(txn, email)
		if err != nil {
			return err
		}
		if user != nil {
			return nil
		}

		user = &dbtypes.User{
			ID:          db.store.NewID(dbtypes.UsersCollection),
			Email:       email,
			DisplayName: displayName,
			CreatedAt:   db.now(),
		}
		return txn.Create(dbtypes.UsersCollection, user.ID, user)
	})
	if err != nil {
		return nil, fmt.Errorf("while finding or creating federated user: %w", err)
	}

	// Now we've found the user.  We know they authenticated successfully with
	// Google, so it's time to create their session.
	return db.newSession(ctx, user.ID)
}

// DeleteSession deletes a session by its cookie.
func (db *DB) DeleteSession(ctx context.Context, cookie string) error {
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		return txn.Delete(dbtypes.SessionsCollection, cookie)
	})
	if err != nil {
		return fmt.Errorf("while deleting session: %w", err)
	}
	return nil
}

// UserFromSessionCookie looks up a session from its cookie, and then returns
// the corresponding user.  It returns a nil user if the session is missing or
// expired.
func (db *DB) UserFromSessionCookie(ctx context.Context, cookie string) (*dbtypes.User, error) {
	if cookie == "" {
		return nil, nil
	}

	var user *dbtypes.User
	err := db.store.View(ctx, func(ctx context.Context, txn docstore.Txn) error {
		user = nil

		session := &dbtypes.Session{}
		err := txn.Get(dbtypes.SessionsCollection, cookie, session)
		if errors.Is(err, docstore.ErrNotFound) {
			// Session object must have been cleaned up; user is not logged in.
			slog.InfoContext(ctx, "No logged-in user because there was no session object corresponding to the cookie in the database.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("while looking up session: %w", err)
		}

		if session.Expires.Before(db.now()) {
			slog.InfoContext(ctx, "No logged-in user because the session object in the database was expired.")
			return nil
		}

		u := &dbtypes.User{}
		if err := txn.Get(dbtypes.UsersCollection, session.UserID, u); err != nil {
			return fmt.Errorf("while getting user linked from session: %w", err)
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// DeleteExpiredSessions removes sessions that expired before now.
func (db *DB) DeleteExpiredSessions(ctx context.Context) (int, error) {
	now := db.now()
	deleted := 0
	err := db.store.RunTransaction(ctx, func(ctx context.Context, txn docstore.Txn) error {
		deleted = 0
		sessions, err := docstore.QueryAll[dbtypes.Session](txn, dbtypes.SessionsCollection, docstore.Lt("expires", now))
		if err != nil {
			return err
		}
		for _, s := range sessions {
			if err := txn.Delete(dbtypes.SessionsCollection, s.Cookie); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("while deleting expired sessions: %w", err)
	}
	return deleted, nil
}

// requireSchool checks that the acting user belongs to a school and holds
// perm.
func requireSchool(actor *dbtypes.User, perm dbtypes.Permission) error {
	if actor.SchoolID == "" {
		return ErrNotInSchool
	}
	if perm != "" && !actor.Can(perm) {
		return ErrPermissionDenied
	}
	return nil
}
