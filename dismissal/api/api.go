// Package api serves the JSON API used by the dismissal front end.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"carline/dismissal/carnumber"
	"carline/dismissal/dblayer"
	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"
	"carline/dismissal/mailer"

	"golang.org/x/crypto/bcrypt"
)

const (
	sessionCookieName = "Carline-Session"
	maxBodyBytes      = 1 << 20
	historyCapacity   = 200
)

type API struct {
	db        *dblayer.DB
	mail      mailer.Sender
	histories *carnumber.Histories

	baseURL       string
	secureCookies bool
	bcryptCost    int
}

type Opt func(*API)

// WithMailer sets where invitation emails go.  By default they are only
// logged.
func WithMailer(s mailer.Sender) Opt {
	return func(a *API) {
		a.mail = s
	}
}

// WithBaseURL sets the front-end root used in links sent by email.
func WithBaseURL(u string) Opt {
	return func(a *API) {
		a.baseURL = u
	}
}

// WithInsecureCookies drops the Secure attribute from session cookies, for
// local development over plain HTTP.
func WithInsecureCookies() Opt {
	return func(a *API) {
		a.secureCookies = false
	}
}

// WithBcryptCost sets the cost of password hashes made at sign-up.
func WithBcryptCost(cost int) Opt {
	return func(a *API) {
		a.bcryptCost = cost
	}
}

func New(db *dblayer.DB, opts ...Opt) *API {
	a := &API{
		db:            db,
		mail:          mailer.LogSender{},
		histories:     carnumber.NewHistories(historyCapacity),
		baseURL:       "http://localhost:8000",
		secureCookies: true,
		bcryptCost:    bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// access is what a caller needs before a handler runs.
type access int

const (
	// Anyone may call.
	public access = iota

	// Caller must be logged in.
	loggedIn

	// Caller must be logged in, and their school must be in good standing.
	goodStanding
)

// handlerFunc is an API handler.  user is nil for public endpoints.
type handlerFunc func(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error

func (a *API) Register(m *http.ServeMux) {
	a.handle(m, "POST /api/sign-up", public, a.signUpHandler)
	a.handle(m, "POST /api/log-in", public, a.logInHandler)
	a.handle(m, "POST /api/sign-in-with-google", public, a.signInWithGoogleHandler)
	a.handle(m, "POST /api/log-out", loggedIn, a.logOutHandler)
	a.handle(m, "GET /api/me", loggedIn, a.meHandler)
	a.handle(m, "GET /api/invitation", public, a.getInvitationHandler)
	a.handle(m, "POST /api/accept-invitation", loggedIn, a.acceptInvitationHandler)

	a.handle(m, "GET /api/school", loggedIn, a.getSchoolHandler)
	a.handle(m, "POST /api/school", goodStanding, a.updateSchoolHandler)
	a.handle(m, "POST /api/billing", loggedIn, a.billingHandler)
	a.handle(m, "GET /api/lane", loggedIn, a.getLaneHandler)
	a.handle(m, "POST /api/lane", goodStanding, a.configureLaneHandler)

	a.handle(m, "POST /api/lookup-car", goodStanding, a.lookupCarHandler)
	a.handle(m, "POST /api/voice-lookup", goodStanding, a.voiceLookupHandler)
	a.handle(m, "GET /api/car-suggestions", loggedIn, a.carSuggestionsHandler)
	a.handle(m, "GET /api/dismissals", loggedIn, a.listDismissalsHandler)
	a.handle(m, "POST /api/update-dismissal-status", goodStanding, a.updateDismissalStatusHandler)
	a.handle(m, "POST /api/reset-day", goodStanding, a.resetDayHandler)

	a.handle(m, "GET /api/students", loggedIn, a.listStudentsHandler)
	a.handle(m, "POST /api/students", goodStanding, a.createStudentHandler)
	a.handle(m, "POST /api/update-student", goodStanding, a.updateStudentHandler)
	a.handle(m, "POST /api/delete-student", goodStanding, a.deleteStudentHandler)
	a.handle(m, "GET /api/overrides", loggedIn, a.listOverridesHandler)
	a.handle(m, "POST /api/overrides", goodStanding, a.createOverrideHandler)
	a.handle(m, "POST /api/deactivate-override", goodStanding, a.deactivateOverrideHandler)

	a.handle(m, "GET /api/users", loggedIn, a.listUsersHandler)
	a.handle(m, "POST /api/update-user-role", goodStanding, a.updateUserRoleHandler)
	a.handle(m, "POST /api/remove-user", goodStanding, a.removeUserHandler)
	a.handle(m, "GET /api/invitations", loggedIn, a.listInvitationsHandler)
	a.handle(m, "POST /api/invitations", goodStanding, a.createInvitationHandler)
	a.handle(m, "POST /api/revoke-invitation", goodStanding, a.revokeInvitationHandler)
}

func (a *API) handle(m *http.ServeMux, pattern string, acc access, h handlerFunc) {
	m.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var user *dbtypes.User
		if acc != public {
			var err error
			user, err = a.getLoggedInUser(ctx, r)
			if err != nil {
				a.writeError(ctx, w, fmt.Errorf("while getting logged-in user: %w", err))
				return
			}
			if user == nil {
				a.writeError(ctx, w, errNotLoggedIn)
				return
			}
		}

		if acc == goodStanding {
			if err := a.checkGoodStanding(ctx, user); err != nil {
				a.writeError(ctx, w, err)
				return
			}
		}

		if err := h(w, r, user); err != nil {
			a.writeError(ctx, w, err)
		}
	})
}

// getLoggedInUser loads the user associated with the session cookie in the
// request, if it exists.
func (a *API) getLoggedInUser(ctx context.Context, r *http.Request) (*dbtypes.User, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if errors.Is(err, http.ErrNoCookie) {
		// No session cookie; user is not logged in.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a.db.UserFromSessionCookie(ctx, cookie.Value)
}

func (a *API) checkGoodStanding(ctx context.Context, user *dbtypes.User) error {
	school, err := a.db.GetSchool(ctx, user)
	if err != nil {
		return err
	}
	if !school.InGoodStanding(a.db.Now()) {
		return errPaymentRequired
	}
	return nil
}

func (a *API) sessionCookie(s *dbtypes.Session) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    s.Cookie,
		Path:     "/",
		Expires:  s.Expires,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	}
}

func (a *API) clearedSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteStrictMode,
	}
}

var (
	errNotLoggedIn     = errors.New("not logged in")
	errPaymentRequired = errors.New("school subscription is not in good standing")
)

// requestError is a malformed or invalid request body.
type requestError struct {
	msg    string
	fields map[string]string
}

func (e *requestError) Error() string {
	return e.msg
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, errNotLoggedIn):
		return http.StatusUnauthorized
	case errors.Is(err, errPaymentRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, dblayer.ErrPermissionDenied), errors.Is(err, dblayer.ErrNotInSchool):
		return http.StatusForbidden
	case dblayer.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, dblayer.ErrEmailAlreadyRegistered),
		errors.Is(err, docstore.ErrAlreadyExists),
		errors.Is(err, docstore.ErrConflict):
		return http.StatusConflict
	case dblayer.IsUserError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := &errorResponse{Error: err.Error()}

	var reqErr *requestError
	if errors.As(err, &reqErr) {
		resp.Fields = reqErr.fields
	}

	if status == http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Internal error while serving request", slog.Any("err", err))
		resp.Error = "Internal Error"
	}

	writeJSON(ctx, w, status, resp)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "Error while marshaling response", slog.Any("err", err))
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		// It's too late to write an error to the HTTP response.
		slog.ErrorContext(ctx, "Error while writing output", slog.Any("err", err))
	}
}

// readJSON decodes and validates the request body into dst.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return &requestError{msg: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return validateRequest(dst)
}
