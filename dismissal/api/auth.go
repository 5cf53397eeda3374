package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"carline/dismissal/dblayer"
	"carline/dismissal/dbtypes"

	"golang.org/x/crypto/bcrypt"
)

// userView is a User as shown to the front end.
type userView struct {
	ID          string               `json:"id"`
	Email       string               `json:"email"`
	DisplayName string               `json:"displayName"`
	Role        dbtypes.Role         `json:"role"`
	Permissions []dbtypes.Permission `json:"permissions"`
	SchoolID    string               `json:"schoolId"`
	CreatedAt   time.Time            `json:"createdAt"`
}

func viewUser(u *dbtypes.User) *userView {
	v := &userView{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		SchoolID:    u.SchoolID,
		CreatedAt:   u.CreatedAt,
	}
	for _, p := range dbtypes.AllPermissions {
		if u.SchoolID != "" && u.Can(p) {
			v.Permissions = append(v.Permissions, p)
		}
	}
	return v
}

func viewUsers(us []*dbtypes.User) []*userView {
	views := make([]*userView, 0, len(us))
	for _, u := range us {
		views = append(views, viewUser(u))
	}
	return views
}

type signUpRequest struct {
	SchoolName  string `json:"schoolName" validate:"notblank,max=200"`
	Address     string `json:"address" validate:"max=500"`
	Timezone    string `json:"timezone" validate:"max=64"`
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"displayName" validate:"max=200"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
}

func (a *API) signUpHandler(w http.ResponseWriter, r *http.Request, _ *dbtypes.User) error {
	ctx := r.Context()

	req := &signUpRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.bcryptCost)
	if err != nil {
		return fmt.Errorf("while hashing password: %w", err)
	}

	_, _, err = a.db.CreateSchool(ctx, &dblayer.NewSchool{
		Name:              req.SchoolName,
		Address:           req.Address,
		Timezone:          req.Timezone,
		AdminEmail:        req.Email,
		AdminDisplayName:  req.DisplayName,
		AdminPasswordHash: string(hash),
	})
	if err != nil {
		return fmt.Errorf("while creating school: %w", err)
	}

	session, err := a.db.SessionFromPassword(ctx, req.Email, req.Password)
	if err != nil {
		return fmt.Errorf("while logging in new admin: %w", err)
	}
	http.SetCookie(w, a.sessionCookie(session))

	return a.writeMe(w, r, session)
}

type logInRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (a *API) logInHandler(w http.ResponseWriter, r *http.Request, _ *dbtypes.User) error {
	ctx := r.Context()

	req := &logInRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	session, err := a.db.SessionFromPassword(ctx, req.Email, req.Password)
	if err != nil {
		return err
	}
	http.SetCookie(w, a.sessionCookie(session))

	return a.writeMe(w, r, session)
}

type signInWithGoogleRequest struct {
	Credential string `json:"credential" validate:"required"`
}

func (a *API) signInWithGoogleHandler(w http.ResponseWriter, r *http.Request, _ *dbtypes.User) error {
	ctx := r.Context()

	req := &signInWithGoogleRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	session, err := a.db.SessionFromGoogleFederation(ctx, req.Credential)
	if err != nil {
		return err
	}
	http.SetCookie(w, a.sessionCookie(session))

	return a.writeMe(w, r, session)
}

func (a *API) logOutHandler(w http.ResponseWriter, r *http.Request, _ *dbtypes.User) error {
	ctx := r.Context()

	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		if err := a.db.DeleteSession(ctx, cookie.Value); err != nil {
			return err
		}
	}
	http.SetCookie(w, a.clearedSessionCookie())

	writeJSON(ctx, w, http.StatusOK, struct{}{})
	return nil
}

type meResponse struct {
	User           *userView       `json:"user"`
	School         *dbtypes.School `json:"school,omitempty"`
	InGoodStanding bool            `json:"inGoodStanding"`
}

func (a *API) me(r *http.Request, user *dbtypes.User) (*meResponse, error) {
	resp := &meResponse{User: viewUser(user)}
	if user.SchoolID == "" {
		return resp, nil
	}

	school, err := a.db.GetSchool(r.Context(), user)
	if err != nil {
		return nil, fmt.Errorf("while retrieving school: %w", err)
	}
	resp.School = school
	resp.InGoodStanding = school.InGoodStanding(a.db.Now())
	return resp, nil
}

func (a *API) meHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	resp, err := a.me(r, user)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
	return nil
}

// writeMe answers a log-in with the same body as /api/me.
func (a *API) writeMe(w http.ResponseWriter, r *http.Request, session *dbtypes.Session) error {
	ctx := r.Context()

	user, err := a.db.UserFromSessionCookie(ctx, session.Cookie)
	if err != nil {
		return fmt.Errorf("while loading user for new session: %w", err)
	}
	if user == nil {
		return errors.New("new session has no user")
	}

	resp, err := a.me(r, user)
	if err != nil {
		return err
	}
	writeJSON(ctx, w, http.StatusOK, resp)
	return nil
}

// getInvitationHandler shows an invitation to whoever holds its token, before
// they sign in to accept it.
func (a *API) getInvitationHandler(w http.ResponseWriter, r *http.Request, _ *dbtypes.User) error {
	token := r.URL.Query().Get("token")
	if token == "" {
		return &requestError{
			msg:    "missing token",
			fields: map[string]string{"token": "token is a required field"},
		}
	}

	inv, err := a.db.GetInvitation(r.Context(), token)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, viewInvitation(inv))
	return nil
}

type acceptInvitationRequest struct {
	Token string `json:"token" validate:"required"`
}

func (a *API) acceptInvitationHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &acceptInvitationRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	updated, err := a.db.AcceptInvitation(r.Context(), user, req.Token)
	if err != nil {
		return err
	}

	resp, err := a.me(r, updated)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
	return nil
}
