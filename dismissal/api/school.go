package api

import (
	"log/slog"
	"net/http"
	"time"

	"carline/dismissal/dblayer"
	"carline/dismissal/dbtypes"
	"carline/dismissal/mailer"
)

func (a *API) getSchoolHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	school, err := a.db.GetSchool(r.Context(), user)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, school)
	return nil
}

type updateSchoolRequest struct {
	Name             string `json:"name" validate:"notblank,max=200"`
	Address          string `json:"address" validate:"max=500"`
	Timezone         string `json:"timezone" validate:"required,max=64"`
	DefaultConeCount int64  `json:"defaultConeCount" validate:"min=1,max=99"`
	AutoClearMinutes int64  `json:"autoClearMinutes" validate:"min=0,max=240"`
}

func (a *API) updateSchoolHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &updateSchoolRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	school, err := a.db.UpdateSchoolSettings(r.Context(), user, &dblayer.SchoolSettingsUpdate{
		Name:             req.Name,
		Address:          req.Address,
		Timezone:         req.Timezone,
		DefaultConeCount: req.DefaultConeCount,
		AutoClearMinutes: req.AutoClearMinutes,
	})
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, school)
	return nil
}

type billingRequest struct {
	Status dbtypes.SubscriptionStatus `json:"status" validate:"required,subscription"`
}

// billingHandler records a subscription change.  It is reachable while the
// school is out of good standing, since it is how a school gets back in.
func (a *API) billingHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &billingRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	school, err := a.db.SetSubscriptionStatus(r.Context(), user, req.Status)
	if err != nil {
		return err
	}
	slog.InfoContext(r.Context(), "Subscription status changed",
		slog.String("school", school.ID),
		slog.String("status", string(school.SubscriptionStatus)))
	writeJSON(r.Context(), w, http.StatusOK, school)
	return nil
}

func (a *API) getLaneHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	lane, err := a.db.GetLane(r.Context(), user)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, lane)
	return nil
}

type configureLaneRequest struct {
	ConeCount int64 `json:"coneCount" validate:"min=1,max=99"`
}

func (a *API) configureLaneHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &configureLaneRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	lane, err := a.db.ConfigureLane(r.Context(), user, req.ConeCount)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, lane)
	return nil
}

type usersResponse struct {
	Users []*userView `json:"users"`
}

func (a *API) listUsersHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	users, err := a.db.ListUsers(r.Context(), user)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, &usersResponse{Users: viewUsers(users)})
	return nil
}

type updateUserRoleRequest struct {
	UserID      string               `json:"userId" validate:"required"`
	Role        dbtypes.Role         `json:"role" validate:"required,role"`
	Permissions []dbtypes.Permission `json:"permissions" validate:"dive,permission"`
}

func (a *API) updateUserRoleHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &updateUserRoleRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	updated, err := a.db.UpdateUserRole(r.Context(), user, req.UserID, req.Role, req.Permissions)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, viewUser(updated))
	return nil
}

type removeUserRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (a *API) removeUserHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &removeUserRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	if err := a.db.RemoveUser(r.Context(), user, req.UserID); err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, struct{}{})
	return nil
}

// invitationView leaves out the token, which only travels by email.
type invitationView struct {
	ID          string                   `json:"id"`
	Email       string                   `json:"email"`
	Role        dbtypes.Role             `json:"role"`
	Permissions []dbtypes.Permission     `json:"permissions"`
	Status      dbtypes.InvitationStatus `json:"status"`
	ExpiresAt   time.Time                `json:"expiresAt"`
	InvitedBy   string                   `json:"invitedBy"`
	CreatedAt   time.Time                `json:"createdAt"`
}

func viewInvitation(inv *dbtypes.UserInvitation) *invitationView {
	return &invitationView{
		ID:          inv.ID,
		Email:       inv.Email,
		Role:        inv.Role,
		Permissions: inv.Permissions,
		Status:      inv.Status,
		ExpiresAt:   inv.ExpiresAt,
		InvitedBy:   inv.InvitedBy,
		CreatedAt:   inv.CreatedAt,
	}
}

type invitationsResponse struct {
	Invitations []*invitationView `json:"invitations"`
}

func (a *API) listInvitationsHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	invs, err := a.db.ListInvitations(r.Context(), user)
	if err != nil {
		return err
	}

	resp := &invitationsResponse{Invitations: []*invitationView{}}
	for _, inv := range invs {
		resp.Invitations = append(resp.Invitations, viewInvitation(inv))
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
	return nil
}

type createInvitationRequest struct {
	Email       string               `json:"email" validate:"required,email"`
	Role        dbtypes.Role         `json:"role" validate:"required,role"`
	Permissions []dbtypes.Permission `json:"permissions" validate:"dive,permission"`
}

type createInvitationResponse struct {
	Invitation *invitationView `json:"invitation"`
	EmailSent  bool            `json:"emailSent"`
}

func (a *API) createInvitationHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	ctx := r.Context()

	req := &createInvitationRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	inv, err := a.db.CreateInvitation(ctx, user, &dblayer.NewInvitation{
		Email:       req.Email,
		Role:        req.Role,
		Permissions: req.Permissions,
	})
	if err != nil {
		return err
	}

	// The invitation stands even if the email can't go out; it can be
	// revoked and re-sent.
	resp := &createInvitationResponse{Invitation: viewInvitation(inv)}
	if err := a.sendInvitation(r, user, inv); err != nil {
		slog.ErrorContext(ctx, "Error while sending invitation email",
			slog.String("invitation", inv.ID),
			slog.Any("err", err))
	} else {
		resp.EmailSent = true
	}

	writeJSON(ctx, w, http.StatusOK, resp)
	return nil
}

func (a *API) sendInvitation(r *http.Request, inviter *dbtypes.User, inv *dbtypes.UserInvitation) error {
	school, err := a.db.GetSchool(r.Context(), inviter)
	if err != nil {
		return err
	}
	msg, err := mailer.InvitationMessage(inv, school, inviter, a.baseURL)
	if err != nil {
		return err
	}
	return a.mail.Send(r.Context(), msg)
}

type revokeInvitationRequest struct {
	ID string `json:"id" validate:"required"`
}

func (a *API) revokeInvitationHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &revokeInvitationRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	inv, err := a.db.RevokeInvitation(r.Context(), user, req.ID)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, viewInvitation(inv))
	return nil
}
