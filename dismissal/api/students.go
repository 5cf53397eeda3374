package api

import (
	"net/http"
	"time"

	"carline/dismissal/dblayer"
	"carline/dismissal/dbtypes"
)

type studentsResponse struct {
	Students []*dbtypes.Student `json:"students"`
}

func (a *API) listStudentsHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	students, err := a.db.ListStudents(r.Context(), user)
	if err != nil {
		return err
	}

	resp := &studentsResponse{Students: []*dbtypes.Student{}}
	resp.Students = append(resp.Students, students...)
	writeJSON(r.Context(), w, http.StatusOK, resp)
	return nil
}

type studentFields struct {
	FirstName          string                     `json:"firstName" validate:"notblank,max=100"`
	LastName           string                     `json:"lastName" validate:"max=100"`
	Grade              string                     `json:"grade" validate:"max=20"`
	TransportationMode dbtypes.TransportationMode `json:"transportationMode" validate:"required,transportmode"`
	CarNumber          string                     `json:"carNumber" validate:"required_if=TransportationMode car,max=6"`
}

func (f *studentFields) input() *dblayer.StudentInput {
	return &dblayer.StudentInput{
		FirstName:          f.FirstName,
		LastName:           f.LastName,
		Grade:              f.Grade,
		TransportationMode: f.TransportationMode,
		CarNumber:          f.CarNumber,
	}
}

func (a *API) createStudentHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &studentFields{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	student, err := a.db.CreateStudent(r.Context(), user, req.input())
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, student)
	return nil
}

type updateStudentRequest struct {
	ID string `json:"id" validate:"required"`
	studentFields
}

func (a *API) updateStudentHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &updateStudentRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	student, err := a.db.UpdateStudent(r.Context(), user, req.ID, req.input())
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, student)
	return nil
}

type deleteStudentRequest struct {
	ID string `json:"id" validate:"required"`
}

func (a *API) deleteStudentHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &deleteStudentRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	if err := a.db.DeleteStudent(r.Context(), user, req.ID); err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, struct{}{})
	return nil
}

type overridesResponse struct {
	Overrides []*dbtypes.Override `json:"overrides"`
}

func (a *API) listOverridesHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	includeInactive := r.URL.Query().Get("includeInactive") == "true"

	overrides, err := a.db.ListOverrides(r.Context(), user, includeInactive)
	if err != nil {
		return err
	}

	resp := &overridesResponse{Overrides: []*dbtypes.Override{}}
	resp.Overrides = append(resp.Overrides, overrides...)
	writeJSON(r.Context(), w, http.StatusOK, resp)
	return nil
}

type createOverrideRequest struct {
	StudentID string    `json:"studentId" validate:"required"`
	CarNumber string    `json:"carNumber" validate:"notblank,max=6"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate" validate:"required"`
	Reason    string    `json:"reason" validate:"max=500"`
}

func (a *API) createOverrideHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &createOverrideRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	override, err := a.db.CreateOverride(r.Context(), user, &dblayer.OverrideInput{
		StudentID: req.StudentID,
		CarNumber: req.CarNumber,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Reason:    req.Reason,
	})
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, override)
	return nil
}

type deactivateOverrideRequest struct {
	ID string `json:"id" validate:"required"`
}

func (a *API) deactivateOverrideHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &deactivateOverrideRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	override, err := a.db.DeactivateOverride(r.Context(), user, req.ID)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, override)
	return nil
}
