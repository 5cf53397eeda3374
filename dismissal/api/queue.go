package api

import (
	"errors"
	"net/http"
	"strconv"

	"carline/dismissal/carnumber"
	"carline/dismissal/dblayer"
	"carline/dismissal/dbtypes"
)

const (
	defaultSuggestionLimit = 5
	maxSuggestionLimit     = 20
)

// Lookup outcomes.
const (
	resultAssigned         = "assigned"
	resultAlreadyProcessed = "already_processed"
	resultNoStudentsFound  = "no_students_found"
)

type lookupResponse struct {
	Result     string             `json:"result"`
	CarNumber  string             `json:"carNumber"`
	ConeNumber int64              `json:"coneNumber,omitempty"`
	Dismissal  *dbtypes.Dismissal `json:"dismissal,omitempty"`
	Students   []*dbtypes.Student `json:"students"`
	Candidates []string           `json:"candidates,omitempty"`
	Suggested  []carnumber.Match  `json:"suggestions,omitempty"`
}

// lookup runs one car lookup.  A car with no students is a normal outcome at
// the curb, not an error.
func (a *API) lookup(r *http.Request, user *dbtypes.User, car string) (*lookupResponse, error) {
	car = carnumber.Normalize(car)
	resp := &lookupResponse{CarNumber: car, Students: []*dbtypes.Student{}}

	res, err := a.db.LookupCar(r.Context(), user, car)
	if errors.Is(err, dblayer.ErrNoStudentsFound) {
		resp.Result = resultNoStudentsFound
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	a.histories.For(user.SchoolID).Add(car)

	resp.Result = resultAssigned
	if res.AlreadyProcessed {
		resp.Result = resultAlreadyProcessed
	}
	resp.ConeNumber = res.Dismissal.ConeNumber
	resp.Dismissal = res.Dismissal
	if res.Students != nil {
		resp.Students = res.Students
	}
	return resp, nil
}

type lookupCarRequest struct {
	CarNumber string `json:"carNumber" validate:"notblank,max=6"`
}

func (a *API) lookupCarHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &lookupCarRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	resp, err := a.lookup(r, user, req.CarNumber)
	if err != nil {
		return err
	}
	if resp.Result == resultNoStudentsFound {
		if resp.Suggested, err = a.suggest(r, user, resp.CarNumber, defaultSuggestionLimit); err != nil {
			return err
		}
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
	return nil
}

type voiceLookupRequest struct {
	Transcript string `json:"transcript" validate:"notblank,max=500"`
}

// voiceLookupHandler looks up the first car number heard in the transcript
// that belongs to any students.
func (a *API) voiceLookupHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &voiceLookupRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	candidates := carnumber.ExtractCarNumbers(req.Transcript)
	if len(candidates) == 0 {
		return &requestError{
			msg:    "no car number heard",
			fields: map[string]string{"transcript": "transcript contains no car number"},
		}
	}

	var resp *lookupResponse
	for _, car := range candidates {
		var err error
		resp, err = a.lookup(r, user, car)
		if err != nil {
			return err
		}
		if resp.Result != resultNoStudentsFound {
			break
		}
	}
	resp.Candidates = candidates
	writeJSON(r.Context(), w, http.StatusOK, resp)
	return nil
}

// suggest ranks the school's known car numbers and recent lookups against a
// partial car number.
func (a *API) suggest(r *http.Request, user *dbtypes.User, query string, limit int) ([]carnumber.Match, error) {
	known, err := a.db.KnownCarNumbers(r.Context(), user)
	if err != nil {
		return nil, err
	}
	candidates := append(a.histories.For(user.SchoolID).Recent(), known...)
	return carnumber.Rank(query, candidates, limit), nil
}

type suggestionsResponse struct {
	Suggestions []carnumber.Match `json:"suggestions"`
	Recent      []string          `json:"recent"`
}

func (a *API) carSuggestionsHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	if !user.Can(dbtypes.PermLookupCars) {
		return dblayer.ErrPermissionDenied
	}

	limit := defaultSuggestionLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxSuggestionLimit {
			return &requestError{
				msg:    "invalid limit",
				fields: map[string]string{"limit": "limit must be a number from 1 to 20"},
			}
		}
		limit = n
	}

	matches, err := a.suggest(r, user, r.URL.Query().Get("q"), limit)
	if err != nil {
		return err
	}

	resp := &suggestionsResponse{
		Suggestions: []carnumber.Match{},
		Recent:      a.histories.For(user.SchoolID).Recent(),
	}
	resp.Suggestions = append(resp.Suggestions, matches...)
	if len(resp.Recent) > limit {
		resp.Recent = resp.Recent[:limit]
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
	return nil
}

type dismissalsResponse struct {
	Dismissals []*dbtypes.Dismissal `json:"dismissals"`
	Queue      *dblayer.Queue       `json:"queue"`
}

func (a *API) listDismissalsHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	includeHistorical := r.URL.Query().Get("includeHistorical") == "true"

	ds, err := a.db.ListTodayDismissals(r.Context(), user, includeHistorical)
	if err != nil {
		return err
	}

	resp := &dismissalsResponse{
		Dismissals: []*dbtypes.Dismissal{},
		Queue:      dblayer.GroupQueue(ds),
	}
	resp.Dismissals = append(resp.Dismissals, ds...)
	writeJSON(r.Context(), w, http.StatusOK, resp)
	return nil
}

type updateDismissalStatusRequest struct {
	ID     string `json:"id" validate:"required"`
	Status string `json:"status" validate:"required"`
}

func (a *API) updateDismissalStatusHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	req := &updateDismissalStatusRequest{}
	if err := readJSON(w, r, req); err != nil {
		return err
	}

	status, err := dbtypes.ParseDismissalStatus(req.Status)
	if err != nil {
		return &requestError{
			msg:    err.Error(),
			fields: map[string]string{"status": err.Error()},
		}
	}

	d, err := a.db.UpdateDismissalStatus(r.Context(), user, req.ID, status)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, d)
	return nil
}

type resetDayResponse struct {
	Cleared int `json:"cleared"`
}

func (a *API) resetDayHandler(w http.ResponseWriter, r *http.Request, user *dbtypes.User) error {
	n, err := a.db.ResetDay(r.Context(), user)
	if err != nil {
		return err
	}
	writeJSON(r.Context(), w, http.StatusOK, &resetDayResponse{Cleared: n})
	return nil
}
