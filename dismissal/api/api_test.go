package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"carline/dismissal/dblayer"
	"carline/dismissal/dbtypes"
	"carline/dismissal/docstore"
	"carline/dismissal/mailer"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type outbox struct {
	mu   sync.Mutex
	sent []*mailer.Message
}

func (o *outbox) Send(ctx context.Context, msg *mailer.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

type env struct {
	srv   *httptest.Server
	store *docstore.BadgerStore
	clock *clock
	mail  *outbox
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store, err := docstore.OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// Session cookies carry real expiry times, so the clock starts at the
	// real time for the client's cookie jar to keep them.
	c := &clock{now: time.Now().UTC()}
	mail := &outbox{}

	db := dblayer.New(store, dblayer.WithClock(c.Now))
	a := New(db,
		WithMailer(mail),
		WithBaseURL("https://carline.example"),
		WithInsecureCookies(),
		WithBcryptCost(bcrypt.MinCost))

	mux := http.NewServeMux()
	a.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &env{srv: srv, store: store, clock: c, mail: mail}
}

// client is one browser, with its own cookies.
type client struct {
	t   *testing.T
	env *env
	hc  *http.Client
}

func (e *env) newClient(t *testing.T) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("Unexpected error creating cookie jar: %v", err)
	}
	return &client{t: t, env: e, hc: &http.Client{Jar: jar}}
}

// do sends a request and decodes a 200 response into out.  It returns the
// status code and, for other statuses, the decoded error body.
func (c *client) do(method, path string, body any, out any) (int, *errorResponse) {
	c.t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("Unexpected error encoding request: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.env.srv.URL+path, reader)
	if err != nil {
		c.t.Fatalf("Unexpected error building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		c.t.Fatalf("Unexpected error sending %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errResp := &errorResponse{}
		if err := json.NewDecoder(resp.Body).Decode(errResp); err != nil {
			c.t.Fatalf("Unexpected error decoding error body of %s %s: %v", method, path, err)
		}
		return resp.StatusCode, errResp
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("Unexpected error decoding response of %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// must is do for calls expected to succeed.
func (c *client) must(method, path string, body any, out any) {
	c.t.Helper()
	if status, errResp := c.do(method, path, body, out); status != http.StatusOK {
		c.t.Fatalf("%s %s: status %d, error %+v", method, path, status, errResp)
	}
}

func (c *client) expect(method, path string, body any, wantStatus int) *errorResponse {
	c.t.Helper()
	status, errResp := c.do(method, path, body, nil)
	if status != wantStatus {
		c.t.Fatalf("%s %s: status %d, want %d (error %+v)", method, path, status, wantStatus, errResp)
	}
	return errResp
}

func (c *client) signUp() *meResponse {
	c.t.Helper()
	me := &meResponse{}
	c.must("POST", "/api/sign-up", map[string]string{
		"schoolName":  "Maple Elementary",
		"timezone":    "America/Chicago",
		"email":       "Principal@Example.com",
		"displayName": "Pat Principal",
		"password":    "correct horse",
	}, me)
	return me
}

// addUser stores a user with a password, bypassing invitations.
func (e *env) addUser(t *testing.T, email, password string, role dbtypes.Role, schoolID string) *dbtypes.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Unexpected error hashing password: %v", err)
	}
	u := &dbtypes.User{
		ID:           e.store.NewID(dbtypes.UsersCollection),
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		SchoolID:     schoolID,
	}
	err = e.store.RunTransaction(context.Background(), func(ctx context.Context, txn docstore.Txn) error {
		return txn.Create(dbtypes.UsersCollection, u.ID, u)
	})
	if err != nil {
		t.Fatalf("Unexpected error creating user: %v", err)
	}
	return u
}

func (c *client) logIn(email, password string) *meResponse {
	c.t.Helper()
	me := &meResponse{}
	c.must("POST", "/api/log-in", map[string]string{"email": email, "password": password}, me)
	return me
}

func (c *client) addCarRider(first, car string) *dbtypes.Student {
	c.t.Helper()
	s := &dbtypes.Student{}
	c.must("POST", "/api/students", map[string]string{
		"firstName":          first,
		"lastName":           "Tester",
		"transportationMode": "car",
		"carNumber":          car,
	}, s)
	return s
}

func TestSignUpLogOutAndLogIn(t *testing.T) {
	e := newEnv(t)
	c := e.newClient(t)

	me := c.signUp()
	if me.User.Email != "principal@example.com" {
		t.Errorf("Email = %q, want principal@example.com", me.User.Email)
	}
	if me.User.Role != dbtypes.RoleAdmin {
		t.Errorf("Role = %q, want admin", me.User.Role)
	}
	if diff := cmp.Diff(me.User.Permissions, dbtypes.AllPermissions); diff != "" {
		t.Errorf("Bad permissions; diff (-got +want)\n%s", diff)
	}
	if me.School == nil || me.School.Name != "Maple Elementary" {
		t.Fatalf("Bad school in response: %+v", me.School)
	}
	if me.School.SubscriptionStatus != dbtypes.SubscriptionTrialing || !me.InGoodStanding {
		t.Errorf("New school should be trialing in good standing, got %q / %v", me.School.SubscriptionStatus, me.InGoodStanding)
	}

	c.must("GET", "/api/me", nil, &meResponse{})
	c.must("POST", "/api/log-out", nil, nil)
	c.expect("GET", "/api/me", nil, http.StatusUnauthorized)

	c.logIn("principal@example.com", "correct horse")
	c.must("GET", "/api/me", nil, &meResponse{})

	c.expect("POST", "/api/log-in", map[string]string{"email": "principal@example.com", "password": "wrong"}, http.StatusBadRequest)
}

func TestSignUpTwiceConflicts(t *testing.T) {
	e := newEnv(t)
	e.newClient(t).signUp()

	c := e.newClient(t)
	c.expect("POST", "/api/sign-up", map[string]string{
		"schoolName": "Oak Elementary",
		"email":      "principal@example.com",
		"password":   "another password",
	}, http.StatusConflict)
}

func TestRequestsWithoutSessionAreUnauthorized(t *testing.T) {
	e := newEnv(t)
	c := e.newClient(t)

	c.expect("GET", "/api/students", nil, http.StatusUnauthorized)
	c.expect("POST", "/api/lookup-car", map[string]string{"carNumber": "105"}, http.StatusUnauthorized)
}

func TestValidationErrorsNameJSONFields(t *testing.T) {
	e := newEnv(t)
	c := e.newClient(t)

	errResp := c.expect("POST", "/api/sign-up", map[string]string{
		"schoolName": "  ",
		"email":      "not-an-email",
		"password":   "short",
	}, http.StatusBadRequest)

	var got []string
	for field := range errResp.Fields {
		got = append(got, field)
	}
	sort.Strings(got)
	want := []string{"email", "password", "schoolName"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad invalid fields; diff (-got +want)\n%s", diff)
	}

	c.signUp()
	errResp = c.expect("POST", "/api/students", map[string]string{
		"firstName":          "Ada",
		"transportationMode": "bicycle",
	}, http.StatusBadRequest)
	if _, ok := errResp.Fields["transportationMode"]; !ok {
		t.Errorf("Expected transportationMode to be reported, got %+v", errResp.Fields)
	}

	errResp = c.expect("POST", "/api/students", map[string]string{
		"firstName":          "Ada",
		"transportationMode": "car",
	}, http.StatusBadRequest)
	if _, ok := errResp.Fields["carNumber"]; !ok {
		t.Errorf("Expected carNumber to be reported, got %+v", errResp.Fields)
	}
}

func TestLookupCarFlow(t *testing.T) {
	e := newEnv(t)
	c := e.newClient(t)
	c.signUp()

	c.addCarRider("Ada", "105")
	c.addCarRider("Grace", "105")
	c.addCarRider("Alan", "207")

	lane := &dbtypes.Lane{}
	c.must("POST", "/api/lane", map[string]int{"coneCount": 4}, lane)
	if lane.ConeCount != 4 || lane.CurrentPointer != 1 {
		t.Fatalf("Bad lane after configuring: %+v", lane)
	}

	first := &lookupResponse{}
	c.must("POST", "/api/lookup-car", map[string]string{"carNumber": "105"}, first)
	if first.Result != resultAssigned || first.ConeNumber != 1 {
		t.Errorf("First lookup: result %q cone %d, want assigned cone 1", first.Result, first.ConeNumber)
	}
	var names []string
	for _, s := range first.Students {
		names = append(names, s.FirstName)
	}
	if diff := cmp.Diff(names, []string{"Ada", "Grace"}); diff != "" {
		t.Errorf("Bad students; diff (-got +want)\n%s", diff)
	}

	second := &lookupResponse{}
	c.must("POST", "/api/lookup-car", map[string]string{"carNumber": "207"}, second)
	if second.Result != resultAssigned || second.ConeNumber != 2 {
		t.Errorf("Second lookup: result %q cone %d, want assigned cone 2", second.Result, second.ConeNumber)
	}

	repeat := &lookupResponse{}
	c.must("POST", "/api/lookup-car", map[string]string{"carNumber": "105"}, repeat)
	if repeat.Result != resultAlreadyProcessed || repeat.ConeNumber != 1 {
		t.Errorf("Repeat lookup: result %q cone %d, want already_processed cone 1", repeat.Result, repeat.ConeNumber)
	}

	unknown := &lookupResponse{}
	c.must("POST", "/api/lookup-car", map[string]string{"carNumber": "106"}, unknown)
	if unknown.Result != resultNoStudentsFound {
		t.Errorf("Unknown car: result %q, want no_students_found", unknown.Result)
	}
	wantSuggestions := []struct {
		CarNumber string
		Score     int
	}{{"105", 40}}
	var gotSuggestions []struct {
		CarNumber string
		Score     int
	}
	for _, m := range unknown.Suggested {
		gotSuggestions = append(gotSuggestions, struct {
			CarNumber string
			Score     int
		}{m.CarNumber, m.Score})
	}
	if diff := cmp.Diff(gotSuggestions, wantSuggestions); diff != "" {
		t.Errorf("Bad suggestions for unknown car; diff (-got +want)\n%s", diff)
	}

	ds := &dismissalsResponse{}
	c.must("GET", "/api/dismissals", nil, ds)
	if len(ds.Dismissals) != 2 || len(ds.Queue.Waiting) != 2 {
		t.Fatalf("Want 2 waiting dismissals, got %d (%d waiting)", len(ds.Dismissals), len(ds.Queue.Waiting))
	}

	// Legacy status names are still understood.
	sent := &dbtypes.Dismissal{}
	c.must("POST", "/api/update-dismissal-status", map[string]string{"id": first.Dismissal.ID, "status": "at_cone"}, sent)
	if sent.Status != dbtypes.StatusSent {
		t.Errorf("Status = %q, want sent", sent.Status)
	}
	c.expect("POST", "/api/update-dismissal-status", map[string]string{"id": first.Dismissal.ID, "status": "boarding"}, http.StatusBadRequest)
	c.expect("POST", "/api/update-dismissal-status", map[string]string{"id": "nope", "status": "sent"}, http.StatusNotFound)

	c.must("GET", "/api/dismissals", nil, ds)
	if len(ds.Queue.Sent) != 1 || len(ds.Queue.Waiting) != 1 {
		t.Errorf("Queue after sending: %d sent, %d waiting; want 1 and 1", len(ds.Queue.Sent), len(ds.Queue.Waiting))
	}

	reset := &resetDayResponse{}
	c.must("POST", "/api/reset-day", nil, reset)
	if reset.Cleared != 2 {
		t.Errorf("Cleared %d dismissals, want 2", reset.Cleared)
	}

	c.must("GET", "/api/dismissals", nil, ds)
	if len(ds.Dismissals) != 0 {
		t.Errorf("Have %d dismissals after reset, want 0", len(ds.Dismissals))
	}
	c.must("GET", "/api/dismissals?includeHistorical=true", nil, ds)
	if len(ds.Dismissals) != 2 {
		t.Errorf("Have %d dismissals including historical, want 2", len(ds.Dismissals))
	}
}

func TestVoiceLookup(t *testing.T) {
	e := newEnv(t)
	c := e.newClient(t)
	c.signUp()
	c.addCarRider("Ada", "105")

	resp := &lookupResponse{}
	c.must("POST", "/api/voice-lookup", map[string]string{"transcript": "car number one oh five please"}, resp)
	if resp.Result != resultAssigned || resp.CarNumber != "105" || resp.ConeNumber != 1 {
		t.Errorf("Voice lookup: result %q car %q cone %d, want assigned 105 cone 1", resp.Result, resp.CarNumber, resp.ConeNumber)
	}
	if diff := cmp.Diff(resp.Candidates, []string{"105"}); diff != "" {
		t.Errorf("Bad candidates; diff (-got +want)\n%s", diff)
	}

	c.expect("POST", "/api/voice-lookup", map[string]string{"transcript": "hello there"}, http.StatusBadRequest)
}

func TestCarSuggestions(t *testing.T) {
	e := newEnv(t)
	c := e.newClient(t)
	c.signUp()
	c.addCarRider("Ada", "105")
	c.addCarRider("Alan", "1050")
	c.addCarRider("Grace", "207")

	c.must("POST", "/api/lookup-car", map[string]string{"carNumber": "207"}, &lookupResponse{})

	resp := &suggestionsResponse{}
	c.must("GET", "/api/car-suggestions?q=105", nil, resp)
	var got []string
	for _, m := range resp.Suggestions {
		got = append(got, m.CarNumber)
	}
	if diff := cmp.Diff(got, []string{"105", "1050"}); diff != "" {
		t.Errorf("Bad suggestions; diff (-got +want)\n%s", diff)
	}
	if diff := cmp.Diff(resp.Recent, []string{"207"}); diff != "" {
		t.Errorf("Bad recent cars; diff (-got +want)\n%s", diff)
	}

	c.expect("GET", "/api/car-suggestions?q=105&limit=0", nil, http.StatusBadRequest)
}

func TestPermissionsAreEnforced(t *testing.T) {
	e := newEnv(t)
	admin := e.newClient(t)
	me := admin.signUp()
	admin.addCarRider("Ada", "105")

	e.addUser(t, "teacher@example.com", "teacher password", dbtypes.RoleTeacher, me.School.ID)
	teacher := e.newClient(t)
	tme := teacher.logIn("teacher@example.com", "teacher password")
	if diff := cmp.Diff(tme.User.Permissions, []dbtypes.Permission{dbtypes.PermLookupCars, dbtypes.PermManageQueue}); diff != "" {
		t.Errorf("Bad teacher permissions; diff (-got +want)\n%s", diff)
	}

	// Teachers run the curb but can't manage the roster.
	teacher.must("POST", "/api/lookup-car", map[string]string{"carNumber": "105"}, &lookupResponse{})
	teacher.must("GET", "/api/students", nil, &studentsResponse{})
	teacher.expect("POST", "/api/students", map[string]string{
		"firstName":          "Eve",
		"transportationMode": "walker",
	}, http.StatusForbidden)
	teacher.expect("GET", "/api/users", nil, http.StatusForbidden)
	teacher.expect("POST", "/api/lane", map[string]int{"coneCount": 6}, http.StatusForbidden)
	teacher.expect("POST", "/api/billing", map[string]string{"status": "active"}, http.StatusForbidden)

	users := &usersResponse{}
	admin.must("GET", "/api/users", nil, users)
	if len(users.Users) != 2 {
		t.Fatalf("Have %d users, want 2", len(users.Users))
	}
}

func TestPaymentRequiredForWrites(t *testing.T) {
	e := newEnv(t)
	c := e.newClient(t)
	c.signUp()
	c.addCarRider("Ada", "105")

	school := &dbtypes.School{}
	c.must("POST", "/api/billing", map[string]string{"status": "past_due"}, school)
	if school.SubscriptionStatus != dbtypes.SubscriptionPastDue {
		t.Fatalf("Status = %q, want past_due", school.SubscriptionStatus)
	}

	c.expect("POST", "/api/lookup-car", map[string]string{"carNumber": "105"}, http.StatusPaymentRequired)
	c.expect("POST", "/api/students", map[string]string{"firstName": "Eve", "transportationMode": "walker"}, http.StatusPaymentRequired)
	c.must("GET", "/api/students", nil, &studentsResponse{})
	c.must("GET", "/api/dismissals", nil, &dismissalsResponse{})

	// Billing stays open so the school can recover.
	c.must("POST", "/api/billing", map[string]string{"status": "active"}, school)
	c.must("POST", "/api/lookup-car", map[string]string{"carNumber": "105"}, &lookupResponse{})
}

func TestExpiredTrialRequiresPayment(t *testing.T) {
	e := newEnv(t)
	c := e.newClient(t)
	c.signUp()

	e.clock.Advance(15 * 24 * time.Hour)

	// The old session has expired by the server's clock.
	c.expect("GET", "/api/me", nil, http.StatusUnauthorized)
	me := c.logIn("principal@example.com", "correct horse")
	if me.InGoodStanding {
		t.Errorf("School still in good standing after trial ended")
	}
	c.expect("POST", "/api/lookup-car", map[string]string{"carNumber": "105"}, http.StatusPaymentRequired)
}

func TestInvitationFlow(t *testing.T) {
	e := newEnv(t)
	admin := e.newClient(t)
	admin.signUp()

	created := &createInvitationResponse{}
	admin.must("POST", "/api/invitations", map[string]any{
		"email": "New.Teacher@example.com",
		"role":  "front_office",
	}, created)
	if !created.EmailSent {
		t.Errorf("Invitation email not sent")
	}
	if created.Invitation.Email != "new.teacher@example.com" || created.Invitation.Status != dbtypes.InvitationPending {
		t.Errorf("Bad invitation: %+v", created.Invitation)
	}

	e.mail.mu.Lock()
	if len(e.mail.sent) != 1 {
		e.mail.mu.Unlock()
		t.Fatalf("Sent %d emails, want 1", len(e.mail.sent))
	}
	msg := e.mail.sent[0]
	e.mail.mu.Unlock()
	if msg.To != "new.teacher@example.com" {
		t.Errorf("Email sent to %q", msg.To)
	}
	token := tokenFromEmail(t, msg.Text)

	invs := &invitationsResponse{}
	admin.must("GET", "/api/invitations", nil, invs)
	if len(invs.Invitations) != 1 {
		t.Fatalf("Have %d invitations, want 1", len(invs.Invitations))
	}

	shown := &invitationView{}
	e.newClient(t).must("GET", "/api/invitation?token="+url.QueryEscape(token), nil, shown)
	if shown.ID != created.Invitation.ID {
		t.Errorf("Token showed invitation %q, want %q", shown.ID, created.Invitation.ID)
	}

	e.addUser(t, "new.teacher@example.com", "new password", "", "")
	invitee := e.newClient(t)
	before := invitee.logIn("new.teacher@example.com", "new password")
	if before.School != nil {
		t.Errorf("Invitee already has a school: %+v", before.School)
	}
	invitee.expect("GET", "/api/students", nil, http.StatusForbidden)

	after := &meResponse{}
	invitee.must("POST", "/api/accept-invitation", map[string]string{"token": token}, after)
	if after.User.Role != dbtypes.RoleFrontOffice || after.School == nil || after.School.Name != "Maple Elementary" {
		t.Errorf("Bad user after accepting: %+v, school %+v", after.User, after.School)
	}
	invitee.must("GET", "/api/students", nil, &studentsResponse{})

	invitee.expect("POST", "/api/accept-invitation", map[string]string{"token": token}, http.StatusBadRequest)
}

func tokenFromEmail(t *testing.T, text string) string {
	t.Helper()
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "https://carline.example/accept-invitation?") {
			continue
		}
		u, err := url.Parse(field)
		if err != nil {
			t.Fatalf("Unexpected error parsing link %q: %v", field, err)
		}
		return u.Query().Get("token")
	}
	t.Fatalf("No invitation link in email:\n%s", text)
	return ""
}
