// Package dbtypes holds the records stored in the document database.
//
// Every type is tagged for both Firestore and the JSON encoding used by the
// embedded store, and the two tag sets must stay identical so that query
// paths mean the same thing in either backend.
package dbtypes

import (
	"time"

	// Schools name arbitrary IANA zones; don't depend on the host having them.
	_ "time/tzdata"
)

// Collection names.
const (
	SchoolsCollection         = "Schools"
	UsersCollection           = "Users"
	SessionsCollection        = "Sessions"
	StudentsCollection        = "Students"
	OverridesCollection       = "Overrides"
	LanesCollection           = "Lanes"
	DismissalsCollection      = "Dismissals"
	UserInvitationsCollection = "UserInvitations"
)

// School is one tenant of the application.
type School struct {
	ID       string `firestore:"id" json:"id"`
	Name     string `firestore:"name" json:"name"`
	Address  string `firestore:"address" json:"address"`
	Timezone string `firestore:"timezone" json:"timezone"`

	SubscriptionStatus SubscriptionStatus `firestore:"subscriptionStatus" json:"subscriptionStatus"`
	TrialEndsAt        time.Time          `firestore:"trialEndsAt" json:"trialEndsAt"`

	Settings SchoolSettings `firestore:"settings" json:"settings"`

	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
}

type SchoolSettings struct {
	// DefaultConeCount seeds each day's Lane.
	DefaultConeCount int64 `firestore:"defaultConeCount" json:"defaultConeCount"`

	// AutoClearMinutes is how long a dismissal may sit in the sent state
	// before the poller completes it.  Zero disables auto-clear.
	AutoClearMinutes int64 `firestore:"autoClearMinutes" json:"autoClearMinutes"`
}

// Location returns the school's time zone, or UTC if it can't be loaded.
func (s *School) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ServiceDate is the school-local calendar day containing t, formatted as
// YYYY-MM-DD.  Lanes and Dismissals are keyed by it.
func (s *School) ServiceDate(t time.Time) string {
	return t.In(s.Location()).Format(DateLayout)
}

// InGoodStanding reports whether the school may make changes.
func (s *School) InGoodStanding(now time.Time) bool {
	switch s.SubscriptionStatus {
	case SubscriptionActive:
		return true
	case SubscriptionTrialing:
		return s.TrialEndsAt.After(now)
	}
	return false
}

// DateLayout is the format of service dates.
const DateLayout = "2006-01-02"

type SubscriptionStatus string

const (
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled:
		return true
	}
	return false
}

// User represents a staff member registered with the application.
type User struct {
	ID           string `firestore:"id" json:"id"`
	Email        string `firestore:"email" json:"email"`
	DisplayName  string `firestore:"displayName" json:"displayName"`
	PasswordHash string `firestore:"passwordHash" json:"passwordHash"`

	Role Role `firestore:"role" json:"role"`

	// Permissions, when non-empty, replaces the role's default permissions.
	Permissions []Permission `firestore:"permissions" json:"permissions"`

	// SchoolID is empty for a user who has signed in but not yet accepted an
	// invitation.
	SchoolID string `firestore:"schoolId" json:"schoolId"`

	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
}

// Can reports whether the user holds the given permission.
func (u *User) Can(p Permission) bool {
	if u.Role == RoleAdmin {
		return true
	}
	perms := u.Permissions
	if len(perms) == 0 {
		perms = DefaultPermissions(u.Role)
	}
	for _, have := range perms {
		if have == p {
			return true
		}
	}
	return false
}

// Session represents a log-in session for a User.
type Session struct {
	Cookie  string    `firestore:"cookie" json:"cookie"`
	UserID  string    `firestore:"userId" json:"userId"`
	Expires time.Time `firestore:"expires" json:"expires"`
}

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleTeacher     Role = "teacher"
	RoleStaff       Role = "staff"
	RoleFrontOffice Role = "front_office"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTeacher, RoleStaff, RoleFrontOffice:
		return true
	}
	return false
}

type Permission string

const (
	PermLookupCars      Permission = "lookup_cars"
	PermManageQueue     Permission = "manage_queue"
	PermManageStudents  Permission = "manage_students"
	PermManageOverrides Permission = "manage_overrides"
	PermManageUsers     Permission = "manage_users"
	PermManageSettings  Permission = "manage_settings"
	PermManageBilling   Permission = "manage_billing"
)

var AllPermissions = []Permission{
	PermLookupCars,
	PermManageQueue,
	PermManageStudents,
	PermManageOverrides,
	PermManageUsers,
	PermManageSettings,
	PermManageBilling,
}

func (p Permission) Valid() bool {
	for _, known := range AllPermissions {
		if p == known {
			return true
		}
	}
	return false
}

// DefaultPermissions is the permission set a role gets when the user has no
// explicit list.
func DefaultPermissions(r Role) []Permission {
	switch r {
	case RoleAdmin:
		return AllPermissions
	case RoleFrontOffice:
		return []Permission{PermLookupCars, PermManageQueue, PermManageStudents, PermManageOverrides}
	case RoleTeacher, RoleStaff:
		return []Permission{PermLookupCars, PermManageQueue}
	}
	return nil
}

type TransportationMode string

const (
	TransportCar         TransportationMode = "car"
	TransportWalker      TransportationMode = "walker"
	TransportAfterSchool TransportationMode = "after_school"
)

func (m TransportationMode) Valid() bool {
	switch m {
	case TransportCar, TransportWalker, TransportAfterSchool:
		return true
	}
	return false
}

type Transportation struct {
	Mode TransportationMode `firestore:"mode" json:"mode"`

	// CarNumber is only meaningful when Mode is TransportCar.
	CarNumber string `firestore:"carNumber" json:"carNumber"`
}

type Student struct {
	ID        string `firestore:"id" json:"id"`
	SchoolID  string `firestore:"schoolId" json:"schoolId"`
	FirstName string `firestore:"firstName" json:"firstName"`
	LastName  string `firestore:"lastName" json:"lastName"`
	Grade     string `firestore:"grade" json:"grade"`

	Transportation Transportation `firestore:"transportation" json:"transportation"`

	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
}

// DefaultCarNumber is the car the student normally leaves in, or "" for
// walkers and after-school students.
func (s *Student) DefaultCarNumber() string {
	if s.Transportation.Mode != TransportCar {
		return ""
	}
	return s.Transportation.CarNumber
}

// Override temporarily sends a student home in a different car.
type Override struct {
	ID        string `firestore:"id" json:"id"`
	SchoolID  string `firestore:"schoolId" json:"schoolId"`
	StudentID string `firestore:"studentId" json:"studentId"`
	CarNumber string `firestore:"carNumber" json:"carNumber"`

	// StartDate may be zero, meaning the override applies immediately.
	StartDate time.Time `firestore:"startDate" json:"startDate"`
	EndDate   time.Time `firestore:"endDate" json:"endDate"`
	IsActive  bool      `firestore:"isActive" json:"isActive"`

	Reason    string    `firestore:"reason" json:"reason"`
	CreatedBy string    `firestore:"createdBy" json:"createdBy"`
	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
}

// ActiveAt reports whether the override applies at now.  There is no
// background expiry: an override whose EndDate has passed simply stops
// applying.
func (o *Override) ActiveAt(now time.Time) bool {
	if !o.IsActive {
		return false
	}
	if !o.StartDate.IsZero() && o.StartDate.After(now) {
		return false
	}
	return !o.EndDate.Before(now)
}

// Lane is a school's cone configuration for one service date.
type Lane struct {
	ID             string `firestore:"id" json:"id"`
	SchoolID       string `firestore:"schoolId" json:"schoolId"`
	Date           string `firestore:"date" json:"date"`
	ConeCount      int64  `firestore:"coneCount" json:"coneCount"`
	CurrentPointer int64  `firestore:"currentPointer" json:"currentPointer"`
}

// LaneID is the document ID of a school's lane for a service date.
func LaneID(schoolID, date string) string {
	return schoolID + "_" + date
}

// Dismissal tracks one car through the pickup queue.
type Dismissal struct {
	ID         string          `firestore:"id" json:"id"`
	SchoolID   string          `firestore:"schoolId" json:"schoolId"`
	Date       string          `firestore:"date" json:"date"`
	CarNumber  string          `firestore:"carNumber" json:"carNumber"`
	StudentIDs []string        `firestore:"studentIds" json:"studentIds"`
	ConeNumber int64           `firestore:"coneNumber" json:"coneNumber"`
	Status     DismissalStatus `firestore:"status" json:"status"`

	CreatedAt   time.Time `firestore:"createdAt" json:"createdAt"`
	SentAt      time.Time `firestore:"sentAt" json:"sentAt"`
	CompletedAt time.Time `firestore:"completedAt" json:"completedAt"`
	CreatedBy   string    `firestore:"createdBy" json:"createdBy"`
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRevoked  InvitationStatus = "revoked"
	InvitationExpired  InvitationStatus = "expired"
)

type UserInvitation struct {
	ID          string           `firestore:"id" json:"id"`
	SchoolID    string           `firestore:"schoolId" json:"schoolId"`
	Email       string           `firestore:"email" json:"email"`
	Role        Role             `firestore:"role" json:"role"`
	Permissions []Permission     `firestore:"permissions" json:"permissions"`
	Token       string           `firestore:"token" json:"token"`
	ExpiresAt   time.Time        `firestore:"expiresAt" json:"expiresAt"`
	Status      InvitationStatus `firestore:"status" json:"status"`

	InvitedBy  string    `firestore:"invitedBy" json:"invitedBy"`
	AcceptedBy string    `firestore:"acceptedBy" json:"acceptedBy"`
	AcceptedAt time.Time `firestore:"acceptedAt" json:"acceptedAt"`
	CreatedAt  time.Time `firestore:"createdAt" json:"createdAt"`
}

// Acceptable reports whether the invitation can still be accepted at now.
func (i *UserInvitation) Acceptable(now time.Time) bool {
	return i.Status == InvitationPending && i.ExpiresAt.After(now)
}
