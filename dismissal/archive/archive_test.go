package archive

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"carline/dismissal/dbtypes"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/googleapi"
)

func TestObjectName(t *testing.T) {
	got := ObjectName("school1", "2026-03-02")
	want := "archive/school1/2026-03-02.json"
	if got != want {
		t.Errorf("ObjectName = %q, want %q", got, want)
	}
}

func TestGroupByDate(t *testing.T) {
	a := &dbtypes.Dismissal{ID: "a", Date: "2026-03-01"}
	b := &dbtypes.Dismissal{ID: "b", Date: "2026-03-02"}
	c := &dbtypes.Dismissal{ID: "c", Date: "2026-03-01"}

	got := GroupByDate([]*dbtypes.Dismissal{a, b, c})
	want := map[string][]*dbtypes.Dismissal{
		"2026-03-01": {a, c},
		"2026-03-02": {b},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad grouping; diff (-got +want)\n%s", diff)
	}
}

func TestAlreadyArchived(t *testing.T) {
	testCases := []struct {
		desc string
		err  error
		want bool
	}{
		{"precondition failed", &googleapi.Error{Code: http.StatusPreconditionFailed}, true},
		{"wrapped precondition failed", fmt.Errorf("while writing: %w", &googleapi.Error{Code: http.StatusPreconditionFailed}), true},
		{"server error", &googleapi.Error{Code: http.StatusInternalServerError}, false},
		{"other error", errors.New("connection reset"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := alreadyArchived(tc.err); got != tc.want {
				t.Errorf("alreadyArchived(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
