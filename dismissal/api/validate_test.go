package api

import (
	"testing"
)

func TestNewValidatorRegistersCustomTags(t *testing.T) {
	v, _, err := newValidator()
	if err != nil {
		t.Fatalf("Unexpected error setting up validator: %v", err)
	}

	testCases := []struct {
		value   string
		tag     string
		wantErr bool
	}{
		{"Maple", notBlankTag, false},
		{"   ", notBlankTag, true},
		{"admin", roleTag, false},
		{"boss", roleTag, true},
		{"lookup_cars", permissionTag, false},
		{"launch_rockets", permissionTag, true},
		{"car", transportModeTag, false},
		{"jetpack", transportModeTag, true},
		{"past_due", subscriptionTag, false},
		{"free", subscriptionTag, true},
	}
	for _, tc := range testCases {
		err := v.Var(tc.value, tc.tag)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("Var(%q, %q) error = %v, want error: %v", tc.value, tc.tag, err, tc.wantErr)
		}
	}
}
