package httpmetrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.opencensus.io/stats/view"
)

func TestWrapperCountsByRouteAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/things", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	h := New(mux)
	if err := h.RegisterMetrics(); err != nil {
		t.Fatalf("Unexpected error registering metrics: %v", err)
	}
	defer view.Unregister(h.requestCountView)

	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/things?id=1", nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nowhere", nil))

	rows, err := view.RetrieveData("requests")
	if err != nil {
		t.Fatalf("Unexpected error retrieving data: %v", err)
	}

	got := map[string]int64{}
	for _, row := range rows {
		key := ""
		for _, tg := range row.Tags {
			key += tg.Key.Name() + "=" + tg.Value + " "
		}
		got[key] = row.Data.(*view.CountData).Value
	}
	want := map[string]int64{
		"route=GET /api/things status=418 ": 2,
		"route=unmatched status=404 ":       1,
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad counts; diff (-got +want)\n%s", diff)
	}
}
