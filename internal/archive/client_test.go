package archive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// testClient returns a Client against srv with fast retries for tests.
func testClient(srv *httptest.Server, maxAttempts int) *Client {
	return New(srv.URL, Options{
		RateLimitRPS: 1000,
		MaxAttempts:  maxAttempts,
		HTTPClient:   srv.Client(),
	})
}

func TestListCollections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query/getCollectionValues" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`[{"Collection":"LIDC-IDRI"},{"Collection":"CPTAC-GBM"}]`))
	}))
	defer srv.Close()

	got, err := testClient(srv, 1).ListCollections(context.Background())
	if err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	want := []string{"LIDC-IDRI", "CPTAC-GBM"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestListPatients_SendsTokenAndCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("api_key"); got != "secret" {
			t.Errorf("api_key header: got %q, want %q", got, "secret")
		}
		if got := r.URL.Query().Get("Collection"); got != "LIDC-IDRI" {
			t.Errorf("Collection param: got %q, want %q", got, "LIDC-IDRI")
		}
		w.Write([]byte(`[{"PatientID":"P1"},{"PatientID":"P2"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, Options{
		APIToken:     "secret",
		RateLimitRPS: 1000,
		MaxAttempts:  1,
		HTTPClient:   srv.Client(),
	})
	got, err := c.ListPatients(context.Background(), "LIDC-IDRI")
	if err != nil {
		t.Fatalf("ListPatients: %v", err)
	}
	if len(got) != 2 || got[0] != "P1" || got[1] != "P2" {
		t.Errorf("got %v, want [P1 P2]", got)
	}
}

func TestGetJSON_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"Collection":"A"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, Options{
		RateLimitRPS: 1000,
		MaxAttempts:  5,
		HTTPClient:   srv.Client(),
	})
	// Shrink the retry interval so the test runs fast.
	start := time.Now()
	got, err := c.ListCollections(context.Background())
	if err != nil {
		t.Fatalf("ListCollections after retries: %v", err)
	}
	if len(got) != 1 || got[0] != "A" {
		t.Errorf("got %v, want [A]", got)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
	if got := c.RequestCount(); got != calls.Load() {
		t.Errorf("RequestCount: got %d, server saw %d", got, calls.Load())
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("expected backoff delay, finished in %v", elapsed)
	}
}

func TestGetJSON_NotFoundFailsFast(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(srv, 5)
	_, err := c.ListPatients(context.Background(), "NO-SUCH")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried: got %d calls", calls.Load())
	}
	if got := c.RequestCount(); got != 1 {
		t.Errorf("RequestCount: got %d, want 1", got)
	}
}

func TestGetJSON_EmptyBodyIsEmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The archive returns an empty body for collections with no patients.
	}))
	defer srv.Close()

	got, err := testClient(srv, 1).ListPatients(context.Background(), "EMPTY")
	if err != nil {
		t.Fatalf("ListPatients: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestProbeReport(t *testing.T) {
	tests := []struct {
		name       string
		series     string
		limit      int
		wantResult ProbeResult
		wantType   string
	}{
		{
			name:       "SR modality",
			series:     `[{"Modality":"CT"},{"Modality":"SR","SeriesDescription":"Radiology Report"}]`,
			limit:      10,
			wantResult: ProbeYes,
			wantType:   "SR",
		},
		{
			name:       "keyword in description",
			series:     `[{"Modality":"MR","SeriesDescription":"Findings summary"}]`,
			limit:      10,
			wantResult: ProbeYes,
			wantType:   "keyword",
		},
		{
			name:       "no signal full sample",
			series:     `[{"Modality":"CT"},{"Modality":"MR"}]`,
			limit:      10,
			wantResult: ProbeNo,
		},
		{
			name:       "sample exhausted with more series",
			series:     `[{"Modality":"CT"},{"Modality":"MR"},{"Modality":"SR"}]`,
			limit:      2,
			wantResult: ProbeInconclusive,
		},
		{
			name:       "marker beyond limit is not seen",
			series:     `[{"Modality":"CT"},{"Modality":"SR"}]`,
			limit:      1,
			wantResult: ProbeInconclusive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.series))
			}))
			defer srv.Close()

			probe, err := testClient(srv, 1).ProbeReport(context.Background(), "C", "P", tt.limit)
			if err != nil {
				t.Fatalf("ProbeReport: %v", err)
			}
			if probe.Result != tt.wantResult {
				t.Errorf("result: got %v, want %v", probe.Result, tt.wantResult)
			}
			if probe.ReportType != tt.wantType {
				t.Errorf("report type: got %q, want %q", probe.ReportType, tt.wantType)
			}
		})
	}
}
