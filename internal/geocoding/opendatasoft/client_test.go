package opendatasoft_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/airparif-influx/internal/airquality"
	"github.com/breatheroute/airparif-influx/internal/geocoding/opendatasoft"
)

const searchResponse = `{
  "nhits": 2,
  "parameters": {"dataset": "correspondance-code-insee-code-postal", "rows": 2},
  "records": [
    {"datasetid": "correspondance-code-insee-code-postal",
     "fields": {"insee_com": "75101", "nom_comm": "PARIS-1ER-ARRONDISSEMENT", "postal_code": "75001"}},
    {"datasetid": "correspondance-code-insee-code-postal",
     "fields": {"insee_com": "94028", "nom_comm": "CRETEIL", "postal_code": "94000"}}
  ]
}`

func newTestClient(serverURL string) *opendatasoft.Client {
	return opendatasoft.NewClient(opendatasoft.ClientConfig{
		BaseURL:    serverURL,
		HTTPClient: http.DefaultClient,
	})
}

func TestClient_Resolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/records/1.0/search/", r.URL.Path)
		assert.Equal(t, "75101 or 94028", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("rows"))
		assert.Equal(t, "0", r.URL.Query().Get("start"))
		assert.Equal(t, opendatasoft.Dataset, r.URL.Query().Get("dataset"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchResponse))
	}))
	defer server.Close()

	names, err := newTestClient(server.URL).Resolve(context.Background(), []string{"75101", "94028"})
	require.NoError(t, err)

	assert.Equal(t, airquality.AreaNameMap{
		"75101": "Paris 1er Arrondissement",
		"94028": "Creteil",
	}, names)
}

func TestClient_Resolve_NumericCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"records":[{"fields":{"insee_com":94081,"nom_comm":"VITRY-SUR-SEINE"}}]}`))
	}))
	defer server.Close()

	names, err := newTestClient(server.URL).Resolve(context.Background(), []string{"94081"})
	require.NoError(t, err)

	name, ok := names.Lookup("94081")
	require.True(t, ok)
	assert.Equal(t, "Vitry Sur Seine", name)
}

func TestClient_Resolve_NoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"nhits":0,"records":[]}`))
	}))
	defer server.Close()

	names, err := newTestClient(server.URL).Resolve(context.Background(), []string{"99999"})
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestClient_Resolve_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "explicit error field", status: http.StatusOK, body: `{"error":"Unknown dataset: foo"}`, wantMsg: "Unknown dataset: foo"},
		{name: "explicit error with status", status: http.StatusBadRequest, body: `{"error":"Invalid query"}`, wantMsg: "Invalid query"},
		{name: "records not an array", status: http.StatusOK, body: `{"records":{"fields":{}}}`, wantMsg: "unexpected response shape"},
		{name: "records missing", status: http.StatusOK, body: `{"nhits":0}`, wantMsg: "unexpected response shape"},
		{name: "malformed json", status: http.StatusOK, body: `{"records":[`, wantMsg: "invalid json"},
		{name: "server error", status: http.StatusServiceUnavailable, body: `{}`, wantMsg: "unexpected status 503"},
		{name: "record without name", status: http.StatusOK, body: `{"records":[{"fields":{"insee_com":"75101"}}]}`, wantMsg: "nom_comm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			names, err := newTestClient(server.URL).Resolve(context.Background(), []string{"75101"})
			require.Error(t, err)
			assert.Nil(t, names)
			assert.ErrorIs(t, err, airquality.ErrResolve)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestClient_Resolve_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	serverURL := server.URL
	server.Close()

	_, err := newTestClient(serverURL).Resolve(context.Background(), []string{"75101"})
	require.Error(t, err)
	assert.ErrorIs(t, err, airquality.ErrResolve)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"PARIS-1ER-ARRONDISSEMENT", "Paris 1er Arrondissement"},
		{"CRETEIL", "Creteil"},
		{"VITRY-SUR-SEINE", "Vitry Sur Seine"},
		{"boulogne-billancourt", "Boulogne Billancourt"},
		{"SAINT DENIS", "Saint Denis"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.expected, opendatasoft.NormalizeName(tt.raw))
		})
	}
}
