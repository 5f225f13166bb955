package vintage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		raw   string
		known bool
		want  time.Time
	}{
		{"Mon, 02 Jun 2025 14:03:11 GMT", true, time.Date(2025, 6, 2, 14, 3, 11, 0, time.UTC)},
		{"Monday, 02-Jun-25 14:03:11 GMT", true, time.Date(2025, 6, 2, 14, 3, 11, 0, time.UTC)},
		{"2024-04-01T00:00:00Z", true, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"", false, time.Time{}},
		{"garbage", false, time.Time{}},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			v := Parse(tc.raw)
			assert.Equal(t, tc.known, v.Known)
			assert.Equal(t, tc.raw, v.Raw)
			if tc.known {
				assert.True(t, tc.want.Equal(v.Date), "got %v", v.Date)
			}
		})
	}
}

func TestOrToday(t *testing.T) {
	now := time.Date(2026, 3, 9, 17, 45, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), Vintage{}.OrToday(now))

	known := Vintage{Date: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), Known: true}
	assert.Equal(t, known.Date, known.OrToday(now))
	assert.Equal(t, "2025-06", known.String())
	assert.Equal(t, "unknown", Vintage{}.String())
}

func TestResolve_UsesLastModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Last-Modified", "Mon, 02 Jun 2025 14:03:11 GMT")
	}))
	defer srv.Close()
	logger, _ := test.NewNullLogger()

	v := NewResolver(logger).Resolve(context.Background(), srv.URL+"/site.7z")

	require.True(t, v.Known)
	assert.Equal(t, "2025-06", v.String())
}

func TestResolve_UnknownWithoutHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	logger, hook := test.NewNullLogger()

	v := NewResolver(logger).Resolve(context.Background(), srv.URL+"/site.7z")

	assert.False(t, v.Known)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestResolve_UnknownOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/site.7z"
	srv.Close()
	logger, _ := test.NewNullLogger()

	v := NewResolver(logger).Resolve(context.Background(), url)

	assert.False(t, v.Known)
}
