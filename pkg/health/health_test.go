package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunReportsWorstStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{"all up", map[string]Check{
			"a": Probe(func(context.Context) error { return nil }),
		}, StatusUp},
		{"optional down degrades", map[string]Check{
			"a":     Probe(func(context.Context) error { return nil }),
			"redis": Optional(Probe(func(context.Context) error { return errors.New("refused") })),
		}, StatusDegraded},
		{"required down", map[string]Check{
			"redis":      Optional(Probe(func(context.Context) error { return errors.New("refused") })),
			"membership": Probe(func(context.Context) error { return errors.New("closed") }),
		}, StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			for name, check := range tt.checks {
				c.Register(name, check)
			}
			report := c.Run(context.Background())
			require.Equal(t, tt.want, report.Status)
			require.Len(t, report.Components, len(tt.checks))
		})
	}
}

func TestReadyHandler(t *testing.T) {
	assert := require.New(t)
	c := NewChecker()
	c.Register("manager", Probe(func(context.Context) error { return errors.New("not ready") }))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(http.StatusServiceUnavailable, rec.Code)

	var report Report
	assert.NoError(json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal("not ready", report.Components["manager"].Message)

	rec = httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest("GET", "/health/live", nil))
	assert.Equal(http.StatusOK, rec.Code)
}

func TestReadyHandlerDegradedIsReady(t *testing.T) {
	assert := require.New(t)
	c := NewChecker()
	c.Register("redis", Optional(Probe(func(context.Context) error { return errors.New("refused") })))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(http.StatusOK, rec.Code)

	var report Report
	assert.NoError(json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(StatusDegraded, report.Status)
	assert.Equal(StatusDegraded, report.Components["redis"].Status)
}

func TestEmptyCheckerIsUp(t *testing.T) {
	require.Equal(t, StatusUp, NewChecker().Run(context.Background()).Status)
}
