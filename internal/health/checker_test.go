package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChecker(t *testing.T) *Checker {
	t.Helper()
	checker, err := NewChecker(&Config{
		Enabled:       true,
		CheckInterval: time.Hour,
		Timeout:       time.Second,
		HTTPEnabled:   false,
	})
	require.NoError(t, err)
	return checker
}

func TestRegisterCheckRejectsDuplicateName(t *testing.T) {
	checker := newTestChecker(t)
	require.NoError(t, checker.RegisterCheck("s3", "desc", CategoryStorage, PriorityCritical, PingCheck()))
	err := checker.RegisterCheck("s3", "desc", CategoryStorage, PriorityCritical, PingCheck())
	assert.Error(t, err)
}

func TestRunAllChecksReflectsEachCheckResult(t *testing.T) {
	checker := newTestChecker(t)
	require.NoError(t, checker.RegisterCheck("ok", "", CategoryCore, PriorityLow, func(ctx context.Context) error {
		return nil
	}))
	require.NoError(t, checker.RegisterCheck("broken", "", CategoryStorage, PriorityLow, func(ctx context.Context) error {
		return errors.New("unreachable")
	}))

	results, err := checker.RunAllChecks(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["ok"].Status)
	assert.Equal(t, StatusUnhealthy, results["broken"].Status)
	assert.Equal(t, "unreachable", results["broken"].Error)
}

func TestCriticalFailureMarksOverallUnhealthy(t *testing.T) {
	checker := newTestChecker(t)
	require.NoError(t, checker.RegisterCheck("s3", "", CategoryStorage, PriorityCritical, func(ctx context.Context) error {
		return errors.New("bucket unreachable")
	}))

	_, err := checker.RunAllChecks(context.Background())
	require.NoError(t, err)

	assert.False(t, checker.IsHealthy())
	assert.Equal(t, StatusUnhealthy, checker.GetStats().OverallStatus)
}

func TestNonCriticalFailureMarksOverallDegraded(t *testing.T) {
	checker := newTestChecker(t)
	require.NoError(t, checker.RegisterCheck("cache", "", CategoryCache, PriorityLow, func(ctx context.Context) error {
		return errors.New("cache miss storm")
	}))

	_, err := checker.RunAllChecks(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusDegraded, checker.GetStats().OverallStatus)
}

func TestCheckTimesOutUsingCheckTimeout(t *testing.T) {
	checker, err := NewChecker(&Config{
		Enabled: true,
		Timeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, checker.RegisterCheck("slow", "", CategoryCore, PriorityLow, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	result, err := checker.RunCheck(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestRunCheckUnknownNameErrors(t *testing.T) {
	checker := newTestChecker(t)
	_, err := checker.RunCheck(context.Background(), "missing")
	assert.Error(t, err)
}

func TestStartAndStopLifecycle(t *testing.T) {
	checker := newTestChecker(t)
	require.NoError(t, checker.RegisterCheck("ok", "", CategoryCore, PriorityLow, PingCheck()))

	require.NoError(t, checker.Start(context.Background()))
	assert.Error(t, checker.Start(context.Background()), "starting twice should fail")
	require.NoError(t, checker.Stop())
	assert.Error(t, checker.Stop(), "stopping twice should fail")
}

func TestHTTPEndpointServesStatusJSON(t *testing.T) {
	checker, err := NewChecker(&Config{
		Enabled:       true,
		CheckInterval: time.Hour,
		Timeout:       time.Second,
		HTTPEnabled:   true,
		HTTPPort:      18099,
		HTTPPath:      "/health",
	})
	require.NoError(t, err)
	require.NoError(t, checker.RegisterCheck("s3", "", CategoryStorage, PriorityCritical, PingCheck()))
	require.NoError(t, checker.Start(context.Background()))
	t.Cleanup(func() { _ = checker.Stop() })

	_, err = checker.RunAllChecks(context.Background())
	require.NoError(t, err)

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://127.0.0.1:18099/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Contains(t, payload, "overall_status")
	assert.Contains(t, payload, "checks")
}
