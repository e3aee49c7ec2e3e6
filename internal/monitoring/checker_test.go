package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/config"
	"github.com/sells-group/phone-enrich/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	st := &mockStore{}
	collector := NewCollector(st, nil)
	alerter := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})
	checker := NewChecker(collector, alerter, nil, config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStore{}, nil), NewAlerter(config.MonitoringConfig{}), nil, config.MonitoringConfig{
		CheckIntervalSecs: 0,
	})
	require.NotNil(t, checker)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckUpdatesGaugesAndAlerts(t *testing.T) {
	st := &mockStore{
		records: map[model.RecordStatus]int{
			model.StatusCompleted: 4,
			model.StatusFailed:    6,
		},
		dlqCount: 7,
	}
	m := NewMetrics()
	cfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.5}
	checker := NewChecker(NewCollector(st, nil), NewAlerter(cfg), m, cfg)

	alerts := checker.Check(context.Background(), zap.NewNop())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRecordFailureRate, alerts[0].Type)

	assert.InDelta(t, 6, testutil.ToFloat64(m.RecordsByStatus.WithLabelValues("failed")), 0.001)
	assert.InDelta(t, 7, testutil.ToFloat64(m.DLQDepth), 0.001)
}
