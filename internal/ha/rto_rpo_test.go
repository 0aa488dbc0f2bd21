package ha

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/FairForge/drkeeper/internal/alerting"
	"github.com/FairForge/drkeeper/internal/metrics"
	"github.com/FairForge/drkeeper/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecoveryTracker_PublishesRTOTarget(t *testing.T) {
	reg := metrics.NewRegistry()
	NewRecoveryTracker(model.DefaultBackupConfig(), time.Now(), reg, &recordingSink{}, nil)

	expected := `
# HELP rto_target_seconds Configured recovery time objective
# TYPE rto_target_seconds gauge
rto_target_seconds 300
`
	assert.NoError(t, testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected), "rto_target_seconds"))
}

func TestRecoveryTracker_RPOBreachAlertsOnce(t *testing.T) {
	sink := &recordingSink{}
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tracker := NewRecoveryTracker(model.DefaultBackupConfig(), start, nil, sink, nil)

	st := tracker.CheckRPO(context.Background(), start.Add(10*time.Minute))
	assert.True(t, st.Met)

	tracker.CheckRPO(context.Background(), start.Add(16*time.Minute))
	tracker.CheckRPO(context.Background(), start.Add(17*time.Minute))
	assert.Len(t, sink.ofType(alerting.TypeRPOBreach), 1)

	tracker.RecordBackup(start.Add(18 * time.Minute))
	st = tracker.CheckRPO(context.Background(), start.Add(20*time.Minute))
	assert.True(t, st.Met)
	assert.Equal(t, 2*time.Minute, st.Age)

	tracker.CheckRPO(context.Background(), start.Add(40*time.Minute))
	assert.Len(t, sink.ofType(alerting.TypeRPOBreach), 2)
}

func TestRecoveryTracker_RTOMet(t *testing.T) {
	tracker := NewRecoveryTracker(model.DefaultBackupConfig(), time.Now(), nil, &recordingSink{}, nil)
	assert.True(t, tracker.RTOMet(300*time.Second))
	assert.False(t, tracker.RTOMet(301*time.Second))
}

func TestRTOCompliance(t *testing.T) {
	assert.Equal(t, 100.0, RTOCompliance(nil))
	events := []*model.FailoverEvent{
		{Success: true, RTOMet: true},
		{Success: true, RTOMet: false},
		{Success: false},
	}
	assert.Equal(t, 50.0, RTOCompliance(events))
}
