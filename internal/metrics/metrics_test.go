package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheus_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheus(reg)

	rec.RecordOperation(KindDeposit)
	rec.RecordOperation(KindDeposit)
	rec.RecordReplay(KindDeposit)
	rec.RecordFailure(KindWithdraw, "WLT_ACCOUNT_FROZEN")
	rec.RecordSettled(3)
	rec.RecordSettled(0)
	rec.RecordSnapshots(7)
	rec.RecordLatency(KindTransfer, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.operations.WithLabelValues(KindDeposit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.replays.WithLabelValues(KindDeposit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.failures.WithLabelValues(KindWithdraw, "WLT_ACCOUNT_FROZEN")))
	assert.Equal(t, 0.0, testutil.ToFloat64(rec.failures.WithLabelValues(KindWithdraw, "WLT_NEGATIVE_BLOCKED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.settled))
	assert.Equal(t, 7.0, testutil.ToFloat64(rec.snapshots))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.latency))
}

func TestNoop_SatisfiesRecorder(t *testing.T) {
	var rec Recorder = Noop{}
	rec.RecordOperation(KindDeposit)
	rec.RecordReplay(KindDeposit)
	rec.RecordFailure(KindDeposit, "x")
	rec.RecordLatency(KindDeposit, time.Second)
	rec.RecordSettled(1)
	rec.RecordSnapshots(1)
}
