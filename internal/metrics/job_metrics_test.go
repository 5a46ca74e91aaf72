package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordJobStartedTracksInFlight(t *testing.T) {
	before := testutil.ToFloat64(JobsInFlight)

	RecordJobStarted("iso_sync")
	assert.Equal(t, before+1, testutil.ToFloat64(JobsInFlight))

	RecordJobFinished("iso_sync", "completed", 3*time.Second)
	assert.Equal(t, before, testutil.ToFloat64(JobsInFlight))
}

func TestRecordTargetCountsByOutcome(t *testing.T) {
	base := testutil.ToFloat64(TargetsTotal.WithLabelValues("ssh_key_bulk_push", "failed"))

	RecordTarget("ssh_key_bulk_push", "failed")
	RecordTarget("ssh_key_bulk_push", "failed")

	assert.Equal(t, base+2, testutil.ToFloat64(TargetsTotal.WithLabelValues("ssh_key_bulk_push", "failed")))
}

func TestRecordJobFinishedCountsStatus(t *testing.T) {
	base := testutil.ToFloat64(JobsFinishedTotal.WithLabelValues("ssh_key_rotation", "failed"))

	RecordJobStarted("ssh_key_rotation")
	RecordJobFinished("ssh_key_rotation", "failed", time.Second)

	assert.Equal(t, base+1, testutil.ToFloat64(JobsFinishedTotal.WithLabelValues("ssh_key_rotation", "failed")))
}
