// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package machine

import "laserhost/pkg/metrics"

// Engine instrumentation, exposed through the API server's metrics
// endpoint.
var (
	mLinesSent = metrics.NewCounter("laserhost_lines_sent_total",
		"Command lines handed to the transport writer")
	mAcksOK = metrics.NewCounter("laserhost_acks_ok_total",
		"ok acknowledgements received")
	mAcksError = metrics.NewCounter("laserhost_acks_error_total",
		"error acknowledgements received")
	mAlarms = metrics.NewCounter("laserhost_alarms_total",
		"Asynchronous controller alarms")
	mSoftResets = metrics.NewCounter("laserhost_soft_resets_total",
		"Soft resets issued")
	mRealtimeBytes = metrics.NewCounter("laserhost_realtime_bytes_total",
		"Real-time command bytes sent")
	mJobsCompleted = metrics.NewCounter("laserhost_jobs_completed_total",
		"Jobs streamed to the last acknowledgement")
	mJobsFailed = metrics.NewCounter("laserhost_jobs_failed_total",
		"Jobs aborted by error, alarm, reset or cancellation")
	mPendingBytes = metrics.NewGauge("laserhost_pending_bytes",
		"Bytes in the controller receive buffer awaiting acknowledgement")
)

func init() {
	metrics.MustRegister(
		mLinesSent, mAcksOK, mAcksError, mAlarms, mSoftResets,
		mRealtimeBytes, mJobsCompleted, mJobsFailed, mPendingBytes,
	)
}
