// Package metrics holds the prometheus collectors of the session client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	signalingFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callcontrol_signaling_frames_total",
		Help: "Signaling frames by direction (in/out) and frame type",
	}, []string{"direction", "type"})

	pipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callcontrol_pipeline_runs_total",
		Help: "Finished task pipelines by pipeline name and outcome",
	}, []string{"pipeline", "outcome"})

	reconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callcontrol_reconnect_attempts_total",
		Help: "Reconnection attempts by the status that triggered them",
	}, []string{"status"})

	sessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "callcontrol_session_state",
		Help: "Reconnect controller state (active state=1; others 0)",
	}, []string{"state"})

	planRecomputations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callcontrol_downlink_plan_recomputations_total",
		Help: "Downlink plan recomputations by trigger and whether the plan changed",
	}, []string{"trigger", "changed"})

	downlinkEstimate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callcontrol_downlink_estimate_bps",
		Help: "Last accepted downlink bandwidth estimate in bits per second",
	})

	activeSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callcontrol_downlink_active_slots",
		Help: "Active receive slots in the committed subscription plan",
	})

	rtpReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callcontrol_rtp_received_bytes_total",
		Help: "RTP payload bytes read from remote tracks",
	}, []string{"kind"})
)

var sessionStates = []string{"idle", "connecting", "connected", "disconnected", "reconnecting", "gave_up", "ended"}

func RecordFrame(direction, frameType string) {
	if frameType == "" {
		frameType = "unknown"
	}
	signalingFrames.WithLabelValues(direction, frameType).Inc()
}

// RecordPipeline counts a pipeline that reached a final state.
func RecordPipeline(pipeline, outcome string) {
	pipelineRuns.WithLabelValues(pipeline, outcome).Inc()
}

func RecordReconnectAttempt(status string) {
	reconnectAttempts.WithLabelValues(status).Inc()
}

// SetSessionState marks state as the only active controller state.
func SetSessionState(state string) {
	for _, s := range sessionStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		sessionState.WithLabelValues(s).Set(value)
	}
}

func RecordPlanRecompute(trigger string, changed bool) {
	c := "false"
	if changed {
		c = "true"
	}
	planRecomputations.WithLabelValues(trigger, c).Inc()
}

func SetDownlinkEstimate(bps uint64) {
	downlinkEstimate.Set(float64(bps))
}

func SetActiveSlots(n int) {
	activeSlots.Set(float64(n))
}

func RecordRTPReceived(kind string, bytes int) {
	rtpReceived.WithLabelValues(kind).Add(float64(bytes))
}
