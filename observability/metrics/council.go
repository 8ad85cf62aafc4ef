package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type CouncilMetrics struct {
	candidacySubmitted *prometheus.CounterVec
	presentations      *prometheus.CounterVec
	voterReaped        *prometheus.CounterVec
	activeSeats        prometheus.Gauge
	candidateCount     prometheus.Gauge
}

var (
	councilOnce     sync.Once
	councilRegistry *CouncilMetrics
)

func Council() *CouncilMetrics {
	councilOnce.Do(func() {
		councilRegistry = &CouncilMetrics{
			candidacySubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "council_candidacy_submitted_total",
				Help: "Count of accepted submit_candidacy calls.",
			}, []string{"outcome"}),
			presentations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "council_presentation_total",
				Help: "Count of present_winner calls by outcome.",
			}, []string{"outcome"}),
			voterReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "council_voter_reaped_total",
				Help: "Count of reap_inactive_voter calls by outcome.",
			}, []string{"outcome"}),
			activeSeats: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "council_active_seats",
				Help: "Current number of occupied council seats.",
			}),
			candidateCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "council_candidate_count",
				Help: "Current number of live (non-hole) candidate slots.",
			}),
		}
		prometheus.MustRegister(
			councilRegistry.candidacySubmitted,
			councilRegistry.presentations,
			councilRegistry.voterReaped,
			councilRegistry.activeSeats,
			councilRegistry.candidateCount,
		)
	})
	return councilRegistry
}

func (m *CouncilMetrics) ObserveCandidacySubmitted(outcome string) {
	if m == nil {
		return
	}
	m.candidacySubmitted.WithLabelValues(normaliseOutcome(outcome)).Inc()
}

func (m *CouncilMetrics) ObservePresentation(outcome string) {
	if m == nil {
		return
	}
	m.presentations.WithLabelValues(normaliseOutcome(outcome)).Inc()
}

func (m *CouncilMetrics) ObserveVoterReaped(outcome string) {
	if m == nil {
		return
	}
	m.voterReaped.WithLabelValues(normaliseOutcome(outcome)).Inc()
}

func (m *CouncilMetrics) SetActiveSeats(count float64) {
	if m == nil {
		return
	}
	m.activeSeats.Set(count)
}

func (m *CouncilMetrics) SetCandidateCount(count float64) {
	if m == nil {
		return
	}
	m.candidateCount.Set(count)
}

func normaliseOutcome(outcome string) string {
	if outcome == "" {
		return "unknown"
	}
	return outcome
}
