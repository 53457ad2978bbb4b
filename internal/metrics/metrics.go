package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "approval_voting"

// Vote failure reasons.
const (
	ReasonKeyUnavailable   = "key_unavailable"
	ReasonSigningFailed    = "signing_failed"
	ReasonUnknownCandidate = "unknown_candidate"
	ReasonCheckNotPassed   = "check_not_passed"
)

// Metrics instruments the subsystem driver and the vote pipeline.
type Metrics struct {
	assignmentsImported  prometheus.Counter
	approvalsImported    prometheus.Counter
	messagesRejected     *prometheus.CounterVec
	noShows              prometheus.Counter
	wakeupsFired         prometheus.Counter
	assignmentsTriggered prometheus.Counter
	votesSigned          prometheus.Counter
	voteFailures         *prometheus.CounterVec
	candidatesApproved   prometheus.Counter
	inconsistencies      prometheus.Counter

	pendingWakeups   prometheus.Gauge
	trackedBlocks    prometheus.Gauge
	retainedSessions prometheus.Gauge
}

func New(registerer prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	m := &Metrics{
		assignmentsImported:  counter("assignments_imported_total", "Number of assignments recorded"),
		approvalsImported:    counter("approvals_imported_total", "Number of approvals recorded"),
		noShows:              counter("no_shows_total", "Number of assignments marked as no-show"),
		wakeupsFired:         counter("wakeups_fired_total", "Number of scheduler wakeups processed"),
		assignmentsTriggered: counter("assignments_triggered_total", "Number of local assignments broadcast"),
		votesSigned:          counter("votes_signed_total", "Number of local approval votes produced"),
		candidatesApproved:   counter("candidates_approved_total", "Number of candidates that reached approval"),
		inconsistencies:      counter("state_inconsistencies_total", "Number of messages or requests referencing unknown or resolved state"),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Number of inbound messages dropped, by kind",
		}, []string{"kind"}),
		voteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vote_failures_total",
			Help:      "Number of vote requests that did not produce a vote, by reason",
		}, []string{"reason"}),
		pendingWakeups:   gauge("pending_wakeups", "Number of scheduled wakeups"),
		trackedBlocks:    gauge("tracked_blocks", "Number of relay blocks in the state store"),
		retainedSessions: gauge("retained_sessions", "Number of sessions in the window"),
	}

	err := errors.Join(
		registerer.Register(m.assignmentsImported),
		registerer.Register(m.approvalsImported),
		registerer.Register(m.messagesRejected),
		registerer.Register(m.noShows),
		registerer.Register(m.wakeupsFired),
		registerer.Register(m.assignmentsTriggered),
		registerer.Register(m.votesSigned),
		registerer.Register(m.voteFailures),
		registerer.Register(m.candidatesApproved),
		registerer.Register(m.inconsistencies),
		registerer.Register(m.pendingWakeups),
		registerer.Register(m.trackedBlocks),
		registerer.Register(m.retainedSessions),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Noop returns metrics registered against a private registry, for callers
// that do not export them.
func Noop() *Metrics {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) AssignmentImported()         { m.assignmentsImported.Inc() }
func (m *Metrics) ApprovalImported()           { m.approvalsImported.Inc() }
func (m *Metrics) MessageRejected(kind string) { m.messagesRejected.WithLabelValues(kind).Inc() }
func (m *Metrics) NoShows(n int)               { m.noShows.Add(float64(n)) }
func (m *Metrics) WakeupFired()                { m.wakeupsFired.Inc() }
func (m *Metrics) AssignmentTriggered()        { m.assignmentsTriggered.Inc() }
func (m *Metrics) VoteSigned()                 { m.votesSigned.Inc() }
func (m *Metrics) VoteFailed(reason string)    { m.voteFailures.WithLabelValues(reason).Inc() }
func (m *Metrics) CandidateApproved()          { m.candidatesApproved.Inc() }
func (m *Metrics) Inconsistency()              { m.inconsistencies.Inc() }
func (m *Metrics) SetPendingWakeups(n int)     { m.pendingWakeups.Set(float64(n)) }
func (m *Metrics) SetTrackedBlocks(n int)      { m.trackedBlocks.Set(float64(n)) }
func (m *Metrics) SetRetainedSessions(n int)   { m.retainedSessions.Set(float64(n)) }
