// Package metrics registers the process-wide prometheus counters exposed on
// /metrics by the API server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RecognitionsTotal counts recognition attempts by outcome kind.
	RecognitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "recognitions_total",
		Help:      "Recognition attempts by outcome.",
	}, []string{"outcome"})

	// EnrollmentsTotal counts enrollment attempts by result.
	EnrollmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "enrollments_total",
		Help:      "Enrollment attempts by result.",
	}, []string{"result"})

	// AttendanceMarks counts ledger mutations by kind and result.
	AttendanceMarks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "attendance_marks_total",
		Help:      "Attendance ledger mutations by kind and result.",
	}, []string{"kind", "result"})

	// MessagesDispatched counts deferred messages by terminal status.
	MessagesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "messages_dispatched_total",
		Help:      "Deferred messages processed by terminal status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(RecognitionsTotal, EnrollmentsTotal, AttendanceMarks, MessagesDispatched)
}
