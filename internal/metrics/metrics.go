package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts scan attempts by outcome (present, already_present,
	// rejected) and rejection reason.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classtrack",
		Name:      "scans_total",
		Help:      "Scan attempts by outcome and rejection reason.",
	}, []string{"outcome", "reason"})

	// SessionsClosedTotal counts sessions closed, split by sweep vs manual.
	SessionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classtrack",
		Name:      "sessions_closed_total",
		Help:      "Sessions transitioned to completed.",
	}, []string{"via"})

	// TokensIssuedTotal counts freshly minted scan tokens (reuse excluded).
	TokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classtrack",
		Name:      "tokens_issued_total",
		Help:      "Scan tokens minted.",
	})
)
