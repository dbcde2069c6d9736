package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromRecorder implements Recorder backed by Prometheus counters/gauges.
type PromRecorder struct {
	registry        *prometheus.Registry
	handler         http.Handler
	connOpened      prometheus.Counter
	connClosed      prometheus.Counter
	shareAccepted   prometheus.Counter
	shareRejected   *prometheus.CounterVec
	retargets       *prometheus.CounterVec
	blocksFound     *prometheus.CounterVec
	lastBlockHeight *prometheus.GaugeVec
	blocksSubmitted *prometheus.CounterVec
}

// NewPromRecorder creates a Prometheus-backed Recorder and exposes a handler for metrics scraping.
// Namespace is prefixed on all metrics; if empty, "stratumcore" is used.
func NewPromRecorder(namespace string) (*PromRecorder, error) {
	if namespace == "" {
		namespace = "stratumcore"
	}
	reg := prometheus.NewRegistry()

	connOpened := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_opened_total", Help: "Total TCP connections accepted."})
	connClosed := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_closed_total", Help: "Total TCP connections closed."})
	shareAccepted := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "shares_accepted_total", Help: "Accepted shares."})
	shareRejected := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "shares_rejected_total", Help: "Rejected shares by reason."}, []string{"reason"})
	retargets := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "vardiff_retargets_total", Help: "Vardiff difficulty retargets by direction."}, []string{"direction"})
	blocksFound := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "blocks_found_total", Help: "Blocks found (candidate) by network."}, []string{"network"})
	lastBlockHeight := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "last_block_height", Help: "Height of the last found block, by network."}, []string{"network"})
	blocksSubmitted := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "block_submissions_total", Help: "Block submissions by network and result."}, []string{"network", "status"})

	collectors := []prometheus.Collector{connOpened, connClosed, shareAccepted, shareRejected, retargets, blocksFound, lastBlockHeight, blocksSubmitted}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PromRecorder{
		registry:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		connOpened:      connOpened,
		connClosed:      connClosed,
		shareAccepted:   shareAccepted,
		shareRejected:   shareRejected,
		retargets:       retargets,
		blocksFound:     blocksFound,
		lastBlockHeight: lastBlockHeight,
		blocksSubmitted: blocksSubmitted,
	}, nil
}

// Handler exposes the HTTP handler for scraping.
func (p *PromRecorder) Handler() http.Handler {
	return p.handler
}

func (p *PromRecorder) ConnOpened()    { p.connOpened.Inc() }
func (p *PromRecorder) ConnClosed()    { p.connClosed.Inc() }
func (p *PromRecorder) ShareAccepted() { p.shareAccepted.Inc() }

func (p *PromRecorder) ShareRejected(reason string) {
	p.shareRejected.WithLabelValues(reason).Inc()
}

func (p *PromRecorder) DifficultyRetargeted(direction string) {
	p.retargets.WithLabelValues(direction).Inc()
}

func (p *PromRecorder) BlockFound(network string, height int64, _ string) {
	p.blocksFound.WithLabelValues(network).Inc()
	p.lastBlockHeight.WithLabelValues(network).Set(float64(height))
}

func (p *PromRecorder) BlockSubmitted(network string, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	p.blocksSubmitted.WithLabelValues(network, status).Inc()
}
