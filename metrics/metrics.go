// Package metrics provides Prometheus metrics for SMTP sends, the stub server and its HTTP API
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smtpmailer/smtp"
	"smtpmailer/smtptest"
	"smtpmailer/transport"
)

const namespace = "smtpmailer"

// Send results used as the "result" label.
const (
	ResultDelivered     = "delivered"
	ResultUnconfirmed   = "unconfirmed"
	ResultSocketError   = "socket_error"
	ResultProtocolError = "protocol_error"
	ResultTLSError      = "tls_error"
	ResultError         = "error"
)

var (
	_ transport.Observer = (*ClientCollector)(nil)
	_ smtptest.Observer  = (*StubCollector)(nil)
)

// ClientCollector records transport activity. It implements transport.Observer.
type ClientCollector struct {
	sends    *prometheus.CounterVec
	commands *prometheus.CounterVec
	replies  *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewClientCollector registers the client metrics on reg.
func NewClientCollector(reg prometheus.Registerer) *ClientCollector {
	factory := promauto.With(reg)
	return &ClientCollector{
		sends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "sends_total",
				Help:      "Total number of sends by result",
			},
			[]string{"result"},
		),
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "commands_total",
				Help:      "Total number of SMTP commands written by stage",
			},
			[]string{"stage"},
		),
		replies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "replies_total",
				Help:      "Total number of SMTP replies read by stage and code",
			},
			[]string{"stage", "code"},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "send_duration_seconds",
				Help:      "Duration of a complete send in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
	}
}

// OnCommand counts a written command.
func (c *ClientCollector) OnCommand(stage smtp.Stage) {
	c.commands.WithLabelValues(stage.String()).Inc()
}

// OnReply counts a reply code.
func (c *ClientCollector) OnReply(stage smtp.Stage, code int) {
	c.replies.WithLabelValues(stage.String(), strconv.Itoa(code)).Inc()
}

// OnSend records the outcome of a send.
func (c *ClientCollector) OnSend(delivered bool, err error, duration time.Duration) {
	c.sends.WithLabelValues(Result(delivered, err)).Inc()
	c.duration.Observe(duration.Seconds())
}

// Result classifies the outcome of a send.
func Result(delivered bool, err error) string {
	var (
		sockErr  *smtp.SocketError
		protoErr *smtp.ProtocolError
		tlsErr   *smtp.TLSError
	)
	switch {
	case err == nil && delivered:
		return ResultDelivered
	case err == nil:
		return ResultUnconfirmed
	case errors.As(err, &tlsErr):
		return ResultTLSError
	case errors.As(err, &protoErr):
		return ResultProtocolError
	case errors.As(err, &sockErr):
		return ResultSocketError
	default:
		return ResultError
	}
}

// StubCollector records stub server activity. It implements smtptest.Observer.
type StubCollector struct {
	replies  *prometheus.CounterVec
	messages prometheus.Counter
}

// NewStubCollector registers the stub server metrics on reg.
func NewStubCollector(reg prometheus.Registerer) *StubCollector {
	factory := promauto.With(reg)
	return &StubCollector{
		replies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stub",
				Name:      "replies_total",
				Help:      "Total number of replies sent by the stub server by step and code",
			},
			[]string{"step", "code"},
		),
		messages: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stub",
				Name:      "sessions_total",
				Help:      "Total number of finished stub server sessions",
			},
		),
	}
}

// OnReply counts a reply sent by the stub server.
func (c *StubCollector) OnReply(step smtptest.Step, code int) {
	c.replies.WithLabelValues(string(step), strconv.Itoa(code)).Inc()
}

// OnMessage counts a finished session.
func (c *StubCollector) OnMessage(*smtptest.Transcript) {
	c.messages.Inc()
}

// HTTPCollector records requests to the inspection API.
type HTTPCollector struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPCollector registers the HTTP metrics on reg.
func NewHTTPCollector(reg prometheus.Registerer) *HTTPCollector {
	factory := promauto.With(reg)
	return &HTTPCollector{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests by method, path, and status code",
			},
			[]string{"method", "path", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and durations labelled with the chi route pattern.
func (c *HTTPCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := getRoutePattern(r)
		c.requests.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		c.duration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// getRoutePattern returns the route pattern from chi context
// Falls back to URL path if pattern not available
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteTextfile writes the metrics of g to path in the text exposition format,
// for pickup by a node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
