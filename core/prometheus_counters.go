package core

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics to be used in the instrumented code. Registered in the package registry,
// which is the one exposed by the instrumentation server
var pm struct {
	CoapClientMetrics *CoapClientPrometheusMetrics
}

var prometheusRegistry = prometheus.NewRegistry()

func init() {
	pm.CoapClientMetrics = newCoapClientPrometheusMetrics(prometheusRegistry)
}

// ///////////////////////////////////////////////////////////////
// Metrics definitions
// ///////////////////////////////////////////////////////////////
type CoapClientPrometheusMetrics struct {
	CoapClientRequests         *prometheus.CounterVec
	CoapClientResponses        *prometheus.CounterVec
	CoapClientTimeouts         *prometheus.CounterVec
	CoapClientNotifications    *prometheus.CounterVec
	CoapClientMisses           *prometheus.CounterVec
	CoapClientDeliveryDrops    *prometheus.CounterVec
	CoapClientEngineFailures   *prometheus.CounterVec
	CoapClientRegisteredTokens *prometheus.GaugeVec
}

func (m *CoapClientPrometheusMetrics) reset() {
	m.CoapClientRequests.Reset()
	m.CoapClientResponses.Reset()
	m.CoapClientTimeouts.Reset()
	m.CoapClientNotifications.Reset()
	m.CoapClientMisses.Reset()
	m.CoapClientDeliveryDrops.Reset()
	m.CoapClientEngineFailures.Reset()
	m.CoapClientRegisteredTokens.Reset()
}

func newCoapClientPrometheusMetrics(reg prometheus.Registerer) *CoapClientPrometheusMetrics {
	m := &CoapClientPrometheusMetrics{

		CoapClientRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_client_requests",
				Help: "CoAP client requests sent",
			},
			[]string{"endpoint", "code"}),

		CoapClientResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_client_responses",
				Help: "CoAP client responses received",
			},
			[]string{"endpoint", "code"}),

		CoapClientTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_client_timeouts",
				Help: "CoAP client request timeouts",
			},
			[]string{"endpoint", "code"}),

		CoapClientNotifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_client_notifications",
				Help: "CoAP client observe notifications received",
			},
			[]string{"endpoint", "resource"}),

		CoapClientMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_client_dispatch_misses",
				Help: "CoAP client inbound datagrams not matching any registered token",
			},
			[]string{"local"}),

		CoapClientDeliveryDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_client_delivery_drops",
				Help: "CoAP client inbound datagrams dropped because the receiver was not keeping up",
			},
			[]string{"local"}),

		CoapClientEngineFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coap_client_engine_failures",
				Help: "CoAP client engines terminated due to socket errors",
			},
			[]string{"local", "reason"}),

		CoapClientRegisteredTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coap_client_registered_tokens",
				Help: "Tokens currently registered in the dispatch table",
			},
			[]string{"local"}),
	}

	reg.MustRegister(m.CoapClientRequests)
	reg.MustRegister(m.CoapClientResponses)
	reg.MustRegister(m.CoapClientTimeouts)
	reg.MustRegister(m.CoapClientNotifications)
	reg.MustRegister(m.CoapClientMisses)
	reg.MustRegister(m.CoapClientDeliveryDrops)
	reg.MustRegister(m.CoapClientEngineFailures)
	reg.MustRegister(m.CoapClientRegisteredTokens)

	return m
}

// Helper functions

func RecordCoapClientRequest(endpoint string, code string) {
	pm.CoapClientMetrics.CoapClientRequests.With(prometheus.Labels{"endpoint": endpoint, "code": code}).Inc()
}

func RecordCoapClientResponse(endpoint string, code string) {
	pm.CoapClientMetrics.CoapClientResponses.With(prometheus.Labels{"endpoint": endpoint, "code": code}).Inc()
}

func RecordCoapClientTimeout(endpoint string, code string) {
	pm.CoapClientMetrics.CoapClientTimeouts.With(prometheus.Labels{"endpoint": endpoint, "code": code}).Inc()
}

func RecordCoapClientNotification(endpoint string, resource string) {
	pm.CoapClientMetrics.CoapClientNotifications.With(prometheus.Labels{"endpoint": endpoint, "resource": resource}).Inc()
}

func RecordCoapClientMiss(local string) {
	pm.CoapClientMetrics.CoapClientMisses.With(prometheus.Labels{"local": local}).Inc()
}

func RecordCoapClientDeliveryDrop(local string) {
	pm.CoapClientMetrics.CoapClientDeliveryDrops.With(prometheus.Labels{"local": local}).Inc()
}

func RecordCoapClientEngineFailure(local string, reason string) {
	pm.CoapClientMetrics.CoapClientEngineFailures.With(prometheus.Labels{"local": local, "reason": reason}).Inc()
}

func UpdateCoapClientRegisteredTokens(local string, n int) {
	pm.CoapClientMetrics.CoapClientRegisteredTokens.With(prometheus.Labels{"local": local}).Set(float64(n))
}

// Access to the metrics, mainly for testing
func GetCoapClientMetrics() *CoapClientPrometheusMetrics {
	return pm.CoapClientMetrics
}

// Sets all counters to zero
func ResetMetrics() {
	pm.CoapClientMetrics.reset()
}

// Helper for testing. Gets the value of the metric with the specified labels, as exposed
// by the instrumentation server in the specified location
func GetMetricWithLabels(metricsURL string, metricName string, labelString string) (string, error) {
	metrics, err := HttpGet(metricsURL)
	if err != nil {
		return "", err
	}

	regex, err := regexp.Compile(fmt.Sprintf("%s%s ([0-9\\.]+)", metricName, regexp.QuoteMeta(labelString)))
	if err != nil {
		return "", err
	}

	if match := regex.FindStringSubmatch(metrics); len(match) > 1 {
		return match[1], nil
	}
	return "", errors.New("metric and label not found")
}
