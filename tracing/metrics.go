package tracing

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/outspeed-ai/outspeed-go/shared"
)

// Metric is a job lifecycle signal pushed to the platform backend.
type Metric string

const (
	MetricServerStarted     Metric = "sdk_server_started"
	MetricServerShutdown    Metric = "sdk_server_shutdown"
	MetricOfferCalled       Metric = "sdk_offer_called"
	MetricWebRTCPCConnected Metric = "sdk_webrtc_pc_connected"
	MetricWebRTCPCClosed    Metric = "sdk_webrtc_pc_closed"
	MetricWebRTCPCFailed    Metric = "sdk_webrtc_pc_failed"
)

// Environment variables set by the hosted platform.
const (
	envKeyBackendURL      = "BACKEND_URL"
	envKeyMetricsEndpoint = "JOB_METRICS_ENDPOINT"
	envKeyJobID           = "JOB_ID"
)

const pushTimeout = 5 * time.Second

// Publisher pushes lifecycle metrics to the platform backend. A nil Publisher
// (or one built without backend configuration) drops every push.
type Publisher struct {
	logger shared.LoggerAdapter
	url    string
	jobID  string
	client *fasthttp.Client
}

// NewPublisherFromEnv reads BACKEND_URL and JOB_METRICS_ENDPOINT (clearing
// them so user code never sees platform internals) plus JOB_ID. Missing
// configuration yields a publisher that skips every push.
func NewPublisherFromEnv(logger shared.LoggerAdapter) *Publisher {
	backend := os.Getenv(envKeyBackendURL)
	endpoint := os.Getenv(envKeyMetricsEndpoint)
	var url string
	if backend != "" && endpoint != "" {
		if !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}
		url = backend + endpoint
		os.Unsetenv(envKeyBackendURL)
		os.Unsetenv(envKeyMetricsEndpoint)
	}
	return &Publisher{
		logger: logger,
		url:    url,
		jobID:  os.Getenv(envKeyJobID),
		client: &fasthttp.Client{},
	}
}

// Push sends a metric asynchronously. A nil value is replaced with the
// current unix timestamp. Failures are logged and never surfaced.
func (p *Publisher) Push(metric Metric, value any) {
	if p == nil || p.url == "" || p.jobID == "" {
		if p != nil && p.logger != nil {
			p.logger.Debug("skipped metric push", zap.String("metric", string(metric)))
		}
		return
	}
	if value == nil {
		value = now()
	}
	payload, err := sonic.Marshal(map[string]any{
		"job_id":       p.jobID,
		string(metric): value,
	})
	if err != nil {
		p.logger.Error("marshaling metric payload", err, zap.String("metric", string(metric)))
		return
	}
	go p.send(metric, payload)
}

func (p *Publisher) send(metric Metric, payload []byte) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	if err := p.client.DoTimeout(req, resp, pushTimeout); err != nil {
		p.logger.Error("metric push failed", err, zap.String("metric", string(metric)))
		return
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		p.logger.Error(
			"metric push rejected",
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.Body()),
			zap.String("metric", string(metric)),
		)
	}
}
