// Package transport delivers serialized contracts to an EHR over HTTPS,
// HTTPS with a client certificate, or MLLP over TCP.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehr/dispatch/internal/platform/contract"
)

const (
	DefaultHTTPTimeout = 15 * time.Second
	DefaultMLLPTimeout = 12 * time.Second

	// errorBodyLimit caps the response body quoted in a TransportError.
	errorBodyLimit = 350
	// resultBodyLimit caps the response body kept in a Result.
	resultBodyLimit = 64 << 10
)

// Mode is the delivery mechanism chosen for a contract.
type Mode string

const (
	ModeHTTPS Mode = "HTTPS"
	ModeMTLS  Mode = "MTLS"
	ModeMLLP  Mode = "MLLP"
)

// Config is the deployment's endpoint configuration.
type Config struct {
	WebhookURL  string
	HTTPTimeout time.Duration

	MLLPHost    string
	MLLPPort    int
	MLLPTimeout time.Duration

	ClientCertPath string
	ClientKeyPath  string
	CACertPath     string

	// RateLimitRPS paces outbound deliveries; 0 disables pacing.
	RateLimitRPS float64
}

// Delivery is one outbound request.
type Delivery struct {
	ContractType contract.ContractType
	ContentType  string
	Body         []byte
	Headers      map[string]string
}

// Result is the normalized outcome of a successful delivery.
type Result struct {
	Mode              Mode   `json:"mode"`
	StatusCode        int    `json:"statusCode"`
	Body              string `json:"body,omitempty"`
	ExternalMessageID string `json:"externalMessageId,omitempty"`
}

// ConfigError reports configuration that makes delivery impossible.
type ConfigError struct {
	Setting string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Setting, e.Reason)
}

// TransportError is a retryable delivery failure: timeout, connection
// failure, non-2xx status or a rejected/malformed acknowledgment.
type TransportError struct {
	Mode       Mode
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	msg := strings.ToLower(string(e.Mode)) + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the client used for plain HTTPS deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// Dispatcher selects a mechanism per contract and performs the delivery.
// It is safe for concurrent use.
type Dispatcher struct {
	cfg        Config
	httpClient *http.Client
	tls        *tlsCache
	limiter    *rate.Limiter
}

// New returns a Dispatcher for cfg. Zero timeouts take the defaults.
func New(cfg Config, opts ...Option) *Dispatcher {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.MLLPTimeout <= 0 {
		cfg.MLLPTimeout = DefaultMLLPTimeout
	}

	d := &Dispatcher{
		cfg:        cfg,
		httpClient: &http.Client{Transport: newHTTPTransport(nil)},
		tls:        newTLSCache(),
	}
	if cfg.RateLimitRPS > 0 {
		burst := int(cfg.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Select returns the mechanism used for contractType: MLLP for HL7 when a
// host and port are configured, otherwise HTTPS, upgraded to mutual TLS when
// a client certificate is configured.
func (d *Dispatcher) Select(contractType contract.ContractType) (Mode, error) {
	if contractType == contract.ContractHL7ORUR01 && d.cfg.MLLPHost != "" && d.cfg.MLLPPort > 0 {
		return ModeMLLP, nil
	}
	if strings.TrimSpace(d.cfg.WebhookURL) == "" {
		if contractType == contract.ContractHL7ORUR01 {
			return "", &ConfigError{Setting: "DISPATCH_WEBHOOK_URL or DISPATCH_MLLP_HOST/DISPATCH_MLLP_PORT", Reason: "is required for HL7 dispatch"}
		}
		return "", &ConfigError{Setting: "DISPATCH_WEBHOOK_URL", Reason: "is required"}
	}
	if d.cfg.ClientCertPath == "" && d.cfg.ClientKeyPath == "" {
		return ModeHTTPS, nil
	}
	if d.cfg.ClientCertPath == "" || d.cfg.ClientKeyPath == "" {
		return "", &ConfigError{Setting: "DISPATCH_CLIENT_CERT_PATH/DISPATCH_CLIENT_KEY_PATH", Reason: "must both be set for mutual TLS"}
	}
	if !strings.HasPrefix(strings.ToLower(d.cfg.WebhookURL), "https://") {
		return "", &ConfigError{Setting: "DISPATCH_WEBHOOK_URL", Reason: "must use https:// for mutual TLS"}
	}
	return ModeMTLS, nil
}

// Send delivers d. It returns a *ConfigError when the configuration cannot
// serve the contract and a *TransportError for delivery failures.
func (d *Dispatcher) Send(ctx context.Context, del Delivery) (Result, error) {
	mode, err := d.Select(del.ContractType)
	if err != nil {
		return Result{}, err
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return Result{}, &TransportError{Mode: mode, Message: "rate limiter wait aborted", Err: err}
		}
	}

	switch mode {
	case ModeMLLP:
		return d.sendMLLP(ctx, del)
	case ModeMTLS:
		client, err := d.tls.client(d.cfg.ClientCertPath, d.cfg.ClientKeyPath, d.cfg.CACertPath)
		if err != nil {
			return Result{}, err
		}
		return d.sendHTTP(ctx, ModeMTLS, client, del)
	default:
		return d.sendHTTP(ctx, ModeHTTPS, d.httpClient, del)
	}
}
