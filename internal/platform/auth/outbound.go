package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/dispatch/internal/platform/contract"
)

// AuthMode selects how outbound dispatch requests authenticate.
type AuthMode string

const (
	AuthModeNone   AuthMode = "NONE"
	AuthModeAPIKey AuthMode = "API_KEY"
	AuthModeBearer AuthMode = "BEARER"
	AuthModeHMAC   AuthMode = "HMAC"
)

const (
	DefaultAPIKeyHeader        = "X-API-Key"
	DefaultHMACSignatureHeader = "X-RP-Signature"
	DefaultHMACTimestampHeader = "X-RP-Timestamp"
)

// vendorAPIKeyHeaders names the API-key header each vendor expects by default.
var vendorAPIKeyHeaders = map[contract.Vendor]string{
	contract.VendorNextGen:        "X-NG-API-Key",
	contract.VendorEClinicalWorks: "X-ECW-API-Key",
}

// ParseAuthMode normalizes s (case-insensitive). Empty means NONE.
func ParseAuthMode(s string) (AuthMode, error) {
	m := AuthMode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case "":
		return AuthModeNone, nil
	case AuthModeNone, AuthModeAPIKey, AuthModeBearer, AuthModeHMAC:
		return m, nil
	}
	return "", fmt.Errorf("auth: unknown dispatch auth mode %q", s)
}

// OutboundSecrets are the credentials available to the deployment.
type OutboundSecrets struct {
	APIKey      string
	BearerToken string
	HMACSecret  string
}

// HeaderNames are the deployment-configured header names. Empty names fall
// back to the defaults.
type HeaderNames struct {
	APIKey        string
	HMACSignature string
	HMACTimestamp string
}

// OutboundAuth is everything needed to authenticate one outbound request.
type OutboundAuth struct {
	Vendor  contract.Vendor
	Mode    AuthMode
	Secrets OutboundSecrets
	Headers HeaderNames
}

// ConfigError reports a missing or invalid setting. It is not retryable
// until the configuration changes.
type ConfigError struct {
	Setting string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Setting, e.Reason)
}

// BuildAuthHeaders computes auth headers in two layers: vendor defaults,
// applied only when the matching secret is set, then the explicit auth mode,
// which may override them. HMAC signs the exact body bytes at now.
func BuildAuthHeaders(cfg OutboundAuth, target contract.Target, contractType contract.ContractType, body []byte, now time.Time) (map[string]string, error) {
	headers := make(map[string]string)

	switch cfg.Vendor {
	case contract.VendorAthenahealth:
		if cfg.Secrets.BearerToken != "" {
			headers["Authorization"] = "Bearer " + cfg.Secrets.BearerToken
		}
	case contract.VendorNextGen, contract.VendorEClinicalWorks:
		if cfg.Secrets.APIKey != "" {
			headers[vendorAPIKeyHeaders[cfg.Vendor]] = cfg.Secrets.APIKey
		}
	}

	switch cfg.Mode {
	case AuthModeNone, "":
	case AuthModeAPIKey:
		if cfg.Secrets.APIKey == "" {
			return nil, &ConfigError{Setting: "DISPATCH_API_KEY", Reason: "is required for API_KEY auth"}
		}
		headers[orDefault(cfg.Headers.APIKey, DefaultAPIKeyHeader)] = cfg.Secrets.APIKey
	case AuthModeBearer:
		if cfg.Secrets.BearerToken == "" {
			return nil, &ConfigError{Setting: "DISPATCH_BEARER_TOKEN", Reason: "is required for BEARER auth"}
		}
		headers["Authorization"] = "Bearer " + cfg.Secrets.BearerToken
	case AuthModeHMAC:
		if cfg.Secrets.HMACSecret == "" {
			return nil, &ConfigError{Setting: "DISPATCH_HMAC_SECRET", Reason: "is required for HMAC auth"}
		}
		ts := SigningTimestamp(now)
		headers[orDefault(cfg.Headers.HMACTimestamp, DefaultHMACTimestampHeader)] = ts
		headers[orDefault(cfg.Headers.HMACSignature, DefaultHMACSignatureHeader)] =
			Sign(cfg.Secrets.HMACSecret, ts, string(target), string(contractType), body)
	default:
		return nil, &ConfigError{Setting: "DISPATCH_AUTH_MODE", Reason: fmt.Sprintf("has unsupported value %q", cfg.Mode)}
	}

	return headers, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
