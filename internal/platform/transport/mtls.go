package transport

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"sync"
)

type tlsKey struct {
	cert, key, ca string
}

// tlsCache loads client certificate material once per path tuple and keeps
// the resulting HTTP client.
type tlsCache struct {
	mu      sync.Mutex
	clients map[tlsKey]*http.Client
}

func newTLSCache() *tlsCache {
	return &tlsCache{clients: make(map[tlsKey]*http.Client)}
}

func (c *tlsCache) client(certPath, keyPath, caPath string) (*http.Client, error) {
	k := tlsKey{cert: certPath, key: keyPath, ca: caPath}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[k]; ok {
		return cl, nil
	}

	cfg, err := loadClientTLS(certPath, keyPath, caPath)
	if err != nil {
		return nil, err
	}
	cl := &http.Client{Transport: newHTTPTransport(cfg)}
	c.clients[k] = cl
	return cl, nil
}

// loadClientTLS builds a TLS config presenting the client certificate.
// Server verification stays on; caPath, when set, replaces the system roots.
func loadClientTLS(certPath, keyPath, caPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, &ConfigError{Setting: "DISPATCH_CLIENT_CERT_PATH/DISPATCH_CLIENT_KEY_PATH", Reason: "could not be loaded: " + err.Error()}
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, &ConfigError{Setting: "DISPATCH_CA_CERT_PATH", Reason: "could not be read: " + err.Error()}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &ConfigError{Setting: "DISPATCH_CA_CERT_PATH", Reason: "contains no PEM certificates"}
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
