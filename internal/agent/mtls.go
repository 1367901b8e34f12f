package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
)

// TLSConfig holds server TLS settings with optional client verification.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

// Enabled reports whether a certificate and key were configured.
func (c TLSConfig) Enabled() bool { return c.CertFile != "" && c.KeyFile != "" }

func (c TLSConfig) build() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCAFile != "" {
		caCert, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", c.ClientCAFile).Msg("mTLS client authentication enabled")
	}
	return cfg, nil
}

// clientSubject tags requests with the verified client certificate subject.
func clientSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			cert := r.TLS.PeerCertificates[0]
			r.Header.Set("X-Client-Subject", cert.Subject.String())
			log.Debug().Str("subject", cert.Subject.String()).Msg("mTLS client authenticated")
		}
		next.ServeHTTP(w, r)
	})
}

// ListenTLS binds addr for TLS, verifying clients when a CA is set.
func (s *Server) ListenTLS(addr string, c TLSConfig) error {
	tlsConfig, err := c.build()
	if err != nil {
		return err
	}
	if err := s.listen(addr, clientSubject(s.Handler()), tlsConfig); err != nil {
		return err
	}
	log.Info().Str("addr", addr).Bool("mtls", c.ClientCAFile != "").Msg("starting agent with TLS")
	return nil
}

// ListenAndServeTLS starts the server with TLS.
func (s *Server) ListenAndServeTLS(addr string, c TLSConfig) error {
	if err := s.ListenTLS(addr, c); err != nil {
		return err
	}
	return s.Serve()
}
