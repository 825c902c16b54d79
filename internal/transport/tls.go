// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"grimm.is/flytrap/internal/errors"
)

// TLSOptions point at the PEM material for one service.
type TLSOptions struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// ServerTLS builds the accept-side config: the service certificate is
// presented to connecting clients, no client auth is demanded.
func ServerTLS(opts TLSOptions) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "load service certificate")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// ClientTLS builds the dial-side config. The service certificate is
// also presented as a client certificate. With a CA file the backend's
// chain must verify against it; without one the session is encrypted
// but the peer is not authenticated.
func ClientTLS(opts TLSOptions, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "load service certificate")
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   serverName,
	}

	if opts.CAFile == "" {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	pem, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "read CA file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf(errors.KindConfig, "no certificates in CA file %s", opts.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
