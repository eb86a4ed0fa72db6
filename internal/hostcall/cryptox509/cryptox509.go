// Package cryptox509 implements the pure, no-network Crypto/X509 capability
// group: verify_cert (chain + expiry), parse_pkcs7, decode_cert. Follows the
// PEM/x509 handling idiom of internal/pkg/crypto/ca.go (errors.Join wrapping,
// small value-typed helpers), rewritten here around *parsing and verifying*
// guest-supplied certificates rather than *generating* a CA, but keeping the
// same error-wrapping style.
package cryptox509

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"

	"github.com/kubewarden/policy-evaluator/internal/hostcall"
)

type verifyCertRequest struct {
	CertPEM      string `json:"cert"`
	CertChainPEM string `json:"certChain,omitempty"`
	NotAfter     string `json:"notAfter,omitempty"` // RFC3339; defaults to now
}

type verifyCertResponse struct {
	Trusted bool   `json:"trusted"`
	Reason  string `json:"reason,omitempty"`
}

type decodeCertRequest struct {
	CertPEM string `json:"cert"`
}

type decodeCertResponse struct {
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer"`
	NotBefore string `json:"notBefore"`
	NotAfter  string `json:"notAfter"`
	IsCA      bool   `json:"isCA"`
}

type parsePKCS7Request struct {
	PKCS7DER []byte `json:"pkcs7"` // base64 via encoding/json []byte
}

type parsePKCS7Response struct {
	CertificatesPEM []string `json:"certificates"`
}

func decodeOneCert(pemBytes string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemBytes))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Join(errors.New("cannot parse certificate"), err)
	}
	return cert, nil
}

func decodeCertChain(pemBytes string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(pemBytes)
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Join(errors.New("cannot parse certificate in chain"), err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// Register wires the three pure crypto/x509 capabilities into catalog.
// None are cached: every handler is a deterministic, in-process
// computation cheaper than a cache lookup would be.
func Register(catalog *hostcall.Catalog) {
	catalog.Register("crypto/verify_cert", func(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		var req verifyCertRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding verify_cert request: %w", err)
		}

		leaf, err := decodeOneCert(req.CertPEM)
		if err != nil {
			return json.Marshal(verifyCertResponse{Trusted: false, Reason: err.Error()})
		}

		checkTime := time.Now()
		if req.NotAfter != "" {
			if t, parseErr := time.Parse(time.RFC3339, req.NotAfter); parseErr == nil {
				checkTime = t
			}
		}

		opts := x509.VerifyOptions{CurrentTime: checkTime}
		if req.CertChainPEM != "" {
			pool := x509.NewCertPool()
			chain, err := decodeCertChain(req.CertChainPEM)
			if err != nil {
				return json.Marshal(verifyCertResponse{Trusted: false, Reason: err.Error()})
			}
			for _, c := range chain {
				pool.AddCert(c)
			}
			opts.Roots = pool
		}

		if _, err := leaf.Verify(opts); err != nil {
			return json.Marshal(verifyCertResponse{Trusted: false, Reason: err.Error()})
		}
		return json.Marshal(verifyCertResponse{Trusted: true})
	}, nil)

	catalog.Register("crypto/decode_cert", func(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		var req decodeCertRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding decode_cert request: %w", err)
		}
		cert, err := decodeOneCert(req.CertPEM)
		if err != nil {
			return nil, err
		}
		return json.Marshal(decodeCertResponse{
			Subject:   cert.Subject.String(),
			Issuer:    cert.Issuer.String(),
			NotBefore: cert.NotBefore.Format(time.RFC3339),
			NotAfter:  cert.NotAfter.Format(time.RFC3339),
			IsCA:      cert.IsCA,
		})
	}, nil)

	catalog.Register("crypto/parse_pkcs7", func(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		var req parsePKCS7Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding parse_pkcs7 request: %w", err)
		}
		envelope, err := pkcs7.Parse(req.PKCS7DER)
		if err != nil {
			return nil, errors.Join(errors.New("cannot parse PKCS7 envelope"), err)
		}
		out := make([]string, 0, len(envelope.Certificates))
		for _, c := range envelope.Certificates {
			out = append(out, string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})))
		}
		return json.Marshal(parsePKCS7Response{CertificatesPEM: out})
	}, nil)
}
