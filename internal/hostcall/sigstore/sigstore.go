// Package sigstore implements the Sigstore capability group:
// verify_pub_keys_image, verify_keyless_exact_match,
// verify_keyless_prefix_match, verify_keyless_github_actions,
// verify_certificate. The actual signature verification (talking to a
// Fulcio/Rekor instance or checking detached cosign signatures) is an
// out-of-scope "OCI-pull / image-signature verifier" collaborator; this
// package defines the Verifier interface, the JSON request/response
// contracts (every success carries the observed subject/issuer), and
// registers no cache — signature verification results are
// security-sensitive and are always re-checked, mirroring the real
// Sigstore capability's deliberate lack of caching.
package sigstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kubewarden/policy-evaluator/internal/hostcall"
)

// SignedBy describes one observed signature, returned on every successful
// verification ("MUST return a signed-by result including the
// subject/issuer observed").
type SignedBy struct {
	Subject string `json:"subject"`
	Issuer  string `json:"issuer,omitempty"`
}

// Result is the uniform response shape for all five capabilities.
type Result struct {
	IsTrusted  bool       `json:"isTrusted"`
	SignedBy   []SignedBy `json:"signedBy,omitempty"`
	VerifiedAs string     `json:"verifiedAs,omitempty"`
}

// Verifier is the out-of-scope collaborator.
type Verifier interface {
	VerifyPubKeysImage(ctx context.Context, image string, pubKeysPEM []string, annotations map[string]string) (Result, error)
	VerifyKeylessExactMatch(ctx context.Context, image string, subject, issuer string, annotations map[string]string) (Result, error)
	VerifyKeylessPrefixMatch(ctx context.Context, image string, subjectPrefix, issuer string, annotations map[string]string) (Result, error)
	VerifyKeylessGithubActions(ctx context.Context, image string, owner, repo string, annotations map[string]string) (Result, error)
	VerifyCertificate(ctx context.Context, image string, certPEM, certChainPEM string, annotations map[string]string) (Result, error)
}

type pubKeysRequest struct {
	Image       string            `json:"image"`
	PubKeysPEM  []string          `json:"pubKeys"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type keylessExactRequest struct {
	Image       string            `json:"image"`
	Subject     string            `json:"subject"`
	Issuer      string            `json:"issuer"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type keylessPrefixRequest struct {
	Image         string            `json:"image"`
	SubjectPrefix string            `json:"subjectPrefix"`
	Issuer        string            `json:"issuer"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

type keylessGithubActionsRequest struct {
	Image       string            `json:"image"`
	Owner       string            `json:"owner"`
	Repo        string            `json:"repo,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type certificateRequest struct {
	Image         string            `json:"image"`
	CertPEM       string            `json:"cert"`
	CertChainPEM  string            `json:"certChain,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// Register wires the five Sigstore capabilities into catalog, uncached.
func Register(catalog *hostcall.Catalog, verifier Verifier) {
	catalog.Register("sigstore/verify_pub_keys_image", func(ctx context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		var req pubKeysRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding verify_pub_keys_image request: %w", err)
		}
		res, err := verifier.VerifyPubKeysImage(ctx, req.Image, req.PubKeysPEM, req.Annotations)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}, nil)

	catalog.Register("sigstore/verify_keyless_exact_match", func(ctx context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		var req keylessExactRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding verify_keyless_exact_match request: %w", err)
		}
		res, err := verifier.VerifyKeylessExactMatch(ctx, req.Image, req.Subject, req.Issuer, req.Annotations)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}, nil)

	catalog.Register("sigstore/verify_keyless_prefix_match", func(ctx context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		var req keylessPrefixRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding verify_keyless_prefix_match request: %w", err)
		}
		res, err := verifier.VerifyKeylessPrefixMatch(ctx, req.Image, req.SubjectPrefix, req.Issuer, req.Annotations)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}, nil)

	catalog.Register("sigstore/verify_keyless_github_actions", func(ctx context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		var req keylessGithubActionsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding verify_keyless_github_actions request: %w", err)
		}
		res, err := verifier.VerifyKeylessGithubActions(ctx, req.Image, req.Owner, req.Repo, req.Annotations)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}, nil)

	catalog.Register("sigstore/verify_certificate", func(ctx context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
		var req certificateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding verify_certificate request: %w", err)
		}
		res, err := verifier.VerifyCertificate(ctx, req.Image, req.CertPEM, req.CertChainPEM, req.Annotations)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}, nil)
}
