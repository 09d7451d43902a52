// Package signer loads PKCS#12 signing material and applies an invisible
// PAdES signature to PDF bytes, optionally embedding an RFC3161 timestamp
// token obtained through the configured TSA endpoint (C9). Built on
// software.sslmate.com/src/go-pkcs12 for material loading and
// github.com/digitorus/pdfsign + github.com/digitorus/pkcs7 for the
// signature itself.
package signer

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"os"
	"time"

	"github.com/digitorus/pdfsign/sign"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/ticketarc/ticketarc/internal/classify"
	"github.com/ticketarc/ticketarc/internal/tsa"
)

// Material is the loaded PKCS#12 signing identity.
type Material struct {
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
	CAChain     []*x509.Certificate
}

// LoadMaterial loads and parses a PKCS#12 file, failing fast on a missing
// file or wrong password.
func LoadMaterial(pfxPath, password string) (*Material, error) {
	data, err := os.ReadFile(pfxPath)
	if err != nil {
		return nil, classify.WrapPermanent(classify.CodeSigningMaterial, "failed to read PKCS#12 file", err)
	}

	key, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, classify.WrapPermanent(classify.CodeSigningMaterial, "failed to decode PKCS#12 material", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, classify.NewPermanent(classify.CodeSigningMaterial, "PKCS#12 private key does not implement crypto.Signer")
	}

	return &Material{PrivateKey: signer, Certificate: cert, CAChain: chain}, nil
}

// CheckValidity verifies the certificate's validity window at sign time:
// not_after == now is accepted, now+1s past is rejected.
func (m *Material) CheckValidity(now time.Time) error {
	if now.Before(m.Certificate.NotBefore) {
		return classify.NewPermanent(classify.CodeSigningMaterial, "signing certificate is not yet valid")
	}
	if now.After(m.Certificate.NotAfter) {
		return classify.NewPermanent(classify.CodeSigningMaterial, "signing certificate has expired")
	}
	return nil
}

// Config bundles the identity/runtime options Sign needs.
type Config struct {
	Material *Material
	Info     sign.SignDataSignatureInfo
	// TSA, when non-nil, is used to timestamp the signature. Its endpoint
	// details are handed to the PAdES library's own TSA embedding support
	// rather than re-implemented here.
	TSA *tsa.Client
}

// Sign applies an invisible PAdES signature to pdfBytes. It returns the
// signed bytes and the lowercase-hex SHA-256 fingerprint of the signer
// certificate's DER encoding, for the audit sidecar.
func Sign(pdfBytes []byte, cfg Config) (signed []byte, certFingerprint string, err error) {
	if cfg.Material == nil {
		return nil, "", classify.NewPermanent(classify.CodeSigningMaterial, "signing is enabled but no material was loaded")
	}
	if err := cfg.Material.CheckValidity(time.Now()); err != nil {
		return nil, "", err
	}

	inFile, err := os.CreateTemp("", "ticketarc-sign-in-*.pdf")
	if err != nil {
		return nil, "", classify.WrapTransient(classify.CodeSigningFailed, "failed to create temp input file", err)
	}
	defer os.Remove(inFile.Name())
	if _, err := inFile.Write(pdfBytes); err != nil {
		inFile.Close()
		return nil, "", classify.WrapTransient(classify.CodeSigningFailed, "failed to write temp input file", err)
	}
	if err := inFile.Close(); err != nil {
		return nil, "", classify.WrapTransient(classify.CodeSigningFailed, "failed to close temp input file", err)
	}

	outPath := inFile.Name() + ".signed.pdf"
	defer os.Remove(outPath)

	signData := sign.SignData{
		Signature: sign.SignDataSignature{
			Info:     cfg.Info,
			CertType: sign.CertificationSignature,
			Approval: false,
		},
		Signer:            cfg.Material.PrivateKey,
		Certificate:       cfg.Material.Certificate,
		CertificateChains: [][]*x509.Certificate{cfg.Material.CAChain},
		DigestAlgorithm:   crypto.SHA256,
	}

	if cfg.TSA != nil {
		url, user, pass := cfg.TSA.Endpoint()
		signData.TSA = sign.TSA{URL: url, Username: user, Password: pass}
	}

	if err := sign.SignFile(inFile.Name(), outPath, signData); err != nil {
		return nil, "", classify.WrapPermanent(classify.CodeSigningFailed, "PAdES signing failed", err)
	}

	signed, err = os.ReadFile(outPath)
	if err != nil {
		return nil, "", classify.WrapTransient(classify.CodeSigningFailed, "failed to read signed output", err)
	}

	fingerprint := sha256Fingerprint(cfg.Material.Certificate.Raw)
	return signed, fingerprint, nil
}

func sha256Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Signer adapts Config/Sign into the narrow interface the orchestrator
// depends on (internal/orchestrator.Signer), keeping the orchestrator free
// of a direct dependency on digitorus/pdfsign's signing types.
type Signer struct {
	cfg Config
}

// NewSigner builds a Signer bound to the given material/TSA configuration.
func NewSigner(cfg Config) *Signer {
	return &Signer{cfg: cfg}
}

// Sign implements the orchestrator's Signer interface.
func (s *Signer) Sign(pdfBytes []byte) (signed []byte, certFingerprint string, err error) {
	return Sign(pdfBytes, s.cfg)
}

// TSAConfigured reports whether this Signer will request an RFC3161
// timestamp, for populating the audit sidecar's Signing.TSAUsed field.
func (s *Signer) TSAConfigured() bool {
	return s.cfg.TSA != nil
}
