// Package audit builds the JSON audit sidecar record written next to
// every archived PDF: a checksum and provenance record with a stable key
// order.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Signing describes whether and how the PDF was signed.
type Signing struct {
	Enabled         bool   `json:"enabled"`
	TSAUsed         bool   `json:"tsa_used"`
	CertFingerprint string `json:"cert_fingerprint,omitempty"`
}

// Service identifies the producing binary.
type Service struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	RuntimeVersion string `json:"runtime_version"`
}

// Record is the full audit sidecar. Field order here is the JSON key
// order — do not reorder without considering round-trip tests elsewhere
// that compare serialised bytes.
type Record struct {
	TicketID     int64     `json:"ticket_id"`
	TicketNumber string    `json:"ticket_number"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	StoragePath  string    `json:"storage_path"`
	SHA256       string    `json:"sha256"`
	Signing      Signing   `json:"signing"`
	Service      Service   `json:"service"`
	Warning      string    `json:"warning,omitempty"`
}

// Input bundles the values Build needs, keeping its signature stable as
// the orchestrator evolves.
type Input struct {
	TicketID     int64
	TicketNumber string
	Title        string
	CreatedAt    time.Time
	StoragePath  string
	PDFBytes     []byte
	Signing      Signing
	Service      Service
	Warning      string
}

// Build computes the SHA-256 of the exact bytes written and assembles the
// record.
func Build(in Input) Record {
	sum := sha256.Sum256(in.PDFBytes)
	return Record{
		TicketID:     in.TicketID,
		TicketNumber: in.TicketNumber,
		Title:        in.Title,
		CreatedAt:    in.CreatedAt.UTC(),
		StoragePath:  in.StoragePath,
		SHA256:       hex.EncodeToString(sum[:]),
		Signing:      in.Signing,
		Service:      in.Service,
		Warning:      in.Warning,
	}
}

// Marshal serialises the record as UTF-8 JSON with no trailing newline.
// json.Marshal already preserves struct field order for stable key order.
func Marshal(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// CertFingerprint computes the lowercase hex SHA-256 of a DER-encoded
// certificate, used to populate Signing.CertFingerprint when signing
// occurred.
func CertFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
