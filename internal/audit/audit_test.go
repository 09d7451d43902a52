package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestBuildComputesSHA256OverExactBytes(t *testing.T) {
	t.Parallel()
	data := []byte("%PDF-1.4 fake content")
	record := Build(Input{
		TicketID:     123456,
		TicketNumber: "123456",
		PDFBytes:     data,
		CreatedAt:    time.Now(),
	})

	want := sha256.Sum256(data)
	if record.SHA256 != hex.EncodeToString(want[:]) {
		t.Errorf("Build() SHA256 = %q, want %q", record.SHA256, hex.EncodeToString(want[:]))
	}
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()
	original := Build(Input{
		TicketID:     42,
		TicketNumber: "42",
		Title:        "Broken widget",
		CreatedAt:    time.Date(2026, 2, 7, 10, 30, 0, 0, time.UTC),
		StoragePath:  "/archive/a/b/Ticket-42.pdf",
		PDFBytes:     []byte("content"),
		Signing:      Signing{Enabled: true, TSAUsed: true, CertFingerprint: "deadbeef"},
		Service:      Service{Name: "ticketarc", Version: "dev", RuntimeVersion: "go1.24"},
	})

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if strings.HasSuffix(string(data), "\n") {
		t.Error("Marshal() output has a trailing newline, spec requires none")
	}

	var roundTripped Record
	if err := json.Unmarshal(data, &roundTripped); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !roundTripped.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("round-tripped CreatedAt = %v, want %v", roundTripped.CreatedAt, original.CreatedAt)
	}
	roundTripped.CreatedAt = original.CreatedAt
	if roundTripped != original {
		t.Errorf("round-tripped record = %+v, want %+v", roundTripped, original)
	}
}

func TestMarshalStableKeyOrder(t *testing.T) {
	t.Parallel()
	r := Build(Input{TicketID: 1, PDFBytes: []byte("a"), CreatedAt: time.Now()})
	data1, _ := Marshal(r)
	data2, _ := Marshal(r)
	if string(data1) != string(data2) {
		t.Error("Marshal() output not stable across calls")
	}
	if !strings.HasPrefix(string(data1), `{"ticket_id"`) {
		t.Errorf("Marshal() output = %s, want ticket_id as first key", data1)
	}
}

func TestCertFingerprintIsLowercaseHexSHA256(t *testing.T) {
	t.Parallel()
	der := []byte("fake-der-bytes")
	fp := CertFingerprint(der)
	want := sha256.Sum256(der)
	if fp != hex.EncodeToString(want[:]) {
		t.Errorf("CertFingerprint() = %q, want %q", fp, hex.EncodeToString(want[:]))
	}
	if strings.ToLower(fp) != fp {
		t.Errorf("CertFingerprint() = %q, want lowercase", fp)
	}
}
