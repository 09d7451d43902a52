package ingress

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type fakeScheduler struct {
	mu        sync.Mutex
	jobs      []Job
	submitErr error
}

func (f *fakeScheduler) Submit(job Job) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeInFlight struct {
	busy map[int64]bool
}

func (f *fakeInFlight) IsBusy(ticketID int64) bool { return f.busy[ticketID] }
func (f *fakeInFlight) InFlightIDs() []int64 {
	out := make([]int64, 0, len(f.busy))
	for id, busy := range f.busy {
		if busy {
			out = append(out, id)
		}
	}
	return out
}

func sign(secret, algo string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return algo + "=" + hex.EncodeToString(h.Sum(nil))
}

func newTestRouter(sched *fakeScheduler, hmacCfg HMACConfig) http.Handler {
	return NewRouter(Config{
		Scheduler:      sched,
		InFlight:       &fakeInFlight{busy: map[int64]bool{}},
		HMAC:           hmacCfg,
		BodyMaxBytes:   1024,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		ServiceName:    "ticketarc",
		ServiceVersion: "test",
	})
}

func TestIngest_HappyPath(t *testing.T) {
	sched := &fakeScheduler{}
	secret := "topsecret"
	r := newTestRouter(sched, HMACConfig{Secret: secret})

	body := []byte(`{"ticket":{"id":123456}}`)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature", sign(secret, "sha256", body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp["accepted"] != true {
		t.Errorf("expected accepted=true, got %v", resp)
	}
	if sched.count() != 1 {
		t.Errorf("expected exactly one job submitted, got %d", sched.count())
	}
}

func TestIngest_HMACFailure_Returns403(t *testing.T) {
	sched := &fakeScheduler{}
	r := newTestRouter(sched, HMACConfig{Secret: "topsecret"})

	body := []byte(`{"ticket":{"id":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature", "sha256="+hex.EncodeToString(make([]byte, 32)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["detail"] != "forbidden" {
		t.Errorf("expected detail=forbidden, got %v", resp)
	}
	if sched.count() != 0 {
		t.Error("no job should be scheduled on HMAC failure")
	}
}

func TestIngest_NoSecretConfigured_Returns503(t *testing.T) {
	sched := &fakeScheduler{}
	r := newTestRouter(sched, HMACConfig{Secret: "", AllowUnsigned: false})

	body := []byte(`{"ticket":{"id":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestIngest_AllowUnsigned(t *testing.T) {
	sched := &fakeScheduler{}
	r := newTestRouter(sched, HMACConfig{Secret: "", AllowUnsigned: true})

	body := []byte(`{"ticket":{"id":42}}`)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 when unsigned is explicitly allowed, got %d", w.Code)
	}
}

func TestIngest_BooleanTicketID_Returns422(t *testing.T) {
	sched := &fakeScheduler{}
	r := newTestRouter(sched, HMACConfig{Secret: "", AllowUnsigned: true})

	body := []byte(`{"ticket_id": true}`)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if sched.count() != 0 {
		t.Error("no job should be scheduled for an invalid ticket id")
	}
}

func TestIngest_BodyTooLarge_Returns413(t *testing.T) {
	sched := &fakeScheduler{}
	r := NewRouter(Config{
		Scheduler:      sched,
		InFlight:       &fakeInFlight{busy: map[int64]bool{}},
		HMAC:           HMACConfig{Secret: "", AllowUnsigned: true},
		BodyMaxBytes:   16,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})

	body := bytes.Repeat([]byte("a"), 1024)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestIngest_MissingDeliveryID_Returns400(t *testing.T) {
	sched := &fakeScheduler{}
	r := NewRouter(Config{
		Scheduler:         sched,
		InFlight:          &fakeInFlight{busy: map[int64]bool{}},
		HMAC:              HMACConfig{Secret: "", AllowUnsigned: true},
		BodyMaxBytes:      1024,
		RateLimitRPS:      1000,
		RateLimitBurst:    1000,
		RequireDeliveryID: true,
	})

	body := []byte(`{"ticket":{"id":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestIngest_RateLimit_Returns429(t *testing.T) {
	sched := &fakeScheduler{}
	r := NewRouter(Config{
		Scheduler:      sched,
		InFlight:       &fakeInFlight{busy: map[int64]bool{}},
		HMAC:           HMACConfig{Secret: "", AllowUnsigned: true},
		BodyMaxBytes:   1024,
		RateLimitRPS:   0,
		RateLimitBurst: 1,
	})

	body := []byte(`{"ticket":{"id":1}}`)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if i == 0 && w.Code != http.StatusAccepted {
			t.Fatalf("first request expected 202, got %d", w.Code)
		}
		if i == 1 && w.Code != http.StatusTooManyRequests {
			t.Fatalf("second request expected 429, got %d", w.Code)
		}
	}
}

func TestRetry_BypassesHMAC(t *testing.T) {
	sched := &fakeScheduler{}
	r := newTestRouter(sched, HMACConfig{Secret: "topsecret"})

	req := httptest.NewRequest(http.MethodPost, "/retry/123456", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if sched.count() != 1 {
		t.Fatalf("expected one job submitted via retry, got %d", sched.count())
	}
	if !sched.jobs[0].SkipDeliveryDedup {
		t.Error("expected /retry job to set SkipDeliveryDedup")
	}
}

func TestHealthz(t *testing.T) {
	sched := &fakeScheduler{}
	r := newTestRouter(sched, HMACConfig{Secret: "", AllowUnsigned: true})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", resp)
	}
	if _, hasVersion := resp["version"]; !hasVersion {
		t.Error("expected version field when OmitVersionInHealthz is false")
	}
}

func TestJobStatus(t *testing.T) {
	sched := &fakeScheduler{}
	r := NewRouter(Config{
		Scheduler:      sched,
		InFlight:       &fakeInFlight{busy: map[int64]bool{123456: true}},
		HMAC:           HMACConfig{Secret: "", AllowUnsigned: true},
		BodyMaxBytes:   1024,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs/123456", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["in_flight"] != true {
		t.Errorf("expected in_flight=true, got %v", resp)
	}
}
