package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrorCodePayload(t *testing.T) {
	w := httptest.NewRecorder()
	ErrorCode(w, http.StatusBadRequest, "bad_limit", "limit must be a non-negative integer")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "bad_limit" || body["error"] != "limit must be a non-negative integer" {
		t.Errorf("body = %v", body)
	}
}

func TestErrorUsesGenericCode(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusInternalServerError, errors.New("database is locked"))

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if w.Code != 500 || body["code"] != "error" || body["error"] != "database is locked" {
		t.Errorf("code=%d body=%v", w.Code, body)
	}
}

func TestStatusWriterRecordsCode(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &StatusWriter{ResponseWriter: rec, Code: http.StatusOK}

	sw.WriteHeader(http.StatusServiceUnavailable)
	if sw.Code != http.StatusServiceUnavailable || rec.Code != http.StatusServiceUnavailable {
		t.Errorf("writer=%d recorder=%d, want 503", sw.Code, rec.Code)
	}
}

func TestStatusWriterPassesThroughFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	var w http.ResponseWriter = &StatusWriter{ResponseWriter: rec, Code: http.StatusOK}

	f, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("StatusWriter must implement http.Flusher for the notification stream")
	}
	f.Flush()
	if !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
}

func TestStatusWriterHijackUnsupported(t *testing.T) {
	sw := &StatusWriter{ResponseWriter: httptest.NewRecorder(), Code: http.StatusOK}
	if _, _, err := sw.Hijack(); err == nil {
		t.Error("expected error when the underlying writer cannot hijack")
	}
}
