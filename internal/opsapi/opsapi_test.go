// Copyright 2025 James Ross
package opsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/inferd/inferd/internal/backend"
	"github.com/inferd/inferd/internal/registry"
)

func TestHandleModelsReturnsRegisteredEntries(t *testing.T) {
	loader := func(ctx context.Context, m registry.Manifest) (backend.Backend, uint64, error) {
		return backend.NewMemoryBackend(m.Name, 2048, 2, nil), 1024, nil
	}
	reg := registry.New(loader)
	if _, err := reg.Register(context.Background(), "m1", registry.Manifest{Name: "m1"}); err != nil {
		t.Fatal(err)
	}

	srv := New(reg, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty body")
	}
}

func TestHandleAuditWithoutWriterReturnsNotFound(t *testing.T) {
	reg := registry.New(func(ctx context.Context, m registry.Manifest) (backend.Backend, uint64, error) {
		return nil, 0, nil
	})
	srv := New(reg, nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
