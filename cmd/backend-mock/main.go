// backend-mock serves an in-memory tenant data service for local
// development. It speaks the same wire format the gateway's HTTP dialer
// expects and fakes a schema drift so the healing path can be exercised.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"warden/pkg/backend"
	"warden/pkg/httpx"
	"warden/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

type queryEnvelope struct {
	TenantID string        `json:"tenant_id"`
	Query    backend.Query `json:"query"`
}

type queryResult struct {
	Rows  []backend.Row        `json:"rows,omitempty"`
	Error *backend.SchemaError `json:"error,omitempty"`
}

func seedBackend() *backend.MemoryBackend {
	b := backend.NewMemoryBackend()
	// "revenue" replaced the old "total_spend" column, the drift the
	// gateway is expected to heal
	b.AddTable("sales_data", backend.MemoryTable{
		Columns: []string{"id", "customer", "revenue", "contact_email"},
		Rows: []backend.Row{
			{"id": "1", "customer": "Globex", "revenue": 125000.0, "contact_email": "ops@globex.example"},
			{"id": "2", "customer": "Initech", "revenue": 98000.0, "contact_email": "billing@initech.example"},
			{"id": "3", "customer": "Umbrella", "revenue": 143500.0, "contact_email": "finance@umbrella.example"},
		},
	})
	b.AddTable("customers", backend.MemoryTable{
		Columns: []string{"id", "name", "phone", "ssn"},
		Rows: []backend.Row{
			{"id": "1", "name": "Ada", "phone": "555-201-3344", "ssn": "123-45-6789"},
			{"id": "2", "name": "Lin", "phone": "555-887-0192", "ssn": "987-65-4321"},
		},
	})
	return b
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("backend-mock: %v", err)
	}
}

func run() error {
	ctx, shutdown, err := initTelemetry()
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(ctx) }()

	be := seedBackend()
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("backend-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "backend-mock"})
	})
	r.Post("/v1/query", func(w http.ResponseWriter, req *http.Request) {
		var envelope queryEnvelope
		if err := json.NewDecoder(req.Body).Decode(&envelope); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid query envelope")
			return
		}
		rows, err := be.Query(req.Context(), envelope.Query)
		if err != nil {
			if se, ok := backend.AsSchemaError(err); ok {
				httpx.WriteJSON(w, http.StatusOK, queryResult{Error: se})
				return
			}
			httpx.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpx.WriteJSON(w, http.StatusOK, queryResult{Rows: rows})
	})

	addr := env("ADDR", ":8090")
	log.Printf("backend-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return server.ListenAndServe()
}

func initTelemetry() (ctx context.Context, shutdown func(context.Context) error, err error) {
	ctx = context.Background()
	shutdown, err = telemetry.Init(ctx, "backend-mock")
	return ctx, shutdown, err
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
