package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

const recordsPath = "/api/v1/records/"

// MemoryStore keeps records in memory. It serves the directory HTTP API
// and can be used directly as a Lookup.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]string),
	}
}

// Set stores one field of a subscriber record.
func (s *MemoryStore) Set(imsi, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.records[imsi]
	if !ok {
		fields = make(map[string]string)
		s.records[imsi] = fields
	}
	fields[field] = value
}

// Delete removes a subscriber record.
func (s *MemoryStore) Delete(imsi string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, imsi)
}

// Lookup returns one field of a subscriber record.
func (s *MemoryStore) Lookup(_ context.Context, imsi, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.records[imsi][field]
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, imsi, field)
	}
	return value, nil
}

func (s *MemoryStore) get(imsi string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.records[imsi]
	if !ok {
		return nil, false
	}
	record := &Record{IMSI: imsi, Fields: make(map[string]string, len(fields))}
	for k, v := range fields {
		record.Fields[k] = v
	}
	return record, true
}

// RegisterHandlers registers the directory HTTP handlers.
func (s *MemoryStore) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(recordsPath, s.handleRecord)
}

func (s *MemoryStore) handleRecord(w http.ResponseWriter, r *http.Request) {
	// Extract IMSI from path: /api/v1/records/{imsi}
	imsi := strings.TrimPrefix(r.URL.Path, recordsPath)
	if imsi == "" || strings.Contains(imsi, "/") {
		http.Error(w, "imsi required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		record, ok := s.get(imsi)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(record)

	case http.MethodPut:
		var record Record
		if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		for field, value := range record.Fields {
			s.Set(imsi, field, value)
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		s.Delete(imsi)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
