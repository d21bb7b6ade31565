package service

import (
	"sync"

	"github.com/mediflow-ai/chat-embed-gateway/internal/store"
)

const recordTypeRecencyKey = "lastRecordTypeInfo"

// RecordTypeRecency remembers the last record type used per patient. It
// is shared by the registry and history cache so fallback lookups converge
// to exact matches after the first hit.
//
// The map is persisted as one JSON object so it survives reloads alongside
// the histories it helps reunite.
type RecordTypeRecency struct {
	mu    sync.Mutex
	st    store.Store
	cache map[string]string
}

// NewRecordTypeRecency loads any persisted recency map from st.
func NewRecordTypeRecency(st store.Store) *RecordTypeRecency {
	r := &RecordTypeRecency{st: st, cache: make(map[string]string)}

	raw, err := st.Get(recordTypeRecencyKey)
	if err == nil {
		// A corrupt map degrades to empty, never to a failure.
		r.cache = decodeStringMap(raw)
	}
	return r
}

// Get returns the last record type recorded for patientID, or "".
func (r *RecordTypeRecency) Get(patientID string) string {
	if patientID == "" {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache[patientID]
}

// Set records recordType as the most recent for patientID and persists the
// map best-effort.
func (r *RecordTypeRecency) Set(patientID, recordType string) {
	if patientID == "" || recordType == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache[patientID] == recordType {
		return
	}
	r.cache[patientID] = recordType
	_ = r.st.Set(recordTypeRecencyKey, encodeStringMap(r.cache))
}

// Invalidate forgets the recorded record type for patientID.
func (r *RecordTypeRecency) Invalidate(patientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache[patientID]; !ok {
		return
	}
	delete(r.cache, patientID)
	_ = r.st.Set(recordTypeRecencyKey, encodeStringMap(r.cache))
}
