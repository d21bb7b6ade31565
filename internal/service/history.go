package service

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
	"github.com/mediflow-ai/chat-embed-gateway/internal/store"
	"github.com/mediflow-ai/chat-embed-gateway/pkg/metrics"
)

const chatListKeyPrefix = "chatList_"

// Candidate scoring weights. The weights are part of the persisted-state
// contract: changing them changes which sibling context a fallback load
// reunites the user with.
const (
	scoreConversationMatch = 1
	scorePatientMatch      = 10
	scoreAnyRecordSuffix   = 5
	scoreLastUsedRecord    = 50
)

// HistoryCache persists and retrieves the ordered entry list of a
// conversation, scoped by the storage key of the embedding context that
// produced it. The cache always stores the authoritative snapshot, never a
// diff, and a load that yields zero entries counts as a miss.
type HistoryCache struct {
	st      store.Store
	recency *RecordTypeRecency
}

// NewHistoryCache creates a cache over st.
func NewHistoryCache(st store.Store, recency *RecordTypeRecency) *HistoryCache {
	return &HistoryCache{st: st, recency: recency}
}

// historyKey builds the persistence key for a conversation under a
// context, e.g. "chatList_c7_app1_patient_42_record_入院记录".
func historyKey(conversationID string, ctx model.EmbedContext) string {
	return chatListKeyPrefix + conversationID + "_" + ResolveStorageKey(ctx.AppID, ctx.PatientID, ctx.RecordType)
}

// Save writes the full entry list for conversationID under the context's
// key. Saving under the sentinel id is a no-op: provisional history is
// never persisted under a non-identity. Store failures are absorbed.
func (h *HistoryCache) Save(conversationID string, ctx model.EmbedContext, entries []model.ChatEntry) {
	if conversationID == model.NewConversationID || len(entries) == 0 {
		return
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := h.st.Set(historyKey(conversationID, ctx), string(data)); err != nil {
		metrics.StoreErrors.WithLabelValues("save").Inc()
	}
}

// Load retrieves the entry list for conversationID in the given context.
// The exact key is tried first; on a miss every persisted key for the
// conversation id is scored and the best non-empty candidate wins. A
// successful fallback match records the candidate's record type as the
// last one used for the patient and re-persists the snapshot under the
// requested exact key, so later lookups with this context hit directly.
func (h *HistoryCache) Load(conversationID string, ctx model.EmbedContext) ([]model.ChatEntry, bool) {
	if conversationID == model.NewConversationID {
		return nil, false
	}

	if entries, ok := h.loadKey(historyKey(conversationID, ctx)); ok {
		metrics.HistoryLoads.WithLabelValues("exact").Inc()
		return entries, true
	}

	keys, err := h.st.Keys()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("load").Inc()
		return nil, false
	}

	ranked := rankHistoryKeys(keys, conversationID, ctx, h.recency.Get(ctx.PatientID))
	for _, cand := range ranked {
		entries, ok := h.loadKey(cand.key)
		if !ok {
			continue
		}
		if cand.recordType != "" {
			h.recency.Set(ctx.PatientID, cand.recordType)
		}
		// Re-persist under the requested context's exact key so the
		// next load with this context skips the scan.
		h.Save(conversationID, ctx, entries)
		metrics.HistoryLoads.WithLabelValues("fallback").Inc()
		return entries, true
	}

	metrics.HistoryLoads.WithLabelValues("miss").Inc()
	return nil, false
}

// Clear removes the persisted history for conversationID in the given
// context. Used only on user-initiated reset.
func (h *HistoryCache) Clear(conversationID string, ctx model.EmbedContext) {
	if conversationID == model.NewConversationID {
		return
	}
	_ = h.st.Delete(historyKey(conversationID, ctx))
}

// loadKey reads and decodes one persisted entry list. Corrupt or empty
// payloads are treated identically to an absent key.
func (h *HistoryCache) loadKey(key string) ([]model.ChatEntry, bool) {
	raw, err := h.st.Get(key)
	if err != nil {
		return nil, false
	}

	var entries []model.ChatEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, false
	}
	if len(entries) == 0 {
		return nil, false
	}
	return entries, true
}

// historyCandidate is one scored persisted key.
type historyCandidate struct {
	key        string
	patientID  string
	recordType string
	score      int
}

// rankHistoryKeys scores every persisted key belonging to conversationID
// against the requested context and returns the candidates ordered best
// first. Scoring: conversation id match is the base, a patient id match
// dominates a record suffix, and a record type equal to the last one used
// for this patient dominates everything.
//
// Ties keep the order the key set was iterated in. When several sibling
// contexts score equally this can select a different sibling's history
// than the one most recently used; the behavior is kept, deliberately, for
// compatibility with existing persisted state.
func rankHistoryKeys(keys []string, conversationID string, ctx model.EmbedContext, lastRecordType string) []historyCandidate {
	prefix := chatListKeyPrefix + conversationID + "_"

	var out []historyCandidate
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}

		cand := historyCandidate{
			key:   k,
			score: scoreConversationMatch,
		}
		suffix := strings.TrimPrefix(k, prefix)
		cand.patientID, cand.recordType = parseContextKey(suffix)

		if ctx.PatientID != "" && cand.patientID == ctx.PatientID {
			cand.score += scorePatientMatch
		}
		if cand.recordType != "" {
			cand.score += scoreAnyRecordSuffix
			// The recency map is per patient; the bonus only applies to
			// keys belonging to the requesting patient.
			if lastRecordType != "" && cand.recordType == lastRecordType &&
				ctx.PatientID != "" && cand.patientID == ctx.PatientID {
				cand.score += scoreLastUsedRecord
			}
		}
		out = append(out, cand)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].score > out[j].score
	})
	return out
}

// parseContextKey extracts the patient id and record type back out of a
// storage key suffix produced by ResolveStorageKey.
func parseContextKey(key string) (patientID, recordType string) {
	if i := strings.Index(key, recordKeyInfix); i >= 0 {
		recordType = key[i+len(recordKeyInfix):]
		key = key[:i]
	}
	if i := strings.Index(key, patientKeyInfix); i >= 0 {
		patientID = key[i+len(patientKeyInfix):]
	}
	return patientID, recordType
}
