package service

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
	"github.com/mediflow-ai/chat-embed-gateway/internal/store"
)

// conversationIDInfoKey names the single aggregate map that holds the
// current conversation id for every known embedding context, e.g.
// {"app1": "c1", "app1_patient_42_record_入院记录": "c2"}.
const conversationIDInfoKey = "conversationIdInfo"

// Registry is the in-memory list of known conversations plus the live
// "current conversation id" pointer for one embed session.
//
// Async callbacks must read the pointer through CurrentID at the moment
// they write, never through a value captured when the callback was
// created: the user may switch conversations while a request is in flight.
type Registry struct {
	mu      sync.Mutex
	st      store.Store
	recency *RecordTypeRecency

	list      []model.Conversation
	currentID string
}

// NewRegistry creates a registry pointing at the sentinel conversation.
func NewRegistry(st store.Store, recency *RecordTypeRecency) *Registry {
	return &Registry{
		st:        st,
		recency:   recency,
		currentID: model.NewConversationID,
	}
}

// CurrentID returns the live pointer value.
func (r *Registry) CurrentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID
}

// IsNew reports whether the pointer is at the sentinel conversation.
func (r *Registry) IsNew() bool {
	return r.CurrentID() == model.NewConversationID
}

// SetCurrentID updates the pointer. When persist is true and id is not the
// sentinel, the id is written into the aggregate persisted map under the
// context's storage key. Store failures are absorbed; the in-memory
// pointer always advances.
func (r *Registry) SetCurrentID(id string, ctx model.EmbedContext, persist bool) {
	r.mu.Lock()
	r.currentID = id
	r.mu.Unlock()

	if !persist || id == model.NewConversationID {
		return
	}

	storageKey := ResolveStorageKey(ctx.AppID, ctx.PatientID, ctx.RecordType)

	raw, err := r.st.Get(conversationIDInfoKey)
	if err != nil || !gjson.Valid(raw) {
		raw = "{}"
	}
	updated, err := sjson.Set(raw, escapeJSONPath(storageKey), id)
	if err != nil {
		return
	}
	_ = r.st.Set(conversationIDInfoKey, updated)

	if ctx.PatientID != "" && ctx.RecordType != "" {
		r.recency.Set(ctx.PatientID, ctx.RecordType)
	}
}

// IDFromStorage looks up the persisted conversation id for the context.
// On an exact-key miss it falls back, in order, to: the key re-derived
// from the last record type used for this patient; any persisted key that
// contains the app id and patient id regardless of record type, preferring
// one that carries some record-type suffix; and finally requestID as
// supplied by the embedding host. Returns "" when nothing matches.
//
// The chain exists because the host does not always supply record-type
// consistently across navigations; it trades strict correctness for
// session continuity.
func (r *Registry) IDFromStorage(ctx model.EmbedContext, requestID string) string {
	raw, err := r.st.Get(conversationIDInfoKey)
	if err != nil || !gjson.Valid(raw) {
		return requestID
	}

	exactKey := ResolveStorageKey(ctx.AppID, ctx.PatientID, ctx.RecordType)
	if id := gjson.Get(raw, escapeJSONPath(exactKey)).String(); id != "" {
		return id
	}

	if last := r.recency.Get(ctx.PatientID); last != "" && last != ctx.RecordType {
		rederived := ResolveStorageKey(ctx.AppID, ctx.PatientID, last)
		if id := gjson.Get(raw, escapeJSONPath(rederived)).String(); id != "" {
			return id
		}
	}

	if id := r.scanAggregateKeys(raw, ctx); id != "" {
		return id
	}

	return requestID
}

// scanAggregateKeys searches the aggregate map for a sibling context.
// A key qualifies when it contains the app id and, if a patient id is
// known, that patient's infix. Keys with a record-type suffix win over
// keys without one; within each class the first key in map iteration
// order wins, a documented ambiguity kept for compatibility.
func (r *Registry) scanAggregateKeys(raw string, ctx model.EmbedContext) string {
	var withRecord, withoutRecord string

	gjson.Parse(raw).ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if !strings.Contains(k, ctx.AppID) {
			return true
		}
		if ctx.PatientID != "" && !strings.Contains(k, patientKeyInfix+ctx.PatientID) {
			return true
		}
		if strings.Contains(k, recordKeyInfix) {
			if withRecord == "" {
				withRecord = value.String()
			}
		} else if withoutRecord == "" {
			withoutRecord = value.String()
		}
		return withRecord == ""
	})

	if withRecord != "" {
		return withRecord
	}
	return withoutRecord
}

// Register inserts conv at the head of the in-memory list. Inserting an
// id that is already present is a no-op.
func (r *Registry) Register(conv model.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.list {
		if c.ID == conv.ID {
			return
		}
	}
	r.list = append([]model.Conversation{conv}, r.list...)
}

// Replace swaps the whole in-memory list, e.g. after a conversation-list
// fetch.
func (r *Registry) Replace(list []model.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append([]model.Conversation(nil), list...)
}

// List returns a copy of the in-memory conversation list.
func (r *Registry) List() []model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Conversation(nil), r.list...)
}

// Find returns the conversation with the given id.
func (r *Registry) Find(id string) (model.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.list {
		if c.ID == id {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// Rename updates the name of the conversation with the given id. Name is
// the only field mutated after a conversation is promoted to a server id.
func (r *Registry) Rename(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.list {
		if r.list[i].ID == id {
			r.list[i].Name = name
			return
		}
	}
}

// Promote rewrites the sentinel entry in the list to the server-assigned
// id once the backend returns one.
func (r *Registry) Promote(newID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.list {
		if r.list[i].ID == model.NewConversationID {
			r.list[i].ID = newID
			return
		}
	}
}
