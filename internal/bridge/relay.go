package bridge

import "sync"

// relayCapacity bounds the remembered item ids
const relayCapacity = 4000

// AssistantRelay remembers which assistant message items have already been
// forwarded, so a re-delivered final event is not sent twice. Only completed
// messages are relayed; streaming deltas are suppressed to avoid provider
// anti-spam limits.
type AssistantRelay struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string
}

// NewAssistantRelay creates a relay with the default capacity
func NewAssistantRelay() *AssistantRelay {
	return &AssistantRelay{seen: make(map[string]bool)}
}

// MarkIfNew records the item id and reports whether it was new. When the
// capacity is exceeded the oldest id is forgotten.
func (r *AssistantRelay) MarkIfNew(itemID string) bool {
	if itemID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen[itemID] {
		return false
	}
	r.seen[itemID] = true
	r.order = append(r.order, itemID)
	if len(r.order) > relayCapacity {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return true
}
