package catalog

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is a session-local playable reference to stored content.
type Handle struct {
	Token string `json:"token"`
	URL   string `json:"url"`
	ID    string `json:"id"`
}

type grant struct {
	id    string
	owner string
}

// Handles maps opaque tokens to content ids. Tokens are scoped to an owner
// session and are revoked when it ends or when the asset is removed.
type Handles struct {
	mu     sync.Mutex
	prefix string
	grants map[string]grant
}

func NewHandles(prefix string) *Handles {
	return &Handles{prefix: prefix, grants: make(map[string]grant)}
}

func (h *Handles) issue(id, owner string) Handle {
	tok := uuid.NewString()
	h.mu.Lock()
	h.grants[tok] = grant{id: id, owner: owner}
	h.mu.Unlock()
	return Handle{Token: tok, URL: h.prefix + tok, ID: id}
}

// Lookup returns the content id behind a live token.
func (h *Handles) Lookup(token string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.grants[token]
	return g.id, ok
}

func (h *Handles) Revoke(token string) {
	h.mu.Lock()
	delete(h.grants, token)
	h.mu.Unlock()
}

// RevokeOwner drops every token held by owner and returns how many.
func (h *Handles) RevokeOwner(owner string) int {
	return h.revokeWhere(func(g grant) bool { return g.owner == owner })
}

// RevokeID drops every token pointing at id.
func (h *Handles) RevokeID(id string) int {
	return h.revokeWhere(func(g grant) bool { return g.id == id })
}

func (h *Handles) revokeWhere(match func(grant) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for tok, g := range h.grants {
		if match(g) {
			delete(h.grants, tok)
			n++
		}
	}
	return n
}

func (h *Handles) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.grants)
}
