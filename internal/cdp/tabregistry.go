package cdp

import (
	"sort"
	"sync"

	"github.com/dgnsrekt/harcollector/internal/types"
)

// TabRegistry tracks known targets and the flat session attached to each.
type TabRegistry struct {
	mu       sync.RWMutex
	tabs     map[string]*types.TargetInfo
	sessions map[string]string // session id -> target id
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		tabs:     make(map[string]*types.TargetInfo),
		sessions: make(map[string]string),
	}
}

// Update records the latest metadata for a target, keeping its attachment.
func (r *TabRegistry) Update(info types.TargetInfo) types.TargetInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tabs[info.TargetID]; ok {
		info.Attached = cur.Attached
		info.SessionID = cur.SessionID
	} else {
		info.Attached = false
		info.SessionID = ""
	}
	r.tabs[info.TargetID] = &info
	return info
}

// Bind marks targetID as attached through sessionID.
func (r *TabRegistry) Bind(targetID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.tabs[targetID]
	if !ok {
		info = &types.TargetInfo{TargetID: targetID}
		r.tabs[targetID] = info
	}
	if info.SessionID != "" {
		delete(r.sessions, info.SessionID)
	}
	info.SessionID = sessionID
	info.Attached = true
	r.sessions[sessionID] = targetID
}

// Unbind clears the attachment and returns the session it held.
func (r *TabRegistry) Unbind(targetID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.tabs[targetID]
	if !ok || info.SessionID == "" {
		return ""
	}
	sessionID := info.SessionID
	delete(r.sessions, sessionID)
	info.SessionID = ""
	info.Attached = false
	return sessionID
}

// Remove forgets a target and returns the session it held.
func (r *TabRegistry) Remove(targetID string) string {
	sessionID := r.Unbind(targetID)
	r.mu.Lock()
	delete(r.tabs, targetID)
	r.mu.Unlock()
	return sessionID
}

// TargetForSession resolves a flat session id.
func (r *TabRegistry) TargetForSession(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[sessionID]
	return id, ok
}

// Session returns the session attached to targetID, if any.
func (r *TabRegistry) Session(targetID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.tabs[targetID]; ok {
		return info.SessionID
	}
	return ""
}

func (r *TabRegistry) Get(targetID string) (types.TargetInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tabs[targetID]
	if !ok {
		return types.TargetInfo{}, false
	}
	return *info, true
}

// Attached returns the ids of every attached target, sorted.
func (r *TabRegistry) Attached() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for _, id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Merge overlays attachment state onto a freshly listed set of targets and
// refreshes the stored metadata.
func (r *TabRegistry) Merge(list []types.TargetInfo) []types.TargetInfo {
	out := make([]types.TargetInfo, 0, len(list))
	for _, info := range list {
		out = append(out, r.Update(info))
	}
	return out
}

// Count returns the number of attached sessions.
func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
