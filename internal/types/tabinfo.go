package types

import "strings"

// TargetInfo describes a browser target that can be captured.
type TargetInfo struct {
	TargetID  string `json:"target_id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	URL       string `json:"url"`
	Attached  bool   `json:"attached"`
	SessionID string `json:"session_id,omitempty"`
}

// Capturable reports whether the target is a page loaded over http(s).
func (t TargetInfo) Capturable() bool {
	if t.Type != "page" {
		return false
	}
	u := strings.ToLower(t.URL)
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// BrowserID returns the short form of a target ID used in file names.
func BrowserID(targetID string) string {
	if len(targetID) >= 8 {
		return targetID[:8]
	}
	return targetID
}
