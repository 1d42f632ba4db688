package session

import "fmt"

// Defaults applied when a client joins without declaring an identity.
const (
	defaultUsername = "Anonymous User"
	defaultAvatar   = "👤"
)

// avatarFallbacks is the fixed palette substituted when a requested
// avatar is already taken. Order matters: resolution picks the first
// unused entry so the outcome is reproducible.
var avatarFallbacks = []string{
	"🐱", "🐶", "🐺", "🦊", "🐸", "🐢", "🦉", "🐧", "🐘", "🦁",
	"⚡", "🌟", "🎯", "🎨", "🚀", "🎸", "⚽", "🎭", "🎲", "⭐",
	"🌺", "🌲", "🍄", "🌙", "☀️", "🌊", "🔥", "❄️", "🌈", "🍀",
}

// ResolveIdentity deterministically resolves username and avatar
// conflicts against the session's current membership. A taken username
// gets " 2", " 3", ... appended until unique; a taken avatar is
// replaced by the first unused fallback, or the generic placeholder
// when the whole palette is in use.
func (r *Registry) ResolveIdentity(sessionID, username, avatar string) (string, string) {
	if username == "" {
		username = defaultUsername
	}
	if avatar == "" {
		avatar = defaultAvatar
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	takenNames := make(map[string]bool)
	takenAvatars := make(map[string]bool)
	if s, ok := r.sessions[sessionID]; ok {
		for _, m := range s.members {
			if m.Username != "" {
				takenNames[m.Username] = true
			}
			if m.Avatar != "" {
				takenAvatars[m.Avatar] = true
			}
		}
	}

	if takenNames[username] {
		for counter := 2; ; counter++ {
			candidate := fmt.Sprintf("%s %d", username, counter)
			if !takenNames[candidate] {
				username = candidate
				break
			}
		}
	}

	if takenAvatars[avatar] {
		avatar = defaultAvatar
		for _, candidate := range avatarFallbacks {
			if !takenAvatars[candidate] {
				avatar = candidate
				break
			}
		}
	}

	return username, avatar
}
