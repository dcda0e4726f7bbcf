package thread

import "supporthub/cmd/internal/store"

// DedupKey picks the identity of a message: RFC 5322 Message-ID first, then the
// channel's external id, then the database id. Keys are prefixed by source so
// values from different sources never collide. Returns "" when all are empty.
func DedupKey(emailMessageID, externalID, id string) string {
	if mid := store.CanonicalMessageID(emailMessageID); mid != "" {
		return "mid:" + mid
	}
	if externalID != "" {
		return "ext:" + externalID
	}
	if id != "" {
		return "id:" + id
	}
	return ""
}

// Dedupe drops later entries whose DedupKey was already seen. It is stable,
// O(n) and idempotent. Entries without a key are kept.
func Dedupe(msgs []NormalizedMessage) []NormalizedMessage {
	out, _ := dedupe(msgs)
	return out
}

func dedupe(msgs []NormalizedMessage) ([]NormalizedMessage, int) {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]NormalizedMessage, 0, len(msgs))
	dropped := 0
	for _, m := range msgs {
		if m.DedupKey != "" {
			if _, ok := seen[m.DedupKey]; ok {
				dropped++
				continue
			}
			seen[m.DedupKey] = struct{}{}
		}
		out = append(out, m)
	}
	return out, dropped
}
