package thread

// SeedSampleSize is how many of the most recent rows seed a thread.
const SeedSampleSize = 5

// ThreadSeed groups the messages that belong to one email thread inside a
// conversation. It is built once per conversation open and never mutated.
type ThreadSeed struct {
	// Participants are normalized addresses, sorted.
	Participants []string
	// Subject is normalized (see NormalizeSubject).
	Subject string
	// InboxEmail is the normalized address of the receiving inbox. It is a
	// participant of every message, so it never counts as overlap.
	InboxEmail string
}

// BuildThreadSeed builds a seed from sample, newest first. Only the first
// SeedSampleSize valid entries are used. It reports false for an empty sample.
func BuildThreadSeed(sample []NormalizedMessage, inboxEmail string) (ThreadSeed, bool) {
	inbox := NormalizeAddress(inboxEmail)

	set := make(map[string]struct{})
	subject := ""
	used := 0
	for _, m := range sample {
		if m.Malformed || m.Synthetic {
			continue
		}
		if used == SeedSampleSize {
			break
		}
		used++

		for _, p := range m.Participants {
			set[p] = struct{}{}
		}
		if c := NormalizeAddress(m.Conversation.CustomerEmail); c != "" {
			set[c] = struct{}{}
		}
		if subject == "" {
			subject = NormalizeSubject(m.Subject)
		}
	}
	if used == 0 {
		return ThreadSeed{}, false
	}
	if inbox != "" {
		set[inbox] = struct{}{}
	}

	return ThreadSeed{
		Participants: sortedSet(set),
		Subject:      subject,
		InboxEmail:   inbox,
	}, true
}

// MessageMatchesThread reports whether msg belongs to the thread described by seed.
//
// A message without addresses and without a subject (chat, internal note,
// in-app agent reply) always matches. Otherwise both must hold:
//   - when msg names participants, at least one of them other than the inbox
//     address is a seed participant (a seed with no such participants matches any)
//   - when both subjects are non-empty after normalization, they are equal
func MessageMatchesThread(msg NormalizedMessage, seed ThreadSeed) bool {
	subject := NormalizeSubject(msg.Subject)
	if len(msg.Participants) == 0 && subject == "" {
		return true
	}
	return participantsOverlap(msg.Participants, seed) && subjectsAgree(subject, seed.Subject)
}

func participantsOverlap(participants []string, seed ThreadSeed) bool {
	if len(participants) == 0 {
		return true
	}

	seedSet := make(map[string]struct{}, len(seed.Participants))
	for _, p := range seed.Participants {
		if p != seed.InboxEmail {
			seedSet[p] = struct{}{}
		}
	}
	if len(seedSet) == 0 {
		return true
	}

	for _, p := range participants {
		if p == seed.InboxEmail {
			continue
		}
		if _, ok := seedSet[p]; ok {
			return true
		}
	}
	return false
}

func subjectsAgree(a, b string) bool {
	return a == "" || b == "" || a == b
}
