package thread

import (
	"time"

	"supporthub/cmd/internal/store"
)

var testBase = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// rawAt builds a row created minute minutes after testBase.
func rawAt(id string, minute int) store.RawMessage {
	return store.RawMessage{
		ID:             id,
		ConversationID: "c1",
		Content:        "body " + id,
		SenderType:     store.SenderCustomer,
		CreatedAt:      store.FormatTimestamp(testBase.Add(time.Duration(minute) * time.Minute)),
	}
}

func emailRaw(id string, minute int, from, to, subject string) store.RawMessage {
	r := rawAt(id, minute)
	r.EmailSubject = subject
	r.Headers = store.Headers{{Name: "From", Value: from}, {Name: "To", Value: to}}
	return r
}

func ids(msgs []NormalizedMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func norm(rows ...store.RawMessage) []NormalizedMessage {
	return NormalizeAll(rows, nil)
}
