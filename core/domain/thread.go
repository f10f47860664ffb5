package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Thread aggregates Messages sharing a thread id. Threads are derived,
// not stored as a source of truth, and are regenerated on every ingest
// run: reconstruction tolerates out-of-order message arrival because it
// keys purely on ThreadID.
type Thread struct {
	AccountID    uuid.UUID `json:"account_id"`
	ThreadID     string    `json:"thread_id"`
	Participants []string  `json:"participants"`
	MessageRefs  []int64   `json:"message_refs"`
}

// BuildThreads groups messages by ThreadID, ordering MessageRefs by
// ascending timestamp regardless of ingest order.
func BuildThreads(messages []Message) map[string]*Thread {
	byThread := make(map[string][]Message)
	for _, m := range messages {
		byThread[m.ThreadID] = append(byThread[m.ThreadID], m)
	}

	threads := make(map[string]*Thread, len(byThread))
	for tid, msgs := range byThread {
		sort.Slice(msgs, func(i, j int) bool {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		})

		participants := map[string]struct{}{}
		refs := make([]int64, 0, len(msgs))
		for _, m := range msgs {
			for _, p := range m.Participants() {
				participants[p] = struct{}{}
			}
			refs = append(refs, m.ID)
		}

		pList := make([]string, 0, len(participants))
		for p := range participants {
			pList = append(pList, p)
		}
		sort.Strings(pList)

		threads[tid] = &Thread{
			AccountID:    msgs[0].AccountID,
			ThreadID:     tid,
			Participants: pList,
			MessageRefs:  refs,
		}
	}
	return threads
}

// TimeSpan returns the earliest and latest message timestamp in the
// thread given the full message slice it was built from.
func (t *Thread) TimeSpan(byID map[int64]Message) (from, to time.Time) {
	for i, ref := range t.MessageRefs {
		m, ok := byID[ref]
		if !ok {
			continue
		}
		if i == 0 || m.Timestamp.Before(from) {
			from = m.Timestamp
		}
		if i == 0 || m.Timestamp.After(to) {
			to = m.Timestamp
		}
	}
	return from, to
}
