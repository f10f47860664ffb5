package domain

import (
	"time"

	"github.com/google/uuid"
)

// Direction is the orientation of a Message relative to the account's
// own address.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Message is immutable once upserted by the Ingester. (account, external
// id) is unique; re-ingesting the same external id is a no-op.
type Message struct {
	ID         int64     `json:"id" db:"id"`
	AccountID  uuid.UUID `json:"account_id" db:"account_id"`
	ExternalID string    `json:"external_id" db:"external_id"`
	Direction  Direction `json:"direction" db:"direction"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	From       string    `json:"from" db:"from_address"`
	To         []string  `json:"to" db:"to_addresses"`
	Cc         []string  `json:"cc,omitempty" db:"cc_addresses"`
	Bcc        []string  `json:"bcc,omitempty" db:"bcc_addresses"`
	Subject    string    `json:"subject" db:"subject"`
	Body       string    `json:"body" db:"body"`
	ThreadID   string    `json:"thread_id" db:"thread_id"`
}

// Participants returns every address touched by the message, the sender
// included, deduplicated.
func (m *Message) Participants() []string {
	seen := make(map[string]struct{}, 1+len(m.To)+len(m.Cc)+len(m.Bcc))
	out := make([]string, 0, 1+len(m.To)+len(m.Cc)+len(m.Bcc))
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(m.From)
	for _, a := range m.To {
		add(a)
	}
	for _, a := range m.Cc {
		add(a)
	}
	for _, a := range m.Bcc {
		add(a)
	}
	return out
}

// MessageFilter scopes Message Store reads.
type MessageFilter struct {
	AccountID   uuid.UUID
	Address     *string
	ThreadID    *string
	Direction   *Direction
	Range       DateRange
	Sort        *SortOption
	Page        *PageRequest
}
