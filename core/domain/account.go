package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is the end-user mailbox owner and the unit of isolation for all
// other entities. The core never mutates an Account once created.
type Account struct {
	ID           uuid.UUID `json:"id"`
	OwnerAddress string    `json:"owner_address"`
	CreatedAt    time.Time `json:"created_at"`
}
