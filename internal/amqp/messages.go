package amqp

import (
	"encoding/json"
	"time"
)

// RecurringDueMessage is one processing request emitted by the
// recurrence trigger: a stable (transaction, owner) identity the worker
// re-validates against the store. Delivery is at-least-once, so the
// same logical request may arrive more than once.
type RecurringDueMessage struct {
	TransactionID string    `json:"transaction_id"`
	OwnerID       string    `json:"owner_id"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewRecurringDueMessage(transactionID, ownerID string) *RecurringDueMessage {
	return &RecurringDueMessage{
		TransactionID: transactionID,
		OwnerID:       ownerID,
		Timestamp:     time.Now(),
	}
}

func (m *RecurringDueMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RecurringDueMessageFromJSON(data []byte) (*RecurringDueMessage, error) {
	var msg RecurringDueMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
