package order

import "time"

// LifecycleEvent is emitted to the notification collaborator when an order reaches a terminal state.
type LifecycleEvent struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Status     Status    `json:"status"`
	Total      int64     `json:"total"`
	Currency   string    `json:"currency"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e LifecycleEvent) EventName() string { return "order." + string(e.Status) }

func NewLifecycleEvent(o *Order) LifecycleEvent {
	return LifecycleEvent{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Status:     o.Status,
		Total:      o.Total,
		Currency:   o.Currency,
		Reason:     o.FailureReason,
		OccurredAt: o.UpdatedAt,
	}
}
