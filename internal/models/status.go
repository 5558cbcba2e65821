package models

// OrderStatus is the lifecycle state of an order
type OrderStatus string

// Order statuses. PENDING_MATERIALIZATION is never stored: it names the
// state of a paid session whose order row does not exist yet.
const (
	OrderStatusPendingMaterialization OrderStatus = "PENDING_MATERIALIZATION"
	OrderStatusPaid                   OrderStatus = "PAID"
	OrderStatusProcessing             OrderStatus = "PROCESSING"
	OrderStatusCancelled              OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingMaterialization: {OrderStatusPaid},
	OrderStatusPaid:                   {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:             {OrderStatusCancelled},
	OrderStatusCancelled:              {},
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// Terminal reports whether no transition leaves s
func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// CanTransition reports whether from -> to is in the transition table
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf lists the stored statuses an order may be in for a transition into target.
// Conditional updates use it as their precondition.
func SourcesOf(target OrderStatus) []OrderStatus {
	var sources []OrderStatus
	for _, from := range []OrderStatus{OrderStatusPaid, OrderStatusProcessing, OrderStatusCancelled} {
		if CanTransition(from, target) {
			sources = append(sources, from)
		}
	}
	return sources
}
