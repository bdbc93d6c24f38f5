package models

// transitions is the closed set of legal status moves. Guards elsewhere
// (store-level conditional updates) re-check the persisted status at write
// time; this table is the single place the shape of the machine lives.
var transitions = map[OrderStatus][]OrderStatus{
	OrderPending:         {OrderWaitingPayment, OrderCanceled, OrderCanceledByAdmin, OrderExpired},
	OrderWaitingPayment:  {OrderActive, OrderCanceled, OrderCanceledByAdmin, OrderExpired},
	OrderActive:          {OrderFiatSent, OrderPaidHoldInvoice, OrderDispute, OrderCanceled, OrderCanceledByAdmin, OrderCompletedByAdmin},
	OrderFiatSent:        {OrderPaidHoldInvoice, OrderDispute, OrderCanceledByAdmin, OrderCompletedByAdmin},
	OrderPaidHoldInvoice: {OrderSuccess, OrderDispute, OrderCanceledByAdmin, OrderCompletedByAdmin},
	OrderDispute:         {OrderCanceledByAdmin, OrderCompletedByAdmin},
	// Terminal states transition nowhere.
	OrderSuccess:          nil,
	OrderCanceled:         nil,
	OrderCanceledByAdmin:  nil,
	OrderCompletedByAdmin: nil,
	OrderExpired:          nil,
}

// CanTransition reports whether moving from s to next is legal.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is accepted from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderSuccess, OrderCanceled, OrderCanceledByAdmin, OrderCompletedByAdmin, OrderExpired:
		return true
	}
	return false
}
