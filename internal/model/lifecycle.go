package model

import "fmt"

// OrderStatus описывает состояние заказа.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusFulfilled      OrderStatus = "fulfilled"
	OrderStatusCanceled       OrderStatus = "canceled"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCanceled || s == OrderStatusRefunded
}

// OrderEvent определяет тип события, переводящего заказ между статусами.
type OrderEvent string

const (
	OrderEventPaymentConfirmed OrderEvent = "payment_confirmed"
	OrderEventFulfill          OrderEvent = "fulfill"
	OrderEventCancel           OrderEvent = "cancel"
	OrderEventRefund           OrderEvent = "refund"
)

type transitionKey struct {
	from  OrderStatus
	event OrderEvent
}

// Всё, чего нет в таблице, считается недопустимым переходом.
var orderTransitions = map[transitionKey]OrderStatus{
	{OrderStatusPendingPayment, OrderEventPaymentConfirmed}: OrderStatusPaid,
	{OrderStatusPendingPayment, OrderEventCancel}:           OrderStatusCanceled,
	{OrderStatusPaid, OrderEventFulfill}:                    OrderStatusFulfilled,
	{OrderStatusPaid, OrderEventRefund}:                     OrderStatusRefunded,
	{OrderStatusFulfilled, OrderEventRefund}:                OrderStatusRefunded,
}

// NextStatus возвращает статус после события или ErrInvalidTransition.
func NextStatus(current OrderStatus, event OrderEvent) (OrderStatus, error) {
	next, ok := orderTransitions[transitionKey{current, event}]
	if !ok {
		return current, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, current)
	}
	return next, nil
}

// AllOrderStatuses перечисляет статусы заказа.
func AllOrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPendingPayment,
		OrderStatusPaid,
		OrderStatusFulfilled,
		OrderStatusCanceled,
		OrderStatusRefunded,
	}
}

// AllOrderEvents перечисляет события заказа.
func AllOrderEvents() []OrderEvent {
	return []OrderEvent{
		OrderEventPaymentConfirmed,
		OrderEventFulfill,
		OrderEventCancel,
		OrderEventRefund,
	}
}
