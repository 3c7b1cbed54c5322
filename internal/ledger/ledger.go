// Package ledger derives tab balances from the append-only order/payment
// ledger. Balances are never stored; every caller recomputes from the
// authoritative entries.
package ledger

import "github.com/billoapp/tabz/internal/domain"

// Balance is the outstanding amount on a tab in cents: confirmed order
// totals minus successful payment amounts. An over-paid tab yields a
// negative value and is treated everywhere like a zero balance.
func Balance(orders []domain.Order, payments []domain.Payment) int64 {
	var total int64
	for _, order := range orders {
		if order.Status == domain.OrderStatusConfirmed {
			total += order.TotalCents
		}
	}
	for _, payment := range payments {
		if payment.Status == domain.PaymentStatusSuccess {
			total -= payment.AmountCents
		}
	}
	return total
}

// Outstanding reports whether a balance still owes money. Zero and
// over-paid balances are equivalent.
func Outstanding(balanceCents int64) bool {
	return balanceCents > 0
}

// CanAcceptNewOrders reports whether new orders may be placed on the tab.
// Overdue tabs are frozen until staff resolve them; closed tabs are terminal.
func CanAcceptNewOrders(tab domain.Tab) bool {
	return tab.Status == domain.TabStatusOpen
}

// PendingOrders counts orders that are neither confirmed nor cancelled. A
// tab with pending orders is never auto-closed, even at zero balance.
func PendingOrders(orders []domain.Order) int {
	count := 0
	for _, order := range orders {
		if order.Status == domain.OrderStatusPending {
			count++
		}
	}
	return count
}
