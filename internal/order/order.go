// Package order owns the single order draft of a checkout session.
// Service is the only write path to an Order: creation, payment
// confirmation and admin cancellation all go through it, whichever Store
// backs it.
package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the fulfilment axis of an order.
type Status string

const (
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusConfirmed       Status = "confirmed"
	StatusCancelled       Status = "cancelled"
)

// PaymentStatus is the payment axis of an order, independent of Status.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// ShippingInfo is the buyer-supplied delivery address.
type ShippingInfo struct {
	FullName   string `json:"fullName"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	Country    string `json:"country"`
	PostalCode string `json:"postalCode"`
}

// MissingFields returns the json names of required fields that are blank.
func (s ShippingInfo) MissingFields() []string {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("fullName", s.FullName)
	check("phone", s.Phone)
	check("address", s.Address)
	check("city", s.City)
	check("country", s.Country)
	check("postalCode", s.PostalCode)
	return missing
}

// CustomerInfo is supplied by the auth collaborator and is read-only here.
type CustomerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CartItem is one line of a cart snapshot.
type CartItem struct {
	ProductID string          `json:"productId"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	ImageRef  string          `json:"imageRef,omitempty"`
}

// LineTotal is quantity x unit price.
func (i CartItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CartSnapshot is the cart as it was when the order was created.
type CartSnapshot struct {
	Items    []CartItem `json:"items"`
	Currency string     `json:"currency"`
}

// Snapshot returns a deep copy so later cart edits cannot leak into an
// in-flight checkout.
func (c CartSnapshot) Snapshot() CartSnapshot {
	items := make([]CartItem, len(c.Items))
	copy(items, c.Items)
	return CartSnapshot{Items: items, Currency: strings.ToUpper(strings.TrimSpace(c.Currency))}
}

// Total sums all line totals.
func (c CartSnapshot) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// Order is the durable record created once per checkout session.
type Order struct {
	ID             string          `json:"orderId"`
	Number         string          `json:"orderNumber"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Items          []CartItem      `json:"items"`
	Currency       string          `json:"currency"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Shipping       ShippingInfo    `json:"shippingInfo"`
	Customer       CustomerInfo    `json:"customerInfo"`
	Status         Status          `json:"status"`
	PaymentStatus  PaymentStatus   `json:"paymentStatus"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// IsPaid reports whether a confirmed payment has been recorded.
func (o Order) IsPaid() bool {
	return o.PaymentStatus == PaymentPaid
}

// Draft is what a Store needs to create an order.
type Draft struct {
	Cart     CartSnapshot
	Shipping ShippingInfo
	Customer CustomerInfo
}

// Total is the draft's order total.
func (d Draft) Total() decimal.Decimal {
	return d.Cart.Total()
}

// Patch carries the mutable fields of an order; nil fields are left alone.
type Patch struct {
	Status        *Status        `json:"status,omitempty"`
	PaymentStatus *PaymentStatus `json:"paymentStatus,omitempty"`
}

// Apply copies the set fields of p onto o.
func (p Patch) Apply(o *Order) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.PaymentStatus != nil {
		o.PaymentStatus = *p.PaymentStatus
	}
}

// ValidateCart checks that a cart can become an order.
func ValidateCart(c CartSnapshot) []string {
	var problems []string
	if len(c.Items) == 0 {
		return []string{"cart: must not be empty"}
	}
	if strings.TrimSpace(c.Currency) == "" {
		problems = append(problems, "cart.currency: required")
	}
	for i, item := range c.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			problems = append(problems, fieldf("cart.items[%d].productId: required", i))
		}
		if item.Quantity <= 0 {
			problems = append(problems, fieldf("cart.items[%d].quantity: must be greater than 0", i))
		}
		if !item.UnitPrice.IsPositive() {
			problems = append(problems, fieldf("cart.items[%d].unitPrice: must be greater than 0", i))
		}
	}
	return problems
}

// ValidateShipping returns one problem per blank required field.
func ValidateShipping(s ShippingInfo) []string {
	missing := s.MissingFields()
	problems := make([]string, 0, len(missing))
	for _, f := range missing {
		problems = append(problems, "shipping."+f+": required")
	}
	return problems
}
