package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Storefront clients send and expect prices as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// CheckoutStatus is the lifecycle state of a checkout session
type CheckoutStatus string

// Checkout statuses
const (
	CheckoutStatusPending   CheckoutStatus = "Pending"
	CheckoutStatusPaid      CheckoutStatus = "Paid"
	CheckoutStatusFinalized CheckoutStatus = "Finalized"
	CheckoutStatusFailed    CheckoutStatus = "Failed"
	CheckoutStatusExpired   CheckoutStatus = "Expired"
)

// IsTerminal reports whether no transition leaves the status
func (s CheckoutStatus) IsTerminal() bool {
	return s == CheckoutStatusFinalized || s == CheckoutStatusFailed || s == CheckoutStatusExpired
}

func (s CheckoutStatus) String() string {
	return string(s)
}

// Order payment and fulfillment statuses
const (
	PaymentStatusPaid = "paid"

	FulfillmentStatusProcessing = "Processing"
	FulfillmentStatusShipped    = "Shipped"
	FulfillmentStatusDelivered  = "Delivered"
	FulfillmentStatusCancelled  = "Cancelled"
)

// CheckoutItem is one line of a cart snapshot
type CheckoutItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Image     string          `json:"image,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Size      string          `json:"size,omitempty"`
	Color     string          `json:"color,omitempty"`
}

// LineTotal returns price × quantity
func (i CheckoutItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CheckoutItems is stored as a JSONB column
type CheckoutItems []CheckoutItem

// Total sums the line totals of all items
func (items CheckoutItems) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// Clone returns a deep copy so callers never share the backing array
func (items CheckoutItems) Clone() CheckoutItems {
	if items == nil {
		return nil
	}
	out := make(CheckoutItems, len(items))
	copy(out, items)
	return out
}

// Value implements driver.Valuer
func (items CheckoutItems) Value() (driver.Value, error) {
	if items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(items)
}

// Scan implements sql.Scanner
func (items *CheckoutItems) Scan(src interface{}) error {
	return scanJSON(src, items)
}

// CartSnapshot is a by-value copy of a cart taken at checkout time
type CartSnapshot struct {
	Items    CheckoutItems   `json:"checkoutItems"`
	Subtotal decimal.Decimal `json:"totalPrice"`
}

// NewCartSnapshot copies the cart items so later cart edits cannot reach the snapshot
func NewCartSnapshot(items []CheckoutItem, subtotal decimal.Decimal) CartSnapshot {
	return CartSnapshot{
		Items:    CheckoutItems(items).Clone(),
		Subtotal: subtotal,
	}
}

// ShippingAddress is where the order ships to
type ShippingAddress struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Validate checks that every address line is present
func (a ShippingAddress) Validate() error {
	switch {
	case a.Address == "":
		return errors.New("shipping address: address is required")
	case a.City == "":
		return errors.New("shipping address: city is required")
	case a.PostalCode == "":
		return errors.New("shipping address: postalCode is required")
	case a.Country == "":
		return errors.New("shipping address: country is required")
	}
	return nil
}

// Value implements driver.Valuer
func (a ShippingAddress) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *ShippingAddress) Scan(src interface{}) error {
	return scanJSON(src, a)
}

// PaymentDetails is the confirmation payload of the payment provider
type PaymentDetails struct {
	Reference string          `json:"ref"`
	Provider  string          `json:"provider,omitempty"`
	Status    string          `json:"status,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// ParsePaymentDetails extracts the payment reference from a provider payload.
// The reference is "ref", falling back to the provider's "id".
func ParsePaymentDetails(raw json.RawMessage) (PaymentDetails, error) {
	var fields struct {
		Ref      string `json:"ref"`
		ID       string `json:"id"`
		Provider string `json:"provider"`
		Status   string `json:"status"`
	}
	if len(raw) == 0 {
		return PaymentDetails{}, errors.New("payment details are required")
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return PaymentDetails{}, fmt.Errorf("payment details must be an object: %w", err)
	}

	ref := fields.Ref
	if ref == "" {
		ref = fields.ID
	}
	if ref == "" {
		return PaymentDetails{}, errors.New("payment details carry no payment reference")
	}

	return PaymentDetails{
		Reference: ref,
		Provider:  fields.Provider,
		Status:    fields.Status,
		Raw:       raw,
	}, nil
}

// Value implements driver.Valuer
func (d PaymentDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan implements sql.Scanner
func (d *PaymentDetails) Scan(src interface{}) error {
	return scanJSON(src, d)
}

// CheckoutSession tracks one checkout attempt from creation to finalization
type CheckoutSession struct {
	ID              string          `db:"id" json:"id"`
	UserID          string          `db:"user_id" json:"userId"`
	Items           CheckoutItems   `db:"items" json:"checkoutItems"`
	ShippingAddress ShippingAddress `db:"shipping_address" json:"shippingAddress"`
	PaymentMethod   string          `db:"payment_method" json:"paymentMethod"`
	TotalPrice      decimal.Decimal `db:"total_price" json:"totalPrice"`
	Status          CheckoutStatus  `db:"status" json:"status"`
	PaymentDetails  *PaymentDetails `db:"payment_details" json:"paymentDetails,omitempty"`
	OrderID         *string         `db:"order_id" json:"orderId,omitempty"`
	FailureReason   *string         `db:"failure_reason" json:"failureReason,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	PaidAt          *time.Time      `db:"paid_at" json:"paidAt,omitempty"`
	FinalizedAt     *time.Time      `db:"finalized_at" json:"finalizedAt,omitempty"`
	FailedAt        *time.Time      `db:"failed_at" json:"failedAt,omitempty"`
	ExpiredAt       *time.Time      `db:"expired_at" json:"expiredAt,omitempty"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// Clone returns a deep copy of the session
func (s *CheckoutSession) Clone() *CheckoutSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Items = s.Items.Clone()
	if s.PaymentDetails != nil {
		details := *s.PaymentDetails
		details.Raw = append(json.RawMessage(nil), s.PaymentDetails.Raw...)
		out.PaymentDetails = &details
	}
	out.OrderID = cloneString(s.OrderID)
	out.FailureReason = cloneString(s.FailureReason)
	out.PaidAt = cloneTime(s.PaidAt)
	out.FinalizedAt = cloneTime(s.FinalizedAt)
	out.FailedAt = cloneTime(s.FailedAt)
	out.ExpiredAt = cloneTime(s.ExpiredAt)
	return &out
}

// Order is the durable artifact of a finalized checkout session
type Order struct {
	ID                string          `db:"id" json:"id"`
	CheckoutSessionID string          `db:"checkout_session_id" json:"checkoutSessionId"`
	UserID            string          `db:"user_id" json:"userId"`
	Items             CheckoutItems   `db:"items" json:"orderItems"`
	ShippingAddress   ShippingAddress `db:"shipping_address" json:"shippingAddress"`
	PaymentMethod     string          `db:"payment_method" json:"paymentMethod"`
	TotalPrice        decimal.Decimal `db:"total_price" json:"totalPrice"`
	PaymentStatus     string          `db:"payment_status" json:"paymentStatus"`
	FulfillmentStatus string          `db:"fulfillment_status" json:"status"`
	PaidAt            *time.Time      `db:"paid_at" json:"paidAt,omitempty"`
	CartClearedAt     *time.Time      `db:"cart_cleared_at" json:"-"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.Items = o.Items.Clone()
	out.PaidAt = cloneTime(o.PaidAt)
	out.CartClearedAt = cloneTime(o.CartClearedAt)
	return &out
}

// Cart is the mutable per-user cart held by the cart store
type Cart struct {
	UserID     string          `json:"user"`
	Products   CheckoutItems   `json:"products"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Snapshot captures the cart by value
func (c *Cart) Snapshot() CartSnapshot {
	return NewCartSnapshot(c.Products, c.TotalPrice)
}

// Inventory is the stock count for a product
type Inventory struct {
	ProductID string    `db:"product_id" json:"productId"`
	Available int       `db:"available" json:"available"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

func scanJSON(src interface{}, dst interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	return json.Unmarshal(data, dst)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
