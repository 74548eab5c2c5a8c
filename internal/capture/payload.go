package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Record kinds.
const (
	KindOrder = "order"
	KindLead  = "lead"
)

// RecordPayload is one structured outcome to append to the sink.
type RecordPayload struct {
	Kind           string
	SessionID      string
	IdempotencyKey string
	Fields         map[string]string
	CreatedAt      time.Time
}

// IdempotencyKey derives a stable key from the session, its current
// generation and the index of the turn that produced the payload. Retrying
// the same turn yields the same key; turns after a clear never reuse one.
func IdempotencyKey(sessionID, generation string, turnIndex int) string {
	sum := sha256.Sum256([]byte(sessionID + ":" + generation + ":" + strconv.Itoa(turnIndex)))
	return hex.EncodeToString(sum[:])
}

// Order is the typed view of an order payload.
type Order struct {
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	ProductName   string
	Quantity      int
	FullAddress   string
	PaymentMethod string
	DeliveryNotes string
	Status        string
	CreatedAt     time.Time
}

const orderStatusNew = "חדש"

// OrderFromFields reads the order fields the model emits. A missing or
// unparsable quantity means 1.
func OrderFromFields(fields map[string]string, createdAt time.Time) Order {
	qty, err := strconv.Atoi(strings.TrimSpace(fields["quantity"]))
	if err != nil || qty < 1 {
		qty = 1
	}
	return Order{
		CustomerName:  fields["customer_name"],
		CustomerEmail: fields["customer_email"],
		CustomerPhone: fields["customer_phone"],
		ProductName:   fields["product_name"],
		Quantity:      qty,
		FullAddress:   fields["full_address"],
		PaymentMethod: fields["payment_method"],
		DeliveryNotes: fields["delivery_notes"],
		Status:        orderStatusNew,
		CreatedAt:     createdAt,
	}
}

// Row renders the order in sheet column order: date, name, email, phone,
// product, delivery notes, address, payment, shipping type (unused), status.
func (o Order) Row() []string {
	status := o.Status
	if status == "" {
		status = orderStatusNew
	}
	return []string{
		o.CreatedAt.Format("02/01/2006 15:04"),
		o.CustomerName,
		o.CustomerEmail,
		o.CustomerPhone,
		fmt.Sprintf("%s x%d", o.ProductName, o.Quantity),
		o.DeliveryNotes,
		o.FullAddress,
		o.PaymentMethod,
		"",
		status,
	}
}

// Row renders the payload for the sink. Orders use the sheet layout; other
// kinds are written as sorted key=value cells.
func (p RecordPayload) Row() []string {
	if p.Kind == KindOrder {
		return OrderFromFields(p.Fields, p.CreatedAt).Row()
	}
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	row := []string{p.CreatedAt.Format("02/01/2006 15:04")}
	for _, k := range keys {
		row = append(row, k+"="+p.Fields[k])
	}
	return row
}
