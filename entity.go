// Package storesync provides a real-time data synchronization and
// optimistic client-cache core for storefront clients backed by a managed
// backend service. It keeps client-visible state (products, cart items,
// orders, notifications) consistent with server-side mutations delivered
// over per-table change feeds, while allowing local mutations to be
// applied optimistically before the server confirms them.
package storesync

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies the backend table an entity belongs to.
type EntityType string

const (
	EntityProduct      EntityType = "products"
	EntityCartItem     EntityType = "cart_items"
	EntityOrder        EntityType = "orders"
	EntityNotification EntityType = "notifications"
)

// Entity is a typed, identifiable unit of application state. Version is a
// monotonic server-assigned marker used to order updates to the same id;
// the payload schema is opaque to the sync core.
type Entity struct {
	ID      string          `json:"id"`
	Type    EntityType      `json:"type"`
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Clone returns a deep copy of the entity. Payload bytes are copied so the
// cache never aliases caller-owned buffers.
func (e Entity) Clone() Entity {
	c := e
	if e.Payload != nil {
		c.Payload = make(json.RawMessage, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	return c
}

// Filter restricts a subscription or query to rows where Column equals
// Value, e.g. {Column: "user_id", Value: "u-123"}. The zero Filter matches
// all rows of the table.
type Filter struct {
	Column string
	Value  string
}

// IsZero reports whether the filter matches all rows.
func (f Filter) IsZero() bool { return f.Column == "" }

func (f Filter) String() string {
	if f.IsZero() {
		return "*"
	}
	return f.Column + "=" + f.Value
}

// Key identifies one logical subscription scope. At most one live channel
// exists per key regardless of how many consumers are registered.
type Key struct {
	EntityType EntityType
	Filter     Filter
}

func (k Key) String() string {
	return string(k.EntityType) + "/" + k.Filter.String()
}

// CartItem is the payload carried by EntityCartItem entities. UnitPrice is
// a snapshot in minor currency units taken at add-time so later product
// price changes do not retroactively reprice the cart.
type CartItem struct {
	UserID          string          `json:"user_id"`
	ProductID       string          `json:"product_id"`
	Quantity        int             `json:"quantity"`
	UnitPrice       int64           `json:"unit_price"`
	ProductSnapshot json.RawMessage `json:"product_snapshot,omitempty"`
	AddedAt         time.Time       `json:"added_at,omitempty"`
}

// Validate checks the cart item invariants. A quantity of zero is never a
// valid stored state; removal is expressed as a delete, not a zero row.
func (ci CartItem) Validate() error {
	if ci.ProductID == "" {
		return fmt.Errorf("cart item missing product id")
	}
	if ci.Quantity < 1 {
		return fmt.Errorf("cart item quantity must be >= 1, got %d", ci.Quantity)
	}
	if ci.UnitPrice < 0 {
		return fmt.Errorf("cart item unit price must be >= 0, got %d", ci.UnitPrice)
	}
	return nil
}

// DecodeCartItem parses the payload of a cart item entity.
func DecodeCartItem(e Entity) (CartItem, error) {
	if e.Type != EntityCartItem {
		return CartItem{}, fmt.Errorf("expected %s entity, got %s", EntityCartItem, e.Type)
	}
	var ci CartItem
	if err := json.Unmarshal(e.Payload, &ci); err != nil {
		return CartItem{}, fmt.Errorf("decode cart item %s: %w", e.ID, err)
	}
	return ci, nil
}

// NewCartItemEntity builds a cart item entity from a validated payload.
func NewCartItemEntity(id string, version uint64, ci CartItem) (Entity, error) {
	if err := ci.Validate(); err != nil {
		return Entity{}, err
	}
	payload, err := json.Marshal(ci)
	if err != nil {
		return Entity{}, fmt.Errorf("encode cart item %s: %w", id, err)
	}
	return Entity{ID: id, Type: EntityCartItem, Version: version, Payload: payload}, nil
}
