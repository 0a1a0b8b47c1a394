package storesync

// Cart aggregation is a pure projection over the cache's cart item view.
// Totals are derived from scratch on every read so they can never diverge
// from the underlying entities.

// TotalPrice returns the cart subtotal in minor currency units:
// sum(unitPrice * quantity) over the given items.
func TotalPrice(items []CartItem) int64 {
	var total int64
	for _, item := range items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

// TotalItemCount returns sum(quantity) over the given items.
func TotalItemCount(items []CartItem) int {
	var count int
	for _, item := range items {
		count += item.Quantity
	}
	return count
}

// CartItemsForUser decodes the cache's current cart item view for one
// user, ordered by entity id. Entries whose payload does not decode are
// skipped; the cache never stores a cart entity that failed validation
// locally, so undecodable rows can only come from the server and are a
// schema drift problem, not a sync problem.
func CartItemsForUser(cache *Cache, userID string) []CartItem {
	entities := cache.List(EntityCartItem, func(e Entity) bool {
		ci, err := DecodeCartItem(e)
		return err == nil && ci.UserID == userID
	})

	items := make([]CartItem, 0, len(entities))
	for _, e := range entities {
		ci, err := DecodeCartItem(e)
		if err != nil {
			continue
		}
		items = append(items, ci)
	}
	return items
}
