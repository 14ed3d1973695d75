package cart

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrItemNotFound is returned when no line item matches a key.
	ErrItemNotFound = errors.New("cart item not found")
	// ErrInvalidItem is returned when an item cannot be added to a cart.
	ErrInvalidItem = errors.New("invalid cart item")
)

// Key identifies a line item. Two entries with the same key are the same
// line item and are merged.
type Key struct {
	ProductID string
	ColorName string
	Size      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ProductID, k.ColorName, k.Size)
}

// Item is a single cart line.
type Item struct {
	ProductID string
	ColorName string
	Size      string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
	ImageRef  string
	Category  string
	Name      string
}

// Key returns the identity key of the item.
func (i Item) Key() Key {
	return Key{ProductID: i.ProductID, ColorName: i.ColorName, Size: i.Size}
}

// Validate reports whether the item may be added to a cart.
func (i Item) Validate() error {
	switch {
	case strings.TrimSpace(i.ProductID) == "":
		return errors.Wrap(ErrInvalidItem, "product id required")
	case i.Quantity < 1:
		return errors.Wrapf(ErrInvalidItem, "quantity must be at least 1 for %s", i.Key())
	case i.UnitPrice.IsNegative():
		return errors.Wrapf(ErrInvalidItem, "negative unit price for %s", i.Key())
	}
	return nil
}

func (i *Item) recalc() {
	i.LineTotal = i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Cart is the ordered list of line items. Order matters for display only.
type Cart struct {
	Items []Item
}

// Clone returns a deep copy of c.
func (c Cart) Clone() Cart {
	if c.Items == nil {
		return Cart{}
	}
	items := make([]Item, len(c.Items))
	copy(items, c.Items)
	return Cart{Items: items}
}

// IsEmpty reports whether the cart has no line items.
func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Find returns the index of the item with key k, or -1.
func (c Cart) Find(k Key) int {
	for i := range c.Items {
		if c.Items[i].Key() == k {
			return i
		}
	}
	return -1
}

// Subtotal returns the sum of all line totals.
func (c Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range c.Items {
		sum = sum.Add(it.LineTotal)
	}
	return sum
}

// TotalQuantity returns the number of units across all lines.
func (c Cart) TotalQuantity() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

// Merge adds item to the cart. When a line with the same key exists its
// quantity grows by item.Quantity and the stored unit price is kept;
// otherwise the item is appended.
func (c *Cart) Merge(item Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if idx := c.Find(item.Key()); idx >= 0 {
		existing := &c.Items[idx]
		existing.Quantity += item.Quantity
		existing.recalc()
		return nil
	}
	item.recalc()
	c.Items = append(c.Items, item)
	return nil
}

// SetQuantity replaces the quantity of the line with key k. A quantity of
// zero or less removes the line.
func (c *Cart) SetQuantity(k Key, quantity int) error {
	idx := c.Find(k)
	if idx < 0 {
		return errors.Wrapf(ErrItemNotFound, "set quantity %s", k)
	}
	if quantity <= 0 {
		c.removeAt(idx)
		return nil
	}
	c.Items[idx].Quantity = quantity
	c.Items[idx].recalc()
	return nil
}

// Remove deletes the line with key k.
func (c *Cart) Remove(k Key) error {
	idx := c.Find(k)
	if idx < 0 {
		return errors.Wrapf(ErrItemNotFound, "remove %s", k)
	}
	c.removeAt(idx)
	return nil
}

func (c *Cart) removeAt(idx int) {
	c.Items = append(c.Items[:idx:idx], c.Items[idx+1:]...)
}

// normalize restores the line invariants on data read from storage: line
// totals are recomputed, lines with a quantity below one are dropped and
// duplicate keys are folded into the first occurrence.
func (c *Cart) normalize() {
	out := make([]Item, 0, len(c.Items))
	seen := make(map[Key]int, len(c.Items))
	for _, it := range c.Items {
		if it.Quantity < 1 {
			continue
		}
		if idx, ok := seen[it.Key()]; ok {
			out[idx].Quantity += it.Quantity
			out[idx].recalc()
			continue
		}
		it.recalc()
		seen[it.Key()] = len(out)
		out = append(out, it)
	}
	if len(out) == 0 {
		c.Items = nil
		return
	}
	c.Items = out
}
