package cart

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newItem(id, color, size string, qty int, price string) Item {
	return Item{
		ProductID: id,
		ColorName: color,
		Size:      size,
		Quantity:  qty,
		UnitPrice: d(price),
		ImageRef:  "img/" + id + ".jpg",
		Category:  "tees",
		Name:      "Tee " + id,
	}
}

func TestMerge_AppendsNewKeys(t *testing.T) {
	var c Cart
	require.NoError(t, c.Merge(newItem("p1", "red", "M", 2, "250")))
	require.NoError(t, c.Merge(newItem("p1", "blue", "M", 1, "250")))
	require.NoError(t, c.Merge(newItem("p1", "red", "L", 1, "270")))

	require.Len(t, c.Items, 3)
	assert.True(t, d("500").Equal(c.Items[0].LineTotal))
	assert.True(t, d("1020").Equal(c.Subtotal()))
}

func TestMerge_IncrementsExistingKey(t *testing.T) {
	var c Cart
	require.NoError(t, c.Merge(newItem("p1", "red", "M", 2, "250")))
	require.NoError(t, c.Merge(newItem("p1", "red", "M", 3, "250")))

	require.Len(t, c.Items, 1)
	assert.Equal(t, 5, c.Items[0].Quantity)
	assert.True(t, d("1250").Equal(c.Items[0].LineTotal))
}

func TestMerge_NeverDuplicatesKeys(t *testing.T) {
	var c Cart
	colors := []string{"red", "blue", "red", "green", "blue", "red"}
	sizes := []string{"S", "M", "S", "S", "M", "L"}
	for i := range colors {
		require.NoError(t, c.Merge(newItem("p1", colors[i], sizes[i], 1, "100")))
	}

	seen := make(map[Key]bool)
	for _, it := range c.Items {
		assert.False(t, seen[it.Key()], "duplicate key %s", it.Key())
		seen[it.Key()] = true
		assert.True(t, it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).Equal(it.LineTotal))
	}
	assert.Len(t, c.Items, 4)
	assert.Equal(t, 6, c.TotalQuantity())
}

func TestMerge_RejectsInvalidItems(t *testing.T) {
	tests := []struct {
		name string
		item Item
	}{
		{name: "missing product id", item: newItem("", "red", "M", 1, "10")},
		{name: "zero quantity", item: newItem("p1", "red", "M", 0, "10")},
		{name: "negative unit price", item: newItem("p1", "red", "M", 1, "-1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Cart
			require.ErrorIs(t, c.Merge(tt.item), ErrInvalidItem)
			assert.True(t, c.IsEmpty())
		})
	}
}

func TestSetQuantity(t *testing.T) {
	var c Cart
	require.NoError(t, c.Merge(newItem("p1", "red", "M", 2, "250")))
	require.NoError(t, c.Merge(newItem("p2", "black", "S", 1, "400")))
	k := Key{ProductID: "p1", ColorName: "red", Size: "M"}

	require.NoError(t, c.SetQuantity(k, 4))
	assert.True(t, d("1000").Equal(c.Items[0].LineTotal))

	require.NoError(t, c.SetQuantity(k, 0))
	require.Len(t, c.Items, 1)
	assert.Equal(t, "p2", c.Items[0].ProductID)

	require.ErrorIs(t, c.SetQuantity(k, 1), ErrItemNotFound)
}

func TestRemove(t *testing.T) {
	var c Cart
	require.NoError(t, c.Merge(newItem("p1", "red", "M", 2, "250")))
	require.NoError(t, c.Merge(newItem("p2", "black", "S", 1, "400")))
	require.NoError(t, c.Merge(newItem("p3", "white", "L", 1, "100")))

	clone := c.Clone()
	require.NoError(t, c.Remove(Key{ProductID: "p2", ColorName: "black", Size: "S"}))

	require.Len(t, c.Items, 2)
	assert.Equal(t, "p1", c.Items[0].ProductID)
	assert.Equal(t, "p3", c.Items[1].ProductID)
	// The clone keeps its own backing array.
	assert.Len(t, clone.Items, 3)
	assert.Equal(t, "p2", clone.Items[1].ProductID)

	require.ErrorIs(t, c.Remove(Key{ProductID: "nope"}), ErrItemNotFound)
}

func TestNormalize(t *testing.T) {
	c := Cart{Items: []Item{
		{ProductID: "p1", ColorName: "red", Size: "M", Quantity: 2, UnitPrice: d("10"), LineTotal: d("999")},
		{ProductID: "p2", Quantity: 0, UnitPrice: d("10")},
		{ProductID: "p1", ColorName: "red", Size: "M", Quantity: 1, UnitPrice: d("10")},
	}}
	c.normalize()

	require.Len(t, c.Items, 1)
	assert.Equal(t, 3, c.Items[0].Quantity)
	assert.True(t, d("30").Equal(c.Items[0].LineTotal))
}

func TestEmptyCartSubtotal(t *testing.T) {
	var c Cart
	assert.True(t, decimal.Zero.Equal(c.Subtotal()))
	assert.True(t, c.IsEmpty())
}
