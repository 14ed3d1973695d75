package cart

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Encode renders items as the persisted JSON array. Amounts are written as
// JSON numbers.
func Encode(c Cart) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ArrStart()
	for _, it := range c.Items {
		EncodeItem(e, it)
	}
	e.ArrEnd()

	out := make([]byte, len(e.Bytes()))
	copy(out, e.Bytes())
	return out
}

// EncodeItem writes a single cart line object.
func EncodeItem(e *jx.Encoder, it Item) {
	e.ObjStart()
	e.FieldStart("productId")
	e.Str(it.ProductID)
	e.FieldStart("colorName")
	e.Str(it.ColorName)
	e.FieldStart("size")
	e.Str(it.Size)
	e.FieldStart("quantity")
	e.Int(it.Quantity)
	e.FieldStart("unitPrice")
	e.Num(jx.Num(it.UnitPrice.String()))
	e.FieldStart("lineTotal")
	e.Num(jx.Num(it.LineTotal.String()))
	e.FieldStart("imageRef")
	e.Str(it.ImageRef)
	e.FieldStart("category")
	e.Str(it.Category)
	e.FieldStart("name")
	e.Str(it.Name)
	e.ObjEnd()
}

// Decode parses the persisted JSON array. Unknown fields are skipped. The
// result is not normalized.
func Decode(data []byte) (Cart, error) {
	d := jx.DecodeBytes(data)
	if d.Next() == jx.Null {
		return Cart{}, nil
	}

	var c Cart
	if err := d.Arr(func(d *jx.Decoder) error {
		it, err := DecodeItem(d)
		if err != nil {
			return err
		}
		c.Items = append(c.Items, it)
		return nil
	}); err != nil {
		return Cart{}, errors.Wrap(err, "decode cart items")
	}
	return c, nil
}

// DecodeItem reads a single cart line object.
func DecodeItem(d *jx.Decoder) (Item, error) {
	var it Item
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			it.ProductID, err = decodeID(d)
		case "colorName":
			it.ColorName, err = d.Str()
		case "size":
			it.Size, err = d.Str()
		case "quantity":
			it.Quantity, err = d.Int()
		case "unitPrice":
			it.UnitPrice, err = DecodeAmount(d)
		case "lineTotal":
			it.LineTotal, err = DecodeAmount(d)
		case "imageRef":
			it.ImageRef, err = d.Str()
		case "category":
			it.Category, err = d.Str()
		case "name":
			it.Name, err = d.Str()
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
	return it, err
}

// decodeID accepts product ids stored either as strings or numbers.
func decodeID(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Number {
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	}
	return d.Str()
}

// DecodeAmount reads a monetary amount written as a JSON number or a numeric
// string.
func DecodeAmount(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	}
}
