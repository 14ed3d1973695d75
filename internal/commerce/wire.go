package commerce

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/discount"
)

// ReasonSeparator joins discount reason segments on the wire.
const ReasonSeparator = " + "

type encoder interface {
	Encode(e *jx.Encoder)
}

func encode(v encoder) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	v.Encode(e)
	out := make([]byte, len(e.Bytes()))
	copy(out, e.Bytes())
	return out
}

func encodeAmount(e *jx.Encoder, field string, v decimal.Decimal) {
	e.FieldStart(field)
	e.Num(jx.Num(v.String()))
}

// decodeCount reads an integer that may be written as a float.
func decodeCount(d *jx.Decoder) (int64, error) {
	v, err := cart.DecodeAmount(d)
	if err != nil {
		return 0, err
	}
	return v.IntPart(), nil
}

// DiscountRequest is the body of POST /orders/calculate-discount.
type DiscountRequest struct {
	Subtotal    decimal.Decimal
	PointsToUse int64
}

// Encode implements json encoding.
func (r DiscountRequest) Encode(e *jx.Encoder) {
	e.ObjStart()
	encodeAmount(e, "subtotal", r.Subtotal)
	e.FieldStart("pointsToUse")
	e.Int64(r.PointsToUse)
	e.ObjEnd()
}

// Decode implements json decoding.
func (r *DiscountRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "subtotal":
			r.Subtotal, err = cart.DecodeAmount(d)
		case "pointsToUse":
			r.PointsToUse, err = decodeCount(d)
		default:
			return d.Skip()
		}
		return fieldErr(err, key)
	})
}

// DiscountResponse is the success body of the discount endpoint.
type DiscountResponse struct {
	DiscountAmount decimal.Decimal
	DiscountReason string
	PointsDiscount decimal.Decimal
}

// Encode implements json encoding.
func (r DiscountResponse) Encode(e *jx.Encoder) {
	e.ObjStart()
	encodeAmount(e, "discountAmount", r.DiscountAmount)
	if r.DiscountReason != "" {
		e.FieldStart("discountReason")
		e.Str(r.DiscountReason)
	}
	encodeAmount(e, "pointsDiscount", r.PointsDiscount)
	e.ObjEnd()
}

// Decode implements json decoding.
func (r *DiscountResponse) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "discountAmount":
			r.DiscountAmount, err = cart.DecodeAmount(d)
		case "pointsDiscount":
			r.PointsDiscount, err = cart.DecodeAmount(d)
		case "discountReason":
			if d.Next() == jx.Null {
				return d.Null()
			}
			r.DiscountReason, err = d.Str()
		default:
			return d.Skip()
		}
		return fieldErr(err, key)
	})
}

// Result converts the response into a discount breakdown. The reason string
// is split into its ordered segments.
func (r DiscountResponse) Result() *discount.Result {
	var reasons []string
	for _, s := range strings.Split(r.DiscountReason, ReasonSeparator) {
		if s = strings.TrimSpace(s); s != "" {
			reasons = append(reasons, s)
		}
	}
	return &discount.Result{
		Amount:         r.DiscountAmount,
		Reasons:        reasons,
		PointsDiscount: r.PointsDiscount,
	}
}

func encodeDiscountRequest(req discount.Request) []byte {
	return encode(DiscountRequest{Subtotal: req.Subtotal, PointsToUse: req.PointsToUse})
}

func decodeDiscountResponse(data []byte) (*discount.Result, error) {
	var r DiscountResponse
	if err := r.Decode(jx.DecodeBytes(data)); err != nil {
		return nil, err
	}
	return r.Result(), nil
}

// Profile is the subset of the user profile the cart core consumes.
type Profile struct {
	ID           string
	Name         string
	Email        string
	RewardPoints int64
}

// Encode implements json encoding.
func (p Profile) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("_id")
	e.Str(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("email")
	e.Str(p.Email)
	e.FieldStart("rewardPoints")
	e.Int64(p.RewardPoints)
	e.ObjEnd()
}

// Decode implements json decoding. A profile wrapped in a "user" object is
// accepted as well.
func (p *Profile) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "user":
			return p.Decode(d)
		case "_id", "id":
			p.ID, err = d.Str()
		case "name":
			p.Name, err = d.Str()
		case "email":
			p.Email, err = d.Str()
		case "rewardPoints":
			if d.Next() == jx.Null {
				return d.Null()
			}
			p.RewardPoints, err = decodeCount(d)
		default:
			return d.Skip()
		}
		return fieldErr(err, key)
	})
}

func decodeProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := p.Decode(jx.DecodeBytes(data)); err != nil {
		return nil, err
	}
	if p.RewardPoints < 0 {
		p.RewardPoints = 0
	}
	return &p, nil
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string
	Name      string
	ColorName string
	Size      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// OrderItemsFromCart converts cart lines into order lines.
func OrderItemsFromCart(c cart.Cart) []OrderItem {
	items := make([]OrderItem, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, OrderItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			ColorName: it.ColorName,
			Size:      it.Size,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return items
}

// Encode implements json encoding.
func (i OrderItem) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("productId")
	e.Str(i.ProductID)
	e.FieldStart("name")
	e.Str(i.Name)
	e.FieldStart("colorName")
	e.Str(i.ColorName)
	e.FieldStart("size")
	e.Str(i.Size)
	e.FieldStart("quantity")
	e.Int(i.Quantity)
	encodeAmount(e, "price", i.UnitPrice)
	e.ObjEnd()
}

// Decode implements json decoding.
func (i *OrderItem) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			i.ProductID, err = d.Str()
		case "name":
			i.Name, err = d.Str()
		case "colorName":
			i.ColorName, err = d.Str()
		case "size":
			i.Size, err = d.Str()
		case "quantity":
			i.Quantity, err = d.Int()
		case "price":
			i.UnitPrice, err = cart.DecodeAmount(d)
		default:
			return d.Skip()
		}
		return fieldErr(err, key)
	})
}

// Contact is the buyer's delivery contact.
type Contact struct {
	Name       string
	Email      string
	Phone      string
	Address    string
	City       string
	PostalCode string
}

func (c Contact) encodeFields(e *jx.Encoder) {
	fields := [...]struct{ k, v string }{
		{"name", c.Name},
		{"email", c.Email},
		{"phone", c.Phone},
		{"address", c.Address},
		{"city", c.City},
		{"postalCode", c.PostalCode},
	}
	for _, f := range fields {
		e.FieldStart(f.k)
		e.Str(f.v)
	}
}

func (c *Contact) decodeField(d *jx.Decoder, key string) (bool, error) {
	var dst *string
	switch key {
	case "name":
		dst = &c.Name
	case "email":
		dst = &c.Email
	case "phone":
		dst = &c.Phone
	case "address":
		dst = &c.Address
	case "city":
		dst = &c.City
	case "postalCode":
		dst = &c.PostalCode
	default:
		return false, nil
	}
	v, err := d.Str()
	*dst = v
	return true, err
}

// Attachment is a binary file sent with an order, such as a payment receipt.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// OrderRequest is the body of POST /orders. Amounts come from the pricing
// snapshot the buyer confirmed; Discount is the promotional discount plus
// the value of redeemed points.
type OrderRequest struct {
	Items          []OrderItem
	Subtotal       decimal.Decimal
	ShippingCharge decimal.Decimal
	Discount       decimal.Decimal
	DiscountReason string
	Total          decimal.Decimal
	PointsUsed     int64
	Country        string
	Province       string
	Contact        Contact
	PaymentMethod  string
	Receipt        *Attachment
}

// Encode implements json encoding.
func (r OrderRequest) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range r.Items {
		it.Encode(e)
	}
	e.ArrEnd()
	encodeAmount(e, "subtotal", r.Subtotal)
	encodeAmount(e, "shippingCharge", r.ShippingCharge)
	encodeAmount(e, "discount", r.Discount)
	if r.DiscountReason != "" {
		e.FieldStart("discountReason")
		e.Str(r.DiscountReason)
	}
	encodeAmount(e, "total", r.Total)
	e.FieldStart("pointsUsed")
	e.Int64(r.PointsUsed)

	e.FieldStart("shippingAddress")
	e.ObjStart()
	r.Contact.encodeFields(e)
	e.FieldStart("country")
	e.Str(r.Country)
	e.FieldStart("province")
	e.Str(r.Province)
	e.ObjEnd()

	e.FieldStart("paymentMethod")
	e.Str(r.PaymentMethod)
	if r.Receipt != nil {
		e.FieldStart("paymentReceipt")
		e.ObjStart()
		e.FieldStart("name")
		e.Str(r.Receipt.Name)
		e.FieldStart("contentType")
		e.Str(r.Receipt.ContentType)
		e.FieldStart("data")
		e.Base64(r.Receipt.Data)
		e.ObjEnd()
	}
	e.ObjEnd()
}

// Decode implements json decoding.
func (r *OrderRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var it OrderItem
				if err := it.Decode(d); err != nil {
					return err
				}
				r.Items = append(r.Items, it)
				return nil
			})
		case "subtotal":
			r.Subtotal, err = cart.DecodeAmount(d)
		case "shippingCharge":
			r.ShippingCharge, err = cart.DecodeAmount(d)
		case "discount":
			r.Discount, err = cart.DecodeAmount(d)
		case "discountReason":
			r.DiscountReason, err = d.Str()
		case "total":
			r.Total, err = cart.DecodeAmount(d)
		case "pointsUsed":
			r.PointsUsed, err = decodeCount(d)
		case "shippingAddress":
			err = d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "country":
					v, err := d.Str()
					r.Country = v
					return err
				case "province":
					v, err := d.Str()
					r.Province = v
					return err
				}
				ok, err := r.Contact.decodeField(d, key)
				if !ok {
					return d.Skip()
				}
				return err
			})
		case "paymentMethod":
			r.PaymentMethod, err = d.Str()
		case "paymentReceipt":
			if d.Next() == jx.Null {
				return d.Null()
			}
			a := &Attachment{}
			err = d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "name":
					a.Name, err = d.Str()
				case "contentType":
					a.ContentType, err = d.Str()
				case "data":
					a.Data, err = d.Base64()
				default:
					return d.Skip()
				}
				return err
			})
			r.Receipt = a
		default:
			return d.Skip()
		}
		return fieldErr(err, key)
	})
}

func encodeOrderRequest(r OrderRequest) []byte {
	return encode(r)
}

// OrderConfirmation is the success body of POST /orders.
type OrderConfirmation struct {
	ID     string
	Status string
}

// Encode implements json encoding.
func (c OrderConfirmation) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("_id")
	e.Str(c.ID)
	e.FieldStart("status")
	e.Str(c.Status)
	e.ObjEnd()
}

// Decode implements json decoding. An order wrapped in an "order" object is
// accepted as well.
func (c *OrderConfirmation) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "order":
			return c.Decode(d)
		case "_id", "id":
			c.ID, err = d.Str()
		case "status":
			c.Status, err = d.Str()
		default:
			return d.Skip()
		}
		return fieldErr(err, key)
	})
}

func decodeOrderConfirmation(data []byte) (*OrderConfirmation, error) {
	var c OrderConfirmation
	if err := c.Decode(jx.DecodeBytes(data)); err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, errors.New("order id missing")
	}
	return &c, nil
}

// ErrorResponse is the body of a non-2xx response.
type ErrorResponse struct {
	Message string
}

// Encode implements json encoding.
func (r ErrorResponse) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("message")
	e.Str(r.Message)
	e.ObjEnd()
}

// decodeErrorMessage extracts the message of an error body, falling back to
// the raw text when the body is not the expected object.
func decodeErrorMessage(raw []byte) string {
	var msg string
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		if key != "message" || d.Next() != jx.String {
			return d.Skip()
		}
		v, err := d.Str()
		msg = v
		return err
	})
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	return msg
}

// Marshal renders v as JSON.
func Marshal(v encoder) []byte {
	return encode(v)
}

func fieldErr(err error, key string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "field %q", key)
}
