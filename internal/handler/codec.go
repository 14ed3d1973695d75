package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-sync/internal/commerce"
	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/checkout"
	"github.com/xenking/kart-sync/internal/domain/shipping"
	"github.com/xenking/kart-sync/internal/view"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

var errBadRequest = errors.New("bad request")

func num(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.String()))
}

func encodeModel(e *jx.Encoder, m view.Model) {
	e.ObjStart()
	e.FieldStart("view")
	e.Str(m.Kind.String())
	e.FieldStart("state")
	e.Str(m.State.String())
	e.FieldStart("revision")
	e.UInt64(m.Revision)

	e.FieldStart("items")
	e.ArrStart()
	for _, it := range m.Items {
		cart.EncodeItem(e, it)
	}
	e.ArrEnd()
	e.FieldStart("quantity")
	e.Int(m.Quantity)

	s := m.Snapshot
	e.FieldStart("subtotal")
	num(e, s.Subtotal)
	e.FieldStart("shippingCharge")
	num(e, s.ShippingCharge)
	e.FieldStart("discount")
	num(e, s.DiscountAmount)
	e.FieldStart("pointsDiscount")
	num(e, s.PointsRedeemed)
	e.FieldStart("total")
	num(e, s.Total)
	e.FieldStart("pointsToEarn")
	e.Int64(s.PointsToEarn)

	e.FieldStart("points")
	e.ObjStart()
	e.FieldStart("requested")
	e.Int64(m.PointsRequested)
	e.FieldStart("applied")
	e.Int64(m.PointsApplied)
	e.FieldStart("available")
	e.Int64(m.PointsAvailable)
	e.ObjEnd()

	e.FieldStart("discountReason")
	e.Str(m.DiscountReason)
	e.FieldStart("discountReasons")
	e.ArrStart()
	for _, r := range m.DiscountReasons {
		e.Str(r)
	}
	e.ArrEnd()

	e.FieldStart("destination")
	if m.Destination == nil {
		e.Null()
	} else {
		encodeDestination(e, *m.Destination)
	}
	e.FieldStart("freeShipping")
	e.Bool(m.FreeShipping)
	e.FieldStart("untilFreeShipping")
	num(e, m.UntilFreeShipping)

	if m.Failure != "" {
		e.FieldStart("failure")
		e.Str(m.Failure)
	}
	e.FieldStart("retryable")
	e.Bool(m.Retryable)
	e.ObjEnd()
}

func encodeDestination(e *jx.Encoder, d shipping.Destination) {
	e.ObjStart()
	e.FieldStart("countryCode")
	e.Str(d.CountryCode)
	e.FieldStart("countryName")
	e.Str(d.CountryName)
	e.FieldStart("provinceOrState")
	e.Str(d.ProvinceOrState)
	if d.ShippingOverride != nil {
		e.FieldStart("shippingOverride")
		num(e, *d.ShippingOverride)
	}
	e.ObjEnd()
}

func decodeDestination(d *jx.Decoder) (*shipping.Destination, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	var dest shipping.Destination
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "countryCode":
			dest.CountryCode, err = d.Str()
		case "countryName":
			dest.CountryName, err = d.Str()
		case "provinceOrState":
			dest.ProvinceOrState, err = d.Str()
		case "shippingOverride":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v decimal.Decimal
			v, err = cart.DecodeAmount(d)
			dest.ShippingOverride = &v
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &dest, nil
}

// lineRequest addresses a cart line and optionally sets its quantity.
type lineRequest struct {
	Key      cart.Key
	Quantity int
}

func (l *lineRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			l.Key.ProductID, err = d.Str()
		case "colorName":
			l.Key.ColorName, err = d.Str()
		case "size":
			l.Key.Size, err = d.Str()
		case "quantity":
			l.Quantity, err = d.Int()
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
}

func decodePoints(d *jx.Decoder) (int64, error) {
	var points int64
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "points" {
			return d.Skip()
		}
		var err error
		points, err = d.Int64()
		return err
	})
	return points, err
}

func decodeOrderForm(d *jx.Decoder) (view.OrderForm, error) {
	var f view.OrderForm
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "contact":
			f.Contact, err = decodeContact(d)
		case "paymentMethod":
			f.PaymentMethod, err = d.Str()
		case "attachmentId":
			f.AttachmentID, err = d.Str()
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
	return f, err
}

func decodeContact(d *jx.Decoder) (commerce.Contact, error) {
	var c commerce.Contact
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			c.Name, err = d.Str()
		case "email":
			c.Email, err = d.Str()
		case "phone":
			c.Phone, err = d.Str()
		case "address":
			c.Address, err = d.Str()
		case "city":
			c.City, err = d.Str()
		case "postalCode":
			c.PostalCode, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	})
	return c, err
}

func encodeOrder(e *jx.Encoder, res *checkout.Result) {
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(res.OrderID)
	e.FieldStart("status")
	e.Str(res.Status)
	e.FieldStart("subtotal")
	num(e, res.Snapshot.Subtotal)
	e.FieldStart("shippingCharge")
	num(e, res.Snapshot.ShippingCharge)
	e.FieldStart("discount")
	num(e, res.Snapshot.CombinedDiscount())
	e.FieldStart("total")
	num(e, res.Snapshot.Total)
	e.FieldStart("pointsUsed")
	e.Int64(res.Snapshot.PointsUsed)
	e.FieldStart("pointsToEarn")
	e.Int64(res.Snapshot.PointsToEarn)
	e.ObjEnd()
}

// readBody reads a bounded JSON body and hands it to decode.
func readBody(w http.ResponseWriter, r *http.Request, decode func(d *jx.Decoder) error) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.Wrapf(errBadRequest, "unsupported content type %q", ct)
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	if len(data) == 0 {
		return errors.Wrap(errBadRequest, "empty body")
	}
	if err := decode(jx.DecodeBytes(data)); err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string, retryable bool) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(message)
		if retryable {
			e.FieldStart("retryable")
			e.Bool(true)
		}
		e.ObjEnd()
	})
}
