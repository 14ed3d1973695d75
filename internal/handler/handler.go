// Package handler serves the storefront's backend-for-frontend API. Each
// browser session owns a shared cart and four mounted pricing views; the
// handlers translate HTTP calls into view operations and render view models.
package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/kart-sync/internal/commerce"
	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/checkout"
	"github.com/xenking/kart-sync/internal/domain/shipping"
	"github.com/xenking/kart-sync/internal/eventbus"
	"github.com/xenking/kart-sync/internal/view"
)

// SessionHeader carries the browser session id. Requests without one get a
// fresh id, echoed back in the response.
const SessionHeader = "X-Session-ID"

const (
	// DefaultWaitTimeout bounds long-polling on a view revision.
	DefaultWaitTimeout = 25 * time.Second
	maxWaitTimeout     = time.Minute
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// WaitTimeout bounds GET /api/summary/{view}?after=N.
	WaitTimeout time.Duration
}

// Handler routes BFF requests to session views.
type Handler struct {
	sessions    *Registry
	attachments *checkout.Attachments
	waitTimeout time.Duration
	lg          *zap.Logger
}

// NewHandler constructs a Handler. attachments may be nil, which disables
// receipt uploads.
func NewHandler(cfg Config, sessions *Registry, attachments *checkout.Attachments, lg *zap.Logger) *Handler {
	if lg == nil {
		lg = zap.NewNop()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	return &Handler{
		sessions:    sessions,
		attachments: attachments,
		waitTimeout: min(cfg.WaitTimeout, maxWaitTimeout),
		lg:          lg,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cart", h.withView(view.CartPage, h.getView))
	mux.HandleFunc("POST /api/cart/items", h.withView(view.CartPage, h.addItem))
	mux.HandleFunc("PATCH /api/cart/items", h.withView(view.CartPage, h.changeQuantity))
	mux.HandleFunc("DELETE /api/cart/items", h.withView(view.CartPage, h.removeItem))

	mux.HandleFunc("GET /api/summary/{view}", h.withPathView(h.getView))
	mux.HandleFunc("PUT /api/summary/{view}/points", h.withPathView(h.setPoints))
	mux.HandleFunc("PUT /api/summary/{view}/destination", h.withPathView(h.setDestination))
	mux.HandleFunc("POST /api/summary/{view}/retry", h.withPathView(h.retry))

	mux.HandleFunc("POST /api/checkout", h.withView(view.Checkout, h.placeOrder))
	mux.HandleFunc("POST /api/checkout/attachments", h.uploadAttachment)
}

type viewHandler func(w http.ResponseWriter, r *http.Request, v *view.View)

func (h *Handler) withView(kind view.Kind, next viewHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := h.resolve(w, r, kind)
		if !ok {
			return
		}
		next(w, r, v)
	}
}

func (h *Handler) withPathView(next viewHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := view.ParseKind(r.PathValue("view"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		v, ok := h.resolve(w, r, kind)
		if !ok {
			return
		}
		next(w, r, v)
	}
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, kind view.Kind) (*view.View, bool) {
	id := sessionID(r)
	w.Header().Set(SessionHeader, id)

	sess, err := h.sessions.Session(r.Context(), id, bearerToken(r))
	if err != nil {
		h.fail(w, r, errors.Wrap(err, "open session"))
		return nil, false
	}
	v, ok := sess.View(kind)
	if !ok {
		v = sess.Mount(r.Context(), kind)
	}
	return v, true
}

// sessionID returns the request's session id, issuing one when the header is
// missing or malformed.
func sessionID(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return uuid.NewString()
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

func (h *Handler) render(w http.ResponseWriter, status int, v *view.View) {
	m := v.Render()
	writeJSON(w, status, func(e *jx.Encoder) { encodeModel(e, m) })
}

// getView renders a view. With ?after=N it waits until the view's revision
// passes N or the wait timeout elapses, then renders whatever it has.
func (h *Handler) getView(w http.ResponseWriter, r *http.Request, v *view.View) {
	after := r.URL.Query().Get("after")
	if after == "" {
		h.render(w, http.StatusOK, v)
		return
	}
	rev, err := strconv.ParseUint(after, 10, 64)
	if err != nil {
		h.fail(w, r, errors.Wrapf(errBadRequest, "after: %v", err))
		return
	}
	h.waitRevision(r.Context(), v, rev)
	h.render(w, http.StatusOK, v)
}

func (h *Handler) waitRevision(ctx context.Context, v *view.View, after uint64) {
	if v.Status().Revision > after {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.waitTimeout)
	defer cancel()

	changed := make(chan struct{}, 1)
	unsubscribe := v.Session().Bus().Subscribe(eventbus.TopicPricingUpdated, func(_ context.Context, ev eventbus.Event) error {
		u, ok := ev.Payload.(view.PricingUpdate)
		if !ok || u.Kind != v.Kind() || u.Status.Revision <= after {
			return nil
		}
		select {
		case changed <- struct{}{}:
		default:
		}
		return nil
	})
	defer unsubscribe()

	// The revision may have moved between the first check and Subscribe.
	if v.Status().Revision > after {
		return
	}
	select {
	case <-changed:
	case <-ctx.Done():
	}
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request, v *view.View) {
	var item cart.Item
	if err := readBody(w, r, func(d *jx.Decoder) (err error) {
		item, err = cart.DecodeItem(d)
		return err
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := v.AddItem(r.Context(), item); err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, http.StatusOK, v)
}

func (h *Handler) changeQuantity(w http.ResponseWriter, r *http.Request, v *view.View) {
	var line lineRequest
	if err := readBody(w, r, line.Decode); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := v.ChangeQuantity(r.Context(), line.Key, line.Quantity); err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, http.StatusOK, v)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request, v *view.View) {
	q := r.URL.Query()
	k := cart.Key{
		ProductID: q.Get("productId"),
		ColorName: q.Get("colorName"),
		Size:      q.Get("size"),
	}
	if k.ProductID == "" {
		h.fail(w, r, errors.Wrap(errBadRequest, "productId is required"))
		return
	}
	if err := v.RemoveItem(r.Context(), k); err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, http.StatusOK, v)
}

func (h *Handler) setPoints(w http.ResponseWriter, r *http.Request, v *view.View) {
	var points int64
	if err := readBody(w, r, func(d *jx.Decoder) (err error) {
		points, err = decodePoints(d)
		return err
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := v.SetPoints(r.Context(), points); err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, http.StatusOK, v)
}

func (h *Handler) setDestination(w http.ResponseWriter, r *http.Request, v *view.View) {
	var dest *shipping.Destination
	if err := readBody(w, r, func(d *jx.Decoder) (err error) {
		dest, err = decodeDestination(d)
		return err
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := v.SetDestination(r.Context(), dest); err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, http.StatusOK, v)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request, v *view.View) {
	if err := v.Retry(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, http.StatusAccepted, v)
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request, v *view.View) {
	var form view.OrderForm
	if err := readBody(w, r, func(d *jx.Decoder) (err error) {
		form, err = decodeOrderForm(d)
		return err
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := v.PlaceOrder(r.Context(), form)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.lg.Info("Order placed",
		zap.String("session", v.Session().ID()),
		zap.String("order_id", res.OrderID),
	)
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, res) })
}

// uploadAttachment accepts a multipart "receipt" file and keeps it until the
// order is placed or it expires.
func (h *Handler) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	if h.attachments == nil {
		h.fail(w, r, view.ErrCheckoutUnavailable)
		return
	}
	w.Header().Set(SessionHeader, sessionID(r))

	limit := int64(h.attachments.MaxSize()) + 64<<10
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	file, header, err := r.FormFile("receipt")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, checkout.ErrAttachmentTooLarge)
			return
		}
		h.fail(w, r, errors.Wrap(errBadRequest, err.Error()))
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		h.fail(w, r, errors.Wrap(errBadRequest, err.Error()))
		return
	}
	id, err := h.attachments.Put(commerce.Attachment{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(id)
		e.FieldStart("name")
		e.Str(header.Filename)
		e.FieldStart("size")
		e.Int(len(data))
		e.ObjEnd()
	})
}
