// Package commercetest provides an in-process fake of the commerce API for
// tests.
package commercetest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-sync/internal/commerce"
)

// DiscountCall records one request to the discount endpoint.
type DiscountCall struct {
	Token   string
	Request commerce.DiscountRequest
}

type failure struct {
	status  int
	message string
}

// Server is a fake commerce backend. Accounts are keyed by bearer token.
type Server struct {
	srv *httptest.Server

	mu            sync.Mutex
	accounts      map[string]*commerce.Profile
	rules         []Rule
	pointValue    decimal.Decimal
	discountCalls []DiscountCall
	orders        []commerce.OrderRequest
	discountFail  *failure
	orderFail     *failure
	hold          chan struct{}
}

// DefaultRules is the promotion set a new Server starts with.
func DefaultRules() []Rule {
	return []Rule{
		{Type: RulePercentage, Value: decimal.NewFromInt(5), MinSubtotal: decimal.NewFromInt(1000), Description: "Loyalty 5%"},
		{Type: RuleFixed, Value: decimal.NewFromInt(300), MinSubtotal: decimal.NewFromInt(8000), Description: "Big basket 300 off"},
	}
}

// NewServer starts a Server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		accounts:   make(map[string]*commerce.Profile),
		rules:      DefaultRules(),
		pointValue: decimal.NewFromInt(1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders/calculate-discount", s.handleDiscount)
	mux.HandleFunc("GET /users/profile", s.handleProfile)
	mux.HandleFunc("POST /orders", s.handleOrder)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL is the base URL of the server.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the server down.
func (s *Server) Close() {
	s.Release()
	s.srv.Close()
}

// AddAccount registers an account reachable with token.
func (s *Server) AddAccount(token string, p commerce.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.accounts[token] = &p
}

// RewardPoints returns the current balance of the account behind token.
func (s *Server) RewardPoints(token string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.accounts[token]; ok {
		return p.RewardPoints
	}
	return 0
}

// SetRules replaces the promotion rules.
func (s *Server) SetRules(rules ...Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// FailDiscounts makes the discount endpoint answer with status and message
// until ClearFailures is called.
func (s *Server) FailDiscounts(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discountFail = &failure{status: status, message: message}
}

// FailOrders makes the order endpoint answer with status and message until
// ClearFailures is called.
func (s *Server) FailOrders(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderFail = &failure{status: status, message: message}
}

// ClearFailures restores normal responses.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discountFail = nil
	s.orderFail = nil
}

// Hold blocks discount responses until Release.
func (s *Server) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold == nil {
		s.hold = make(chan struct{})
	}
}

// Release unblocks held discount responses.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

// DiscountCalls returns the discount requests received so far.
func (s *Server) DiscountCalls() []DiscountCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DiscountCall, len(s.discountCalls))
	copy(out, s.discountCalls)
	return out
}

// Orders returns the orders accepted so far.
func (s *Server) Orders() []commerce.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]commerce.OrderRequest, len(s.orders))
	copy(out, s.orders)
	return out
}

func (s *Server) handleDiscount(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)
	var req commerce.DiscountRequest
	if err := decodeBody(r, req.Decode); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	s.discountCalls = append(s.discountCalls, DiscountCall{Token: token, Request: req})
	hold := s.hold
	fail := s.discountFail
	account, ok := s.accounts[token]
	rules := s.rules
	pointValue := s.pointValue
	var balance int64
	if ok {
		balance = account.RewardPoints
	}
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}
	if fail != nil {
		writeError(w, fail.status, fail.message)
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}
	if req.PointsToUse < 0 || req.PointsToUse > balance {
		writeError(w, http.StatusBadRequest, "Insufficient reward points")
		return
	}

	promo := ApplyRules(rules, req.Subtotal)
	points := decimal.NewFromInt(req.PointsToUse).Mul(pointValue)
	points = decimal.Min(points, floorAtZero(req.Subtotal.Sub(promo.Amount)))

	writeJSON(w, http.StatusOK, commerce.DiscountResponse{
		DiscountAmount: promo.Amount,
		DiscountReason: promo.Reason(),
		PointsDiscount: points,
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	account, ok := s.accounts[bearer(r)]
	var p commerce.Profile
	if ok {
		p = *account
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req commerce.OrderRequest
	if err := decodeBody(r, req.Decode); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "No order items")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orderFail != nil {
		writeError(w, s.orderFail.status, s.orderFail.message)
		return
	}
	if account, ok := s.accounts[bearer(r)]; ok && req.PointsUsed > 0 {
		account.RewardPoints = max(0, account.RewardPoints-req.PointsUsed)
	}
	s.orders = append(s.orders, req)
	writeJSON(w, http.StatusCreated, commerce.OrderConfirmation{ID: uuid.NewString(), Status: "pending"})
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func decodeBody(r *http.Request, decode func(d *jx.Decoder) error) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return decode(jx.DecodeBytes(data))
}

type encoder interface {
	Encode(e *jx.Encoder)
}

func writeJSON(w http.ResponseWriter, status int, v encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(commerce.Marshal(v))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, commerce.ErrorResponse{Message: message})
}
