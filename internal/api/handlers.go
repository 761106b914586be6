package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/chain"
	"github.com/ppezzull/1balancer-sub000/internal/fault"
	"github.com/ppezzull/1balancer-sub000/internal/quote"
	"github.com/ppezzull/1balancer-sub000/internal/session"
	"github.com/ppezzull/1balancer-sub000/pkg/helpers"
)

// SessionRequest is the POST /sessions body.
type SessionRequest struct {
	SourceChain          string `json:"source_chain"`
	DestinationChain     string `json:"destination_chain"`
	SourceToken          string `json:"source_token"`
	DestinationToken     string `json:"destination_token"`
	SourceAmount         string `json:"source_amount"`
	DestinationAmount    string `json:"destination_amount"`
	Maker                string `json:"maker"`
	Taker                string `json:"taker"`
	DestinationAddress   string `json:"destination_address,omitempty"`
	SlippageToleranceBPS int64  `json:"slippage_tolerance_bps"`
	Urgency              string `json:"urgency,omitempty"`
	ExpiresInSeconds     int64  `json:"expires_in_seconds,omitempty"`
}

// SessionSummary is the creation response.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Hashlock  string    `json:"hashlock"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

type lockView struct {
	ChainRef    string    `json:"chain_ref"`
	ContractRef string    `json:"contract_ref"`
	Amount      string    `json:"amount"`
	Timeout     time.Time `json:"timeout"`
	ObservedAt  time.Time `json:"observed_at"`
}

type endpointView struct {
	ChainID string `json:"chain_id"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

type sessionView struct {
	SessionID          string                  `json:"session_id"`
	Hashlock           string                  `json:"hashlock"`
	Status             string                  `json:"status"`
	FailureReason      string                  `json:"failure_reason,omitempty"`
	Progress           int                     `json:"progress"`
	Source             endpointView            `json:"source"`
	Destination        endpointView            `json:"destination"`
	Maker              string                  `json:"maker"`
	Taker              string                  `json:"taker"`
	DestinationAddress string                  `json:"destination_address,omitempty"`
	SlippageBPS        int64                   `json:"slippage_bps"`
	CreatedAt          time.Time               `json:"created_at"`
	ExpiresAt          time.Time               `json:"expires_at"`
	Timelocks          *chain.Timelocks        `json:"timelocks,omitempty"`
	Locks              map[string]*lockView    `json:"locks"`
	Steps              []session.ExecutionStep `json:"steps"`
}

func viewOf(sess *session.Session) *sessionView {
	v := &sessionView{
		SessionID:          sess.ID,
		Hashlock:           sess.Hashlock,
		Status:             string(sess.Status),
		FailureReason:      string(sess.Reason),
		Progress:           sess.Status.Progress(),
		Source:             endpointViewOf(sess.Source),
		Destination:        endpointViewOf(sess.Destination),
		Maker:              sess.Maker,
		Taker:              sess.Taker,
		DestinationAddress: sess.DestinationAddress,
		SlippageBPS:        sess.SlippageBPS,
		CreatedAt:          sess.CreatedAt,
		ExpiresAt:          sess.ExpiresAt,
		Timelocks:          sess.Timelocks,
		Locks:              map[string]*lockView{"src": lockViewOf(sess.Source.Lock), "dst": lockViewOf(sess.Destination.Lock)},
		Steps:              sess.Steps,
	}
	if v.Steps == nil {
		v.Steps = []session.ExecutionStep{}
	}
	return v
}

func endpointViewOf(e session.Endpoint) endpointView {
	v := endpointView{ChainID: e.ChainID, Token: e.Token}
	if e.Amount != nil {
		v.Amount = e.Amount.String()
	}
	return v
}

func lockViewOf(l *session.Lock) *lockView {
	if l == nil {
		return nil
	}
	v := &lockView{
		ChainRef:    l.ChainRef,
		ContractRef: l.ContractRef,
		Timeout:     l.Timeout,
		ObservedAt:  l.ObservedAt,
	}
	if l.Amount != nil {
		v.Amount = l.Amount.String()
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connections := map[string]bool{"src": false, "dst": false}
	if s.status != nil {
		for side, up := range s.status.Connected() {
			connections[string(side)] = up
		}
	}
	status := "healthy"
	for _, up := range connections {
		if !up {
			status = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"connections": connections,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.New(fault.InvalidInput, "malformed request body"))
		return
	}

	sess, err := s.sessions.Create(&session.CreateRequest{
		SourceChain:        req.SourceChain,
		DestinationChain:   req.DestinationChain,
		SourceToken:        req.SourceToken,
		DestinationToken:   req.DestinationToken,
		SourceAmount:       req.SourceAmount,
		DestinationAmount:  req.DestinationAmount,
		Maker:              req.Maker,
		Taker:              req.Taker,
		DestinationAddress: req.DestinationAddress,
		SlippageBPS:        req.SlippageToleranceBPS,
		Urgency:            req.Urgency,
		ExpiresIn:          time.Duration(req.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, SessionSummary{
		SessionID: sess.ID,
		Hashlock:  sess.Hashlock,
		Status:    string(sess.Status),
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []*session.Session
	if party := r.URL.Query().Get("party"); party != "" {
		sessions = s.sessions.ListByParty(party)
	} else {
		sessions = s.sessions.List()
	}

	views := make([]*sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(sess))
}

// executeRequest is the POST /sessions/{id}/execute body. The limit order
// payload is opaque to the orchestrator and recorded only for the trace.
type executeRequest struct {
	LimitOrder        json.RawMessage `json:"limit_order,omitempty"`
	ConfirmationLevel string          `json:"confirmation_level"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.New(fault.InvalidInput, "malformed request body"))
		return
	}

	level := chain.ConfirmationLevel(strings.ToLower(req.ConfirmationLevel))
	switch level {
	case "", chain.ConfirmationFast, chain.ConfirmationNormal, chain.ConfirmationSlow:
	default:
		s.writeError(w, fault.New(fault.InvalidInput, "confirmation_level must be fast, normal, or slow"))
		return
	}

	if err := s.sessions.Execute(r.PathValue("id"), level); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) handleSecret(w http.ResponseWriter, r *http.Request) {
	principal := r.URL.Query().Get("principal")
	if principal == "" {
		s.writeError(w, fault.New(fault.InvalidInput, "principal query parameter is required"))
		return
	}

	secret, err := s.sessions.ReleaseSecret(r.PathValue("id"), principal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (s *Server) handleCheckTimeout(w http.ResponseWriter, r *http.Request) {
	status, err := s.sessions.CheckTimeout(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleExecutionSteps(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	steps := sess.Steps
	if steps == nil {
		steps = []session.ExecutionStep{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// QuoteRequest is the POST /quote body.
type QuoteRequest struct {
	SourceToken          string `json:"source_token"`
	DestinationToken     string `json:"destination_token"`
	SourceAmount         string `json:"source_amount"`
	SourceDecimals       uint8  `json:"source_decimals"`
	DestinationDecimals  uint8  `json:"destination_decimals"`
	SlippageToleranceBPS int64  `json:"slippage_tolerance_bps"`
	Urgency              string `json:"urgency"`
}

// QuoteResponse is the quote payload. The formatted amount is the
// destination amount rendered in whole tokens for display.
type QuoteResponse struct {
	DstAmount          string      `json:"dst_amount"`
	DstAmountFormatted string      `json:"dst_amount_formatted"`
	Rate               string      `json:"rate"`
	DutchAuction       auctionView `json:"dutch_auction"`
	Fees               quote.Fees  `json:"fees"`
	ValidUntil         time.Time   `json:"valid_until"`
}

type auctionView struct {
	StartPrice      string `json:"start_price"`
	EndPrice        string `json:"end_price"`
	DurationSeconds int64  `json:"duration_seconds"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.New(fault.InvalidInput, "malformed request body"))
		return
	}

	amount, err := parseAmount(req.SourceAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	snap, err := s.prices.Snapshot(r.Context(), req.SourceToken, req.DestinationToken)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.quotes.Compute(&quote.Request{
		SrcToken:    req.SourceToken,
		DstToken:    req.DestinationToken,
		SrcAmount:   amount,
		SrcDecimals: req.SourceDecimals,
		DstDecimals: req.DestinationDecimals,
		SlippageBPS: req.SlippageToleranceBPS,
		Urgency:     quote.Urgency(strings.ToLower(req.Urgency)),
	}, snap)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, QuoteResponse{
		DstAmount:          resp.DstAmount.String(),
		DstAmountFormatted: helpers.FormatAmount(resp.DstAmount, req.DestinationDecimals),
		Rate:               resp.Rate,
		DutchAuction: auctionView{
			StartPrice:      resp.DutchAuction.StartPrice,
			EndPrice:        resp.DutchAuction.EndPrice,
			DurationSeconds: int64(resp.DutchAuction.Duration / time.Second),
		},
		Fees:       resp.Fees,
		ValidUntil: resp.ValidUntil,
	})
}

// parseAmount parses a positive decimal integer amount.
func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fault.New(fault.InvalidInput, "source_amount must be a positive integer string")
	}
	return amount, nil
}
