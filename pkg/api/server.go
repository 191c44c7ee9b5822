// Package api serves a node's sessions and orders over REST and pushes
// their changes to websocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradewire/pkg/crypto"
	"github.com/uhyunpark/tradewire/pkg/engine"
	"github.com/uhyunpark/tradewire/pkg/negotiation"
	"github.com/uhyunpark/tradewire/pkg/orders"
	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/relay"
	"github.com/uhyunpark/tradewire/pkg/session"
	"github.com/uhyunpark/tradewire/pkg/util"
)

// Server handles REST API and WebSocket connections
type Server struct {
	node   *engine.Node
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	// AllowedOrigins feeds the CORS policy.
	AllowedOrigins []string
}

func NewServer(node *engine.Node, log *zap.SugaredLogger) *Server {
	log = util.OrNop(log)
	s := &Server{
		node:           node,
		router:         mux.NewRouter(),
		hub:            NewHub(log),
		log:            log,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Session endpoints
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{order}/{counterparty}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{order}/{counterparty}/settlement", s.handleSettlement).Methods("POST")
	api.HandleFunc("/sessions/{order}/{counterparty}/respond", s.handleRespond).Methods("POST")
	api.HandleFunc("/sessions/{order}/{counterparty}/details", s.handleDetails).Methods("POST")
	api.HandleFunc("/sessions/{order}/{counterparty}/notes", s.handleNote).Methods("POST")
	api.HandleFunc("/sessions/{order}/{counterparty}/cancel", s.handleCancelSession).Methods("POST")
	api.HandleFunc("/sessions/{order}/{counterparty}/resend", s.handleResend).Methods("POST")

	// Order endpoints
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders", s.handlePublishOrder).Methods("POST")
	api.HandleFunc("/orders/discovered", s.handleDiscovered).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/take", s.handleTakeOrder).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", s.node.Metrics().Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router behind the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Hub exposes the push hub; Run must be running for websocket clients.
func (s *Server) Hub() *Hub { return s.hub }

// Start serves addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_server_starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// Session Handlers
// ==============================

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.node.Sessions.ListActive()
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		list = s.node.Sessions.List()
	}
	response := make([]SessionInfo, len(list))
	for i, in := range list {
		response[i] = sessionInfo(in)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	info, entries, found := s.node.Sessions.Get(key)
	if !found {
		respondError(w, http.StatusNotFound, "session not found", key.String())
		return
	}
	detail := SessionDetail{SessionInfo: sessionInfo(info), Order: info.Order, Log: make([]LogEntry, len(entries))}
	for i, e := range entries {
		detail.Log[i] = logEntry(e)
	}
	respondJSON(w, detail)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	var req SettlementRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	switch req.Action {
	case "begin":
		err = s.node.Sessions.BeginSettlement(r.Context(), key)
	case "confirm":
		err = s.node.Sessions.ConfirmSettlement(r.Context(), key)
	default:
		respondError(w, http.StatusBadRequest, "invalid action", `action must be "begin" or "confirm"`)
		return
	}
	s.respondSessionResult(w, key, err)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	var req RespondRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondSessionResult(w, key, s.node.Sessions.Respond(r.Context(), key, req.Status, req.Reasons...))
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	var req DetailsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondSessionResult(w, key, s.node.Sessions.ProposeDetails(r.Context(), key, req.Terms, req.Agree))
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	var note protocol.Note
	if !decodeBody(w, r, &note) {
		return
	}
	_, err := s.node.Sessions.SendNote(r.Context(), key, note)
	s.respondSessionResult(w, key, err)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondSessionResult(w, key, s.node.Sessions.Cancel(r.Context(), key, req.Reason))
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	s.respondSessionResult(w, key, s.node.Sessions.Resend(r.Context(), key))
}

// respondSessionResult maps a session action's error to a status code and
// otherwise returns the session's current summary.
func (s *Server) respondSessionResult(w http.ResponseWriter, key session.Key, err error) {
	if err != nil {
		respondError(w, statusFor(err), "session action failed", err.Error())
		return
	}
	info, _, ok := s.node.Sessions.Get(key)
	if !ok {
		// timed out sessions are evicted straight away
		respondJSON(w, map[string]string{"status": "ok"})
		return
	}
	respondJSON(w, sessionInfo(info))
}

// ==============================
// Order Handlers
// ==============================

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.node.Orders.List())
}

func (s *Server) handleDiscovered(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := protocol.Filter{
		Instrument: q.Get("instrument"),
		Side:       protocol.Side(q.Get("side")),
	}
	if q.Get("open") == "true" {
		f.Statuses = []protocol.OrderStatus{protocol.StatusPublished}
	}
	list := s.node.Orders.Discovered(f)
	if list == nil {
		list = []protocol.Order{}
	}
	respondJSON(w, list)
}

func (s *Server) handlePublishOrder(w http.ResponseWriter, r *http.Request) {
	var t orders.Terms
	if !decodeBody(w, r, &t) {
		return
	}
	o, err := s.node.PublishOrder(r.Context(), t)
	if err != nil {
		respondError(w, statusFor(err), "order not published", err.Error())
		return
	}
	respondStatus(w, http.StatusCreated, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.node.CancelOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil && !errors.Is(err, relay.ErrTransportFailure) {
		respondError(w, statusFor(err), "order not cancelled", err.Error())
		return
	}
	// cancelled locally even when no relay took the announcement
	respondJSON(w, o)
}

func (s *Server) handleTakeOrder(w http.ResponseWriter, r *http.Request) {
	var req TakeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key, err := s.node.TakeOrder(r.Context(), mux.Vars(r)["id"], protocol.OrderTake{
		Quantity:         req.Quantity,
		SettlementMethod: req.SettlementMethod,
		Specifics:        req.Specifics,
	})
	if err != nil && !errors.Is(err, relay.ErrTransportFailure) {
		respondError(w, statusFor(err), "order not taken", err.Error())
		return
	}
	// a failed send leaves the session open for Resend
	respondStatus(w, http.StatusCreated, map[string]any{"orderId": key.OrderID, "counterparty": key.Counterparty, "sent": err == nil})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:         "ok",
		PubKey:         s.node.Identity().PublicKey(),
		Relays:         len(s.node.Comm.Relays()),
		ActiveSessions: len(s.node.Sessions.ListActive()),
	})
}

// ==============================
// Broadcast Methods (called from the node)
// ==============================

// BroadcastSession pushes a session transition to the "sessions" channel.
func (s *Server) BroadcastSession(tr session.Transition) {
	update := SessionUpdate{
		Type:         "session",
		OrderID:      tr.Key.OrderID,
		Counterparty: tr.Key.Counterparty,
		Role:         tr.Role,
		From:         tr.From,
		To:           tr.To,
		Terms:        tr.Terms,
		Timestamp:    time.Now().UnixMilli(),
	}
	if tr.Envelope != nil {
		update.Kind = tr.Envelope.Kind
	}
	s.hub.BroadcastToChannel(ChannelSessions, update)
}

// BroadcastOrder pushes an order change to the "orders" channel.
func (s *Server) BroadcastOrder(o protocol.Order, local bool) {
	s.hub.BroadcastToChannel(ChannelOrders, OrderUpdate{Type: "order", Local: local, Order: o})
}

// ==============================
// Helper Functions
// ==============================

func sessionKey(w http.ResponseWriter, r *http.Request) (session.Key, bool) {
	vars := mux.Vars(r)
	pk, err := crypto.ParsePubKey(vars["counterparty"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid counterparty", err.Error())
		return session.Key{}, false
	}
	return session.Key{OrderID: vars["order"], Counterparty: pk}, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, orders.ErrUnknownOrder):
		return http.StatusNotFound
	case errors.Is(err, negotiation.ErrUnexpectedMessage), errors.Is(err, session.ErrSessionExists),
		errors.Is(err, orders.ErrOrderClosed), errors.Is(err, session.ErrTimeout):
		return http.StatusConflict
	case errors.Is(err, relay.ErrTransportFailure):
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func respondJSON(w http.ResponseWriter, data any) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
