package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/towline/internal/clock"
	"github.com/example/towline/internal/config"
	"github.com/example/towline/internal/dispatch"
	"github.com/example/towline/internal/engine"
	"github.com/example/towline/internal/geo"
	"github.com/example/towline/internal/ingest"
	"github.com/example/towline/internal/liveconfig"
	"github.com/example/towline/internal/logging"
	"github.com/example/towline/internal/models"
	"github.com/example/towline/internal/payments"
	"github.com/example/towline/internal/storage"
)

// Server exposes the engine's public operations over HTTP. Authentication
// is a collaborator outside this process; the acting actor id arrives
// explicitly on each call.
type Server struct {
	Engine   *engine.Engine
	Radius   *liveconfig.Radius
	Kafka    *ingest.KafkaProducer
	WSReg    *dispatch.WSRegistry
	Payments payments.Capturer
	Cfg      config.ServerConfig

	logger *slog.Logger
	mux    *mux.Router
}

func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.Store
	var radiusSrc liveconfig.Source = liveconfig.StaticSource(cfg.FallbackRadiusMeters)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
		radiusSrc = ps
	} else {
		store = storage.NewMemoryStore()
	}

	radius := liveconfig.NewRadius(radiusSrc, cfg.FallbackRadiusMeters, logger)

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, radius)
	} else {
		index = geo.NewMemoryIndex(radius)
	}

	wsreg := dispatch.NewWSRegistry()
	notifier := dispatch.NewChannelNotifier(
		dispatch.NewPushSender(cfg.PushEndpoint, ""),
		dispatch.NewSMSSender(cfg.SMSEndpoint, "", ""),
		wsreg,
		logger,
	)

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	eng := engine.New(store, index, notifier, clock.NewSystem(), logger,
		engine.WithBatchTimeout(cfg.BatchTimeout),
		engine.WithEventTimeout(cfg.EventTimeout),
	)

	s := &Server{
		Engine:   eng,
		Radius:   radius,
		Kafka:    kp,
		WSReg:    wsreg,
		Payments: payments.NewStripeClient(),
		Cfg:      cfg,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/batches", s.handleCreateBatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/batches/{id}", s.handleGetBatch).Methods("GET")
	s.mux.HandleFunc("/api/v1/batches/{id}", s.handleCancelBatch).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/requests/{id}/respond", s.handleRespond).Methods("POST")
	s.mux.HandleFunc("/api/v1/events/{id}", s.handleGetEvent).Methods("GET")
	s.mux.HandleFunc("/api/v1/events/{id}/action", s.handleEventAction).Methods("POST")
	s.mux.HandleFunc("/api/v1/events/{id}/payment", s.handlePayment).Methods("POST")
	s.mux.HandleFunc("/internal/actor/positions", s.handlePosition).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{actor_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RequestorID string `json:"requestor_id"`
		Service     string `json:"service"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	service := models.ServiceTow
	if in.Service != "" {
		var err error
		service, err = models.ParseServiceType(in.Service)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	b, err := s.Engine.CreateBatch(in.RequestorID, service)
	if errors.Is(err, engine.ErrNoCandidates) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":    err.Error(),
			"batch_id": b.ID,
		})
		return
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"batch_id":     b.ID,
		"num_requests": b.NumRequests,
		"status":       b.Status.String(),
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.Engine.GetBatchStatus(mux.Vars(r)["id"], r.URL.Query().Get("actor_id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.CancelBatch(mux.Vars(r)["id"], r.URL.Query().Get("actor_id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ActorID string `json:"actor_id"`
		Action  string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	action, err := engine.ParseRespondAction(in.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	outcome, err := s.Engine.RespondToRequest(mux.Vars(r)["id"], in.ActorID, action)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	view, err := s.Engine.GetEventStatus(mux.Vars(r)["id"], r.URL.Query().Get("actor_id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEventAction(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ActorID string `json:"actor_id"`
		Action  string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	action, err := engine.ParseEventAction(in.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Engine.ActOnEvent(mux.Vars(r)["id"], in.ActorID, action); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	var in struct {
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
		CustomerID  string `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.AmountCents <= 0 {
		http.Error(w, "amount_cents must be > 0", http.StatusBadRequest)
		return
	}
	// Capture through the payment collaborator first; the engine only
	// records the settled outcome.
	if s.Payments != nil && in.CustomerID != "" {
		currency := in.Currency
		if currency == "" {
			currency = "usd"
		}
		pi, err := s.Payments.Hold(r.Context(), in.AmountCents, currency, in.CustomerID)
		if err != nil {
			http.Error(w, "payment hold failed", http.StatusBadGateway)
			return
		}
		if err := s.Payments.Capture(r.Context(), pi); err != nil {
			http.Error(w, "payment capture failed", http.StatusBadGateway)
			return
		}
	}
	if err := s.Engine.ApplyPayment(eventID, in.AmountCents); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "in_progress"})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var report models.PositionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishPosition(report); err != nil {
			s.logger.Warn("kafka publish failed", "actor_id", report.ActorID, "error", err)
		}
	}
	if err := s.Engine.UpdatePosition(report); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["actor_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

// writeEngineError maps the engine's typed outcomes onto HTTP statuses.
// These are expected business results, not faults.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrRequestorBusy),
		errors.Is(err, engine.ErrAlreadyAccepted),
		errors.Is(err, engine.ErrAlreadyResolved),
		errors.Is(err, engine.ErrEventOver):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrBatchTimedOut),
		errors.Is(err, engine.ErrBatchCancelled):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("handler error", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
