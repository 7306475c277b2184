package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-bidding/internal/assign"
	"github.com/example/ride-bidding/internal/completion"
	"github.com/example/ride-bidding/internal/connectivity"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/otpgate"
	"github.com/example/ride-bidding/internal/storage"
	"github.com/example/ride-bidding/internal/timer"
)

const maxBodyBytes = 1 << 20

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API serves. SessionTimers builds the timer
// registry owned by one WebSocket session.
type Deps struct {
	Rides         *assign.Coordinator
	OTP           *otpgate.Verifier
	Completion    *completion.Handler
	Ledger        *ledger.Ledger
	Timers        *timer.Registry
	SessionTimers func() *timer.Registry
	WSReg         *dispatch.WSRegistry
	Monitor       *connectivity.Monitor
	Store         Pinger
	Logger        *slog.Logger
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleOpenRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/bids", s.handleListBids).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/bids", s.handleSubmitBid).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/otp", s.handleOTP).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/timer", s.handleTimer).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/notifications/{ride_id}", s.handleShouldShow).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/notifications/{ride_id}", s.handleRecordShown).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/history", s.handleHistory).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleOpenRide(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, models.ValidationError{Field: "body", Msg: err.Error()})
		return
	}
	ride, err := storage.DecodeRide(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	window := s.Rides.BidWindow()
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, r, models.ValidationError{Field: "window", Msg: "must be a positive duration"})
			return
		}
		window = d
	}
	ride, bt, err := s.Rides.OpenRide(r.Context(), ride, window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Timers != nil {
		if _, err := s.Timers.Start(context.Background(), ride.ID, window, timer.Callbacks{}); err != nil {
			s.logger.Warn("start bid timer failed", "ride_id", ride.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ride": ride, "timer": bt})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Ride(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.Rides.Bids(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

type bidRequest struct {
	DriverID string  `json:"driver_id"`
	Amount   float64 `json:"amount"`
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if !s.decode(w, r, &req) {
		return
	}
	bid, err := s.Rides.SubmitBid(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

type acceptRequest struct {
	DriverID string   `json:"driver_id"`
	Fare     *float64 `json:"fare"`
}

// handleAccept settles the ride at the given fare, or at the driver's own
// bid when no fare is sent.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if !s.decode(w, r, &req) {
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	var fare float64
	if req.Fare != nil {
		fare = *req.Fare
	} else {
		bids, err := s.Rides.Bids(r.Context(), rideID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, b := range bids {
			if b.DriverID == req.DriverID {
				fare = b.Amount
			}
		}
		if fare == 0 {
			s.writeError(w, r, models.ValidationError{Field: "fare", Msg: "is required without a bid"})
			return
		}
	}
	ride, err := s.Rides.AcceptRide(r.Context(), rideID, req.DriverID, fare)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// handleOTP shows the start code to the customer who requested the ride.
// The driver never receives it from the API.
func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	customer := strings.TrimSpace(r.URL.Query().Get("customer_ref"))
	if customer == "" {
		s.writeError(w, r, models.ValidationError{Field: "customer_ref", Msg: "is required"})
		return
	}
	ride, err := s.Rides.Ride(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ride.CustomerRef != customer {
		s.writeError(w, r, models.AuthorizationError{RideID: ride.ID, Msg: "ride " + ride.ID + " belongs to another customer"})
		return
	}
	if ride.Status != models.RideConfirmed {
		s.writeError(w, r, models.ConflictError{Msg: "ride is not awaiting start"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ride_id": ride.ID, "otp": ride.OTP})
}

type startRequest struct {
	DriverID string `json:"driver_id"`
	OTP      any    `json:"otp"`
	Auto     bool   `json:"auto"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	var (
		ride models.RideRequest
		err  error
	)
	if req.Auto {
		ride, err = s.OTP.AutoStart(r.Context(), rideID, req.DriverID)
	} else {
		ride, err = s.OTP.VerifyAndStart(r.Context(), rideID, req.DriverID, otpgate.CodeFrom(req.OTP))
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Ledger != nil {
		if err := s.Ledger.TrackActive(r.Context(), req.DriverID, rideID); err != nil {
			s.logger.Warn("track active ride failed", "ride_id", rideID, "driver_id", req.DriverID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverRequest struct {
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if !s.decode(w, r, &req) {
		return
	}
	h, err := s.Completion.CompleteRide(r.Context(), mux.Vars(r)["ride_id"], req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if !s.decode(w, r, &req) {
		return
	}
	ride, err := s.Completion.CancelRide(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleTimer(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if s.Timers != nil {
		if secs, ok := s.Timers.Remaining(rideID); ok {
			writeJSON(w, http.StatusOK, timer.Update{RideID: rideID, RemainingSeconds: secs, Status: models.TimerActive})
			return
		}
	}
	ride, err := s.Rides.Ride(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u := timer.Update{RideID: rideID, Status: models.TimerExpired}
	if ride.Status != models.RidePending {
		u.RideStatus = ride.Status
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleShouldShow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	show, err := s.Ledger.ShouldShow(r.Context(), vars["ride_id"], vars["driver_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"show": show})
}

func (s *Server) handleRecordShown(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.Ledger.RecordShown(r.Context(), vars["ride_id"], vars["driver_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Completion.Stats(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, models.ValidationError{Field: "limit", Msg: "must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries, err := s.Completion.History(r.Context(), mux.Vars(r)["driver_id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	mode := connectivity.Online
	if s.Monitor != nil {
		mode = s.Monitor.Mode()
	}
	status := http.StatusOK
	if s.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"store": mode.String()})
}

var upgrader = websocket.Upgrader{}

type wsCommand struct {
	Action string `json:"action"`
	RideID string `json:"ride_id"`
}

// handleWS registers the driver session for ride events and serves timer
// watches on it until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", 400)
		return
	}
	conn.SetReadLimit(4096)
	sess := s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, sess)
		_ = sess.Close()
	}()

	var timers *timer.Registry
	if s.SessionTimers != nil {
		timers = s.SessionTimers()
		defer timers.StopAll()
	}
	log := s.logger.With("driver_id", id)
	log.Info("driver connected")
	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Debug("ws read ended", "error", err)
			}
			log.Info("driver disconnected")
			return
		}
		if timers == nil {
			continue
		}
		switch cmd.Action {
		case "watch":
			cb := timer.Callbacks{OnUpdate: func(u timer.Update) {
				if err := sess.Send(dispatch.Message{Type: dispatch.MessageTimerUpdate, Payload: u}); err != nil {
					log.Debug("send timer update failed", "ride_id", u.RideID, "error", err)
				}
			}}
			if _, err := timers.Start(r.Context(), cmd.RideID, s.Rides.BidWindow(), cb); err != nil {
				_ = sess.Send(dispatch.Message{Type: dispatch.MessageError, Payload: errorBody(err)})
			}
		case "unwatch":
			timers.Stop(cmd.RideID)
		default:
			_ = sess.Send(dispatch.Message{Type: dispatch.MessageError, Payload: map[string]string{"error": "unknown action " + strconv.Quote(cmd.Action)}})
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, models.ValidationError{Field: "body", Msg: err.Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case models.IsInvalidOTP(err):
		return http.StatusUnprocessableEntity
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsAuthorization(err):
		return http.StatusForbidden
	case models.IsConflict(err):
		return http.StatusConflict
	case models.IsStoreUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) map[string]string {
	if statusFor(err) == http.StatusInternalServerError {
		return map[string]string{"error": "internal error"}
	}
	return map[string]string{"error": err.Error()}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
