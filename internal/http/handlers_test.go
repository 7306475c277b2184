package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-bidding/internal/assign"
	"github.com/example/ride-bidding/internal/changefeed"
	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/completion"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/localstate"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/otpgate"
	"github.com/example/ride-bidding/internal/storage"
	"github.com/example/ride-bidding/internal/timer"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	clk := clock.Real()
	local := localstate.NewMemory()
	broker := changefeed.NewBroker()
	wsreg := dispatch.NewWSRegistry()
	events := changefeed.Fanout{broker, wsreg}
	led := ledger.New(store, local, clk, nil, logger, 0)

	var coord *assign.Coordinator
	timers := timer.NewRegistry(timer.Options{
		Store: store, Feed: broker, Clock: clk, Local: local, Logger: logger,
		Expirer: timer.ExpirerFunc(func(ctx context.Context, id string) (models.RideRequest, error) {
			return coord.ExpireRide(ctx, id)
		}),
	})
	t.Cleanup(timers.Close)
	coord = assign.New(assign.Options{Store: store, Clock: clk, Events: events, Timers: timers, Logger: logger, BidWindow: time.Minute})

	return NewServer(Deps{
		Rides:      coord,
		OTP:        otpgate.NewVerifier(store, clk, events, nil, logger),
		Completion: completion.New(completion.Options{Store: store, Clock: clk, Events: events, Active: led, Logger: logger}),
		Ledger:     led,
		Timers:     timers,
		SessionTimers: func() *timer.Registry {
			return timer.NewRegistry(timer.Options{Store: store, Feed: broker, Clock: clk, Local: localstate.NewMemory(), Logger: logger})
		},
		WSReg:  wsreg,
		Store:  store,
		Logger: logger,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func openRide(t *testing.T, h http.Handler, query string) string {
	t.Helper()
	var created struct {
		Ride models.RideRequest `json:"ride"`
	}
	body := `{"customer_id":"c1","pickup":{"address":"Station Rd"},"drop":{"address":"Airport"},"estimated_fare":30}`
	if code := do(t, h, http.MethodPost, "/api/v1/rides"+query, body, &created); code != http.StatusCreated {
		t.Fatalf("open ride: status %d", code)
	}
	if created.Ride.ID == "" || created.Ride.Status != models.RidePending || created.Ride.CustomerRef != "c1" {
		t.Fatalf("created ride = %+v", created.Ride)
	}
	return created.Ride.ID
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	id := openRide(t, s, "")
	base := "/api/v1/rides/" + id

	if code := do(t, s, http.MethodPost, base+"/bids", `{"driver_id":"A","amount":30}`, nil); code != http.StatusOK {
		t.Fatalf("bid A: %d", code)
	}
	if code := do(t, s, http.MethodPost, base+"/bids", `{"driver_id":"B","amount":28}`, nil); code != http.StatusOK {
		t.Fatalf("bid B: %d", code)
	}
	var ride models.RideRequest
	if code := do(t, s, http.MethodPost, base+"/accept", `{"driver_id":"B"}`, &ride); code != http.StatusOK {
		t.Fatalf("accept B: %d", code)
	}
	if ride.Status != models.RideConfirmed || ride.FinalFare != 28 || ride.SelectedDriverID != "B" {
		t.Fatalf("accepted ride = %+v", ride)
	}
	var errBody map[string]string
	if code := do(t, s, http.MethodPost, base+"/accept", `{"driver_id":"A","fare":30}`, &errBody); code != http.StatusConflict {
		t.Fatalf("late accept: %d", code)
	}
	if errBody["error"] != models.MsgAlreadyAssigned {
		t.Fatalf("late accept error = %q", errBody["error"])
	}

	notif := "/api/v1/drivers/B/notifications/" + id
	var show map[string]bool
	do(t, s, http.MethodGet, notif, "", &show)
	if !show["show"] {
		t.Fatalf("confirmation should be shown once")
	}
	if code := do(t, s, http.MethodPost, notif, "", nil); code != http.StatusNoContent {
		t.Fatalf("record shown: %d", code)
	}
	do(t, s, http.MethodGet, notif, "", &show)
	if show["show"] {
		t.Fatalf("confirmation shown twice")
	}

	if code := do(t, s, http.MethodGet, base+"/otp", "", nil); code != http.StatusBadRequest {
		t.Fatalf("otp without customer: %d", code)
	}
	if code := do(t, s, http.MethodGet, base+"/otp?customer_ref=B", "", nil); code != http.StatusForbidden {
		t.Fatalf("otp requested by the driver: %d", code)
	}
	var otp map[string]string
	if code := do(t, s, http.MethodGet, base+"/otp?customer_ref=c1", "", &otp); code != http.StatusOK || len(otp["otp"]) != otpgate.DefaultLength {
		t.Fatalf("otp: %d %v", code, otp)
	}
	wrong := "0000"
	if otp["otp"] == wrong {
		wrong = "1111"
	}
	if code := do(t, s, http.MethodPost, base+"/start", `{"driver_id":"B","otp":"`+wrong+`"}`, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("wrong otp: %d", code)
	}
	if code := do(t, s, http.MethodPost, base+"/start", `{"driver_id":"A","otp":"`+otp["otp"]+`"}`, nil); code != http.StatusForbidden {
		t.Fatalf("start by other driver: %d", code)
	}
	if code := do(t, s, http.MethodPost, base+"/start", `{"driver_id":"B","otp":"`+otp["otp"]+`"}`, &ride); code != http.StatusOK || ride.Status != models.RideInProgress {
		t.Fatalf("start: %d %+v", code, ride)
	}

	var h models.HistoryEntry
	if code := do(t, s, http.MethodPost, base+"/complete", `{"driver_id":"B"}`, &h); code != http.StatusOK {
		t.Fatalf("complete: %d", code)
	}
	if h.FinalFare != 28 || h.Earnings != 23.8 || h.PickupAddr != "Station Rd" {
		t.Fatalf("history entry = %+v", h)
	}
	var st models.DriverStats
	do(t, s, http.MethodGet, "/api/v1/drivers/B/stats", "", &st)
	if st.TotalRides != 1 || st.TotalEarnings != 23.8 {
		t.Fatalf("stats = %+v", st)
	}
	var hist struct {
		History []models.HistoryEntry `json:"history"`
	}
	do(t, s, http.MethodGet, "/api/v1/drivers/B/history?limit=5", "", &hist)
	if len(hist.History) != 1 || hist.History[0].RideID != id {
		t.Fatalf("history = %+v", hist)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t)
	id := openRide(t, s, "")
	base := "/api/v1/rides/" + id

	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"unknown ride", http.MethodGet, "/api/v1/rides/nope", "", http.StatusNotFound},
		{"negative bid", http.MethodPost, base + "/bids", `{"driver_id":"A","amount":-1}`, http.StatusBadRequest},
		{"missing driver", http.MethodPost, base + "/bids", `{"amount":10}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, base + "/bids", `{`, http.StatusBadRequest},
		{"accept without bid", http.MethodPost, base + "/accept", `{"driver_id":"Z"}`, http.StatusBadRequest},
		{"cancel without reason", http.MethodPost, base + "/cancel", `{"driver_id":"A"}`, http.StatusBadRequest},
		{"otp before confirmation", http.MethodGet, base + "/otp?customer_ref=c1", "", http.StatusConflict},
		{"start pending ride", http.MethodPost, base + "/start", `{"driver_id":"A","otp":"1234"}`, http.StatusConflict},
		{"non numeric otp", http.MethodPost, base + "/start", `{"driver_id":"A","otp":"12a4"}`, http.StatusBadRequest},
		{"bad window", http.MethodPost, "/api/v1/rides?window=soon", `{"customer_id":"c2"}`, http.StatusBadRequest},
		{"ride without customer", http.MethodPost, "/api/v1/rides", `{"pickup":"x"}`, http.StatusBadRequest},
		{"bad history limit", http.MethodGet, "/api/v1/drivers/B/history?limit=-2", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := do(t, s, tc.method, tc.path, tc.body, nil); got != tc.want {
				t.Fatalf("status = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestTimerEndpoint(t *testing.T) {
	s := newTestServer(t)
	id := openRide(t, s, "?window=90s")

	var u timer.Update
	if code := do(t, s, http.MethodGet, "/api/v1/rides/"+id+"/timer", "", &u); code != http.StatusOK {
		t.Fatalf("timer: %d", code)
	}
	if u.Status != models.TimerActive || u.RemainingSeconds < 88 || u.RemainingSeconds > 90 {
		t.Fatalf("timer update = %+v", u)
	}

	do(t, s, http.MethodPost, "/api/v1/rides/"+id+"/accept", `{"driver_id":"A","fare":25}`, nil)
	do(t, s, http.MethodGet, "/api/v1/rides/"+id+"/timer", "", &u)
	if u.Status != models.TimerExpired || u.RideStatus != models.RideConfirmed {
		t.Fatalf("timer after accept = %+v", u)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}
	var ready map[string]string
	if code := do(t, s, http.MethodGet, "/ready", "", &ready); code != http.StatusOK || ready["store"] != "online" {
		t.Fatalf("ready: %d %v", code, ready)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	return msg.Type, msg.Payload
}

func TestWebSocketTimerWatchAndRideEvents(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()
	id := openRide(t, s, "")

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/B", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsCommand{Action: "watch", RideID: id}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	typ, payload := readMessage(t, conn)
	var u timer.Update
	if err := json.Unmarshal(payload, &u); err != nil || typ != dispatch.MessageTimerUpdate || u.RideID != id {
		t.Fatalf("first message = %s %s", typ, payload)
	}

	resp, err := http.Post(ts.URL+"/api/v1/rides/"+id+"/accept", "application/json", bytes.NewBufferString(`{"driver_id":"B","fare":27}`))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	resp.Body.Close()

	var sawEvent, sawClose bool
	for !(sawEvent && sawClose) {
		typ, payload := readMessage(t, conn)
		switch typ {
		case dispatch.MessageRideEvent:
			var ev models.RideEvent
			if err := json.Unmarshal(payload, &ev); err != nil || ev.Type != models.EventRideConfirmed || ev.Amount != 27 {
				t.Fatalf("ride event = %s", payload)
			}
			sawEvent = true
		case dispatch.MessageTimerUpdate:
			var u timer.Update
			if err := json.Unmarshal(payload, &u); err != nil {
				t.Fatalf("timer update = %s", payload)
			}
			if u.Status == models.TimerExpired {
				if u.RideStatus != models.RideConfirmed {
					t.Fatalf("watch closed with %+v", u)
				}
				sawClose = true
			}
		default:
			t.Fatalf("unexpected message %s %s", typ, payload)
		}
	}

	if err := conn.WriteJSON(wsCommand{Action: "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if typ, _ := readMessage(t, conn); typ != dispatch.MessageError {
		t.Fatalf("unknown action answered with %s", typ)
	}
}
