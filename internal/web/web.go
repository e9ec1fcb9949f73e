package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/gorilla/mux"

	"caldash/internal/booking"
	"caldash/internal/config"
	appLog "caldash/internal/log"
	"caldash/internal/model"
	"caldash/internal/probe"
)

// Bookings is the booking service as seen by the HTTP layer.
type Bookings interface {
	ListSlots(ctx context.Context) ([]model.Slot, error)
	Events(ctx context.Context) (booking.EventsWindow, error)
	Book(ctx context.Context, req model.BookingRequest) (model.BookingResult, error)
}

// Server provides the dashboard and booking HTTP API plus static files.
type Server struct {
	cfg    *config.Config
	svc    Bookings
	prober *probe.Prober // nil when the remote store is not configured
	router *mux.Router
	now    func() time.Time
}

const maxBookingBody = 64 << 10

// NewServer constructs a new Server. prober may be nil.
func NewServer(cfg *config.Config, svc Bookings, prober *probe.Prober) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		prober: prober,
		router: mux.NewRouter(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", s.cfg.Listen)
		return s.basicAuthMiddleware(s.router)
	}
	return s.router
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /api/health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /api/health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="CalDAV Dashboard", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/available-slots", s.handleAvailableSlots).Methods(http.MethodGet)
	api.HandleFunc("/book-appointment", s.handleBookAppointment).Methods(http.MethodPost)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Not found", r.URL.Path)
	})
	api.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", r.Method+" "+r.URL.Path)
	})

	s.router.HandleFunc("/booking", s.handleBookingPage).Methods(http.MethodGet, http.MethodHead)
	s.router.Handle("/booking.html", http.RedirectHandler("/booking", http.StatusMovedPermanently))

	// 나머지 경로는 static_dir 의 정적 파일로 처리한다.
	s.router.PathPrefix("/").Handler(s.staticFileServer())
}

func (s *Server) staticFileServer() http.Handler {
	return http.FileServer(http.Dir(s.cfg.StaticDir))
}

func (s *Server) handleBookingPage(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, "booking.html"))
}

// isoMillis matches the millisecond ISO-8601 form browsers produce.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func iso(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

type slotDTO struct {
	ID       string `json:"id"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Duration int    `json:"duration"`
	Title    string `json:"title"`
	Location string `json:"location"`
}

func toSlotDTO(s model.Slot) slotDTO {
	return slotDTO{
		ID:       s.ID,
		Start:    iso(s.Start),
		End:      iso(s.End),
		Duration: s.Duration,
		Title:    s.Title,
		Location: s.Location,
	}
}

type slotsResponse struct {
	Success   bool      `json:"success"`
	Slots     []slotDTO `json:"slots"`
	Count     int       `json:"count"`
	Timestamp string    `json:"timestamp"`
}

func (s *Server) handleAvailableSlots(w http.ResponseWriter, r *http.Request) {
	found, err := s.svc.ListSlots(r.Context())
	if err != nil {
		appLog.Error("api available-slots failed", err)
		s.writeFailure(w, err, "Failed to fetch available appointment slots")
		return
	}

	dtos := make([]slotDTO, 0, len(found))
	for _, sl := range found {
		dtos = append(dtos, toSlotDTO(sl))
	}
	writeJSON(w, http.StatusOK, slotsResponse{
		Success:   true,
		Slots:     dtos,
		Count:     len(dtos),
		Timestamp: iso(s.now()),
	})
}

type appointmentDTO struct {
	EventID     string `json:"eventId"`
	Start       string `json:"start"`
	End         string `json:"end"`
	ClientName  string `json:"clientName"`
	ClientEmail string `json:"clientEmail"`
	Location    string `json:"location"`
}

type bookingResponse struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	Appointment appointmentDTO `json:"appointment"`
	Timestamp   string         `json:"timestamp"`
}

func (s *Server) handleBookAppointment(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBookingRequest(w, r)
	if err != nil {
		appLog.Warn("api book-appointment: unreadable body", "err", err)
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	res, err := s.svc.Book(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err, "Failed to book appointment")
		return
	}

	writeJSON(w, http.StatusOK, bookingResponse{
		Success: true,
		Message: "Appointment booked successfully",
		Appointment: appointmentDTO{
			EventID:     res.EventID,
			Start:       iso(res.Start),
			End:         iso(res.End),
			ClientName:  res.ClientName,
			ClientEmail: res.ClientEmail,
			Location:    res.Location,
		},
		Timestamp: iso(s.now()),
	})
}

// decodeBookingRequest accepts a JSON body or a classic form post.
func decodeBookingRequest(w http.ResponseWriter, r *http.Request) (model.BookingRequest, error) {
	var req model.BookingRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBookingBody)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBookingBody); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return req, errors.Wrap(err, "parse form")
		}
		req = model.BookingRequest{
			SlotID:      r.FormValue("slotId"),
			ClientName:  r.FormValue("clientName"),
			ClientEmail: r.FormValue("clientEmail"),
			ClientPhone: r.FormValue("clientPhone"),
			Location:    r.FormValue("location"),
			Notes:       r.FormValue("notes"),
		}
		return req, nil
	default:
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, errors.Wrap(err, "decode JSON")
		}
		return req, nil
	}
}

type occurrenceDTO struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Location    string  `json:"location,omitempty"`
	AllDay      bool    `json:"allDay"`
	Start       string  `json:"start"`
	End         *string `json:"end"`
}

type eventsResponse struct {
	Events     []occurrenceDTO `json:"events"`
	Truncated  []string        `json:"truncated,omitempty"`
	RangeStart string          `json:"rangeStart"`
	RangeEnd   string          `json:"rangeEnd"`
	TimeZone   string          `json:"timezone"`
	Timestamp  string          `json:"timestamp"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	win, err := s.svc.Events(r.Context())
	if err != nil {
		appLog.Error("api events failed", err)
		s.writeFailure(w, err, "Failed to fetch calendar events")
		return
	}

	dtos := make([]occurrenceDTO, 0, len(win.Occurrences))
	for _, occ := range win.Occurrences {
		dto := occurrenceDTO{
			Title:       occ.Title,
			Description: occ.Description,
			Location:    occ.Location,
			AllDay:      occ.AllDay,
			Start:       iso(occ.Start),
		}
		if occ.End != nil {
			end := iso(*occ.End)
			dto.End = &end
		}
		dtos = append(dtos, dto)
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Events:     dtos,
		Truncated:  win.Truncated,
		RangeStart: iso(win.RangeStart),
		RangeEnd:   iso(win.RangeEnd),
		TimeZone:   s.cfg.Timezone,
		Timestamp:  iso(s.now()),
	})
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Config    map[string]string `json:"config"`
	Probe     *probe.Status     `json:"probe,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := func(v string) string {
		if v == "" {
			return "missing"
		}
		return "configured"
	}
	resp := healthResponse{
		Status:    "ok",
		Timestamp: iso(s.now()),
		Config: map[string]string{
			"caldav_url":      state(s.cfg.CalDAV.URL),
			"caldav_user":     state(s.cfg.CalDAV.Username),
			"caldav_password": state(s.cfg.CalDAV.Password),
		},
	}
	if s.cfg.CalDAV.BearerToken != "" {
		resp.Config["caldav_bearer_token"] = "configured"
	}
	if s.prober != nil {
		st := s.prober.Status()
		resp.Probe = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

type slotRef struct {
	ID    string `json:"id"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type errResp struct {
	Error          string    `json:"error"`
	Details        string    `json:"details"`
	Help           string    `json:"help,omitempty"`
	AvailableSlots []slotRef `json:"availableSlots,omitempty"`
	Timestamp      string    `json:"timestamp"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, errResp{Error: msg, Details: details, Timestamp: iso(s.now())})
}

// writeFailure translates err into a status and error body. fallback is
// the message used when err carries no more specific meaning.
func (s *Server) writeFailure(w http.ResponseWriter, err error, fallback string) {
	status, msg := statusFor(err, fallback)
	body := errResp{
		Error:     msg,
		Details:   err.Error(),
		Timestamp: iso(s.now()),
	}

	var missing *config.MissingError
	if errors.As(err, &missing) {
		body.Details = "Please set " + strings.Join(missing.Vars, ", ")
		body.Help = missing.Help()
	}
	var notFound *booking.SlotNotFoundError
	if errors.As(err, &notFound) {
		body.AvailableSlots = make([]slotRef, 0, len(notFound.Available))
		for _, sl := range notFound.Available {
			body.AvailableSlots = append(body.AvailableSlots, slotRef{ID: sl.ID, Start: iso(sl.Start), End: iso(sl.End)})
		}
	}
	writeJSON(w, status, body)
}
