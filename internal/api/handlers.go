package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"localbuzz/internal/api/respond"
	"localbuzz/internal/gate"
	"localbuzz/internal/model"
	"localbuzz/internal/permission"
	"localbuzz/internal/scheduler"
	"localbuzz/internal/session"
)

type handler struct {
	sched    *scheduler.Scheduler
	gate     *gate.Gate
	session  *session.Store
	location *permission.Location
	notify   *permission.Notification
	manual   *permission.ManualLocator
	log      *slog.Logger
	now      func() time.Time
}

func newHandler(d Deps) *handler {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &handler{
		sched:    d.Scheduler,
		gate:     d.Gate,
		session:  d.Session,
		location: d.Location,
		notify:   d.Notification,
		manual:   d.Manual,
		log:      d.Log,
		now:      now,
	}
}

type feedResponse struct {
	Reference model.Coordinate    `json:"reference"`
	Category  string              `json:"category,omitempty"`
	Count     int                 `json:"count"`
	Items     []model.MatchedItem `json:"items"`
}

type notificationsResponse struct {
	Gate       gate.Status         `json:"gate"`
	Permission permission.Snapshot `json:"permission"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getFeed serves the primary feed around lat/lon, or around the current
// position when no coordinate is given.
func (h *handler) getFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	category := q.Get("category")
	if category != "" && !model.IsCategory(category) {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_CATEGORY", "unknown category "+strconv.Quote(category))
		return
	}

	var radius float64
	if raw := q.Get("radius"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(f > 0) {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_RADIUS", "radius must be a positive number of kilometers")
			return
		}
		radius = f
	}

	ref, ok := h.reference(w, r)
	if !ok {
		return
	}

	items, err := h.sched.Feed(r.Context(), ref, radius, category)
	if err != nil {
		h.log.Error("serve feed", "error", err)
		respond.WriteErrorDetail(w, http.StatusBadGateway, "UPSTREAM_ERROR", "could not fetch items", err.Error())
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, feedResponse{
		Reference: ref,
		Category:  category,
		Count:     len(items),
		Items:     nonNil(items),
	})
}

func (h *handler) reference(w http.ResponseWriter, r *http.Request) (model.Coordinate, bool) {
	lat, lon := r.URL.Query().Get("lat"), r.URL.Query().Get("lon")
	if lat == "" && lon == "" {
		c, err := h.location.Current(r.Context())
		if err != nil {
			writePermissionError(w, err)
			return model.Coordinate{}, false
		}
		return c, true
	}

	c, err := parseCoordinate(lat, lon)
	if err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_COORDINATE", "lat and lon must be valid decimal degrees", err.Error())
		return model.Coordinate{}, false
	}
	return c, true
}

func (h *handler) getActive(w http.ResponseWriter, _ *http.Request) {
	items := h.sched.Active()
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"count": len(items),
		"items": nonNil(items),
	})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.sched.RunPass(r.Context())
	if err != nil {
		var perr *permission.Error
		if errors.As(err, &perr) {
			writePermissionError(w, err)
			return
		}
		h.log.Error("manual refresh", "error", err)
		respond.WriteErrorDetail(w, http.StatusBadGateway, "UPSTREAM_ERROR", "matching pass failed", err.Error())
		return
	}
	if res.Decisions == nil {
		res.Decisions = []model.Decision{}
	}
	respond.WriteJSONObject(w, http.StatusOK, res)
}

func (h *handler) getNotifications(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, notificationsResponse{
		Gate:       h.gate.Status(r.Context()),
		Permission: h.notify.Snapshot(),
	})
}

// optIn asks for notification permission and, once granted, records the
// opt-in baseline.
func (h *handler) optIn(w http.ResponseWriter, r *http.Request) {
	if _, err := h.notify.Request(r.Context()); err != nil {
		writePermissionError(w, err)
		return
	}
	status, err := h.gate.OptIn(r.Context(), h.now())
	if err != nil {
		h.log.Error("opt in", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "could not save opt-in")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, notificationsResponse{Gate: status, Permission: h.notify.Snapshot()})
}

func (h *handler) optOut(w http.ResponseWriter, r *http.Request) {
	if err := h.gate.Reset(r.Context()); err != nil {
		h.log.Error("opt out", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "could not reset notifications")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, notificationsResponse{
		Gate:       h.gate.Status(r.Context()),
		Permission: h.notify.Snapshot(),
	})
}

func (h *handler) getLocation(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, h.location.Snapshot())
}

func (h *handler) requestLocation(w http.ResponseWriter, r *http.Request) {
	if _, err := h.location.Request(r.Context()); err != nil {
		writePermissionError(w, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, h.location.Snapshot())
}

// setLocation stores a manually entered position and resolves the location
// permission with it.
func (h *handler) setLocation(w http.ResponseWriter, r *http.Request) {
	if h.manual == nil {
		respond.WriteError(w, http.StatusConflict, "FIXED_LOCATION", "position is fixed by configuration")
		return
	}

	var c model.Coordinate
	if err := respond.DecodeJSON(r, &c); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "expected {\"latitude\":..,\"longitude\":..}", err.Error())
		return
	}
	if err := h.manual.Set(c); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_COORDINATE", "coordinate out of range", err.Error())
		return
	}
	h.requestLocation(w, r)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session.Load(r.Context())
	if err != nil {
		h.log.Error("load session", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "could not load session")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, sess)
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phone string `json:"phone"`
	}
	if err := respond.DecodeJSON(r, &body); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "expected {\"phone\":..}", err.Error())
		return
	}
	if _, err := h.session.MarkVerified(r.Context(), body.Phone); err != nil {
		if errors.Is(err, session.ErrInvalidPhone) {
			respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_PHONE", "phone must be an Indian mobile number", err.Error())
			return
		}
		h.log.Error("mark verified", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "could not save session")
		return
	}
	h.getSession(w, r)
}

func (h *handler) setRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := respond.DecodeJSON(r, &body); err != nil {
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "expected {\"role\":..}", err.Error())
		return
	}
	role, err := model.ParseRole(body.Role)
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_ROLE", "role must be shop or customer")
		return
	}

	switch err := h.session.SetRole(r.Context(), role); {
	case errors.Is(err, session.ErrNotVerified):
		respond.WriteError(w, http.StatusConflict, "NOT_VERIFIED", "verify the phone number first")
		return
	case err != nil:
		h.log.Error("set role", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "could not save role")
		return
	}
	h.getSession(w, r)
}

// logout removes every persisted key, notification state included.
func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Clear(r.Context()); err != nil {
		h.log.Error("logout", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", "could not clear session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writePermissionError(w http.ResponseWriter, err error) {
	if errors.Is(err, permission.ErrNotGranted) {
		respond.WriteError(w, http.StatusConflict, "NOT_GRANTED", "permission has not been granted")
		return
	}
	if errors.Is(err, context.Canceled) {
		respond.WriteError(w, http.StatusServiceUnavailable, "CANCELLED", "request cancelled")
		return
	}

	fault := permission.Classify(err)
	switch fault {
	case permission.FaultPermissionDenied:
		respond.WriteErrorDetail(w, http.StatusForbidden, "PERMISSION_DENIED", "permission denied", string(fault))
	case permission.FaultUnsupported:
		respond.WriteErrorDetail(w, http.StatusNotImplemented, "UNSUPPORTED", "not supported on this device", string(fault))
	case permission.FaultTimeout:
		respond.WriteErrorDetail(w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out", string(fault))
	default:
		respond.WriteErrorDetail(w, http.StatusServiceUnavailable, "POSITION_UNAVAILABLE", "position unavailable", string(fault))
	}
}

func parseCoordinate(lat, lon string) (model.Coordinate, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return model.Coordinate{}, err
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return model.Coordinate{}, err
	}
	c := model.Coordinate{Latitude: la, Longitude: lo}
	return c, c.Validate()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
