package scheduling

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/scheduler/internal/platform/auth"
	"github.com/clinic/scheduler/pkg/pagination"
)

const (
	RoleTherapist = "therapist"
	RoleParent    = "parent"
	RoleStudent   = "student"
)

var kindStatus = map[Kind]int{
	KindInvalidRange:     http.StatusBadRequest,
	KindInvalidInput:     http.StatusBadRequest,
	KindSameSlot:         http.StatusBadRequest,
	KindPastTime:         http.StatusUnprocessableEntity,
	KindOverlap:          http.StatusConflict,
	KindNotAvailable:     http.StatusConflict,
	KindConflict:         http.StatusConflict,
	KindDuplicateBooking: http.StatusConflict,
	KindAlreadyCancelled: http.StatusConflict,
	KindSlotNotFound:     http.StatusNotFound,
	KindNotFound:         http.StatusNotFound,
}

type errorResponse struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

// respondError writes a domain error as {"error","message"}. Anything that is
// not a domain error is handed back to echo as a 500 so it gets logged.
func respondError(c echo.Context, err error) error {
	kind := KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		if errors.Is(err, echo.ErrValidatorNotRegistered) {
			return err
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
	return c.JSON(status, errorResponse{Error: kind, Message: err.Error()})
}

// Handler exposes the scheduling service over HTTP.
type Handler struct {
	svc   *Service
	clock func() time.Time
	loc   *time.Location
}

// NewHandler builds a handler whose notion of "now" is clock() read in the
// clinic's location.
func NewHandler(svc *Service, clock func() time.Time, loc *time.Location) *Handler {
	if clock == nil {
		clock = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, clock: clock, loc: loc}
}

func (h *Handler) now() time.Time {
	return h.clock().In(h.loc)
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	therapist := api.Group("", auth.RequireRole(RoleTherapist))
	therapist.POST("/slots", h.CreateSlot)
	therapist.POST("/slots/presets", h.FillPresets)
	therapist.POST("/slots/check", h.CheckSlot)
	therapist.DELETE("/slots/:id", h.RemoveSlot)
	therapist.GET("/therapists/:id/presets", h.PresetOptions)
	therapist.PUT("/appointments/:id/confirm", h.Confirm)

	booker := api.Group("", auth.RequireRole(RoleParent, RoleStudent))
	booker.POST("/appointments", h.Book)

	member := api.Group("", auth.RequireRole(RoleTherapist, RoleParent, RoleStudent))
	member.GET("/slots/:id", h.GetSlot)
	member.GET("/slots/:id/bookable", h.SlotBookable)
	member.GET("/therapists/:id/slots", h.ListSlots)
	member.GET("/therapists/:id/slots/categorized", h.CategorizedSlots)
	member.GET("/appointments", h.ListAppointments)
	member.GET("/appointments/:id", h.GetAppointment)
	member.POST("/appointments/:id/cancel", h.Cancel)
	member.POST("/appointments/:id/reschedule", h.Reschedule)
}

// -- Slots --

type slotRequest struct {
	TherapistID string `json:"therapist_id" validate:"required"`
	Date        string `json:"date" validate:"required"`
	Start       string `json:"start" validate:"required"`
	End         string `json:"end" validate:"required"`
}

func (r slotRequest) parse() (Date, TimeOfDay, TimeOfDay, error) {
	date, err := ParseDate(r.Date)
	if err != nil {
		return Date{}, 0, 0, err
	}
	start, err := ParseTimeOfDay(r.Start)
	if err != nil {
		return Date{}, 0, 0, err
	}
	end, err := ParseTimeOfDay(r.End)
	if err != nil {
		return Date{}, 0, 0, err
	}
	return date, start, end, nil
}

func (h *Handler) CreateSlot(c echo.Context) error {
	var req slotRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	date, start, end, err := req.parse()
	if err != nil {
		return respondError(c, err)
	}
	slot, err := h.svc.Slots.Create(c.Request().Context(), req.TherapistID, date, start, end, h.now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, slot)
}

type presetFillRequest struct {
	TherapistID string `json:"therapist_id" validate:"required"`
	Date        string `json:"date" validate:"required"`
}

type presetFillResponse struct {
	Created []*Slot            `json:"created"`
	Skipped []SkippedCandidate `json:"skipped"`
}

func (h *Handler) FillPresets(c echo.Context) error {
	var req presetFillRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	date, err := ParseDate(req.Date)
	if err != nil {
		return respondError(c, err)
	}
	created, skipped, err := h.svc.FillPresets(c.Request().Context(), req.TherapistID, date, h.now())
	if err != nil {
		return respondError(c, err)
	}
	if created == nil {
		created = []*Slot{}
	}
	if skipped == nil {
		skipped = []SkippedCandidate{}
	}
	return c.JSON(http.StatusCreated, presetFillResponse{Created: created, Skipped: skipped})
}

type checkResponse struct {
	OK      bool   `json:"ok"`
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) CheckSlot(c echo.Context) error {
	var req slotRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	date, start, end, err := req.parse()
	if err != nil {
		return respondError(c, err)
	}
	err = h.svc.Detector.CanCreateSlot(c.Request().Context(), req.TherapistID, date, start, end, h.now())
	if KindOf(err) == KindInternal {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, verdict(err))
}

func verdict(err error) checkResponse {
	if err == nil {
		return checkResponse{OK: true}
	}
	return checkResponse{Kind: KindOf(err), Message: err.Error()}
}

func (h *Handler) RemoveSlot(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if _, err := h.svc.Slots.Remove(c.Request().Context(), id, h.now()); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetSlot(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	slot, err := h.svc.Slots.Get(c.Request().Context(), id, h.now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, slot)
}

type bookableResponse struct {
	Bookable bool   `json:"bookable"`
	Kind     Kind   `json:"kind,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (h *Handler) SlotBookable(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	err = h.svc.Detector.Explain(c.Request().Context(), id, h.now())
	if KindOf(err) == KindInternal {
		return respondError(c, err)
	}
	resp := bookableResponse{Bookable: err == nil}
	if err != nil {
		resp.Kind = KindOf(err)
		resp.Reason = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListSlots(c echo.Context) error {
	from, to, err := dateRange(c)
	if err != nil {
		return respondError(c, err)
	}
	status := SlotStatus(c.QueryParam("status"))
	switch status {
	case "", SlotAvailable, SlotBooked, SlotExpired:
	default:
		return respondError(c, fmt.Errorf("%w: status must be %q, %q or %q", ErrInvalidInput, SlotAvailable, SlotBooked, SlotExpired))
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Slots.List(c.Request().Context(), SlotFilter{
		TherapistID: c.Param("id"),
		From:        from,
		To:          to,
		Status:      status,
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	}, h.now())
	if err != nil {
		return respondError(c, err)
	}
	if items == nil {
		items = []*Slot{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) CategorizedSlots(c echo.Context) error {
	from, to, err := dateRange(c)
	if err != nil {
		return respondError(c, err)
	}
	view, err := h.svc.Categorizer.Categorize(c.Request().Context(), c.Param("id"),
		Bucketing(c.QueryParam("bucketing")), from, to, h.now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) PresetOptions(c echo.Context) error {
	now := h.now()
	date := DateOf(now)
	if raw := c.QueryParam("date"); raw != "" {
		d, err := ParseDate(raw)
		if err != nil {
			return respondError(c, err)
		}
		date = d
	}
	opts, err := h.svc.PresetOptions(c.Request().Context(), c.Param("id"), date, now)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"date":    date,
		"windows": h.svc.Presets.Windows(),
		"presets": opts,
	})
}

// -- Appointments --

type bookRequest struct {
	SlotID    string `json:"slot_id" validate:"required,uuid"`
	SubjectID string `json:"subject_id" validate:"required"`
	Type      string `json:"type" validate:"required,oneof=virtual in_person"`
	Reason    string `json:"reason" validate:"max=2000"`
}

func (h *Handler) Book(c echo.Context) error {
	var req bookRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	slotID, err := uuid.Parse(req.SlotID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid slot_id")
	}
	appt, err := h.svc.Bookings.Book(c.Request().Context(), BookRequest{
		SlotID:    slotID,
		SubjectID: req.SubjectID,
		Type:      AppointmentType(req.Type),
		Reason:    req.Reason,
		BookedBy:  auth.UserIDFromContext(c.Request().Context()),
	}, h.now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	appt, err := h.svc.Bookings.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	from, to, err := dateRange(c)
	if err != nil {
		return respondError(c, err)
	}
	status := AppointmentStatus(c.QueryParam("status"))
	switch status {
	case "", AppointmentPending, AppointmentConfirmed, AppointmentCancelled:
	default:
		return respondError(c, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status))
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Bookings.List(c.Request().Context(), AppointmentFilter{
		TherapistID: c.QueryParam("therapist_id"),
		SubjectID:   c.QueryParam("subject_id"),
		Status:      status,
		From:        from,
		To:          to,
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	})
	if err != nil {
		return respondError(c, err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

type confirmRequest struct {
	MeetingLink string `json:"meeting_link" validate:"omitempty,url"`
}

func (h *Handler) Confirm(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req confirmRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.Bookings.Confirm(c.Request().Context(), id, req.MeetingLink, h.now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req cancelRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.Bookings.Cancel(c.Request().Context(), id, req.Reason, h.now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type rescheduleRequest struct {
	NewSlotID string `json:"new_slot_id" validate:"required,uuid"`
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req rescheduleRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	newSlotID, err := uuid.Parse(req.NewSlotID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid new_slot_id")
	}
	appt, err := h.svc.Bookings.Reschedule(c.Request().Context(), id, newSlotID, h.now())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

// -- helpers --

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.Validate(req)
}

func dateRange(c echo.Context) (Date, Date, error) {
	var from, to Date
	var err error
	if raw := strings.TrimSpace(c.QueryParam("from")); raw != "" {
		if from, err = ParseDate(raw); err != nil {
			return Date{}, Date{}, err
		}
	}
	if raw := strings.TrimSpace(c.QueryParam("to")); raw != "" {
		if to, err = ParseDate(raw); err != nil {
			return Date{}, Date{}, err
		}
	}
	return from, to, nil
}
