package scheduling

import (
	"net/http"

	"github.com/clinic/scheduler/internal/platform/openapi"
)

var rangeQuery = []openapi.Param{
	{Name: "from", Description: "first date, YYYY-MM-DD"},
	{Name: "to", Description: "last date, YYYY-MM-DD"},
}

// DescribeRoutes documents the routes mounted by RegisterRoutes.
func (h *Handler) DescribeRoutes(doc *openapi.Generator) {
	doc.Format(Date{}, "date")
	doc.Format(TimeOfDay(0), "time")

	doc.Describe(http.MethodPost, "/slots", openapi.Operation{
		Summary: "Create a slot", Request: slotRequest{}, Response: Slot{},
	})
	doc.Describe(http.MethodPost, "/slots/presets", openapi.Operation{
		Summary: "Create every preset slot for a day", Request: presetFillRequest{}, Response: presetFillResponse{},
	})
	doc.Describe(http.MethodPost, "/slots/check", openapi.Operation{
		Summary: "Check whether a slot could be created", Status: http.StatusOK,
		Request: slotRequest{}, Response: checkResponse{},
	})
	doc.Describe(http.MethodDelete, "/slots/:id", openapi.Operation{Summary: "Remove an unbooked slot"})
	doc.Describe(http.MethodGet, "/therapists/:id/presets", openapi.Operation{
		Summary: "List preset slots for a day with availability",
		Query:   []openapi.Param{{Name: "date", Description: "YYYY-MM-DD, defaults to today"}},
	})
	doc.Describe(http.MethodPut, "/appointments/:id/confirm", openapi.Operation{
		Summary: "Confirm a pending appointment", Request: confirmRequest{}, Response: Appointment{},
	})
	doc.Describe(http.MethodPost, "/appointments", openapi.Operation{
		Summary: "Book a slot", Request: bookRequest{}, Response: Appointment{},
	})
	doc.Describe(http.MethodGet, "/slots/:id", openapi.Operation{Summary: "Get a slot", Response: Slot{}})
	doc.Describe(http.MethodGet, "/slots/:id/bookable", openapi.Operation{
		Summary: "Explain whether a slot can be booked now", Response: bookableResponse{},
	})
	doc.Describe(http.MethodGet, "/therapists/:id/slots", openapi.Operation{
		Summary: "List a therapist's slots", Response: Slot{}, Paged: true,
		Query: append([]openapi.Param{{Name: "status", Enum: []string{string(SlotAvailable), string(SlotBooked), string(SlotExpired)}}}, rangeQuery...),
	})
	doc.Describe(http.MethodGet, "/therapists/:id/slots/categorized", openapi.Operation{
		Summary: "Group bookable slots for display", Response: CategorizedSlots{},
		Query: append([]openapi.Param{{Name: "bucketing", Enum: []string{string(ByTimeOfDay), string(ByRelativeDay)}}}, rangeQuery...),
	})
	doc.Describe(http.MethodGet, "/appointments", openapi.Operation{
		Summary: "List appointments", Response: Appointment{}, Paged: true,
		Query: append([]openapi.Param{
			{Name: "therapist_id"},
			{Name: "subject_id"},
			{Name: "status", Enum: []string{string(AppointmentPending), string(AppointmentConfirmed), string(AppointmentCancelled)}},
		}, rangeQuery...),
	})
	doc.Describe(http.MethodGet, "/appointments/:id", openapi.Operation{Summary: "Get an appointment", Response: Appointment{}})
	doc.Describe(http.MethodPost, "/appointments/:id/cancel", openapi.Operation{
		Summary: "Cancel an appointment", Status: http.StatusOK, Request: cancelRequest{}, Response: Appointment{},
	})
	doc.Describe(http.MethodPost, "/appointments/:id/reschedule", openapi.Operation{
		Summary: "Move an appointment to another slot", Status: http.StatusOK,
		Request: rescheduleRequest{}, Response: Appointment{},
	})
}
