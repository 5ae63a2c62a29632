package notification

import (
	"context"
	"errors"

	"github.com/clinic/scheduler/internal/domain/scheduling"
)

var eventTemplates = map[scheduling.EventType]string{
	scheduling.EventAppointmentBooked:      TemplateBooked,
	scheduling.EventAppointmentConfirmed:   TemplateConfirmed,
	scheduling.EventAppointmentCancelled:   TemplateCancelled,
	scheduling.EventAppointmentRescheduled: TemplateRescheduled,
}

// EmailSink mails the therapist, the subject and whoever booked for every
// appointment event. Slot events and users without a known address are
// skipped.
type EmailSink struct {
	sender    EmailSender
	templates *TemplateEngine
	directory Directory
}

func NewEmailSink(sender EmailSender, templates *TemplateEngine, directory Directory) *EmailSink {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	if directory == nil {
		directory = StaticDirectory{}
	}
	return &EmailSink{sender: sender, templates: templates, directory: directory}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Deliver(ctx context.Context, evt scheduling.Event) error {
	templateID, ok := eventTemplates[evt.Type]
	if !ok || evt.Appointment == nil {
		return nil
	}
	subject, body, err := s.templates.Render(templateID, templateData(evt))
	if err != nil {
		return err
	}

	var errs []error
	for _, to := range s.recipients(evt.Appointment) {
		if err := s.sender.SendEmail(ctx, to, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *EmailSink) recipients(a *scheduling.Appointment) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range []string{a.TherapistID, a.SubjectID, a.BookedBy} {
		if id == "" {
			continue
		}
		addr, ok := s.directory.Email(id)
		if !ok || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func templateData(evt scheduling.Event) map[string]string {
	a := evt.Appointment
	data := map[string]string{
		"subject_id":   a.SubjectID,
		"therapist_id": a.TherapistID,
		"date":         a.Date.String(),
		"start":        a.Start.String(),
		"end":          a.End.String(),
		"type":         string(a.Type),
		"meeting_line": "",
		"reason_line":  "",
	}
	if a.MeetingLink != "" {
		data["meeting_line"] = " Join at " + a.MeetingLink + "."
	}
	if a.CancellationReason != "" {
		data["reason_line"] = " Reason: " + a.CancellationReason + "."
	}
	if p := evt.Previous; p != nil {
		data["previous_date"] = p.Date.String()
		data["previous_start"] = p.Start.String()
	}
	return data
}
