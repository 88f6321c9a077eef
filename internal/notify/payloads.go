package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/mohans/coursenotify/asyncx"
)

// ErrInvalidPayload marks a payload that can never be delivered as submitted.
var ErrInvalidPayload = errors.New("notify: invalid payload")

// ReminderLead is how long before class start a reminder is delivered.
const ReminderLead = time.Hour

// MaxMessageLength is Telegram's sendMessage text limit.
const MaxMessageLength = 4096

var validate = validator.New()

type EnrollmentPayload struct {
	ChatID     int64  `json:"chat_id" validate:"required"`
	CourseID   int64  `json:"course_id" validate:"required"`
	CourseName string `json:"course_name" validate:"required,max=256"`
}

type UnenrollmentPayload struct {
	ChatID     int64  `json:"chat_id" validate:"required"`
	CourseID   int64  `json:"course_id" validate:"required"`
	CourseName string `json:"course_name" validate:"required,max=256"`
}

type ScheduleChangePayload struct {
	ChatID     int64     `json:"chat_id" validate:"required"`
	CourseID   int64     `json:"course_id" validate:"required"`
	CourseName string    `json:"course_name" validate:"required,max=256"`
	ScheduleID int64     `json:"schedule_id" validate:"required"`
	StartsAt   time.Time `json:"starts_at" validate:"required"`
	Location   string    `json:"location,omitempty" validate:"max=256"`
}

// ClassReminderPayload is submitted when a class is scheduled; it is delivered
// ReminderLead before StartsAt.
type ClassReminderPayload struct {
	ChatID     int64     `json:"chat_id" validate:"required"`
	CourseID   int64     `json:"course_id" validate:"required"`
	CourseName string    `json:"course_name" validate:"required,max=256"`
	ScheduleID int64     `json:"schedule_id" validate:"required"`
	StartsAt   time.Time `json:"starts_at" validate:"required"`
}

type MessagePayload struct {
	ChatID int64  `json:"chat_id" validate:"required"`
	Text   string `json:"text" validate:"required,max=4096"`
}

type BroadcastPayload struct {
	ChatIDs []int64 `json:"chat_ids" validate:"required,min=1,max=10000,dive,required"`
	Text    string  `json:"text" validate:"required,max=4096"`
}

// NotBefore schedules the reminder; a class already under an hour away is reminded now.
func (p ClassReminderPayload) NotBefore() time.Time { return p.StartsAt.Add(-ReminderLead) }

// scheduled is implemented by payloads that carry their own delivery time.
type scheduled interface {
	NotBefore() time.Time
}

func newPayload(kind asyncx.Kind) (any, bool) {
	switch kind {
	case KindEnrollment:
		return &EnrollmentPayload{}, true
	case KindUnenrollment:
		return &UnenrollmentPayload{}, true
	case KindScheduleChange:
		return &ScheduleChangePayload{}, true
	case KindClassReminder:
		return &ClassReminderPayload{}, true
	case KindMessage:
		return &MessagePayload{}, true
	case KindBroadcast:
		return &BroadcastPayload{}, true
	}
	return nil, false
}

// Decode parses and validates the payload of a known kind. The second result is
// false for kinds this package does not define; their payload is left alone.
func Decode(kind asyncx.Kind, raw []byte) (any, bool, error) {
	p, ok := newPayload(kind)
	if !ok {
		return nil, false, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, true, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	if err := validate.Struct(p); err != nil {
		return nil, true, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	return p, true, nil
}
