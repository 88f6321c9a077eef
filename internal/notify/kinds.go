// Package notify holds the course notification job kinds: their payloads, message
// templates, the Telegram messenger that delivers them and the asyncx handlers
// that tie those together.
package notify

import "github.com/mohans/coursenotify/asyncx"

const (
	// QueueNotifications carries jobs that send exactly one Telegram message.
	QueueNotifications = "notifications"
	// QueueBackground carries fan-out and other work that only submits more jobs.
	QueueBackground = "background"
)

const (
	KindEnrollment     asyncx.Kind = "notify.enrollment"
	KindUnenrollment   asyncx.Kind = "notify.unenrollment"
	KindScheduleChange asyncx.Kind = "notify.schedule_change"
	KindClassReminder  asyncx.Kind = "notify.class_reminder"
	KindMessage        asyncx.Kind = "notify.message"
	KindBroadcast      asyncx.Kind = "notify.broadcast"
)

// DefaultRoutes is the routing table used when configuration does not override it.
func DefaultRoutes() []asyncx.Route {
	return []asyncx.Route{
		{Kind: KindEnrollment, Queue: QueueNotifications},
		{Kind: KindUnenrollment, Queue: QueueNotifications},
		{Kind: KindScheduleChange, Queue: QueueNotifications},
		{Kind: KindClassReminder, Queue: QueueNotifications},
		{Kind: KindMessage, Queue: QueueNotifications},
		{Kind: KindBroadcast, Queue: QueueBackground},
	}
}
