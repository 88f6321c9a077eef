package events

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mohans/coursenotify/asyncx"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestPublisherEmits(t *testing.T) {
	ns := runServer(t)
	pub, err := Connect(ns.ClientURL(), "notifyd.events", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	s, err := sub.SubscribeSync("notifyd.events.>")
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatal(err)
	}

	pub.Emit(context.Background(), asyncx.Event{
		Type:    asyncx.EventDeadLettered,
		JobID:   "job-1",
		Kind:    "notify.message",
		Queue:   "notifications",
		Attempt: 5,
		Reason:  "chat not found",
	})

	msg, err := s.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if msg.Subject != "notifyd.events.dead_lettered" {
		t.Errorf("subject = %s", msg.Subject)
	}
	if got := msg.Header.Get(nats.MsgIdHdr); got != "job-1:dead_lettered:5" {
		t.Errorf("msg id = %q", got)
	}
	var ev asyncx.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.JobID != "job-1" || ev.Reason != "chat not found" || ev.Attempt != 5 {
		t.Errorf("event = %+v", ev)
	}
}

func TestPublisherFiltersTypes(t *testing.T) {
	ns := runServer(t)
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	s, err := nc.SubscribeSync("ev.>")
	if err != nil {
		t.Fatal(err)
	}

	pub := NewPublisher(nc, "ev", zerolog.Nop(), asyncx.EventDeadLettered)
	pub.Emit(context.Background(), asyncx.Event{Type: asyncx.EventSubmitted, JobID: "a"})
	pub.Emit(context.Background(), asyncx.Event{Type: asyncx.EventDeadLettered, JobID: "b"})

	msg, err := s.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Subject != "ev.dead_lettered" {
		t.Errorf("first message on %s, submitted events should be filtered", msg.Subject)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("Close on borrowed conn: %v", err)
	}
	if nc.IsClosed() {
		t.Error("Publisher closed a connection it does not own")
	}
}
