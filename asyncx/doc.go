// Package asyncx is a lease-based, at-least-once job queue.
//
// A Client routes each job kind to exactly one queue and enqueues an Envelope on a
// Broker. A Processor runs worker slots per queue; each slot leases a job, runs the
// registered Handler and reports the Outcome: success acks, a retry goes back to
// pending with exponential backoff until the attempt budget is spent, a permanent
// failure is dead-lettered. A lease that is never reported expires and the job is
// redelivered without consuming an attempt.
//
// Quick start:
//  1. Pick a broker: redisbroker.New(rdb, opts) or sqlbroker.New(db, opts) after
//     sqlbroker.Migrate.
//  2. Build a Router from the kind to queue table.
//  3. Create a Client with NewClient(broker, router, ClientOptions{}) and call Submit.
//  4. Create a Processor with WithRouter, Register a Handler per kind and call Run.
//     Run refuses to start while a routed kind has no handler.
package asyncx
