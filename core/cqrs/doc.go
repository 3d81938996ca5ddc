// Package cqrs is the write/read segregation engine: commands mutate
// versioned aggregates, every committed mutation is described by an immutable
// event envelope, envelopes travel through an outbox to a broker, and a
// projector folds them into eventually consistent read models.
//
// The moving parts:
//
//   - Aggregate / Base: an aggregate buffers uncommitted events raised by its
//     own methods. Version equals the number of events ever raised; the
//     committed version is what the write store last confirmed.
//   - CommandBus / QueryBus: explicit registries constructed at startup.
//     Exactly one handler per message type; a duplicate registration is a
//     configuration error, a missing one surfaces as ErrHandlerNotFound.
//   - Write repositories (per domain, e.g. domain/user) persist current
//     aggregate state with a conditional write on the stored version and
//     append the new envelopes to an outbox in the same transaction. A failed
//     version check is ErrConflict; callers retry from a fresh load
//     (RetryOnConflict).
//   - Relay polls the outbox and hands pending envelopes to a Publisher,
//     preserving insertion order. Publishing is at-least-once by design.
//   - Projector consumes deliveries, gates them on the read model's last
//     applied version (skip / apply / gap) and routes malformed or gapped
//     envelopes to a dead-letter channel instead of crashing the loop.
//
// Everything that talks to the outside world (NATS JetStream, SQL stores,
// Badger) lives in adapters; this package only depends on small interfaces
// plus in-memory implementations used by tests and demos.
package cqrs
