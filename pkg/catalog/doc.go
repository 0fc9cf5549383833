// Package catalog holds the platform's domain entities (businesses,
// reviews, events, images, votes) and their SQL stores, including the
// uniqueness guard operations: the primary-image singleton and the
// one-vote-per-identity pair constraint.
//
// Stores emit committed-mutation events after a write is durable;
// authorization happens before the write and is the caller's job. The
// aggregate stats tables declared here are written exclusively by the
// derived-state engine.
package catalog
