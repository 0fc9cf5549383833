// Package derived owns the aggregate tables (business_stats,
// event_stats). Aggregates are recomputed from authoritative child
// rows in reaction to committed mutations, never maintained by deltas,
// and a periodic sweep reconverges anything a lost reaction missed.
package derived
