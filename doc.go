/*
Package capstore implements capped record stores on top of a key-value store
(in this case, on top of Bolt), including the bulk-truncation machinery needed
for an append-only operation log.

We implement:

1. Record stores, ordered collections of opaque payloads keyed by 64-bit
record identifiers.

2. Capped stores, which enforce a byte and/or document ceiling by deleting the
oldest records after each insert, with backpressure instead of unbounded
cleanup latency.

3. Log stores, append-only capped stores whose identifiers derive from a
logical timestamp carried in the payload, truncated in marker-sized chunks by
a background reclaimer instead of per-record deletes.

4. Cursors with a save/restore protocol that survives transaction boundaries,
and visibility filtering that hides physically present but uncommitted
records from readers.

# Technical Details

**Buckets.**
Each store owns a root bucket named after it. Record payloads live in a nested
“data” bucket keyed by big-endian uint64 identifiers; Bolt's byte ordering
makes identifier order and key order coincide.

**Store states.**
We store a meta document per store, called a “store state”, under a reserved
key in the store's root bucket. It records the format version, the store's
UUID, the capped configuration, and the last persisted record/byte counters.
The counters are rewritten only occasionally (and at close), so after a crash
they are approximations; Validate recomputes and repairs them.

**Identifiers.**
Plain stores and capped stores assign identifiers from a process-local counter
seeded with one plus the highest existing identifier. Log stores derive the
identifier from the payload's logical timestamp, (secs << 32) | seq, so that
identifier order equals log order.

**Truncation markers.**
A log store partitions itself into contiguous chunks of roughly
minBytesPerMarker bytes, each summarized by a marker (record count, byte
count, last identifier). Markers are not persisted; they are rebuilt at open
by scanning or, for large logs, by random sampling. When markers accumulate
beyond numMarkersToKeep, a background goroutine truncates whole chunks in one
range delete each.

**Visibility.**
A capped store tracks identifiers that have been handed out but not yet
committed. Readers never see any identifier at or above the smallest
uncommitted one, so a tailing cursor observes a stable prefix even while
writers race ahead. Log readers can additionally pin a “read until”
identifier for repeatable tailing within a transaction.
*/
package capstore
