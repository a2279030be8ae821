/*
Package ttlmap implements the replicated TTL map state machine.

Each key maps to the retained commit that last wrote it. Keeping the
whole commit rather than just the value is deliberate: whether an entry
is observable depends on commit metadata, the write timestamp for TTL
and the authoring session for ephemeral entries.

# Time

The machine keeps a logical clock advanced to the maximum commit
timestamp seen so far, and every handler advances it before touching
state. TTL checks compare against this clock only; the system clock is
never consulted, so replaying the log reproduces every expiry.

# Lazy expiry

An entry whose TTL elapsed, or whose creating session is gone, stays in
the map until the next access evicts it. Get, GetOrDefault, ContainsKey
and keyed Remove all evict on access; Size and IsEmpty report raw
cardinality and may overcount until then.

# Compaction

A Put or PutIfAbsent commit survives compaction only while it is still
the current, active commit for its key. Remove and Clear are
tombstones, reclaimable once a major compaction index passes them.
*/
package ttlmap
