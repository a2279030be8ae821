/*
Package primitive defines the contract between the consensus substrate
and Burrow's replicated state machines.

The substrate delivers a totally ordered stream of commits; a state
machine mutates its state only while applying one. Determinism plus the
total order is the whole consistency story: there is no locking between
replicas, only identical inputs producing identical state.

# Commits and retention

A Commit wraps one operation with its log index, leader-stamped
timestamp and the submitting session. The commit starts retained; the
owning state machine calls Release once the bytes stop being
semantically live, and the substrate's compaction pass consults the
machine's Filter for everything still retained.

# Sessions

Sessions are replicated state too: open, expire and close all arrive
as log commands, so every replica agrees on which sessions exist.
Events published to a session that is not Active are dropped silently.

# Queries and commands

Operations that implement Query are read-only and carry a consistency
level. Everything else mutates and is linearized through the log.
*/
package primitive
