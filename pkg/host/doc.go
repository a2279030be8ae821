/*
Package host runs the consensus substrate: a hashicorp/raft instance
whose FSM routes committed operations to the registered state machines.

The FSM owns everything the machines share: the session registry, the
logical clock, the timer wheel and the retained-commit table. Each log
entry advances the logical clock to its leader-stamped timestamp,
applies, then fires any logical timers whose deadline has passed, so
timer callbacks replay identically from the log.

Session liveness is decided by the leader (missing keepalives) but
takes effect only through expire commands on the log, which keeps
expiry replay-safe.

Snapshots capture the full state of every machine, retained commit
handles included, and double as the compaction point: before
serializing, every retained commit is offered to its machine's filter
and the dead ones are released.
*/
package host
