/*
Package group implements the replicated group coordinator: a membership
registry with deterministic leader election, per-member message queues
and event fan-out to listener sessions.

# Membership

Members join as persistent or ephemeral. An ephemeral member lives and
dies with its session and can never be recreated under the same id. A
persistent member survives session loss detached: it keeps its place in
the member list but loses candidacy until a later Join reattaches a
session, and an optional grace period defers the leave notification in
case the member comes back.

# Leadership

The term is the commit index at which leadership last changed. Election
draws from the candidate list with a generator seeded by the term;
candidates without a live session are discarded as drawn. Since the
term, the candidate order and every session state derive from the
totally ordered log, each replica computes the same leader without any
coordination beyond the log itself.

# Messaging

Each member holds at most one in-flight message; further submissions
queue FIFO. The message's commit index doubles as its ack identifier.
A submission completes when no member still holds a message at or
before its index, at which point the producer receives a single ack
and the Submit commit is released. Direct dispatch targets one member,
broadcast targets all, and random dispatch draws from a fixed-seed
generator so every replica routes identically. When a member
terminates, undelivered random/retry messages are re-dispatched to a
surviving member; everything else fails back to the producer.

# Event ordering

Within one commit handler, events reach a listener in publication
order, and members are closed before their leave is published so
observers see a consistent terminal state.
*/
package group
