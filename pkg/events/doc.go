/*
Package events delivers session events to clients.

The Broker fans events out to in-process subscribers on buffered
channels; publishing waits only while the broker's own queue is full,
and a subscriber that falls behind drops events rather than stalling
the broker. The
Journal persists every event per session in BoltDB so a client that
reconnects can replay what it missed from its last seen sequence
number.
*/
package events
