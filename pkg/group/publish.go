package group

import (
	"encoding/json"

	"github.com/cuemby/burrow/pkg/metrics"
)

// Event payloads are JSON. Encoding never fails for these shapes, so
// marshal errors are swallowed rather than threaded through every
// publish site.

type memberEvent struct {
	MemberID string `json:"member_id"`
	Index    uint64 `json:"index"`
}

type termEvent struct {
	Term uint64 `json:"term"`
}

type messageEvent struct {
	Index    uint64 `json:"index"`
	MemberID string `json:"member_id"`
	Type     string `json:"type"`
	Payload  []byte `json:"payload"`
}

type submitEvent struct {
	Index   uint64 `json:"index"`
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

func memberPayload(m *Member) []byte {
	data, _ := json.Marshal(memberEvent{MemberID: m.id, Index: m.index})
	return data
}

func termPayload(term uint64) []byte {
	data, _ := json.Marshal(termEvent{Term: term})
	return data
}

func echoPayload(index uint64, op *Submit) []byte {
	data, _ := json.Marshal(submitEvent{Index: index, ID: op.ID, Type: op.Type, Payload: op.Payload})
	return data
}

func (s *StateMachine) submitEcho(m *message) []byte {
	return echoPayload(m.index(), m.submit())
}

// publishAll delivers an event to every listener session. Sessions
// that are no longer active drop the event silently.
func (s *StateMachine) publishAll(event string, payload []byte) {
	for _, l := range s.listeners {
		l.session.Publish(event, payload)
	}
	metrics.EventsPublished.WithLabelValues(event).Inc()
}

// publishMessage notifies a member's session of its new in-flight
// message. The commit index doubles as the ack identifier.
func (s *StateMachine) publishMessage(member *Member, m *message) {
	if member.session == nil {
		return
	}
	sub := m.submit()
	data, _ := json.Marshal(messageEvent{
		Index:    m.index(),
		MemberID: member.id,
		Type:     sub.Type,
		Payload:  sub.Payload,
	})
	member.session.Publish("message", data)
}
