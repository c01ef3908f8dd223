package vines

import (
	"encoding/json"

	"go.uber.org/zap"
)

// onMessage classifies an incoming message by verb and dispatches it. A
// generic data event fires before dispatch and a verb-named event after, so
// observers can hook either. Unknown verbs are dropped after the data
// event.
func (v *Vines) onMessage(m *Message, conn Conn) {
	if v.closed.Load() {
		conn.Close()
		return
	}

	v.metrics.MessagesInbound.WithLabelValues(string(m.Meta.Type)).Inc()
	v.notify(Event{Kind: EventData, Msg: m, Conn: conn})

	switch m.Meta.Type {
	case VerbList:
		v.onList(m, conn)
	case VerbGossip:
		v.onGossip(m, conn)
	case VerbRequest:
		v.onRequest(m, conn)
	case VerbResponse:
		v.onResponse(m, conn)
	case VerbVotes:
		v.onVotes(m, conn)
	default:
		v.logger.Debug(
			"dropping unknown verb",
			zap.String("type", string(m.Meta.Type)),
		)
		conn.Close()
	}
}

// onList merges every descriptor of the senders peer table into ours.
func (v *Vines) onList(m *Message, conn Conn) {
	defer conn.Close()

	var peers map[string]*Peer
	if err := json.Unmarshal(m.Data, &peers); err != nil {
		v.logger.Debug("invalid list payload", zap.Error(err))
		return
	}

	for _, p := range peers {
		if p == nil {
			continue
		}
		v.applyPeer(p)
	}

	v.notify(Event{Kind: EventList, Msg: m, Conn: conn})
}

// onGossip answers an advertised (key, version) pair: if our store would
// benefit from it we request the value on the same conversation, otherwise
// we close. The conversation stays open across the full three message
// exchange.
func (v *Vines) onGossip(m *Message, conn Conn) {
	var kv keyVersion
	if err := json.Unmarshal(m.Data, &kv); err != nil {
		v.logger.Debug("invalid gossip payload", zap.Error(err))
		conn.Close()
		return
	}

	if v.store.Interest(kv.Key, kv.Version) {
		reply, err := newMessage(VerbRequest, kv)
		if err != nil {
			conn.Close()
			return
		}
		if err := conn.Send(reply); err != nil {
			v.logger.Debug("failed to send request", zap.Error(err))
			conn.Close()
			return
		}
	} else {
		conn.Close()
	}

	v.notify(Event{Kind: EventGossip, Msg: m, Conn: conn})
}

// onRequest replies with the full value for the requested key. The
// conversation is left open; the peer closes it once the response is
// applied.
func (v *Vines) onRequest(m *Message, conn Conn) {
	var kv keyVersion
	if err := json.Unmarshal(m.Data, &kv); err != nil {
		v.logger.Debug("invalid request payload", zap.Error(err))
		conn.Close()
		return
	}

	value, ok := v.store.Get(kv.Key)
	if !ok {
		// The key was dropped between gossip and request; the next round
		// supplies a fresh attempt.
		conn.Close()
		return
	}
	version, _ := v.store.Version(kv.Key)

	reply, err := newMessage(VerbResponse, keyValue{
		Key:     kv.Key,
		Value:   value,
		Version: version,
	})
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.Send(reply); err != nil {
		v.logger.Debug("failed to send response", zap.Error(err))
		conn.Close()
		return
	}

	v.notify(Event{Kind: EventRequest, Msg: m, Conn: conn})
}

// onResponse applies a received value, accepting it only if its version is
// strictly newer than what we hold, and ends the conversation.
func (v *Vines) onResponse(m *Message, conn Conn) {
	defer conn.Close()

	var kv keyValue
	if err := json.Unmarshal(m.Data, &kv); err != nil {
		v.logger.Debug("invalid response payload", zap.Error(err))
		return
	}

	v.store.SetUnique(kv.Key, kv.Value, kv.Version)

	v.notify(Event{Kind: EventResponse, Msg: m, Conn: conn})
}

// onVotes merges an incoming election record. If the election is still
// undecided afterwards and the merge learned something, the merged record
// is forwarded to another random peer; if it just closed the terminal event
// is surfaced.
func (v *Vines) onVotes(m *Message, conn Conn) {
	defer conn.Close()

	var rec Election
	if err := json.Unmarshal(m.Data, &rec); err != nil {
		v.logger.Debug("invalid votes payload", zap.Error(err))
		return
	}
	if rec.Topic == "" {
		v.logger.Debug("dropping votes record with no topic")
		return
	}

	_, existed := v.ballots.Get(rec.Topic)

	merged, outcome := v.ballots.Merge(v.peers.LocalID(), rec.Topic, &rec)

	// An election first learned of through a merge still needs its
	// deadline armed locally.
	if !existed && !merged.Closed && !merged.Expires.IsZero() {
		v.armDeadline(merged.Topic, merged.Expires)
	}

	switch {
	case outcome.ClosedNow:
		// The merge itself closed the election, propagating a quorum or
		// deadline decision reached elsewhere.
		v.emitClose(merged)
	case !merged.Closed:
		e, decided := v.ballots.Decide(rec.Topic, v.peers.Count())
		if decided {
			v.emitClose(e)
		} else if outcome.Changed {
			// Forward only when the merge learned something; unchanged
			// records stop circulating and the periodic votes emitter
			// carries convergence instead.
			v.sendToRandom(VerbVotes, e)
		}
	case !rec.Closed:
		// We already hold the decision but the sender does not; reply
		// with the closed record so the sender converges.
		if reply, err := newMessage(VerbVotes, merged); err == nil {
			if err := conn.Send(reply); err != nil {
				v.logger.Debug("failed to send closed record", zap.Error(err))
			}
		}
	}

	v.notify(Event{Kind: EventVotes, Msg: m, Conn: conn})
}
