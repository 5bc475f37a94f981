// This file contains the Presence tracker which keeps a channel's presence
// state in sync from presence_state snapshots and presence_diff deltas, and
// reports joins, leaves and syncs to registered callbacks.
package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

const (
	PresenceStateEvent = "presence_state"
	PresenceDiffEvent  = "presence_diff"
)

// Meta is one session's presence metadata. Sessions are told apart by phx_ref.
type Meta map[string]interface{}

func (m Meta) ref() string {
	if m == nil {
		return ""
	}
	return fmt.Sprintf("%v", m["phx_ref"])
}

// PresenceEntry is every session of one identity.
type PresenceEntry struct {
	ID    string `json:"-"`
	Metas []Meta `json:"metas"`
}

// PresenceState maps identity to its sessions.
type PresenceState map[string]PresenceEntry

// PresenceDiff is the payload of a presence_diff event.
type PresenceDiff struct {
	Joins  PresenceState `json:"joins"`
	Leaves PresenceState `json:"leaves"`
}

// PresenceJoinFunc receives the identity, its entry before the join (nil on
// first presence) and the sessions that joined.
type PresenceJoinFunc func(id string, current *PresenceEntry, newPresence PresenceEntry)

// PresenceLeaveFunc receives the identity, its remaining sessions and the
// sessions that left. An empty current.Metas means the identity is gone.
type PresenceLeaveFunc func(id string, current PresenceEntry, leftPresence PresenceEntry)

// Presence tracks the presence list of a single channel.
type Presence struct {
	mu           sync.Mutex
	channel      Channel
	state        PresenceState
	pendingDiffs []PresenceDiff
	joinRef      string
	refs         []int

	onJoin  PresenceJoinFunc
	onLeave PresenceLeaveFunc
	onSync  func()
}

// NewPresence binds a presence tracker to the channel's presence events.
func NewPresence(channel Channel) *Presence {
	p := &Presence{
		channel: channel,
		state:   PresenceState{},
		onJoin:  func(string, *PresenceEntry, PresenceEntry) {},
		onLeave: func(string, PresenceEntry, PresenceEntry) {},
		onSync:  func() {},
	}

	p.refs = append(p.refs,
		channel.On(PresenceStateEvent, p.handleState),
		channel.On(PresenceDiffEvent, p.handleDiff),
	)

	return p
}

// OnJoin sets the join callback.
func (p *Presence) OnJoin(callback PresenceJoinFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onJoin = callback
}

// OnLeave sets the leave callback.
func (p *Presence) OnLeave(callback PresenceLeaveFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLeave = callback
}

// OnSync sets the callback fired after every state or diff has been applied.
func (p *Presence) OnSync(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSync = callback
}

// Channel returns the channel this tracker is bound to.
func (p *Presence) Channel() Channel {
	return p.channel
}

// List returns the present identities ordered by id.
func (p *Presence) List() []PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ListPresence(p.state)
}

// Detach removes the tracker's listeners from the channel.
func (p *Presence) Detach() {
	p.mu.Lock()
	refs := p.refs
	p.refs = nil
	p.mu.Unlock()

	if len(refs) == 2 {
		p.channel.Off(PresenceStateEvent, refs[0])
		p.channel.Off(PresenceDiffEvent, refs[1])
	}
}

func (p *Presence) handleState(payload interface{}) {
	var newState PresenceState
	if err := decodePresence(payload, &newState); err != nil {
		return
	}

	var events []func()
	p.mu.Lock()
	p.joinRef = p.channel.JoinRef()
	onJoin, onLeave, onSync := p.callbacks(&events)
	p.state = SyncState(p.state, newState, onJoin, onLeave)
	for _, diff := range p.pendingDiffs {
		p.state = SyncDiff(p.state, diff, onJoin, onLeave)
	}
	p.pendingDiffs = nil
	p.mu.Unlock()

	for _, event := range events {
		event()
	}
	onSync()
}

func (p *Presence) handleDiff(payload interface{}) {
	var diff PresenceDiff
	if err := decodePresence(payload, &diff); err != nil {
		return
	}

	var events []func()
	p.mu.Lock()
	if p.joinRef == "" || p.joinRef != p.channel.JoinRef() {
		p.pendingDiffs = append(p.pendingDiffs, diff)
		p.mu.Unlock()
		return
	}
	onJoin, onLeave, onSync := p.callbacks(&events)
	p.state = SyncDiff(p.state, diff, onJoin, onLeave)
	p.mu.Unlock()

	for _, event := range events {
		event()
	}
	onSync()
}

// callbacks returns join/leave hooks that queue the user callbacks into
// events so they run after the lock is released.
func (p *Presence) callbacks(events *[]func()) (PresenceJoinFunc, PresenceLeaveFunc, func()) {
	userJoin, userLeave := p.onJoin, p.onLeave
	join := func(id string, current *PresenceEntry, newPresence PresenceEntry) {
		*events = append(*events, func() { userJoin(id, current, newPresence) })
	}
	leave := func(id string, current PresenceEntry, leftPresence PresenceEntry) {
		*events = append(*events, func() { userLeave(id, current, leftPresence) })
	}
	return join, leave, p.onSync
}

// SyncState reconciles a full server snapshot against the current state and
// returns the new state. Differences are reported through onJoin/onLeave.
func SyncState(current, newState PresenceState, onJoin PresenceJoinFunc, onLeave PresenceLeaveFunc) PresenceState {
	state := current.clone()
	joins := PresenceState{}
	leaves := PresenceState{}

	for id, presence := range state {
		if _, ok := newState[id]; !ok {
			leaves[id] = presence
		}
	}

	for id, newPresence := range newState {
		currentPresence, ok := state[id]
		if !ok {
			joins[id] = newPresence.clone()
			continue
		}

		newRefs := refSet(newPresence.Metas)
		curRefs := refSet(currentPresence.Metas)

		var joined, left []Meta
		for _, m := range newPresence.Metas {
			if !curRefs[m.ref()] {
				joined = append(joined, m)
			}
		}
		for _, m := range currentPresence.Metas {
			if !newRefs[m.ref()] {
				left = append(left, m)
			}
		}

		if len(joined) > 0 {
			joins[id] = PresenceEntry{ID: id, Metas: joined}
		}
		if len(left) > 0 {
			leaves[id] = PresenceEntry{ID: id, Metas: left}
		}
	}

	return SyncDiff(state, PresenceDiff{Joins: joins, Leaves: leaves}, onJoin, onLeave)
}

// SyncDiff applies a join/leave delta to state and returns the new state.
func SyncDiff(current PresenceState, diff PresenceDiff, onJoin PresenceJoinFunc, onLeave PresenceLeaveFunc) PresenceState {
	state := current.clone()
	if onJoin == nil {
		onJoin = func(string, *PresenceEntry, PresenceEntry) {}
	}
	if onLeave == nil {
		onLeave = func(string, PresenceEntry, PresenceEntry) {}
	}

	for _, id := range sortedIDs(diff.Joins) {
		newPresence := diff.Joins[id].clone()
		newPresence.ID = id

		merged := newPresence.clone()
		var before *PresenceEntry
		if currentPresence, ok := state[id]; ok {
			prev := currentPresence.clone()
			before = &prev
			joinedRefs := refSet(merged.Metas)
			var kept []Meta
			for _, m := range currentPresence.Metas {
				if !joinedRefs[m.ref()] {
					kept = append(kept, m)
				}
			}
			merged.Metas = append(kept, merged.Metas...)
		}
		state[id] = merged
		onJoin(id, before, newPresence)
	}

	for _, id := range sortedIDs(diff.Leaves) {
		currentPresence, ok := state[id]
		if !ok {
			continue
		}
		leftPresence := diff.Leaves[id].clone()
		leftPresence.ID = id

		toRemove := refSet(leftPresence.Metas)
		var remaining []Meta
		for _, m := range currentPresence.Metas {
			if !toRemove[m.ref()] {
				remaining = append(remaining, m)
			}
		}
		currentPresence.Metas = remaining
		onLeave(id, currentPresence.clone(), leftPresence)

		if len(remaining) == 0 {
			delete(state, id)
		} else {
			state[id] = currentPresence
		}
	}

	return state
}

// ListPresence flattens state into a slice ordered by id.
func ListPresence(state PresenceState) []PresenceEntry {
	ids := sortedIDs(state)
	list := make([]PresenceEntry, 0, len(ids))
	for _, id := range ids {
		entry := state[id].clone()
		entry.ID = id
		list = append(list, entry)
	}
	return list
}

func (s PresenceState) clone() PresenceState {
	out := make(PresenceState, len(s))
	for id, entry := range s {
		c := entry.clone()
		c.ID = id
		out[id] = c
	}
	return out
}

func (e PresenceEntry) clone() PresenceEntry {
	metas := make([]Meta, len(e.Metas))
	copy(metas, e.Metas)
	return PresenceEntry{ID: e.ID, Metas: metas}
}

func refSet(metas []Meta) map[string]bool {
	set := make(map[string]bool, len(metas))
	for _, m := range metas {
		set[m.ref()] = true
	}
	return set
}

func sortedIDs(state PresenceState) []string {
	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// decodePresence converts a decoded JSON payload into a typed presence value.
func decodePresence(payload interface{}, out interface{}) error {
	if raw, ok := payload.(json.RawMessage); ok {
		return json.Unmarshal(raw, out)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
