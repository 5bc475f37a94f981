package devserver

type meta map[string]interface{}

type presenceEntry struct {
	Metas []meta `json:"metas"`
}

type presenceState map[string]presenceEntry

type presenceDiff struct {
	Joins  presenceState `json:"joins"`
	Leaves presenceState `json:"leaves"`
}

// presenceBook holds the presence of every topic: identity to sessions.
// It is guarded by the server's lock.
type presenceBook map[string]presenceState

func (b presenceBook) snapshot(topic string) presenceState {
	out := presenceState{}
	for key, entry := range b[topic] {
		metas := make([]meta, len(entry.Metas))
		copy(metas, entry.Metas)
		out[key] = presenceEntry{Metas: metas}
	}
	return out
}

func (b presenceBook) apply(topic string, diff presenceDiff) {
	state := b[topic]
	if state == nil {
		state = presenceState{}
		b[topic] = state
	}

	for key, joined := range diff.Joins {
		entry := state[key]
		entry.Metas = append(entry.Metas, joined.Metas...)
		state[key] = entry
	}

	for key, left := range diff.Leaves {
		entry, ok := state[key]
		if !ok {
			continue
		}
		gone := make(map[interface{}]bool, len(left.Metas))
		for _, m := range left.Metas {
			gone[m["phx_ref"]] = true
		}
		var remaining []meta
		for _, m := range entry.Metas {
			if !gone[m["phx_ref"]] {
				remaining = append(remaining, m)
			}
		}
		if len(remaining) == 0 {
			delete(state, key)
			continue
		}
		state[key] = presenceEntry{Metas: remaining}
	}

	if len(state) == 0 {
		delete(b, topic)
	}
}

func joinDiff(key string, m meta) presenceDiff {
	return presenceDiff{
		Joins:  presenceState{key: {Metas: []meta{m}}},
		Leaves: presenceState{},
	}
}

func leaveDiff(key string, m meta) presenceDiff {
	return presenceDiff{
		Joins:  presenceState{},
		Leaves: presenceState{key: {Metas: []meta{m}}},
	}
}
