package wlock

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/sotheh/tarantool-autovshard/consulhttp"
)

const lockKeyName = "lock"

// contenderValue is the JSON body of a contender entry.
type contenderValue struct {
	Weight float64         `json:"weight"`
	Info   json.RawMessage `json:"info,omitempty"`
}

// lockValue is the JSON body of the lock key.
type lockValue struct {
	Holder string          `json:"holder"`
	Info   json.RawMessage `json:"info,omitempty"`
}

// snapshot is the result of parsing one batch of entries under a prefix: pure
// with respect to its input, satisfying spec §8 invariant 5.
type snapshot struct {
	// Weights maps live contender session id to its advertised weight.
	Weights map[string]float64

	// Holder is the lock key's named holder, iff that holder is itself a
	// live contender (spec §3 Lock key invariant); "" otherwise.
	Holder string

	// MaxWeight is the maximum across Weights, or 0 if there are none.
	MaxWeight float64

	// LockModifyIndex is the ModifyIndex of the lock key entry, or 0 if
	// absent. Used as the CAS precondition for the next acquisition
	// attempt.
	LockModifyIndex uint64
}

// parseKVs is the pure function described in spec §8 invariant 5 and driven
// by §4.E step 2: it reduces a raw batch of entries under prefix into the
// contender weights, the (possibly absent) live holder, and the maximum
// weight. Malformed contender entries are ignored per spec §3's invariants,
// never treated as errors.
func parseKVs(prefix string, entries consulhttp.KVPairs) snapshot {
	lockKey := path.Join(prefix, lockKeyName)

	weights := make(map[string]float64)
	var rawHolder string
	var haveLock bool
	var lockModifyIndex uint64

	for _, e := range entries {
		if e == nil {
			continue
		}
		switch e.Key {
		case lockKey:
			var lv lockValue
			if err := json.Unmarshal(e.Value, &lv); err != nil {
				continue
			}
			rawHolder = lv.Holder
			haveLock = true
			lockModifyIndex = e.ModifyIndex
		default:
			sessionID := lastSegment(prefix, e.Key)
			if sessionID == "" {
				continue
			}
			if _, err := uuid.Parse(sessionID); err != nil {
				continue
			}
			if e.Session != sessionID {
				continue
			}
			var cv contenderValue
			if err := json.Unmarshal(e.Value, &cv); err != nil {
				continue
			}
			weights[sessionID] = cv.Weight
		}
	}

	var maxWeight float64
	for _, w := range weights {
		if w > maxWeight {
			maxWeight = w
		}
	}

	holder := ""
	if haveLock {
		if _, live := weights[rawHolder]; live {
			holder = rawHolder
		}
	}

	return snapshot{
		Weights:         weights,
		Holder:          holder,
		MaxWeight:       maxWeight,
		LockModifyIndex: lockModifyIndex,
	}
}

// eligible implements the "Eligible" definition of the GLOSSARY and §4.E
// step 2: maximal weight, and strictly greater than any current holder.
func (s snapshot) eligible(self string) bool {
	w, ok := s.Weights[self]
	if !ok || w < s.MaxWeight {
		return false
	}
	if s.Holder == "" {
		return true
	}
	return s.Weights[s.Holder] < s.MaxWeight
}

func lastSegment(prefix, key string) string {
	trimmed := strings.TrimPrefix(key, strings.TrimSuffix(prefix, "/")+"/")
	if trimmed == key {
		return ""
	}
	if strings.Contains(trimmed, "/") {
		return ""
	}
	return trimmed
}

func contenderKey(prefix, sessionID string) string {
	return path.Join(prefix, sessionID)
}

func lockKeyPath(prefix string) string {
	return path.Join(prefix, lockKeyName)
}
