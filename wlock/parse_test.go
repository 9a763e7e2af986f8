package wlock

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sotheh/tarantool-autovshard/consulhttp"
)

const prefix = "service/shard1/leader"

func contenderEntry(t *testing.T, session string, weight float64) *consulhttp.KVPair {
	t.Helper()
	return &consulhttp.KVPair{
		Key:         contenderKey(prefix, session),
		Session:     session,
		ModifyIndex: 1,
		CreateIndex: 1,
		Value:       []byte(fmt.Sprintf(`{"weight":%v}`, weight)),
	}
}

func lockEntry(holder string, modifyIndex uint64) *consulhttp.KVPair {
	return &consulhttp.KVPair{
		Key:         lockKeyPath(prefix),
		ModifyIndex: modifyIndex,
		CreateIndex: 1,
		Value:       []byte(`{"holder":"` + holder + `"}`),
	}
}

const s1 = "11111111-1111-1111-1111-111111111111"
const s2 = "22222222-2222-2222-2222-222222222222"

func TestParseKVsBasic(t *testing.T) {
	entries := consulhttp.KVPairs{
		contenderEntry(t, s1, 10),
		contenderEntry(t, s2, 20),
		lockEntry(s1, 5),
	}
	snap := parseKVs(prefix, entries)
	assert.Equal(t, float64(10), snap.Weights[s1])
	assert.Equal(t, float64(20), snap.Weights[s2])
	assert.Equal(t, float64(20), snap.MaxWeight)
	// s1 is named holder but not the max weight contender; that's fine,
	// holder reflects the lock key's content, not eligibility.
	assert.Equal(t, s1, snap.Holder)
	assert.Equal(t, uint64(5), snap.LockModifyIndex)
}

func TestParseKVsIsPure(t *testing.T) {
	entries := consulhttp.KVPairs{
		contenderEntry(t, s1, 10),
		lockEntry(s1, 3),
	}
	a := parseKVs(prefix, entries)
	b := parseKVs(prefix, entries)
	assert.Equal(t, a.Weights, b.Weights)
	assert.Equal(t, a.Holder, b.Holder)
	assert.Equal(t, a.MaxWeight, b.MaxWeight)
}

func TestParseKVsIgnoresMalformedUUIDSegment(t *testing.T) {
	entries := consulhttp.KVPairs{
		{
			Key:     contenderKey(prefix, "not-a-uuid"),
			Session: "not-a-uuid",
			Value:   []byte(`{"weight":99}`),
		},
	}
	snap := parseKVs(prefix, entries)
	assert.Empty(t, snap.Weights)
	assert.Equal(t, float64(0), snap.MaxWeight)
}

func TestParseKVsIgnoresContenderAcquiredByDifferentSession(t *testing.T) {
	entries := consulhttp.KVPairs{
		{
			Key:     contenderKey(prefix, s1),
			Session: s2, // mismatched: key names s1 but session field is s2
			Value:   []byte(`{"weight":10}`),
		},
	}
	snap := parseKVs(prefix, entries)
	assert.Empty(t, snap.Weights)
}

func TestParseKVsLockNamingDeadHolderIsUnheld(t *testing.T) {
	entries := consulhttp.KVPairs{
		contenderEntry(t, s2, 5),
		lockEntry(s1, 2), // s1 is not a live contender
	}
	snap := parseKVs(prefix, entries)
	assert.Equal(t, "", snap.Holder)
}

func TestParseKVsNoContendersMaxWeightZero(t *testing.T) {
	snap := parseKVs(prefix, nil)
	assert.Equal(t, float64(0), snap.MaxWeight)
	assert.Equal(t, "", snap.Holder)
}

func TestEligibleHighestWeightNoHolder(t *testing.T) {
	snap := parseKVs(prefix, consulhttp.KVPairs{
		contenderEntry(t, s1, 10),
	})
	assert.True(t, snap.eligible(s1))
}

func TestEligibleEqualWeightIncumbentWins(t *testing.T) {
	snap := parseKVs(prefix, consulhttp.KVPairs{
		contenderEntry(t, s1, 10),
		contenderEntry(t, s2, 10),
		lockEntry(s1, 1),
	})
	// s2 has equal weight to the holder, not strictly greater: not eligible
	// to preempt (GLOSSARY "Eligible").
	assert.False(t, snap.eligible(s2))
	// The formula is symmetric: a holder checked against itself also fails
	// the strict-less-than test. This never matters in practice because a
	// holder does not re-enter the Waiting phase while it still holds the
	// lock; only a contender racing to acquire evaluates eligibility.
	assert.False(t, snap.eligible(s1))
}

func TestEligibleHigherWeightPreemptsLowerHolder(t *testing.T) {
	snap := parseKVs(prefix, consulhttp.KVPairs{
		contenderEntry(t, s1, 10),
		contenderEntry(t, s2, 20),
		lockEntry(s1, 1),
	})
	require.Equal(t, s1, snap.Holder)
	assert.True(t, snap.eligible(s2))
	assert.False(t, snap.eligible(s1))
}

func TestEligibleNotACurrentContender(t *testing.T) {
	snap := parseKVs(prefix, consulhttp.KVPairs{
		contenderEntry(t, s1, 10),
	})
	assert.False(t, snap.eligible(s2))
}
