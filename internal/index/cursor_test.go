package index

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

func keyInts(entries []Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Key[0].Value.AsInt()
	}
	return out
}

func TestCursor_Order(t *testing.T) {
	tests := []struct {
		name    string
		pattern value.Key
		unique  bool
	}{
		{"ascending standard", ascending("a"), false},
		{"ascending unique", ascending("a"), true},
		{"descending standard", value.Key{{Name: "a", Value: value.Int(-1)}}, false},
		{"descending unique", value.Key{{Name: "a", Value: value.Int(-1)}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, idx, cleanup := setupIndex(t, tt.unique, tt.pattern)
			defer cleanup()
			sess := store.NewSession()
			defer sess.Close()

			rng := rand.New(rand.NewSource(7))
			seen := make(map[int64]bool)
			var keys []value.Key
			var want []int64
			for len(keys) < 200 {
				n := rng.Int63n(100000) - 50000
				if seen[n] {
					continue
				}
				seen[n] = true
				keys = append(keys, intKey(n))
				want = append(want, n)
			}
			insertAll(t, idx, sess, keys, !tt.unique)

			descending := idx.Ordering().IsDescending(0)
			sort.Slice(want, func(i, j int) bool {
				if descending {
					return want[i] > want[j]
				}
				return want[i] < want[j]
			})

			forward := scanAll(t, idx, sess, true)
			assert.Equal(t, want, keyInts(forward))

			backward := scanAll(t, idx, sess, false)
			got := keyInts(backward)
			for i, j := 0, len(got)-1; i < j; i, j = i+1, j-1 {
				got[i], got[j] = got[j], got[i]
			}
			assert.Equal(t, want, got)

			// Every entry carries the record it was inserted with.
			for _, e := range forward {
				assert.True(t, e.RID.IsNormal())
			}
		})
	}
}

func TestCursor_StandardDuplicatesOrderedByRID(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	require.NoError(t, sess.Begin())
	for _, rid := range []int64{30, 10, 20} {
		require.NoError(t, idx.Insert(sess, intKey(1), record.NewRID(rid), true))
	}
	require.NoError(t, sess.Commit())

	forward := scanAll(t, idx, sess, true)
	require.Len(t, forward, 3)
	assert.Equal(t, []record.RID{10, 20, 30}, []record.RID{forward[0].RID, forward[1].RID, forward[2].RID})

	backward := scanAll(t, idx, sess, false)
	require.Len(t, backward, 3)
	assert.Equal(t, []record.RID{30, 20, 10}, []record.RID{backward[0].RID, backward[1].RID, backward[2].RID})
}

func TestCursor_SeekInclusiveExclusive(t *testing.T) {
	for _, unique := range []bool{false, true} {
		store, idx, cleanup := setupIndex(t, unique, ascending("a"))
		sess := store.NewSession()

		insertAll(t, idx, sess, []value.Key{intKey(1), intKey(3), intKey(5), intKey(7)}, !unique)

		fwd, err := idx.NewCursor(sess, true)
		require.NoError(t, err)
		bwd, err := idx.NewCursor(sess, false)
		require.NoError(t, err)

		tests := []struct {
			cur       Cursor
			key       int64
			inclusive bool
			want      int64 // 0 means exhausted
		}{
			{fwd, 5, true, 5},
			{fwd, 5, false, 7},
			{fwd, 4, true, 5},
			{fwd, 7, false, 0},
			{fwd, -10, false, 1},
			{bwd, 5, true, 5},
			{bwd, 5, false, 3},
			{bwd, 4, false, 3},
			{bwd, 1, false, 0},
			{bwd, 100, true, 7},
		}
		for _, tt := range tests {
			e, err := tt.cur.Seek(intKey(tt.key), tt.inclusive, KeyAndRID)
			require.NoError(t, err)
			if tt.want == 0 {
				assert.Nil(t, e, "seek %d inclusive=%v", tt.key, tt.inclusive)
				continue
			}
			require.NotNil(t, e, "seek %d inclusive=%v", tt.key, tt.inclusive)
			assert.Equal(t, tt.want, e.Key[0].Value.AsInt())
		}

		// Next on an exhausted cursor stays exhausted.
		e, err := fwd.Seek(intKey(7), false, KeyAndRID)
		require.NoError(t, err)
		assert.Nil(t, e)
		e, err = fwd.Next(KeyAndRID)
		require.NoError(t, err)
		assert.Nil(t, e)

		// Without WantKey only the record id is filled in.
		e, err = fwd.Seek(intKey(3), true, WantRID)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Nil(t, e.Key)
		assert.Equal(t, record.NewRID(2), e.RID)

		require.NoError(t, fwd.Close())
		require.NoError(t, bwd.Close())
		sess.Close()
		cleanup()
	}
}

func TestCursor_EndPosition(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	var keys []value.Key
	for i := int64(1); i <= 10; i++ {
		keys = append(keys, intKey(i))
	}
	insertAll(t, idx, sess, keys, true)

	collect := func(cur Cursor, start int64) []int64 {
		var out []int64
		e, err := cur.Seek(intKey(start), true, KeyAndRID)
		for ; err == nil && e != nil; e, err = cur.Next(KeyAndRID) {
			out = append(out, e.Key[0].Value.AsInt())
		}
		require.NoError(t, err)
		return out
	}

	fwd, err := idx.NewCursor(sess, true)
	require.NoError(t, err)
	defer fwd.Close()

	fwd.SetEndPosition(intKey(4), true)
	assert.Equal(t, []int64{1, 2, 3, 4}, collect(fwd, 1))

	fwd.SetEndPosition(intKey(4), false)
	assert.Equal(t, []int64{1, 2, 3}, collect(fwd, 1))

	// Seeking beyond the end position finds nothing.
	assert.Empty(t, collect(fwd, 6))

	fwd.SetEndPosition(value.Key{}, true)
	assert.Len(t, collect(fwd, 1), 10)

	bwd, err := idx.NewCursor(sess, false)
	require.NoError(t, err)
	defer bwd.Close()

	bwd.SetEndPosition(intKey(7), true)
	assert.Equal(t, []int64{10, 9, 8, 7}, collect(bwd, 10))

	bwd.SetEndPosition(intKey(7), false)
	assert.Equal(t, []int64{10, 9, 8}, collect(bwd, 10))
}

func TestCursor_SeekPoint(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a", "b"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	insertAll(t, idx, sess, []value.Key{intKey(1, 1), intKey(1, 2), intKey(2, 1), intKey(2, 2)}, true)

	fwd, err := idx.NewCursor(sess, true)
	require.NoError(t, err)
	defer fwd.Close()
	bwd, err := idx.NewCursor(sess, false)
	require.NoError(t, err)
	defer bwd.Close()

	tests := []struct {
		name string
		cur  Cursor
		sp   SeekPoint
		want value.Key
	}{
		{
			name: "exclusive prefix forward",
			cur:  fwd,
			sp:   SeekPoint{KeyPrefix: intKey(1), PrefixLen: 1, PrefixExclusive: true},
			want: intKey(2, 1),
		},
		{
			name: "exclusive prefix backward",
			cur:  bwd,
			sp:   SeekPoint{KeyPrefix: intKey(2), PrefixLen: 1, PrefixExclusive: true},
			want: intKey(1, 2),
		},
		{
			name: "inclusive suffix",
			cur:  fwd,
			sp: SeekPoint{
				KeySuffix:       []value.Value{value.Int(1), value.Int(2)},
				SuffixInclusive: []bool{true, true},
			},
			want: intKey(1, 2),
		},
		{
			name: "exclusive suffix field",
			cur:  fwd,
			sp: SeekPoint{
				KeyPrefix:       intKey(1),
				PrefixLen:       1,
				KeySuffix:       []value.Value{value.Null(), value.Int(1)},
				SuffixInclusive: []bool{true, false},
			},
			want: intKey(1, 2),
		},
		{
			name: "inclusive suffix backward",
			cur:  bwd,
			sp: SeekPoint{
				KeySuffix:       []value.Value{value.Int(2), value.Int(1)},
				SuffixInclusive: []bool{true, true},
			},
			want: intKey(2, 1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := tt.cur.SeekPoint(tt.sp, KeyAndRID)
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, tt.want, e.Key)
		})
	}

	_, err = fwd.SeekPoint(SeekPoint{PrefixLen: 2, KeyPrefix: intKey(1)}, KeyAndRID)
	assert.ErrorIs(t, err, ErrInvalidSeekPoint)
	_, err = fwd.SeekPoint(SeekPoint{PrefixExclusive: true}, KeyAndRID)
	assert.ErrorIs(t, err, ErrInvalidSeekPoint)
	_, err = fwd.SeekPoint(SeekPoint{KeySuffix: []value.Value{value.Int(1)}}, KeyAndRID)
	assert.ErrorIs(t, err, ErrInvalidSeekPoint)
}

func TestCursor_SingleKeyExample(t *testing.T) {
	store, idx, cleanup := setupIndex(t, true, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	require.NoError(t, sess.Begin())
	require.NoError(t, idx.Insert(sess, value.Key{{Name: "a", Value: value.Int(5)}}, record.NewRID(1), false))
	require.NoError(t, sess.Commit())

	cur, err := idx.NewCursor(sess, true)
	require.NoError(t, err)
	defer cur.Close()

	e, err := cur.Seek(value.Key{{Name: "a", Value: value.Int(5)}}, true, KeyAndRID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, value.NewKey(value.Int(5)), e.Key)
	assert.Equal(t, record.NewRID(1), e.RID)

	e, err = cur.Next(KeyAndRID)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestCursor_SaveRestoreAcrossDelete(t *testing.T) {
	for _, forward := range []bool{true, false} {
		for _, unique := range []bool{false, true} {
			store, idx, cleanup := setupIndex(t, unique, ascending("a"))
			sess := store.NewSession()
			other := store.NewSession()

			insertAll(t, idx, sess, []value.Key{intKey(1), intKey(2), intKey(3), intKey(4), intKey(5)}, !unique)

			cur, err := idx.NewCursor(sess, forward)
			require.NoError(t, err)

			e, err := cur.Seek(intKey(3), true, KeyAndRID)
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, int64(3), e.Key[0].Value.AsInt())

			cur.SavePositioned()
			require.NoError(t, sess.Commit())

			require.NoError(t, other.Begin())
			require.NoError(t, idx.Unindex(other, intKey(3), record.NewRID(3), !unique))
			require.NoError(t, other.Commit())

			require.NoError(t, cur.Restore())
			e, err = cur.Next(KeyAndRID)
			require.NoError(t, err)
			require.NotNil(t, e)
			want := int64(4)
			if !forward {
				want = 2
			}
			assert.Equal(t, want, e.Key[0].Value.AsInt(), "forward=%v unique=%v", forward, unique)

			// A save and restore with nothing changed does not skip or
			// repeat entries.
			cur.SavePositioned()
			require.NoError(t, cur.Restore())
			e, err = cur.Next(KeyAndRID)
			require.NoError(t, err)
			require.NotNil(t, e)
			want = 5
			if !forward {
				want = 1
			}
			assert.Equal(t, want, e.Key[0].Value.AsInt())

			require.NoError(t, cur.Close())
			other.Close()
			sess.Close()
			cleanup()
		}
	}
}

func TestCursor_SaveUnpositioned(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	insertAll(t, idx, sess, []value.Key{intKey(1), intKey(2)}, true)

	cur, err := idx.NewCursor(sess, true)
	require.NoError(t, err)
	defer cur.Close()

	_, err = cur.Seek(intKey(1), true, KeyAndRID)
	require.NoError(t, err)
	cur.SaveUnpositioned()
	require.NoError(t, cur.Restore())
	e, err := cur.Next(KeyAndRID)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestUniqueCursor_RestoreRecordChanged(t *testing.T) {
	// Keys 5 (rid 10) and 6 (rid 11). The forward cursor saves on 5, the
	// backward one on 6, then another writer swaps the record id of the
	// saved key.
	tests := []struct {
		name    string
		forward bool
		newRID  int64
		wantKey int64
		wantRID int64
	}{
		// The new record sorts after the saved one: it has not been
		// returned yet.
		{"forward later record", true, 20, 5, 20},
		// The new record sorts before the saved one: treat the key as
		// already returned.
		{"forward earlier record", true, 5, 6, 11},
		// Going backward the sides swap.
		{"backward earlier record", false, 3, 6, 3},
		{"backward later record", false, 20, 5, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, idx, cleanup := setupIndex(t, true, ascending("a"))
			defer cleanup()
			sess := store.NewSession()
			defer sess.Close()
			other := store.NewSession()
			defer other.Close()

			require.NoError(t, sess.Begin())
			require.NoError(t, idx.Insert(sess, intKey(5), record.NewRID(10), false))
			require.NoError(t, idx.Insert(sess, intKey(6), record.NewRID(11), false))
			require.NoError(t, sess.Commit())

			savedKey, savedRID := int64(5), int64(10)
			if !tt.forward {
				savedKey, savedRID = 6, 11
			}

			cur, err := idx.NewCursor(sess, tt.forward)
			require.NoError(t, err)
			defer cur.Close()

			e, err := cur.Seek(intKey(savedKey), true, KeyAndRID)
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, record.NewRID(savedRID), e.RID)

			cur.SavePositioned()
			require.NoError(t, sess.Commit())

			require.NoError(t, other.Begin())
			require.NoError(t, idx.Unindex(other, intKey(savedKey), record.NewRID(savedRID), false))
			require.NoError(t, idx.Insert(other, intKey(savedKey), record.NewRID(tt.newRID), false))
			require.NoError(t, other.Commit())

			require.NoError(t, cur.Restore())
			e, err = cur.Next(KeyAndRID)
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, tt.wantKey, e.Key[0].Value.AsInt())
			assert.Equal(t, record.NewRID(tt.wantRID), e.RID)
		})
	}
}

func TestCursor_RestoreBeforeFirstMove(t *testing.T) {
	for _, unique := range []bool{false, true} {
		for _, forward := range []bool{true, false} {
			for _, detach := range []bool{false, true} {
				name := fmt.Sprintf("unique=%v/forward=%v/detach=%v", unique, forward, detach)
				t.Run(name, func(t *testing.T) {
					store, idx, cleanup := setupIndex(t, unique, ascending("a"))
					defer cleanup()
					sess := store.NewSession()
					defer sess.Close()

					insertAll(t, idx, sess, []value.Key{intKey(1), intKey(2), intKey(3)}, !unique)

					cur, err := idx.NewCursor(sess, forward)
					require.NoError(t, err)
					defer cur.Close()

					cur.SavePositioned()
					if detach {
						cur.Detach()
						next := store.NewSession()
						defer next.Close()
						cur.Reattach(next)
					}
					require.NoError(t, cur.Restore())

					want := []int64{1, 2, 3}
					if !forward {
						want = []int64{3, 2, 1}
					}
					var got []int64
					e, err := cur.Next(KeyAndRID)
					for ; err == nil && e != nil; e, err = cur.Next(KeyAndRID) {
						got = append(got, e.Key[0].Value.AsInt())
					}
					require.NoError(t, err)
					assert.Equal(t, want, got)
				})
			}
		}
	}
}

func TestUniqueCursor_MultipleRecordsIsFatal(t *testing.T) {
	store, idx, cleanup := setupIndex(t, true, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	require.NoError(t, sess.Begin())
	require.NoError(t, idx.Insert(sess, intKey(5), record.NewRID(1), true))
	require.NoError(t, idx.Insert(sess, intKey(5), record.NewRID(2), true))
	require.NoError(t, sess.Commit())

	cur, err := idx.NewCursor(sess, true)
	require.NoError(t, err)
	defer cur.Close()

	_, err = cur.Seek(intKey(5), true, KeyAndRID)
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 28608, fe.Code)
}

func TestCursor_DetachReattach(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	insertAll(t, idx, sess, []value.Key{intKey(1), intKey(2), intKey(3)}, true)

	cur, err := idx.NewCursor(sess, true)
	require.NoError(t, err)
	defer cur.Close()

	e, err := cur.Seek(intKey(1), true, KeyAndRID)
	require.NoError(t, err)
	require.NotNil(t, e)

	cur.SavePositioned()
	cur.Detach()
	_, err = cur.Next(KeyAndRID)
	assert.ErrorIs(t, err, ErrCursorDetached)
	assert.ErrorIs(t, cur.Restore(), ErrCursorDetached)

	next := store.NewSession()
	defer next.Close()
	cur.Reattach(next)
	require.NoError(t, cur.Restore())

	e, err = cur.Next(KeyAndRID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, int64(2), e.Key[0].Value.AsInt())
}

func TestCursor_SeesOwnTransaction(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()
	other := store.NewSession()
	defer other.Close()

	require.NoError(t, sess.Begin())
	require.NoError(t, idx.Insert(sess, intKey(1), record.NewRID(1), true))

	assert.Len(t, scanAll(t, idx, sess, true), 1)
	assert.Empty(t, scanAll(t, idx, other, true))

	require.NoError(t, sess.Commit())
	require.NoError(t, other.Rollback())
	assert.Len(t, scanAll(t, idx, other, true), 1)
}

func TestConcurrentWritersConflict(t *testing.T) {
	store, idx, cleanup := setupIndex(t, true, ascending("a"))
	defer cleanup()
	a := store.NewSession()
	defer a.Close()
	b := store.NewSession()
	defer b.Close()

	require.NoError(t, a.Begin())
	require.NoError(t, b.Begin())
	require.NoError(t, idx.Insert(a, intKey(1), record.NewRID(1), false))

	err := idx.Insert(b, intKey(1), record.NewRID(2), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, kv.ErrConflict)
	assert.False(t, IsFatal(err))

	require.NoError(t, a.Commit())
	require.NoError(t, b.Rollback())
}
