package index

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashagw/craneidx/internal/keystring"
	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

const (
	testURI    = "table:index-test"
	testConfig = "type=file,internal_page_max=16k,leaf_page_max=16k,checksum=on,key_format=u,value_format=u,app_metadata=(formatVersion=6)"
)

func ascending(fields ...string) value.Key {
	k := make(value.Key, len(fields))
	for i, f := range fields {
		k[i] = value.Field{Name: f, Value: value.Int(1)}
	}
	return k
}

func intKey(vals ...int64) value.Key {
	out := make([]value.Value, len(vals))
	for i, v := range vals {
		out[i] = value.Int(v)
	}
	return value.NewKey(out...)
}

func setupIndex(t *testing.T, unique bool, pattern value.Key) (*kv.Store, *Index, func()) {
	store := kv.New()
	sess := store.NewSession()
	defer sess.Close()

	require.NoError(t, sess.Create(testURI, testConfig))
	idx, err := Open(sess, Spec{
		URI:        testURI,
		Namespace:  "test.coll",
		Name:       "a_1",
		KeyPattern: pattern,
		Unique:     unique,
	})
	require.NoError(t, err)
	return store, idx, func() {
		store.Close()
	}
}

// insertAll inserts each key under rid i+1 in one transaction.
func insertAll(t *testing.T, idx *Index, sess *kv.Session, keys []value.Key, dupsAllowed bool) {
	require.NoError(t, sess.Begin())
	for i, k := range keys {
		require.NoError(t, idx.Insert(sess, k, record.NewRID(int64(i+1)), dupsAllowed))
	}
	require.NoError(t, sess.Commit())
}

func scanAll(t *testing.T, idx *Index, sess *kv.Session, forward bool) []Entry {
	cur, err := idx.NewCursor(sess, forward)
	require.NoError(t, err)
	defer cur.Close()

	var out []Entry
	// An inclusive seek to the empty key starts at the first entry in scan
	// direction.
	e, err := cur.Seek(value.Key{}, true, KeyAndRID)
	require.NoError(t, err)
	for ; e != nil; e, err = cur.Next(KeyAndRID) {
		out = append(out, *e)
	}
	require.NoError(t, err)
	return out
}

func uniqueRecords(t *testing.T, sess *kv.Session, idx *Index, key value.Key) []record.RID {
	c, err := sess.OpenCursor(idx.URI())
	require.NoError(t, err)
	defer c.Close()

	c.SetKey(keystring.New(key.Values(), idx.Ordering()).Bytes())
	err = c.Search()
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	val, err := c.Value()
	require.NoError(t, err)
	records, err := keystring.UnpackRecords(val)
	require.NoError(t, err)
	rids := make([]record.RID, len(records))
	for i, r := range records {
		rids[i] = r.RID
	}
	return rids
}

func TestOpen_FormatVersion(t *testing.T) {
	store := kv.New()
	defer store.Close()
	sess := store.NewSession()
	defer sess.Close()

	tests := []struct {
		name string
		meta string
		ok   bool
	}{
		{"current", "app_metadata=(formatVersion=6)", true},
		{"old", "app_metadata=(formatVersion=5)", false},
		{"newer", "app_metadata=(formatVersion=7)", false},
		{"missing", "app_metadata=(infoObj=x)", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri := "table:" + tt.name
			require.NoError(t, sess.Create(uri, "type=file,key_format=u,value_format=u,"+tt.meta))
			idx, err := Open(sess, Spec{URI: uri, Namespace: "test.coll", Name: "a_1", KeyPattern: ascending("a")})
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, uri, idx.URI())
				assert.Equal(t, "a_1", idx.Name())
				assert.Equal(t, "test.coll", idx.Namespace())
				return
			}
			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.ErrorIs(t, err, ErrUnsupportedFormat)

			var fe *FatalError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, 28579, fe.Code)
		})
	}

	_, err := Open(sess, Spec{URI: "table:nope", Name: "x"})
	assert.ErrorIs(t, err, kv.ErrNoSuchTable)
}

func TestInsertAndSeekExact(t *testing.T) {
	for _, unique := range []bool{false, true} {
		t.Run(map[bool]string{false: "standard", true: "unique"}[unique], func(t *testing.T) {
			store, idx, cleanup := setupIndex(t, unique, ascending("a", "b"))
			defer cleanup()
			sess := store.NewSession()
			defer sess.Close()

			keys := []value.Key{
				{{Name: "a", Value: value.Int(5)}, {Name: "b", Value: value.String("x")}},
				value.NewKey(value.Double(2.5), value.Bool(true)),
				value.NewKey(value.Double(7), value.Null()),
			}
			insertAll(t, idx, sess, keys, !unique)

			cur, err := idx.NewCursor(sess, true)
			require.NoError(t, err)
			defer cur.Close()

			for i, k := range keys {
				e, err := cur.SeekExact(k, KeyAndRID)
				require.NoError(t, err)
				require.NotNil(t, e, "key %s", k)
				assert.Equal(t, record.NewRID(int64(i+1)), e.RID)
				assert.Equal(t, k.StripFieldNames(), e.Key)
			}

			// 7.0 was stored as a double and comes back as one even when
			// looked up by an equal int.
			e, err := cur.SeekExact(value.NewKey(value.Int(7), value.Null()), KeyAndRID)
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, value.KindDouble, e.Key[0].Value.Kind())

			e, err = cur.SeekExact(intKey(6, 0), KeyAndRID)
			require.NoError(t, err)
			assert.Nil(t, e)
		})
	}
}

func TestInsert_RequiresTransaction(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	assert.ErrorIs(t, idx.Insert(sess, intKey(1), record.NewRID(1), true), ErrNotInTransaction)
	assert.ErrorIs(t, idx.Unindex(sess, intKey(1), record.NewRID(1), true), ErrNotInTransaction)

	require.NoError(t, sess.Begin())
	err := idx.Insert(sess, intKey(1), record.NullRID, true)
	assert.True(t, IsFatal(err))
	require.NoError(t, sess.Rollback())
}

func TestInsert_KeyTooLong(t *testing.T) {
	for _, unique := range []bool{false, true} {
		store, idx, cleanup := setupIndex(t, unique, ascending("a"))
		sess := store.NewSession()

		long := value.NewKey(value.String(strings.Repeat("x", MaxKeySize+100)))
		require.NoError(t, sess.Begin())
		err := idx.Insert(sess, long, record.NewRID(1), !unique)
		assert.ErrorIs(t, err, ErrKeyTooLong)
		assert.False(t, IsFatal(err))
		require.NoError(t, sess.Commit())

		empty, err := idx.IsEmpty(sess)
		require.NoError(t, err)
		assert.True(t, empty)

		// Keys just under the limit are fine.
		short := value.NewKey(value.String(strings.Repeat("x", MaxKeySize-20)))
		insertAll(t, idx, sess, []value.Key{short}, !unique)

		sess.Close()
		cleanup()
	}
}

func TestInsert_KeyFieldCount(t *testing.T) {
	for _, unique := range []bool{false, true} {
		t.Run(map[bool]string{false: "standard", true: "unique"}[unique], func(t *testing.T) {
			store, idx, cleanup := setupIndex(t, unique, ascending("a", "b"))
			defer cleanup()
			sess := store.NewSession()
			defer sess.Close()

			// Test 1: Keys with fewer or more fields than the pattern are rejected
			require.NoError(t, sess.Begin())
			for _, k := range []value.Key{intKey(1), intKey(1, 2, 3), {}} {
				err := idx.Insert(sess, k, record.NewRID(1), !unique)
				assert.ErrorIs(t, err, ErrKeyFieldCount, "key %s", k)
				assert.False(t, IsFatal(err))
			}
			require.NoError(t, sess.Commit())

			empty, err := idx.IsEmpty(sess)
			require.NoError(t, err)
			assert.True(t, empty)

			// Test 2: A key matching the pattern goes in
			insertAll(t, idx, sess, []value.Key{intKey(1, 2)}, !unique)
			empty, err = idx.IsEmpty(sess)
			require.NoError(t, err)
			assert.False(t, empty)
		})
	}
}

func TestOpen_KeyPatternTooLong(t *testing.T) {
	store := kv.New()
	defer store.Close()
	sess := store.NewSession()
	defer sess.Close()
	require.NoError(t, sess.Create(testURI, testConfig))

	fields := make([]string, keystring.MaxFields+1)
	for i := range fields {
		fields[i] = fmt.Sprintf("f%d", i)
	}
	_, err := Open(sess, Spec{URI: testURI, Namespace: "test.coll", Name: "wide", KeyPattern: ascending(fields...)})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	idx, err := Open(sess, Spec{URI: testURI, Namespace: "test.coll", Name: "wide", KeyPattern: ascending(fields[:keystring.MaxFields]...)})
	require.NoError(t, err)
	assert.Equal(t, keystring.AllAscending, idx.Ordering())
}

func TestStandard_InsertIdempotentAndUnindex(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	require.NoError(t, sess.Begin())
	require.NoError(t, idx.Insert(sess, intKey(5), record.NewRID(1), true))
	require.NoError(t, idx.Insert(sess, intKey(5), record.NewRID(1), true))
	require.NoError(t, idx.Insert(sess, intKey(5), record.NewRID(2), true))
	require.NoError(t, sess.Commit())

	got := scanAll(t, idx, sess, true)
	require.Len(t, got, 2)
	assert.Equal(t, record.NewRID(1), got[0].RID)
	assert.Equal(t, record.NewRID(2), got[1].RID)

	require.NoError(t, sess.Begin())
	require.NoError(t, idx.Unindex(sess, intKey(5), record.NewRID(1), true))
	// Absent entries are ignored.
	require.NoError(t, idx.Unindex(sess, intKey(5), record.NewRID(1), true))
	require.NoError(t, idx.Unindex(sess, intKey(9), record.NewRID(3), true))
	require.NoError(t, sess.Commit())

	got = scanAll(t, idx, sess, true)
	require.Len(t, got, 1)
	assert.Equal(t, record.NewRID(2), got[0].RID)

	require.NoError(t, sess.Begin())
	assert.True(t, IsFatal(idx.Insert(sess, intKey(1), record.NewRID(1), false)))
	require.NoError(t, sess.Rollback())
}

func TestUnique_Duplicates(t *testing.T) {
	store, idx, cleanup := setupIndex(t, true, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	insertAll(t, idx, sess, []value.Key{intKey(5)}, false)

	// Test 1: reinserting the same pair is a no-op
	require.NoError(t, sess.Begin())
	require.NoError(t, idx.Insert(sess, intKey(5), record.NewRID(1), false))

	// Test 2: another record under the same key is rejected
	err := idx.Insert(sess, value.Key{{Name: "a", Value: value.Int(5)}}, record.NewRID(2), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.False(t, IsFatal(err))
	assert.Equal(t, "E11000 duplicate key error collection: test.coll index: a_1 dup key: { : 5 }", err.Error())
	require.NoError(t, sess.Commit())

	assert.Equal(t, []record.RID{record.NewRID(1)}, uniqueRecords(t, sess, idx, intKey(5)))

	// Test 3: dupKeyCheck
	assert.NoError(t, idx.DupKeyCheck(sess, intKey(5), record.NewRID(1)))
	assert.NoError(t, idx.DupKeyCheck(sess, intKey(6), record.NewRID(2)))
	var dke *DuplicateKeyError
	require.ErrorAs(t, idx.DupKeyCheck(sess, intKey(5), record.NewRID(2)), &dke)
	assert.Equal(t, "a_1", dke.Index)
}

func TestUnique_DupsAllowedMerge(t *testing.T) {
	store, idx, cleanup := setupIndex(t, true, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	r1, r2, r3 := record.NewRID(10), record.NewRID(20), record.NewRID(30)
	key := intKey(5)

	require.NoError(t, sess.Begin())
	require.NoError(t, idx.Insert(sess, key, r3, true))
	require.NoError(t, idx.Insert(sess, key, r1, true))
	require.NoError(t, idx.Insert(sess, key, r2, true))
	require.NoError(t, idx.Insert(sess, key, r2, true))
	require.NoError(t, sess.Commit())
	assert.Equal(t, []record.RID{r1, r2, r3}, uniqueRecords(t, sess, idx, key))

	require.NoError(t, sess.Begin())
	require.NoError(t, idx.Unindex(sess, key, r2, true))
	require.NoError(t, sess.Commit())
	assert.Equal(t, []record.RID{r1, r3}, uniqueRecords(t, sess, idx, key))

	// A record that was never indexed only logs.
	require.NoError(t, sess.Begin())
	require.NoError(t, idx.Unindex(sess, key, record.NewRID(99), true))
	require.NoError(t, idx.Unindex(sess, key, r1, true))
	require.NoError(t, idx.Unindex(sess, key, r3, true))
	require.NoError(t, sess.Commit())
	assert.Nil(t, uniqueRecords(t, sess, idx, key))

	empty, err := idx.IsEmpty(sess)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestUnique_UnindexWithoutDups(t *testing.T) {
	store, idx, cleanup := setupIndex(t, true, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	insertAll(t, idx, sess, []value.Key{intKey(1), intKey(2)}, false)

	require.NoError(t, sess.Begin())
	require.NoError(t, idx.Unindex(sess, intKey(1), record.NewRID(1), false))
	require.NoError(t, idx.Unindex(sess, intKey(7), record.NewRID(1), false))
	require.NoError(t, sess.Commit())

	got := scanAll(t, idx, sess, true)
	require.Len(t, got, 1)
	assert.Equal(t, intKey(2), got[0].Key)
}

func TestDupKeyCheck_NonUnique(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	assert.True(t, IsFatal(idx.DupKeyCheck(sess, intKey(1), record.NewRID(1))))
}

func TestIsEmptyAndSpaceUsed(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	require.NoError(t, idx.InitAsEmpty(sess))
	empty, err := idx.IsEmpty(sess)
	require.NoError(t, err)
	assert.True(t, empty)
	require.NoError(t, sess.Commit())

	size, err := idx.SpaceUsedBytes(sess)
	require.NoError(t, err)
	assert.Zero(t, size)

	insertAll(t, idx, sess, []value.Key{intKey(1), intKey(2), intKey(3)}, true)

	empty, err = idx.IsEmpty(sess)
	require.NoError(t, err)
	assert.False(t, empty)

	size, err = idx.SpaceUsedBytes(sess)
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestFullValidate(t *testing.T) {
	store, idx, cleanup := setupIndex(t, true, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	keys := make([]value.Key, 50)
	for i := range keys {
		keys[i] = intKey(int64(i * 3))
	}
	insertAll(t, idx, sess, keys, false)

	// Test 1: full validation of a healthy index
	res, err := idx.FullValidate(sess, true)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, int64(50), res.NumKeys)
	assert.Equal(t, uint64(50), res.DistinctRecords)

	// Test 2: another session holding a cursor makes verify busy
	other := store.NewSession()
	defer other.Close()
	c, err := other.OpenCursor(idx.URI())
	require.NoError(t, err)

	res, err = idx.FullValidate(sess, false)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(50), res.NumKeys)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "EBUSY")
	require.NoError(t, c.Close())
	other.CloseCachedCursors()

	// Test 3: a dropped table is structural damage
	sess.CloseCachedCursors()
	require.NoError(t, store.DropTable(idx.URI()))
	res, err = idx.FullValidate(sess, true)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[len(res.Errors)-1], "structural damage")
}

func TestAppendCustomStats(t *testing.T) {
	store, idx, cleanup := setupIndex(t, false, ascending("a"))
	defer cleanup()
	sess := store.NewSession()
	defer sess.Close()

	insertAll(t, idx, sess, []value.Key{intKey(1), intKey(2)}, true)

	out := make(map[string]any)
	assert.True(t, idx.AppendCustomStats(sess, out))

	meta, ok := out["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(6), meta["formatVersion"])
	assert.Equal(t, testConfig, out["creationString"])
	assert.Equal(t, "file", out["type"])

	stats, ok := out["statistics"].(kv.TableStats)
	require.True(t, ok)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, testURI, stats.URI)

	// Everything missing is reported in place.
	sess.CloseCachedCursors()
	require.NoError(t, store.DropTable(idx.URI()))
	out = make(map[string]any)
	assert.True(t, idx.AppendCustomStats(sess, out))
	meta = out["metadata"].(map[string]any)
	assert.Equal(t, "unable to retrieve metadata", meta["error"])
	assert.Equal(t, 2, meta["code"])
	creation := out["creationString"].(map[string]any)
	assert.Equal(t, "unable to retrieve creation config", creation["error"])
	assert.Equal(t, "unable to retrieve statistics", out["error"])
	assert.NotContains(t, out, "statistics")
}

func TestAppendAppMetadata(t *testing.T) {
	out := make(map[string]any)
	require.NoError(t, appendAppMetadata(out, `formatVersion=6,infoObj={"v":2},label="abc"`))
	assert.Equal(t, int64(6), out["formatVersion"])
	assert.Equal(t, map[string]any{"v": float64(2)}, out["infoObj"])
	assert.Equal(t, "abc", out["label"])
}
