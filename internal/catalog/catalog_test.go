package catalog

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashagw/craneidx/internal/index"
	"github.com/yashagw/craneidx/internal/keystring"
	"github.com/yashagw/craneidx/internal/kv"
	"github.com/yashagw/craneidx/internal/record"
	"github.com/yashagw/craneidx/internal/value"
)

func setupCatalog(t *testing.T, opts ...Option) (*Catalog, *kv.Session, func()) {
	store := kv.New()
	sess := store.NewSession()
	return New(store, opts...), sess, func() {
		sess.Close()
		store.Close()
	}
}

func userIndex(name string, unique bool, fields ...string) *Descriptor {
	pattern := make(value.Key, len(fields))
	for i, f := range fields {
		dir := int64(1)
		if strings.HasPrefix(f, "-") {
			f, dir = f[1:], -1
		}
		pattern[i] = value.Field{Name: f, Value: value.Int(dir)}
	}
	return &Descriptor{Namespace: "app.users", Name: name, KeyPattern: pattern, Unique: unique}
}

type encryptionHooks struct{}

func (encryptionHooks) OpenConfig(ns string) string {
	if ns == "app.users" {
		return "checksum=off,"
	}
	return ""
}

func TestGenerateCreateString(t *testing.T) {
	c, _, cleanup := setupCatalog(t)
	defer cleanup()

	desc := userIndex("email_1", true, "email")
	cfg, err := c.GenerateCreateString("", desc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cfg, "type=file,internal_page_max=16k,leaf_page_max=16k,checksum=on,block_compressor=snappy,"))
	assert.Contains(t, cfg, ",key_format=u,value_format=u,app_metadata=(formatVersion=6,infoObj=")
	assert.Contains(t, cfg, `"key":{"email":1}`)
	assert.NotContains(t, cfg, "prefix_compression")
	require.NoError(t, kv.ValidateCreationOptions(cfg))

	// Test 1: options, hooks and engine config land before the fixed suffix
	c, _, cleanup2 := setupCatalog(t,
		WithPrefixCompression(true),
		WithBlockCompressor("zstd"),
		WithHooks(encryptionHooks{}))
	defer cleanup2()

	desc.StorageEngine = map[string]map[string]any{
		EngineName: {"configString": "leaf_page_max=32k"},
	}
	cfg, err = c.GenerateCreateString("internal_page_max=8k,", desc)
	require.NoError(t, err)
	assert.Contains(t, cfg, "prefix_compression=true,block_compressor=zstd,checksum=off,internal_page_max=8k,,leaf_page_max=32k,,key_format=u")

	parsed, err := kv.ParseConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 32*1024, parsed.LeafPageMax)
	assert.Equal(t, 8*1024, parsed.InternalPageMax)
	assert.False(t, parsed.Checksum)
	assert.True(t, parsed.PrefixCompression)
	assert.Equal(t, "zstd", parsed.BlockCompressor)

	// Test 2: other engines' options are ignored
	desc.StorageEngine = map[string]map[string]any{"other": {"bogus": 1}}
	_, err = c.GenerateCreateString("", desc)
	require.NoError(t, err)
}

func TestParseIndexOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    map[string]any
		want    string
		wantErr string
	}{
		{"empty", nil, "", ""},
		{"config string", map[string]any{"configString": "block_compressor=lz4"}, "block_compressor=lz4,", ""},
		{"unknown field", map[string]any{"configString": "checksum=on", "blockSize": 4}, "", "'blockSize' is not a supported option."},
		{"not a string", map[string]any{"configString": 12}, "", "must be a string"},
		{"invalid config", map[string]any{"configString": "block_compressor=brotli"}, "", "configString"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIndexOptions(tt.opts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, index.ErrInvalidOptions)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCatalog_CreateDropList(t *testing.T) {
	c, sess, cleanup := setupCatalog(t)
	defer cleanup()

	idx, err := c.CreateIndex(sess, userIndex("email_1", true, "email"), "")
	require.NoError(t, err)
	assert.True(t, idx.Unique())
	assert.True(t, strings.HasPrefix(idx.URI(), TablePrefix))

	_, err = c.CreateIndex(sess, userIndex("email_1", true, "email"), "")
	assert.ErrorIs(t, err, ErrIndexExists)

	_, err = c.CreateIndex(sess, &Descriptor{Namespace: "app.users", Name: "empty"}, "")
	assert.ErrorIs(t, err, index.ErrInvalidOptions)

	fields := make([]string, keystring.MaxFields+1)
	for i := range fields {
		fields[i] = fmt.Sprintf("-f%d", i)
	}
	_, err = c.CreateIndex(sess, userIndex("wide", false, fields...), "")
	assert.ErrorIs(t, err, index.ErrInvalidOptions)

	_, err = c.CreateIndex(sess, userIndex("age_-1", false, "-age"), "")
	require.NoError(t, err)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "app.users.age_-1", list[0].FullName())
	assert.Equal(t, "app.users.email_1", list[1].FullName())

	got, err := c.Index("app.users", "email_1")
	require.NoError(t, err)
	assert.Same(t, idx, got)

	require.NoError(t, c.DropIndex("app.users", "email_1"))
	_, err = c.Index("app.users", "email_1")
	assert.ErrorIs(t, err, ErrIndexNotFound)
	assert.ErrorIs(t, c.DropIndex("app.users", "email_1"), ErrIndexNotFound)
	assert.NotContains(t, c.Store().Tables(), idx.URI())
}

func TestCatalog_Rediscover(t *testing.T) {
	c, sess, cleanup := setupCatalog(t)
	defer cleanup()

	_, err := c.CreateIndex(sess, userIndex("name_1_age_-1", false, "name", "-age"), "")
	require.NoError(t, err)
	_, err = c.CreateIndex(sess, userIndex("email_1", true, "email"), "")
	require.NoError(t, err)
	// Plain tables are not indexes.
	require.NoError(t, sess.Create("table:collection-users", "type=file,key_format=u,value_format=u"))

	fresh := New(c.Store())
	n, err := fresh.Rediscover(sess)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	desc, err := fresh.Descriptor("app.users", "name_1_age_-1")
	require.NoError(t, err)
	assert.Equal(t, userIndex("name_1_age_-1", false, "name", "-age").KeyPattern, desc.KeyPattern)
	assert.False(t, desc.Unique)

	idx, err := fresh.Index("app.users", "name_1_age_-1")
	require.NoError(t, err)
	assert.True(t, idx.Ordering().IsDescending(1))
	assert.False(t, idx.Ordering().IsDescending(0))

	// Nothing new the second time.
	n, err = fresh.Rediscover(sess)
	require.NoError(t, err)
	assert.Zero(t, n)

	// An index table from an unsupported format version is fatal.
	require.NoError(t, sess.Create(TablePrefix+"legacy",
		`type=file,key_format=u,value_format=u,app_metadata=(formatVersion=5,infoObj={"v":1,"key":{"x":1},"name":"x_1","ns":"app.old"})`))
	_, err = fresh.Rediscover(sess)
	require.Error(t, err)
	assert.True(t, index.IsFatal(err))
	assert.ErrorIs(t, err, index.ErrUnsupportedFormat)
}

func TestCatalog_BuildIndex(t *testing.T) {
	c, sess, cleanup := setupCatalog(t)
	defer cleanup()

	_, err := c.CreateIndex(sess, userIndex("score_1", false, "score"), "")
	require.NoError(t, err)
	_, err = c.CreateIndex(sess, userIndex("email_1", true, "email"), "")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	var scores, emails []Entry
	for i := 0; i < 300; i++ {
		rid := record.NewRID(int64(i + 1))
		scores = append(scores, Entry{Key: value.Key{{Name: "score", Value: value.Int(rng.Int63n(20))}}, RID: rid})
		emails = append(emails, Entry{Key: value.NewKey(value.String(fmt.Sprintf("user%03d@example.com", i))), RID: rid})
	}
	rng.Shuffle(len(emails), func(i, j int) { emails[i], emails[j] = emails[j], emails[i] })

	require.NoError(t, c.BuildIndex(sess, "app.users", "score_1", scores))
	require.NoError(t, c.BuildIndex(sess, "app.users", "email_1", emails))

	idx, err := c.Index("app.users", "email_1")
	require.NoError(t, err)
	cur, err := idx.NewCursor(sess, true)
	require.NoError(t, err)

	count := 0
	var prev string
	e, err := cur.Seek(value.Key{}, true, index.KeyAndRID)
	for ; err == nil && e != nil; e, err = cur.Next(index.KeyAndRID) {
		s := e.Key[0].Value.AsString()
		assert.Less(t, prev, s)
		prev = s
		count++
	}
	require.NoError(t, err)
	assert.Equal(t, 300, count)
	require.NoError(t, cur.Close())

	stats, err := c.Stats(sess, "app.users", "score_1")
	require.NoError(t, err)
	assert.Equal(t, 300, stats["statistics"].(kv.TableStats).Entries)
	assert.Equal(t, int64(300), stats["statistics"].(kv.TableStats).BulkInserts)

	// Duplicate keys fail a unique build and leave the index empty.
	_, err = c.CreateIndex(sess, userIndex("team_1", true, "team"), "")
	require.NoError(t, err)
	dups := []Entry{
		{Key: value.NewKey(value.String("red")), RID: 1},
		{Key: value.NewKey(value.String("blue")), RID: 2},
		{Key: value.NewKey(value.String("red")), RID: 3},
	}
	err = c.BuildIndex(sess, "app.users", "team_1", dups)
	assert.ErrorIs(t, err, index.ErrDuplicateKey)

	team, err := c.Index("app.users", "team_1")
	require.NoError(t, err)
	empty, err := team.IsEmpty(sess)
	require.NoError(t, err)
	assert.True(t, empty)

	assert.ErrorIs(t, c.BuildIndex(sess, "app.users", "missing", nil), ErrIndexNotFound)
}

func TestCatalog_ValidateAll(t *testing.T) {
	c, sess, cleanup := setupCatalog(t)
	defer cleanup()

	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("f%d_1", i)
		_, err := c.CreateIndex(sess, userIndex(name, i%2 == 0, fmt.Sprintf("f%d", i)), "")
		require.NoError(t, err)

		var entries []Entry
		for j := 0; j <= i*10; j++ {
			entries = append(entries, Entry{Key: value.NewKey(value.Int(int64(j))), RID: record.NewRID(int64(j + 1))})
		}
		require.NoError(t, c.BuildIndex(sess, "app.users", name, entries))
	}
	sess.CloseCachedCursors()

	results, err := c.ValidateAll(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, results, 6)
	for i := 0; i < 6; i++ {
		res := results[fmt.Sprintf("app.users.f%d_1", i)]
		require.NotNil(t, res)
		assert.True(t, res.Valid)
		assert.Empty(t, res.Warnings)
		assert.Equal(t, int64(i*10+1), res.NumKeys)
		assert.Equal(t, uint64(i*10+1), res.DistinctRecords)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.ValidateAll(ctx, false)
	assert.ErrorIs(t, err, context.Canceled)
}
