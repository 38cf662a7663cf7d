package statestore_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"seasieve/pkg/errs"
	"seasieve/pkg/parser"
	"seasieve/pkg/statestore"
)

func TestSaveLoadAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := statestore.Open(path, "")
	require.NoError(t, err)

	_, ok, err := s.Load("ctd-1")
	require.NoError(t, err)
	assert.False(t, ok)

	st := parser.State{Position: 52}
	st.SetCounter("samples", 3)
	require.NoError(t, s.Save("ctd-1", st))
	require.NoError(t, s.Close())

	s, err = statestore.Open(path, "")
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.Load("ctd-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(52), got.Position)
	assert.Equal(t, int64(3), got.Counter("samples"))

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"ctd-1"}, keys)

	require.NoError(t, s.Delete("ctd-1"))
	_, ok, err = s.Load("ctd-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCallbackPersistsParserState(t *testing.T) {
	s, err := statestore.Open(filepath.Join(t.TempDir(), "state.db"), "runs")
	require.NoError(t, err)
	defer s.Close()

	cb := s.Callback("sbe", func(err error) { t.Fatalf("save failed: %v", err) })
	cb(parser.State{Position: 10}, false)
	cb(parser.State{Position: 20}, true)

	got, ok, err := s.Load("sbe")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), got.Position)
}

func TestLoadCorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(statestore.DefaultBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte("bad"), []byte(`{"counters":{}}`))
	}))
	require.NoError(t, db.Close())

	s, err := statestore.Open(path, "")
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Load("bad")
	assert.True(t, ok)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "corrupt state for bad"))
	assert.ErrorIs(t, err, errs.ErrDatasetParser)
}
