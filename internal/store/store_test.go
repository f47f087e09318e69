package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fhaynes/saga/internal/document"
	apperrors "github.com/fhaynes/saga/pkg/errors"
)

func openTestStore(t *testing.T, engine Engine) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "0.db")
	s, err := Open(engine, "test-0", path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachEngine(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, engine := range []Engine{Bolt, KV} {
		t.Run(string(engine), func(t *testing.T) {
			fn(t, openTestStore(t, engine))
		})
	}
}

func TestSaveAndFetch(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		assert := require.New(t)
		assert.NoError(s.SaveDocument(document.New(1, "hello world hello")))

		doc, err := s.DocumentByID(1)
		assert.NoError(err)
		assert.Equal("hello world hello", doc.Raw)
		assert.Equal([]uint64{0, 2}, doc.Locations["hello"])

		n, err := s.DocumentCount()
		assert.NoError(err)
		assert.EqualValues(1, n)

		tf, err := s.TermDocumentCount("hello")
		assert.NoError(err)
		assert.EqualValues(1, tf)
	})
}

func TestSaveReplaces(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		assert := require.New(t)
		assert.NoError(s.SaveDocument(document.New(5, "alpha beta")))
		assert.NoError(s.SaveDocument(document.New(5, "beta gamma")))

		doc, err := s.DocumentByID(5)
		assert.NoError(err)
		assert.Equal("beta gamma", doc.Raw)

		n, err := s.DocumentCount()
		assert.NoError(err)
		assert.EqualValues(1, n)

		alpha, err := s.TermDocumentCount("alpha")
		assert.NoError(err)
		assert.Zero(alpha)
		beta, err := s.TermDocumentCount("beta")
		assert.NoError(err)
		assert.EqualValues(1, beta)
	})
}

func TestDeleteDocument(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		assert := require.New(t)
		assert.NoError(s.SaveDocument(document.New(1, "shared one")))
		assert.NoError(s.SaveDocument(document.New(2, "shared two")))

		assert.NoError(s.DeleteDocumentByID(1))
		_, err := s.DocumentByID(1)
		assert.ErrorIs(err, apperrors.ErrDocumentNotFound)

		shared, err := s.TermDocumentCount("shared")
		assert.NoError(err)
		assert.EqualValues(1, shared)

		n, err := s.DocumentCount()
		assert.NoError(err)
		assert.EqualValues(1, n)

		assert.ErrorIs(s.DeleteDocumentByID(1), apperrors.ErrDocumentNotFound)
	})
}

func TestEmptyDocumentIsStored(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		assert := require.New(t)
		assert.NoError(s.SaveDocument(document.New(9, "")))
		doc, err := s.DocumentByID(9)
		assert.NoError(err)
		assert.Empty(doc.Raw)
	})
}

func TestSaveRequiresID(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		err := s.SaveDocument(document.FromString("no id"))
		require.ErrorIs(t, err, apperrors.ErrMissingDocumentID)
	})
}

func TestDeferredTokenizationIsIndexed(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s Store) {
		assert := require.New(t)
		doc := document.FromString("late tokens")
		doc.SetID(3)
		assert.NoError(s.SaveDocument(doc))
		n, err := s.TermDocumentCount("late")
		assert.NoError(err)
		assert.EqualValues(1, n)
	})
}

func TestReopenKeepsData(t *testing.T) {
	for _, engine := range []Engine{Bolt, KV} {
		t.Run(string(engine), func(t *testing.T) {
			assert := require.New(t)
			path := filepath.Join(t.TempDir(), "0.db")
			s, err := Open(engine, "reopen", path)
			assert.NoError(err)
			assert.NoError(s.SaveDocument(document.New(11, "persisted text")))
			assert.NoError(s.Close())

			s, err = Open(engine, "reopen", path)
			assert.NoError(err)
			defer s.Close()
			doc, err := s.DocumentByID(11)
			assert.NoError(err)
			assert.Equal("persisted text", doc.Raw)
		})
	}
}

func TestOpenUnknownEngine(t *testing.T) {
	_, err := Open("sqlite", "x", filepath.Join(t.TempDir(), "0.db"))
	require.Error(t, err)

	_, err = ParseEngine("sqlite")
	require.Error(t, err)
	e, err := ParseEngine("")
	require.NoError(t, err)
	require.Equal(t, Bolt, e)
}

func TestOpenFailureIsReturned(t *testing.T) {
	_, err := Open(Bolt, "x", filepath.Join(t.TempDir(), "missing", "dir", "0.db"))
	require.Error(t, err)
}

func BenchmarkBoltSaveDocument(b *testing.B) {
	s, err := Open(Bolt, "bench", filepath.Join(b.TempDir(), "0.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := s.SaveDocument(document.New(uint64(i), "the quick brown fox jumps over the lazy dog")); err != nil {
			b.Fatal(err)
		}
	}
}
