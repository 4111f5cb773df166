package docs

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedDocs(t *testing.T) {
	names, err := NewService().ListDocs()
	require.NoError(t, err)
	assert.Equal(t, []string{"api.adoc", "operator.adoc"}, names)
}

func TestGetDocRendersAndCaches(t *testing.T) {
	files := fstest.MapFS{
		"guide.adoc": {Data: []byte("= Guide\n\n== Redemptions\n\nRequest first.\n")},
		"notes.txt":  {Data: []byte("skip")},
	}
	s := NewServiceFS(files)

	names, err := s.ListDocs()
	require.NoError(t, err)
	assert.Equal(t, []string{"guide.adoc"}, names)

	html, err := s.GetDoc(context.Background(), "guide.adoc")
	require.NoError(t, err)
	assert.Contains(t, html, "Redemptions")
	assert.Contains(t, html, "Request first.")

	delete(files, "guide.adoc")
	cached, err := s.GetDoc(context.Background(), "guide.adoc")
	require.NoError(t, err)
	assert.Equal(t, html, cached)
}

func TestGetDocNotFound(t *testing.T) {
	s := NewServiceFS(fstest.MapFS{"notes.txt": {Data: []byte("x")}})
	for _, name := range []string{"missing.adoc", "notes.txt", "../operator.adoc"} {
		_, err := s.GetDoc(context.Background(), name)
		assert.ErrorIs(t, err, ErrNotFound, name)
	}
}
