package photos

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actify/reportd/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "photos"), "/photos", zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestSaveReturnsURLsInOrder(t *testing.T) {
	store := newTestStore(t)

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3}
	png := []byte{0x89, 'P', 'N', 'G', 4, 5, 6}

	urls, err := store.Save(context.Background(), "rep-1", [][]byte{jpeg, png})
	require.NoError(t, err)
	require.Len(t, urls, 2)
	assert.Equal(t, "/photos/rep-1_0.jpg", urls[0])
	assert.Equal(t, "/photos/rep-1_1.png", urls[1])

	data, err := store.Open("rep-1_0.jpg")
	require.NoError(t, err)
	assert.Equal(t, jpeg, data)
}

func TestSaveUnknownFormatGetsGenericExtension(t *testing.T) {
	store := newTestStore(t)

	urls, err := store.Save(context.Background(), "rep-2", [][]byte{{0x00, 0x01}})
	require.NoError(t, err)
	assert.Equal(t, "/photos/rep-2_0.bin", urls[0])
}

func TestSaveCancelledContextCleansUp(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "photos")
	store, err := NewStore(dir, "/photos", zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Save(ctx, "rep-3", [][]byte{{1}, {2}})
	require.Error(t, err)
	assert.Equal(t, models.KindTimeout, models.KindOf(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial files left behind")
}

func TestOpenRejectsTraversal(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Open("../secrets.txt")
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestOpenMissingPhoto(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Open("nope.jpg")
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}
