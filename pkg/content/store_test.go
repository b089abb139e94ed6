package content

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)
	return store
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"notes.txt", "notes.txt"},
		{"dir/notes.txt", "notes.txt"},
		{`C:\Users\bob\notes.txt`, "notes.txt"},
		{"../../etc/passwd", "passwd"},
		{`..\..\secret`, "secret"},
		{"mixed/dir\\name.bin", "name.bin"},
		{"..", ""},
		{"dir/", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BaseName(tt.in), "BaseName(%q)", tt.in)
	}
}

func TestSaveAndLoad(t *testing.T) {
	store := newTestStore(t)

	handle, err := store.Save("../../report.pdf", []byte("pdf bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(handle, "files/"), "handle %q", handle)
	assert.True(t, strings.HasSuffix(handle, "_report.pdf"), "handle %q", handle)
	assert.NotContains(t, handle, `\`)

	data, err := store.Load(handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf bytes"), data)

	// Nothing escaped the root
	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSaveSameNameTwice(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Save("a.txt", []byte("one"))
	require.NoError(t, err)
	second, err := store.Save("a.txt", []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	data, err := store.Load(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestSaveEmptyData(t *testing.T) {
	store := newTestStore(t)

	handle, err := store.Save("empty.bin", nil)
	require.NoError(t, err)
	data, err := store.Load(handle)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestSaveInvalidName(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"", "..", "dir/", `x\`} {
		_, err := store.Save(name, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	store := newTestStore(t)
	for _, handle := range []string{
		"",
		"files/",
		"files/..",
		"files/../secret",
		"other/name",
		"files/a/b",
		`files/..\secret`,
		"/files/name",
	} {
		_, err := store.Resolve(handle)
		assert.ErrorIs(t, err, ErrInvalidHandle, "handle %q", handle)
	}
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)

	handle, err := store.Save("gone.txt", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, store.Remove(handle))

	_, err = store.Load(handle)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Second remove is a no-op
	assert.NoError(t, store.Remove(handle))
}

// TestSavedHandlesStayInside checks that whatever name a client sends, the
// resulting handle resolves to a file directly under the root
func TestSavedHandlesStayInside(t *testing.T) {
	store := newTestStore(t)

	rapid.Check(t, func(rt *rapid.T) {
		parts := rapid.SliceOfN(rapid.SampledFrom([]string{"..", ".", "a", "b.txt", "", "~", "C:"}), 1, 6).Draw(rt, "parts")
		sep := rapid.SampledFrom([]string{"/", `\`}).Draw(rt, "sep")
		name := strings.Join(parts, sep)

		handle, err := store.Save(name, []byte("x"))
		if BaseName(name) == "" {
			if err == nil {
				rt.Fatalf("expected %q to be rejected", name)
			}
			return
		}
		if err != nil {
			rt.Fatalf("save %q: %v", name, err)
		}

		fullPath, err := store.Resolve(handle)
		if err != nil {
			rt.Fatalf("resolve %q: %v", handle, err)
		}
		if filepath.Dir(fullPath) != store.Root() {
			rt.Fatalf("%q stored outside the root at %s", name, fullPath)
		}
	})
}
