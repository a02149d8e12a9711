package tfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectangular-labs/workspacesync/internal/crdt"
)

func strPtr(s string) *string {
	return &s
}

func newTestFS(t *testing.T) *FS {
	t.Helper()
	return Open(crdt.NewDoc(1))
}

func write(t *testing.T, fs *FS, p string, opts WriteOptions) WriteResult {
	t.Helper()
	res, err := fs.Write(p, opts)
	require.NoError(t, err, "write %s", p)
	return res
}

// exchange hands each replica the other's local changes.
func exchange(t *testing.T, left, right *crdt.Doc) {
	t.Helper()
	fromLeft, err := left.TakeLocalUpdate()
	require.NoError(t, err)
	fromRight, err := right.TakeLocalUpdate()
	require.NoError(t, err)
	if fromLeft != nil {
		require.NoError(t, right.ApplyUpdate(fromLeft))
	}
	if fromRight != nil {
		require.NoError(t, left.ApplyUpdate(fromRight))
	}
}

func TestCleanNormalizesPaths(t *testing.T) {
	cases := map[string]string{
		"":                  "/",
		".":                 "/",
		"/":                 "/",
		"business":          "/business",
		"/business/":        "/business",
		"//business//ideas": "/business/ideas",
		"/a/./b/../c":       "/a/c",
	}
	for input, want := range cases {
		got := Clean(input)
		assert.Equal(t, want, got, "Clean(%q)", input)
		assert.Equal(t, got, Clean(got), "Clean is idempotent for %q", input)
	}
}

func TestAncestorsAndWithin(t *testing.T) {
	assert.Equal(t, []string{"/", "/a", "/a/b"}, Ancestors("/a/b/c.md"))
	assert.True(t, Within("/a", "/a/b"))
	assert.False(t, Within("/a", "/ab"))
	assert.True(t, Within("/", "/x"))
}

func TestWriteCreatesPathAndReadReturnsContent(t *testing.T) {
	fs := newTestFS(t)
	text := "# Title\n\nbody line\nno trailing newline"
	res := write(t, fs, "business/how-to-start-a-business", WriteOptions{Content: strPtr(text), CreateIfMissing: true})
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.NodeID)

	got, err := fs.Read("/business/how-to-start-a-business")
	require.NoError(t, err)
	assert.Equal(t, text, got)

	dir, err := fs.Resolve("/business")
	require.NoError(t, err)
	assert.Equal(t, TypeDir, dir.Type)
}

func TestWriteWithoutCreateFailsNotFound(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.Write("/missing", WriteOptions{Content: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteOnDirectoryFailsNotAFile(t *testing.T) {
	fs := newTestFS(t)
	write(t, fs, "/a/b", WriteOptions{CreateIfMissing: true})

	_, err := fs.Write("/a", WriteOptions{Content: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotAFile)
	_, err = fs.Write("/a/b/c", WriteOptions{CreateIfMissing: true})
	assert.ErrorIs(t, err, ErrNotADirectory, "a file segment")
}

func TestWriteAppliesLineDiff(t *testing.T) {
	left := crdt.NewDoc(1)
	right := crdt.NewDoc(2)
	write(t, Open(left), "/post", WriteOptions{Content: strPtr("a\nb\nc\n"), CreateIfMissing: true})
	exchange(t, left, right)

	// Each side rewrites the whole text but touches different lines, so
	// both edits survive the merge.
	write(t, Open(left), "/post", WriteOptions{Content: strPtr("a\nB\nc\nd\n")})
	write(t, Open(right), "/post", WriteOptions{Content: strPtr("A\nb\nc\n")})
	exchange(t, left, right)

	for _, doc := range []*crdt.Doc{left, right} {
		got, err := Open(doc).Read("/post")
		require.NoError(t, err)
		assert.Equal(t, "A\nB\nc\nd\n", got)
	}
}

func TestCreatedFileSharesOneLineList(t *testing.T) {
	left := crdt.NewDoc(1)
	right := crdt.NewDoc(2)
	write(t, Open(left), "/note", WriteOptions{CreateIfMissing: true})
	exchange(t, left, right)

	write(t, Open(left), "/note", WriteOptions{Content: strPtr("from left\n")})
	write(t, Open(right), "/note", WriteOptions{Content: strPtr("from right\n")})
	exchange(t, left, right)

	leftText, err := Open(left).Read("/note")
	require.NoError(t, err)
	rightText, err := Open(right).Read("/note")
	require.NoError(t, err)
	assert.Equal(t, leftText, rightText)
	assert.Contains(t, leftText, "from left\n")
	assert.Contains(t, leftText, "from right\n")
}

func TestMetadataEmptyValueRemovesKey(t *testing.T) {
	fs := newTestFS(t)
	write(t, fs, "/post", WriteOptions{CreateIfMissing: true, Metadata: map[string]string{"status": "queued", "workflowId": "wf"}})
	write(t, fs, "/post", WriteOptions{Metadata: map[string]string{"workflowId": ""}})

	node, err := fs.Resolve("/post")
	require.NoError(t, err)
	assert.NotContains(t, node.Metadata, "workflowId")

	node, err = Open(fs.doc).Resolve("/post")
	require.NoError(t, err)
	assert.Equal(t, "queued", node.Metadata["status"], "status survives reopen")
	assert.NotContains(t, node.Metadata, "workflowId")
}

func TestRemoveNonEmptyDirectory(t *testing.T) {
	fs := newTestFS(t)
	for _, p := range []string{"/d/a", "/d/sub/b", "/d/sub/c"} {
		write(t, fs, p, WriteOptions{CreateIfMissing: true})
	}
	assert.ErrorIs(t, fs.Remove("/d", false), ErrNotEmpty)
	require.NoError(t, fs.Remove("/d", true))

	reopened := Open(fs.doc)
	for _, p := range []string{"/d", "/d/a", "/d/sub", "/d/sub/b", "/d/sub/c"} {
		_, err := fs.Resolve(p)
		assert.ErrorIs(t, err, ErrNotFound, p)
		_, err = reopened.Resolve(p)
		assert.ErrorIs(t, err, ErrNotFound, "%s after reopen", p)
	}
	assert.ErrorIs(t, fs.Remove("/", true), ErrInvalidPath)
}

func TestMovePreservesMetadataAndChildren(t *testing.T) {
	fs := newTestFS(t)
	write(t, fs, "/drafts/series/part-1", WriteOptions{CreateIfMissing: true, Content: strPtr("one\n"), Metadata: map[string]string{"status": "planned"}})
	write(t, fs, "/published/index", WriteOptions{CreateIfMissing: true})

	_, err := fs.Move("/drafts/series", "/published/index")
	assert.ErrorIs(t, err, ErrNotADirectory)
	_, err = fs.Move("/drafts/missing", "/published")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fs.Move("/drafts", "/drafts/series")
	assert.ErrorIs(t, err, ErrInvalidPath, "moving into a descendant")

	newPath, err := fs.Move("/drafts/series", "/published")
	require.NoError(t, err)
	assert.Equal(t, "/published/series", newPath)

	reopened := Open(fs.doc)
	node, err := reopened.Resolve("/published/series/part-1")
	require.NoError(t, err)
	assert.Equal(t, "planned", node.Metadata["status"])
	text, err := reopened.Read("/published/series/part-1")
	require.NoError(t, err)
	assert.Equal(t, "one\n", text)
	_, err = reopened.Resolve("/drafts/series")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadErrors(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.Read("/nope")
	assert.ErrorIs(t, err, ErrNotFound)

	write(t, fs, "/dir/file", WriteOptions{CreateIfMissing: true})
	_, err = fs.Read("/dir")
	assert.ErrorIs(t, err, ErrNotAFile)
}

func TestListSummarizesDirectories(t *testing.T) {
	fs := newTestFS(t)
	writes := map[string]string{
		"/business/a":       "suggested",
		"/business/b":       "planned",
		"/business/deep/c":  "planned",
		"/marketing/launch": "",
	}
	for p, status := range writes {
		meta := map[string]string{}
		if status != "" {
			meta["status"] = status
		}
		write(t, fs, p, WriteOptions{CreateIfMissing: true, Metadata: meta})
	}

	listing, err := fs.List("/")
	require.NoError(t, err)
	require.Len(t, listing.Entries, 2)
	var business Entry
	for _, e := range listing.Entries {
		if e.Name == "business" {
			business = e
		}
	}
	assert.Equal(t, 3, business.Files)
	assert.Equal(t, 1, business.Dirs)
	assert.Equal(t, 2, business.ByStatus["planned"])
	assert.Contains(t, listing.String(), "business/ (3 files, 1 dir) [planned: 2, suggested: 1]")

	fileListing, err := fs.List("/business/a")
	require.NoError(t, err)
	assert.Equal(t, "a [suggested]", fileListing.String())

	_, err = fs.List("/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTreeConvergesAcrossReplicas(t *testing.T) {
	left := crdt.NewDoc(1)
	right := crdt.NewDoc(2)
	write(t, Open(left), "/shared/a", WriteOptions{CreateIfMissing: true, Content: strPtr("left\n")})
	exchange(t, left, right)

	text, err := Open(right).Read("/shared/a")
	require.NoError(t, err)
	assert.Equal(t, "left\n", text)
}

func TestResolveEmptyReplicaYieldsRoot(t *testing.T) {
	fs := newTestFS(t)
	root, err := fs.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, RootID, root.ID)
	assert.Equal(t, TypeDir, root.Type)

	p, ok := fs.PathOf(RootID)
	require.True(t, ok)
	assert.Equal(t, "/", p)
}
