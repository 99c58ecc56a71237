package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lmm-analyzer/internal/model"
)

func setImportFile(t *testing.T, path string) {
	t.Helper()
	old := importFile
	importFile = path
	t.Cleanup(func() { importFile = old })
	importCmd.SetContext(context.Background())
}

func TestImportCmd_LoadsPosts(t *testing.T) {
	useTestConfig(t)
	path := filepath.Join(t.TempDir(), "posts.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"post_id":"1","content":"Первый","object":"Acme"}`+"\n"+
			`{"post_id":"2","content":"Второй","object":"Acme","object_id":"7"}`+"\n"), 0o644))
	setImportFile(t, path)

	require.NoError(t, importCmd.RunE(importCmd, nil))

	st := openTestStore(t)
	posts, err := st.ListPosts(context.Background(), model.PostFilter{})
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "7", posts[1].EntityID)
}

func TestImportCmd_BadPath(t *testing.T) {
	useTestConfig(t)
	setImportFile(t, "/nonexistent/path/to/posts.csv")

	err := importCmd.RunE(importCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import posts")
}

func TestImportCmd_UnsupportedFormat(t *testing.T) {
	useTestConfig(t)
	setImportFile(t, "posts.txt")

	err := importCmd.RunE(importCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported post file")
}
