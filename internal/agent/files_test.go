package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel.gg/kestrel/internal/protocol"
)

func newTestFileService(t *testing.T) (*FileService, string) {
	t.Helper()
	root := t.TempDir()
	fs := NewFileService(func(serverID string) (string, error) {
		if serverID != "srv-1" {
			return "", assert.AnError
		}
		return root, nil
	})
	return fs, root
}

func TestFileReadWrite(t *testing.T) {
	fs, root := newTestFileService(t)

	resp := fs.Handle(protocol.FileOperation{
		RequestID: "r1",
		Op:        protocol.FileOpWrite,
		ServerID:  "srv-1",
		Path:      "server.properties",
		Data:      []byte("motd=hello\n"),
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "r1", resp.RequestID)

	on, err := os.ReadFile(filepath.Join(root, "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=hello\n", string(on))

	resp = fs.Handle(protocol.FileOperation{
		RequestID: "r2",
		Op:        protocol.FileOpRead,
		ServerID:  "srv-1",
		Path:      "server.properties",
	})
	require.True(t, resp.Success, resp.Error)

	var rr readResult
	require.NoError(t, json.Unmarshal(resp.Data, &rr))
	assert.Equal(t, "motd=hello\n", string(rr.Content))
	assert.Equal(t, int64(11), rr.Size)
}

func TestFileWriteCreateDirs(t *testing.T) {
	fs, root := newTestFileService(t)

	resp := fs.Handle(protocol.FileOperation{
		RequestID: "r1",
		Op:        protocol.FileOpWrite,
		ServerID:  "srv-1",
		Path:      "config/plugins/essentials.yml",
		Data:      []byte("x: 1\n"),
		Options:   &protocol.FileOpOptions{CreateDirs: true},
	})
	require.True(t, resp.Success, resp.Error)
	assert.FileExists(t, filepath.Join(root, "config", "plugins", "essentials.yml"))
}

func TestFileList(t *testing.T) {
	fs, root := newTestFileService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "world"), 0o755))

	resp := fs.Handle(protocol.FileOperation{
		RequestID: "r1",
		Op:        protocol.FileOpList,
		ServerID:  "srv-1",
		Path:      "/",
	})
	require.True(t, resp.Success, resp.Error)

	var infos []protocol.FileInfo
	require.NoError(t, json.Unmarshal(resp.Data, &infos))
	require.Len(t, infos, 2)

	byName := map[string]protocol.FileInfo{}
	for _, fi := range infos {
		byName[fi.Name] = fi
	}
	assert.False(t, byName["a.txt"].Dir)
	assert.Equal(t, int64(1), byName["a.txt"].Size)
	assert.True(t, byName["world"].Dir)
}

func TestFileDelete(t *testing.T) {
	fs, root := newTestFileService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "old.log"), []byte("x"), 0o644))

	resp := fs.Handle(protocol.FileOperation{
		RequestID: "r1",
		Op:        protocol.FileOpDelete,
		ServerID:  "srv-1",
		Path:      "old.log",
	})
	require.True(t, resp.Success, resp.Error)
	assert.NoFileExists(t, filepath.Join(root, "old.log"))

	// The instance directory itself is off limits.
	resp = fs.Handle(protocol.FileOperation{
		RequestID: "r2",
		Op:        protocol.FileOpDelete,
		ServerID:  "srv-1",
		Path:      "/",
	})
	assert.False(t, resp.Success)
}

func TestFileTraversalRejected(t *testing.T) {
	fs, _ := newTestFileService(t)

	for _, path := range []string{
		"../../../etc/passwd",
		"world/../../secrets",
		"..",
	} {
		resp := fs.Handle(protocol.FileOperation{
			RequestID: "r1",
			Op:        protocol.FileOpRead,
			ServerID:  "srv-1",
			Path:      path,
		})
		assert.False(t, resp.Success, "path %q must be rejected", path)
	}
}

func TestFileErrorsAreResponses(t *testing.T) {
	fs, _ := newTestFileService(t)

	// Missing file, unknown server, unknown op: all answered, never dropped.
	for _, op := range []protocol.FileOperation{
		{RequestID: "a", Op: protocol.FileOpRead, ServerID: "srv-1", Path: "nope.txt"},
		{RequestID: "b", Op: protocol.FileOpRead, ServerID: "ghost", Path: "x"},
		{RequestID: "c", Op: "defragment", ServerID: "srv-1", Path: "x"},
	} {
		resp := fs.Handle(op)
		assert.False(t, resp.Success)
		assert.Equal(t, op.RequestID, resp.RequestID)
		assert.NotEmpty(t, resp.Error)
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	fs, root := newTestFileService(t)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "world", "region"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "world", "level.dat"), []byte("level"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "world", "region", "r.0.0.mca"), []byte("chunk"), 0o644))

	resp := fs.Handle(protocol.FileOperation{
		RequestID: "r1",
		Op:        protocol.FileOpCompress,
		ServerID:  "srv-1",
		Path:      "world",
		Options:   &protocol.FileOpOptions{Destination: "backup.tar.gz"},
	})
	require.True(t, resp.Success, resp.Error)

	var archive protocol.FileInfo
	require.NoError(t, json.Unmarshal(resp.Data, &archive))
	assert.Equal(t, "backup.tar.gz", archive.Name)
	assert.Positive(t, archive.Size)

	resp = fs.Handle(protocol.FileOperation{
		RequestID: "r2",
		Op:        protocol.FileOpDecompress,
		ServerID:  "srv-1",
		Path:      "backup.tar.gz",
		Options:   &protocol.FileOpOptions{Destination: "restore"},
	})
	require.True(t, resp.Success, resp.Error)

	data, err := os.ReadFile(filepath.Join(root, "restore", "world", "region", "r.0.0.mca"))
	require.NoError(t, err)
	assert.Equal(t, "chunk", string(data))
}
