package agent

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"kestrel.gg/kestrel/internal/logging"
	"kestrel.gg/kestrel/internal/protocol"
)

// ErrPathEscape is returned when a request tries to leave the instance
// directory.
var ErrPathEscape = errors.New("path escapes instance directory")

// FileService executes correlated file operations inside server instance
// directories. Every path in a request is interpreted relative to the
// target server's directory and confined to it.
type FileService struct {
	logger *logging.Logger
	dirFor func(serverID string) (string, error)

	// maxReadSize bounds read responses so a stray request for a world
	// file cannot balloon a websocket frame.
	maxReadSize int64
}

// NewFileService creates the file operation executor. dirFor maps a
// server ID to its instance directory.
func NewFileService(dirFor func(serverID string) (string, error)) *FileService {
	return &FileService{
		logger:      logging.WithComponent("files"),
		dirFor:      dirFor,
		maxReadSize: 8 << 20,
	}
}

// readResult is the payload of a successful read.
type readResult struct {
	Content []byte `json:"content"`
	Size    int64  `json:"size"`
}

// Handle executes op and builds the response frame. Failures are carried
// in the response, never as a dropped request: the panel's correlator is
// waiting on this requestId either way.
func (f *FileService) Handle(op protocol.FileOperation) protocol.FileOperationResponse {
	payload, err := f.execute(op)
	if err != nil {
		f.logger.Warn("file operation failed",
			"op", op.Op, "server", op.ServerID, "path", op.Path, "error", err)
		return protocol.FileOperationResponse{
			RequestID: op.RequestID,
			Success:   false,
			Error:     err.Error(),
		}
	}

	resp := protocol.FileOperationResponse{
		RequestID: op.RequestID,
		Success:   true,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			resp.Success = false
			resp.Error = err.Error()
			return resp
		}
		resp.Data = data
	}
	return resp
}

func (f *FileService) execute(op protocol.FileOperation) (any, error) {
	root, err := f.dirFor(op.ServerID)
	if err != nil {
		return nil, err
	}

	path, err := resolve(root, op.Path)
	if err != nil {
		return nil, err
	}

	switch op.Op {
	case protocol.FileOpRead:
		return f.read(path)
	case protocol.FileOpWrite:
		return nil, f.write(path, op)
	case protocol.FileOpDelete:
		return nil, f.delete(root, path)
	case protocol.FileOpList:
		return f.list(path)
	case protocol.FileOpCompress:
		return f.compress(root, path, op)
	case protocol.FileOpDecompress:
		return nil, f.decompress(root, path, op)
	default:
		return nil, fmt.Errorf("unknown file operation %q", op.Op)
	}
}

// resolve joins path onto root and verifies the result stays inside it.
func resolve(root, path string) (string, error) {
	if root == "" {
		return "", errors.New("no instance directory")
	}
	cleaned := filepath.Clean("/" + path)
	full := filepath.Join(root, cleaned)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return full, nil
}

func (f *FileService) read(path string) (any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > f.maxReadSize {
		return nil, fmt.Errorf("file too large (%d bytes, limit %d)", info.Size(), f.maxReadSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return readResult{Content: data, Size: info.Size()}, nil
}

func (f *FileService) write(path string, op protocol.FileOperation) error {
	if op.Options != nil && op.Options.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, op.Data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileService) delete(root, path string) error {
	if path == root {
		return errors.New("refusing to delete the instance directory itself")
	}
	return os.RemoveAll(path)
}

func (f *FileService) list(path string) (any, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	infos := make([]protocol.FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, protocol.FileInfo{
			Name:     e.Name(),
			Size:     fi.Size(),
			Dir:      e.IsDir(),
			Mode:     fi.Mode().String(),
			Modified: protocol.Millis(fi.ModTime()),
		})
	}
	return infos, nil
}

// compress produces a .tar.gz of path. The archive lands at
// options.destination, or <path>.tar.gz by default.
func (f *FileService) compress(root, path string, op protocol.FileOperation) (any, error) {
	dest := path + ".tar.gz"
	if op.Options != nil && op.Options.Destination != "" {
		var err error
		dest, err = resolve(root, op.Options.Destination)
		if err != nil {
			return nil, err
		}
	}

	out, err := os.Create(dest)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	base := filepath.Dir(path)
	walkErr := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			src, err := os.Open(p)
			if err != nil {
				return err
			}
			defer src.Close()
			if _, err := io.Copy(tw, src); err != nil {
				return err
			}
		}
		return nil
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		os.Remove(dest)
		return nil, walkErr
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}
	return protocol.FileInfo{
		Name:     filepath.Base(dest),
		Size:     info.Size(),
		Mode:     info.Mode().String(),
		Modified: protocol.Millis(info.ModTime()),
	}, nil
}

// decompress unpacks a .tar.gz archive. Entries are confined to the
// destination; anything pointing outside is rejected.
func (f *FileService) decompress(root, path string, op protocol.FileOperation) error {
	dest := filepath.Dir(path)
	if op.Options != nil && op.Options.Destination != "" {
		var err error
		dest, err = resolve(root, op.Options.Destination)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := resolve(dest, hdr.Name)
		if err != nil {
			return fmt.Errorf("archive entry %q: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		default:
			// Symlinks and specials are skipped: an archive must not be
			// able to plant links out of the instance directory.
			f.logger.Warn("skipping archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
}
