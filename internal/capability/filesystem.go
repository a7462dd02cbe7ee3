package capability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// #region filesystem
// FileSystem is an in-memory file tool used by extraction goals to persist
// results. Paths are opaque keys.
type FileSystem struct {
	mu    sync.Mutex
	files map[string]string
}

// NewFileSystem returns an empty in-memory filesystem.
func NewFileSystem() *FileSystem {
	return &FileSystem{files: make(map[string]string)}
}

// Invoke implements Tool. Methods: write, read, list.
func (f *FileSystem) Invoke(ctx context.Context, method string, params map[string]string) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, Failure(fmt.Sprintf("fs.%s canceled: %v", method, err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	switch method {
	case "write":
		path := params["path"]
		if path == "" {
			return Observation{}, Failure("fs.write: missing path")
		}
		f.files[path] = params["content"]
		return Observation{
			Kind:    "fs_write",
			Payload: map[string]string{"path": path, "bytes": fmt.Sprint(len(params["content"]))},
			At:      now,
		}, nil

	case "read":
		path := params["path"]
		content, ok := f.files[path]
		if !ok {
			return Observation{}, Failure(fmt.Sprintf("fs.read: no such file %q", path))
		}
		return Observation{
			Kind:    "fs_read",
			Payload: map[string]string{"path": path, "content": content},
			At:      now,
		}, nil

	case "list":
		n := 0
		for range f.files {
			n++
		}
		return Observation{
			Kind:    "fs_list",
			Payload: map[string]string{"count": fmt.Sprint(n)},
			At:      now,
		}, nil

	default:
		return Observation{}, Failure(fmt.Sprintf("fs: unknown method %q", method))
	}
}

// #endregion filesystem
