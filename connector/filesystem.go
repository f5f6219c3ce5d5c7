package connector

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"

	"github.com/agentxhq/agentrun/types"
)

// FilesystemDriver serves file connectors rooted at the target directory.
// Operations: "read", "write", "list". Paths escaping the root fail
// permanently.
type FilesystemDriver struct{}

func NewFilesystemDriver() *FilesystemDriver {
	return &FilesystemDriver{}
}

func (d *FilesystemDriver) Type() string {
	return "filesystem"
}

func (d *FilesystemDriver) Open(ctx context.Context, target string, creds Credentials) (Handle, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, types.NewPermanentError(errors.Annotatef(err, "root %q", target))
	}
	if !info.IsDir() {
		return nil, types.NewPermanentError(errors.Errorf("root %q is not a directory", target))
	}
	return &fsHandle{root: target}, nil
}

type fsHandle struct {
	root string
}

func (h *fsHandle) resolve(rel string) (string, error) {
	full := filepath.Join(h.root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(full, filepath.Clean(h.root)+string(os.PathSeparator)) && full != filepath.Clean(h.root) {
		return "", types.NewPermanentError(errors.Errorf("path %q escapes root", rel))
	}
	return full, nil
}

func (h *fsHandle) Call(ctx context.Context, operation string, payload types.Data) (types.Data, error) {
	rel, _ := payload.GetString("path")
	full, err := h.resolve(rel)
	if err != nil {
		return nil, errors.Trace(err)
	}

	switch operation {
	case "read":
		b, err := os.ReadFile(full)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, types.NewPermanentError(errors.Trace(err))
			}
			return nil, types.NewTransientError(errors.Trace(err))
		}
		return types.Data{"content": string(b), "size": len(b)}, nil

	case "write":
		content, _ := payload.GetString("content")
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, types.NewTransientError(errors.Trace(err))
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, types.NewTransientError(errors.Trace(err))
		}
		return types.Data{"written": len(content)}, nil

	case "list":
		dirEntries, err := os.ReadDir(full)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, types.NewPermanentError(errors.Trace(err))
			}
			return nil, types.NewTransientError(errors.Trace(err))
		}
		names := make([]string, 0, len(dirEntries))
		for _, e := range dirEntries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		return types.Data{"entries": names, "count": len(names)}, nil
	}
	return nil, types.NewPermanentErrorf("unknown operation %q", operation)
}

func (h *fsHandle) Close() error {
	return nil
}
