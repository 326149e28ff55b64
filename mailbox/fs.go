package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FSMailbox binds the Mailbox interface to a directory tree kept in sync by
// an external file-synchronization service. Addresses map deterministically to
//
//	{root}/{recipient}/app_data/{app}/rpc/{sender}/
//
// mirroring the flat per-datasite layout of peer-to-peer sync folders. The
// app segment keeps applications sharing one sync root from reading each
// other's traffic.
type FSMailbox struct {
	root   string
	app    string
	logger *zap.Logger
}

// NewFSMailbox creates a filesystem mailbox rooted at the synced folder,
// namespaced under the given application name.
func NewFSMailbox(root, app string, logger *zap.Logger) *FSMailbox {
	if app == "" {
		app = "fedgrid"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSMailbox{
		root:   root,
		app:    app,
		logger: logger.With(zap.String("component", "fs_mailbox")),
	}
}

// Dir returns the directory an address maps to.
func (f *FSMailbox) Dir(addr Address) string {
	return filepath.Join(f.root, addr.Recipient, "app_data", f.app, "rpc", addr.Sender)
}

// Put writes data to a temporary file in the target directory, syncs it to
// stable storage and renames it into place. The sync service only ever sees a
// fully written entry; readers never observe a zero-length or partial file.
func (f *FSMailbox) Put(ctx context.Context, addr Address, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := f.Dir(addr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mailbox: create %s: %w", dir, err)
	}

	// Temp file in the same directory so the rename stays on one volume.
	tmp, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("mailbox: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("mailbox: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("mailbox: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mailbox: close %s: %w", name, err)
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("mailbox: publish %s: %w", name, err)
	}

	f.logger.Debug("entry published",
		zap.String("recipient", addr.Recipient),
		zap.String("name", name),
		zap.Int("bytes", len(data)))
	return nil
}

// List snapshots the entry names visible at addr. A missing directory is an
// empty snapshot, not an error: the remote side may simply not have written
// anything yet.
func (f *FSMailbox) List(ctx context.Context, addr Address) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.Dir(addr))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: list: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Get reads the named entry at addr.
func (f *FSMailbox) Get(ctx context.Context, addr Address, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(f.Dir(addr), name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: get %s: %w", name, err)
	}
	return data, nil
}

var _ Mailbox = (*FSMailbox)(nil)
