package pool

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	"go.uber.org/zap"

	"github.com/jacktea/filepool/pkg/encryption"
	"github.com/jacktea/filepool/pkg/ident"
	"github.com/jacktea/filepool/pkg/worker"
	"github.com/jacktea/filepool/pkg/xerrors"
)

// Add stores the file at source under a fresh identifier and blocks until
// the entry is placed: when Add returns nil, the entry exists on disk.
// The source file itself is never modified.
func (p *Pool) Add(ctx context.Context, source string) (ident.ID, error) {
	if err := p.checkSource("pool.Add", source); err != nil {
		return "", err
	}
	id := ident.New()
	if err := p.place(ctx, id, source); err != nil {
		return "", err
	}
	p.log.Debug("added entry", zap.String("id", string(id)), zap.String("source", source))
	return id, nil
}

// TryAdd is the boolean adapter over Add: ok is false on any failure and
// the error detail is discarded.
func (p *Pool) TryAdd(ctx context.Context, source string) (id ident.ID, ok bool) {
	id, err := p.Add(ctx, source)
	if err != nil {
		p.log.Debug("add failed", zap.String("source", source), zap.Error(err))
		return "", false
	}
	return id, true
}

// AddDetached verifies the source, allocates an identifier and returns
// immediately while placement continues on a background task. Callers
// accept an eventually consistent view: the entry may not exist yet when
// AddDetached returns. The task handle reports completion and failure.
func (p *Pool) AddDetached(source string) (ident.ID, *worker.Task, error) {
	if err := p.checkSource("pool.AddDetached", source); err != nil {
		return "", nil, err
	}
	id := ident.New()
	task := p.tasks.Go("add "+string(id), func() error {
		return p.place(context.Background(), id, source)
	})
	return id, task, nil
}

// AddStream stores everything read from src under a fresh identifier. The
// write always runs detached; the identifier is returned before any byte
// is consumed, and src must stay usable until the task finishes. In a
// secured pool the stream is encrypted on the way in.
func (p *Pool) AddStream(src io.Reader) (ident.ID, *worker.Task) {
	id := ident.New()
	task := p.tasks.Go("add-stream "+string(id), func() error {
		return p.placeStream(id, src)
	})
	return id, task
}

// checkSource enforces the ingestion precondition: the source must be a
// readable file before an identifier is consumed. Opening it for reading
// catches missing, unreadable and directory sources up front, instead of
// allocating an identifier and failing mid-placement.
func (p *Pool) checkSource(op, source string) error {
	f, err := os.Open(source)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return xerrors.Wrap(xerrors.KindSourceMissing, op, source, err)
		}
		return xerrors.Wrap(xerrors.KindFilesystem, op, source, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return xerrors.Wrap(xerrors.KindFilesystem, op, source, err)
	}
	if info.IsDir() {
		return xerrors.Wrap(xerrors.KindSourceMissing, op, source, errors.New("is a directory"))
	}
	return nil
}

// place puts the content of source at id's shard path in the active tree.
//
// Plain mode tries a hardlink first and falls back to a byte copy when
// source and tree sit on different filesystems; CopySource skips the link
// attempt entirely. Secured mode always writes a new encrypted file.
// Mode and ownership policy is applied only to files the pool created
// itself: a hardlinked entry shares its inode with the source, so
// touching it would retroactively change the original.
func (p *Pool) place(ctx context.Context, id ident.ID, source string) error {
	tree := p.activeTree()
	if err := os.MkdirAll(ident.ShardDir(tree, id), 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindFilesystem, "pool.place", string(id), err)
	}
	final := ident.EntryPath(tree, id)

	if p.secret != nil {
		tmp, err := p.encryptToTemp(ctx, source, tree)
		if err != nil {
			return err
		}
		if err := os.Rename(tmp, final); err != nil {
			os.Remove(tmp)
			return xerrors.Wrap(xerrors.KindFilesystem, "pool.place", final, err)
		}
		return p.applyPolicy(final)
	}

	if !p.cfg.CopySource {
		err := os.Link(source, final)
		if err == nil {
			p.log.Debug("hardlinked entry", zap.String("id", string(id)))
			return nil
		}
		if !errors.Is(err, syscall.EXDEV) {
			return xerrors.Wrap(xerrors.KindFilesystem, "pool.place", source, err)
		}
	}
	if err := p.copyIn(ctx, source, tree, final); err != nil {
		return err
	}
	return p.applyPolicy(final)
}

// placeStream writes src to id's shard path, encrypting when the pool is
// secured.
func (p *Pool) placeStream(id ident.ID, src io.Reader) error {
	tree := p.activeTree()
	if err := os.MkdirAll(ident.ShardDir(tree, id), 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindFilesystem, "pool.placeStream", string(id), err)
	}
	final := ident.EntryPath(tree, id)

	tmp, err := os.CreateTemp(tree, TempPattern)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFilesystem, "pool.placeStream", tree, err)
	}
	tmpName := tmp.Name()
	if p.secret != nil {
		_, err = encryption.Encrypt(tmp, src, p.cipherOptions())
	} else {
		_, err = io.Copy(tmp, src)
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindFilesystem, "pool.placeStream", string(id), err)
	}
	if err := commitTemp(tmp, final); err != nil {
		return xerrors.Wrap(xerrors.KindFilesystem, "pool.placeStream", final, err)
	}
	p.log.Debug("stored stream entry", zap.String("id", string(id)))
	return p.applyPolicy(final)
}

// encryptToTemp encrypts source into a temp file at the tree root, so the
// later rename to the shard path stays on one filesystem.
func (p *Pool) encryptToTemp(ctx context.Context, source, tree string) (string, error) {
	src, err := os.Open(source)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindFilesystem, "pool.place", source, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(tree, TempPattern)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindFilesystem, "pool.place", tree, err)
	}
	tmpName := tmp.Name()
	if _, err := encryption.Encrypt(tmp, contextReader{ctx, src}, p.cipherOptions()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", xerrors.Wrap(xerrors.KindInternal, "pool.place", source, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", xerrors.Wrap(xerrors.KindFilesystem, "pool.place", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", xerrors.Wrap(xerrors.KindFilesystem, "pool.place", tmpName, err)
	}
	return tmpName, nil
}

// copyIn copies source into final through a temp file at the tree root.
func (p *Pool) copyIn(ctx context.Context, source, tree, final string) error {
	src, err := os.Open(source)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFilesystem, "pool.place", source, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(tree, TempPattern)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFilesystem, "pool.place", tree, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, contextReader{ctx, src}); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindFilesystem, "pool.place", source, err)
	}
	if err := commitTemp(tmp, final); err != nil {
		return xerrors.Wrap(xerrors.KindFilesystem, "pool.place", final, err)
	}
	return nil
}

// commitTemp syncs, closes and renames an in-flight temp file onto its
// final shard path, removing the temp on any failure.
func commitTemp(tmp *os.File, final string) error {
	tmpName := tmp.Name()
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// applyPolicy applies the configured mode and ownership to a file the
// pool created by copy or encryption. Hardlinked entries never reach
// here.
func (p *Pool) applyPolicy(path string) error {
	if p.cfg.FileMode != 0 {
		if err := os.Chmod(path, p.cfg.FileMode); err != nil {
			return xerrors.Wrap(xerrors.KindFilesystem, "pool.place", path, err)
		}
	}
	if p.uid >= 0 || p.gid >= 0 {
		if err := os.Chown(path, p.uid, p.gid); err != nil {
			return xerrors.Wrap(xerrors.KindFilesystem, "pool.place", path, err)
		}
	}
	return nil
}
