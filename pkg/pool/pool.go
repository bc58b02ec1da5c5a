// Package pool stores opaque content under random identifiers in a
// sharded directory layout. A pool owns two parallel trees: a plain tree
// and, beside it, a secured tree holding AES-256-CBC encrypted entries.
// Configuring a secrets file switches the pool into secured mode, after
// which every new entry lands encrypted in the secured tree; the plain
// tree remains readable for entries placed before the switch.
//
// Entries are immutable: ingestion allocates a fresh identifier, removal
// deletes it, and there is no in-place update. Operations on distinct
// identifiers are safe to run concurrently; the pool relies on identifier
// uniqueness rather than locking.
package pool

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jacktea/filepool/pkg/encryption"
	"github.com/jacktea/filepool/pkg/ident"
	"github.com/jacktea/filepool/pkg/secrets"
	"github.com/jacktea/filepool/pkg/stats"
	"github.com/jacktea/filepool/pkg/worker"
	"github.com/jacktea/filepool/pkg/xerrors"
)

// securedSuffix distinguishes the encrypted tree from the plain one.
const securedSuffix = "_secured"

// TempPattern names in-flight ingestion files created at a tree root.
// Crash leftovers matching it can be swept once they are clearly stale.
const TempPattern = "ingest-*"

// errNoSecret marks decrypt requests against encrypted entries in a pool
// opened without secret material.
var errNoSecret = errors.New("no secret material loaded")

// Pool is a content store over two sharded directory trees.
type Pool struct {
	cfg     Config
	plain   string
	secured string
	secret  *secrets.Material
	uid     int
	gid     int
	log     *zap.Logger
	tasks   *worker.Group
}

// New opens the pool described by cfg, creating the directory trees and,
// in secured mode, loading or generating the secret material. Secret
// trouble other than first-use absence aborts setup.
func New(cfg Config) (*Pool, error) {
	uid, gid, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfig, "pool.New", cfg.Root, err)
	}
	p := &Pool{
		cfg:     cfg,
		plain:   root,
		secured: root + securedSuffix,
		uid:     uid,
		gid:     gid,
		log:     cfg.Logger,
		tasks:   worker.NewGroup(cfg.Logger),
	}
	if err := os.MkdirAll(p.plain, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindFilesystem, "pool.New", p.plain, err)
	}
	if cfg.SecretsFile != "" {
		material, created, err := secrets.LoadOrCreate(cfg.SecretsFile)
		if err != nil {
			return nil, err
		}
		p.secret = &material
		if err := os.MkdirAll(p.secured, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.KindFilesystem, "pool.New", p.secured, err)
		}
		p.log.Info("pool ready",
			zap.String("root", p.plain),
			zap.Bool("secured", true),
			zap.Bool("fresh_secret", created))
		return p, nil
	}
	p.log.Info("pool ready", zap.String("root", p.plain), zap.Bool("secured", false))
	return p, nil
}

// Root returns the plain tree directory.
func (p *Pool) Root() string { return p.plain }

// SecuredRoot returns the encrypted tree directory.
func (p *Pool) SecuredRoot() string { return p.secured }

// Secured reports whether new entries are encrypted.
func (p *Pool) Secured() bool { return p.secret != nil }

// activeTree is where new entries land under the current mode.
func (p *Pool) activeTree() string {
	if p.secret != nil {
		return p.secured
	}
	return p.plain
}

func (p *Pool) cipherOptions() encryption.Options {
	return encryption.Options{
		Key:       p.secret.Key[:],
		IV:        p.secret.IV[:],
		BlockSize: p.cfg.BlockSize,
	}
}

// locate finds the physical entry for id, checking the secured tree
// first. It returns the entry path and tree, or ok=false when neither
// tree holds the identifier.
func (p *Pool) locate(id ident.ID) (path string, inSecured, ok bool, err error) {
	for _, tree := range []string{p.secured, p.plain} {
		candidate := ident.EntryPath(tree, id)
		_, serr := os.Stat(candidate)
		if serr == nil {
			return candidate, tree == p.secured, true, nil
		}
		if !errors.Is(serr, fs.ErrNotExist) {
			return "", false, false, xerrors.Wrap(xerrors.KindFilesystem, "pool.locate", candidate, serr)
		}
	}
	return "", false, false, nil
}

// Path resolves id to a readable file path. Plain entries resolve to
// their stored file. Secured entries resolve to their ciphertext path
// when decrypt is false; with decrypt true the entry is decrypted into a
// fresh temporary file whose path is returned and whose cleanup is the
// caller's job. Decrypting needs the pool's secret material: a pool
// opened without a secrets file over a root that holds encrypted entries
// refuses with a secret error. An absent identifier resolves to the path
// it would occupy under the pool's current mode, so callers can
// distinguish missing content without an error; use Exists to check
// explicitly.
func (p *Pool) Path(ctx context.Context, id ident.ID, decrypt bool) (string, error) {
	if !ident.Valid(id) {
		return "", xerrors.E(xerrors.KindInvalidID, "pool.Path", string(id))
	}
	path, inSecured, ok, err := p.locate(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return ident.EntryPath(p.activeTree(), id), nil
	}
	if !inSecured || !decrypt {
		return path, nil
	}
	if p.secret == nil {
		return "", xerrors.Wrap(xerrors.KindSecret, "pool.Path", string(id), errNoSecret)
	}
	return p.decryptToTemp(ctx, id, path)
}

// decryptToTemp materializes a secured entry's plaintext in the system
// temp directory. The pool does not track the file afterwards.
func (p *Pool) decryptToTemp(ctx context.Context, id ident.ID, path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindFilesystem, "pool.Path", path, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "filepool-*")
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindFilesystem, "pool.Path", path, err)
	}
	tmpName := tmp.Name()
	if _, err := encryption.Decrypt(tmp, contextReader{ctx, src}, p.cipherOptions()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", xerrors.Wrap(xerrors.KindInternal, "pool.Path", string(id), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", xerrors.Wrap(xerrors.KindFilesystem, "pool.Path", tmpName, err)
	}
	p.log.Debug("decrypted entry to temp file",
		zap.String("id", string(id)),
		zap.String("path", tmpName))
	return tmpName, nil
}

// Open returns a reader over the entry's content. Secured entries are
// decrypted inline as the caller reads unless decrypt is false, in which
// case the raw ciphertext is served; as with Path, decrypting requires
// the pool's secret material. Absent entries yield a not-found error.
func (p *Pool) Open(ctx context.Context, id ident.ID, decrypt bool) (io.ReadCloser, error) {
	if !ident.Valid(id) {
		return nil, xerrors.E(xerrors.KindInvalidID, "pool.Open", string(id))
	}
	path, inSecured, ok, err := p.locate(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.E(xerrors.KindNotFound, "pool.Open", string(id))
	}
	if inSecured && decrypt && p.secret == nil {
		return nil, xerrors.Wrap(xerrors.KindSecret, "pool.Open", string(id), errNoSecret)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindFilesystem, "pool.Open", path, err)
	}
	if !inSecured || !decrypt {
		return f, nil
	}
	r, err := encryption.NewReader(contextReader{ctx, f}, p.cipherOptions())
	if err != nil {
		f.Close()
		return nil, xerrors.Wrap(xerrors.KindInternal, "pool.Open", string(id), err)
	}
	return &decryptReader{r: r, f: f}, nil
}

// decryptReader serves plaintext while owning the underlying ciphertext
// file handle.
type decryptReader struct {
	r io.Reader
	f *os.File
}

func (d *decryptReader) Read(p []byte) (int, error) { return d.r.Read(p) }
func (d *decryptReader) Close() error               { return d.f.Close() }

// contextReader aborts reads once ctx is cancelled, so a long decrypt or
// copy cannot outlive its caller's intent.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Exists reports whether a physical entry is stored under id in either
// tree.
func (p *Pool) Exists(id ident.ID) (bool, error) {
	if !ident.Valid(id) {
		return false, xerrors.E(xerrors.KindInvalidID, "pool.Exists", string(id))
	}
	_, _, ok, err := p.locate(id)
	return ok, err
}

// Encrypted reports whether the entry lives in the secured tree. It
// reflects placement only; plain-tree content is not inspected.
func (p *Pool) Encrypted(id ident.ID) (bool, error) {
	if !ident.Valid(id) {
		return false, xerrors.E(xerrors.KindInvalidID, "pool.Encrypted", string(id))
	}
	_, inSecured, ok, err := p.locate(id)
	if err != nil {
		return false, err
	}
	return ok && inSecured, nil
}

// Remove deletes the entry's underlying file. It fails with an
// invalid-identifier error for malformed ids and a not-found error when
// no entry exists.
func (p *Pool) Remove(ctx context.Context, id ident.ID) error {
	if !ident.Valid(id) {
		return xerrors.E(xerrors.KindInvalidID, "pool.Remove", string(id))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path, _, ok, err := p.locate(id)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.E(xerrors.KindNotFound, "pool.Remove", string(id))
	}
	if err := os.Remove(path); err != nil {
		return xerrors.Wrap(xerrors.KindFilesystem, "pool.Remove", path, err)
	}
	p.log.Debug("removed entry", zap.String("id", string(id)))
	return nil
}

// TryRemove is the boolean adapter over Remove: it reports success and
// discards the failure detail.
func (p *Pool) TryRemove(ctx context.Context, id ident.ID) bool {
	return p.Remove(ctx, id) == nil
}

// Stat walks both trees and aggregates entry count, sizes and recency.
// Full-tree walk; cost grows with the pool.
func (p *Pool) Stat(ctx context.Context) (stats.Summary, error) {
	return stats.Collect(ctx, p.plain, p.secured)
}

// Tasks exposes the pool's detached task group, letting callers observe
// outstanding background ingestions.
func (p *Pool) Tasks() *worker.Group { return p.tasks }

// Close drains detached work. The pool performs no further background
// activity once Close returns nil; in-flight tasks cut short by ctx keep
// running and report through their handles.
func (p *Pool) Close(ctx context.Context) error {
	if err := p.tasks.Wait(ctx); err != nil {
		return err
	}
	p.log.Info("pool closed", zap.String("root", p.plain))
	return nil
}
