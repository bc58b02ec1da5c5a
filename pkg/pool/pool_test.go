package pool

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jacktea/filepool/pkg/ident"
	"github.com/jacktea/filepool/pkg/xerrors"
)

func newPlainPool(t *testing.T, mutate func(*Config)) *Pool {
	t.Helper()
	cfg := Config{Root: filepath.Join(t.TempDir(), "pool")}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func newSecuredPool(t *testing.T, mutate func(*Config)) *Pool {
	t.Helper()
	base := t.TempDir()
	cfg := Config{
		Root:        filepath.Join(base, "pool"),
		SecretsFile: filepath.Join(base, "secret.yml"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func writeSource(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source")
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func TestAddAndResolvePlain(t *testing.T) {
	ctx := context.Background()
	p := newPlainPool(t, nil)
	source := writeSource(t, "hello", 0o644)

	id, err := p.Add(ctx, source)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !ident.Valid(id) {
		t.Fatalf("Add returned invalid identifier %q", id)
	}

	path, err := p.Path(ctx, id, true)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if got := readFile(t, path); string(got) != "hello" {
		t.Fatalf("stored content = %q, want hello", got)
	}
	if want := ident.EntryPath(p.Root(), id); path != want {
		t.Fatalf("Path = %s, want %s", path, want)
	}

	s, err := p.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if s.Entries != 1 || s.TotalBytes != 5 {
		t.Fatalf("Stat = %+v, want 1 entry of 5 bytes", s)
	}
}

func TestAddHardlinkSharesInodeAndSkipsPolicy(t *testing.T) {
	ctx := context.Background()
	p := newPlainPool(t, func(c *Config) {
		c.FileMode = 0o604
	})
	// Source inside the pool root guarantees both sit on one filesystem.
	source := filepath.Join(p.Root(), "incoming")
	if err := os.WriteFile(source, []byte("linked"), 0o640); err != nil {
		t.Fatalf("write source: %v", err)
	}

	id, err := p.Add(ctx, source)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	stored, err := p.Path(ctx, id, true)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}

	srcInfo, err := os.Stat(source)
	if err != nil {
		t.Fatalf("stat source: %v", err)
	}
	dstInfo, err := os.Stat(stored)
	if err != nil {
		t.Fatalf("stat stored: %v", err)
	}
	if !os.SameFile(srcInfo, dstInfo) {
		t.Fatalf("expected stored entry to share the source inode")
	}
	if got := dstInfo.Mode().Perm(); got != 0o640 {
		t.Fatalf("hardlinked entry mode = %o, want source mode 0640 (policy must not apply)", got)
	}
}

func TestAddCopySourceAppliesPolicy(t *testing.T) {
	ctx := context.Background()
	p := newPlainPool(t, func(c *Config) {
		c.CopySource = true
		c.FileMode = 0o604
		c.Owner = strconv.Itoa(os.Getuid())
		c.Group = strconv.Itoa(os.Getgid())
	})
	source := filepath.Join(p.Root(), "incoming")
	if err := os.WriteFile(source, []byte("copied"), 0o640); err != nil {
		t.Fatalf("write source: %v", err)
	}

	id, err := p.Add(ctx, source)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	stored, err := p.Path(ctx, id, true)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}

	srcInfo, _ := os.Stat(source)
	dstInfo, err := os.Stat(stored)
	if err != nil {
		t.Fatalf("stat stored: %v", err)
	}
	if os.SameFile(srcInfo, dstInfo) {
		t.Fatalf("copy_source must not hardlink")
	}
	if got := dstInfo.Mode().Perm(); got != 0o604 {
		t.Fatalf("copied entry mode = %o, want 0604", got)
	}
	if got := readFile(t, stored); string(got) != "copied" {
		t.Fatalf("copied content = %q", got)
	}
	if got := readFile(t, source); string(got) != "copied" {
		t.Fatalf("source mutated to %q", got)
	}
}

func TestAddMissingSource(t *testing.T) {
	ctx := context.Background()
	p := newPlainPool(t, nil)
	missing := filepath.Join(t.TempDir(), "absent")

	if _, err := p.Add(ctx, missing); !xerrors.Is(err, xerrors.KindSourceMissing) {
		t.Fatalf("Add error kind = %v, want KindSourceMissing", xerrors.KindOf(err))
	}
	if _, ok := p.TryAdd(ctx, missing); ok {
		t.Fatalf("TryAdd reported success for missing source")
	}
	if _, _, err := p.AddDetached(missing); !xerrors.Is(err, xerrors.KindSourceMissing) {
		t.Fatalf("AddDetached error kind = %v, want KindSourceMissing", xerrors.KindOf(err))
	}
}

func TestAddRejectsUnusableSource(t *testing.T) {
	ctx := context.Background()
	p := newPlainPool(t, nil)

	t.Run("directory", func(t *testing.T) {
		dir := t.TempDir()
		if _, err := p.Add(ctx, dir); !xerrors.Is(err, xerrors.KindSourceMissing) {
			t.Fatalf("Add(dir) kind = %v, want KindSourceMissing", xerrors.KindOf(err))
		}
		if _, task, err := p.AddDetached(dir); err == nil || task != nil {
			t.Fatalf("AddDetached(dir) must fail before starting a task, got task=%v err=%v", task, err)
		}
	})

	t.Run("unreadable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("file permission bits do not bind root")
		}
		source := writeSource(t, "locked", 0o644)
		if err := os.Chmod(source, 0o000); err != nil {
			t.Fatalf("chmod: %v", err)
		}
		if _, err := p.Add(ctx, source); !xerrors.Is(err, xerrors.KindSourceMissing) {
			t.Fatalf("Add(unreadable) kind = %v, want KindSourceMissing", xerrors.KindOf(err))
		}
	})
}

func TestSecuredAddRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newSecuredPool(t, nil)
	plaintext := "attack at dawn"
	source := writeSource(t, plaintext, 0o644)

	id, err := p.Add(ctx, source)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	enc, err := p.Encrypted(id)
	if err != nil {
		t.Fatalf("Encrypted: %v", err)
	}
	if !enc {
		t.Fatalf("secured add must land in the secured tree")
	}
	if _, err := os.Stat(ident.EntryPath(p.Root(), id)); !os.IsNotExist(err) {
		t.Fatalf("entry must exist in exactly one tree, found plain copy (err=%v)", err)
	}

	raw, err := p.Path(ctx, id, false)
	if err != nil {
		t.Fatalf("Path raw: %v", err)
	}
	if want := ident.EntryPath(p.SecuredRoot(), id); raw != want {
		t.Fatalf("raw path = %s, want %s", raw, want)
	}
	ciphertext := readFile(t, raw)
	if bytes.Equal(ciphertext, []byte(plaintext)) {
		t.Fatalf("ciphertext equals plaintext")
	}
	if len(ciphertext)%16 != 0 || len(ciphertext) == 0 {
		t.Fatalf("ciphertext length = %d, want non-zero multiple of 16", len(ciphertext))
	}

	tmp, err := p.Path(ctx, id, true)
	if err != nil {
		t.Fatalf("Path decrypt: %v", err)
	}
	defer os.Remove(tmp)
	if tmp == raw {
		t.Fatalf("decrypting Path must return a temporary copy, not the stored file")
	}
	if got := readFile(t, tmp); string(got) != plaintext {
		t.Fatalf("decrypted content = %q, want %q", got, plaintext)
	}

	rc, err := p.Open(ctx, id, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	streamed, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	rc.Close()
	if string(streamed) != plaintext {
		t.Fatalf("streamed content = %q, want %q", streamed, plaintext)
	}
}

func TestPathAbsentReturnsHypotheticalPath(t *testing.T) {
	ctx := context.Background()
	p := newPlainPool(t, nil)
	id := ident.New()

	path, err := p.Path(ctx, id, true)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if want := ident.EntryPath(p.Root(), id); path != want {
		t.Fatalf("hypothetical path = %s, want %s", path, want)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("hypothetical path unexpectedly exists")
	}

	ok, err := p.Exists(id)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("Exists = true for absent entry")
	}
}

func TestMalformedIdentifierIsRejectedEverywhere(t *testing.T) {
	ctx := context.Background()
	p := newPlainPool(t, nil)
	bad := ident.ID("not-a-uuid")

	if _, err := p.Path(ctx, bad, true); !xerrors.Is(err, xerrors.KindInvalidID) {
		t.Fatalf("Path kind = %v, want KindInvalidID", xerrors.KindOf(err))
	}
	if _, err := p.Open(ctx, bad, true); !xerrors.Is(err, xerrors.KindInvalidID) {
		t.Fatalf("Open kind = %v, want KindInvalidID", xerrors.KindOf(err))
	}
	if err := p.Remove(ctx, bad); !xerrors.Is(err, xerrors.KindInvalidID) {
		t.Fatalf("Remove kind = %v, want KindInvalidID", xerrors.KindOf(err))
	}
	if _, err := p.Exists(bad); !xerrors.Is(err, xerrors.KindInvalidID) {
		t.Fatalf("Exists kind = %v, want KindInvalidID", xerrors.KindOf(err))
	}
	if _, err := p.Encrypted(bad); !xerrors.Is(err, xerrors.KindInvalidID) {
		t.Fatalf("Encrypted kind = %v, want KindInvalidID", xerrors.KindOf(err))
	}
}

func TestRemoveVariants(t *testing.T) {
	ctx := context.Background()
	p := newPlainPool(t, nil)
	source := writeSource(t, "ephemeral", 0o644)

	id, err := p.Add(ctx, source)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := p.Exists(id); ok {
		t.Fatalf("entry still exists after Remove")
	}
	if err := p.Remove(ctx, id); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("second Remove kind = %v, want KindNotFound", xerrors.KindOf(err))
	}

	absent := ident.New()
	if p.TryRemove(ctx, absent) {
		t.Fatalf("TryRemove(absent) = true")
	}
	if p.TryRemove(ctx, ident.ID("junk")) {
		t.Fatalf("TryRemove(malformed) = true")
	}

	id2, err := p.Add(ctx, source)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !p.TryRemove(ctx, id2) {
		t.Fatalf("TryRemove(existing) = false")
	}
}

func TestAddDetached(t *testing.T) {
	ctx := context.Background()
	p := newPlainPool(t, nil)
	source := writeSource(t, "later", 0o644)

	id, task, err := p.AddDetached(source)
	if err != nil {
		t.Fatalf("AddDetached: %v", err)
	}
	if !ident.Valid(id) {
		t.Fatalf("detached id invalid: %q", id)
	}
	if err := task.Wait(ctx); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	ok, err := p.Exists(id)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("entry missing after detached add completed")
	}
}

func TestAddStream(t *testing.T) {
	ctx := context.Background()

	t.Run("plain", func(t *testing.T) {
		p := newPlainPool(t, nil)
		id, task := p.AddStream(bytes.NewReader([]byte("streamed bytes")))
		if err := task.Wait(ctx); err != nil {
			t.Fatalf("stream task: %v", err)
		}
		path, err := p.Path(ctx, id, true)
		if err != nil {
			t.Fatalf("Path: %v", err)
		}
		if got := readFile(t, path); string(got) != "streamed bytes" {
			t.Fatalf("stored stream = %q", got)
		}
	})

	t.Run("secured", func(t *testing.T) {
		p := newSecuredPool(t, nil)
		id, task := p.AddStream(bytes.NewReader([]byte("secret stream")))
		if err := task.Wait(ctx); err != nil {
			t.Fatalf("stream task: %v", err)
		}
		enc, err := p.Encrypted(id)
		if err != nil {
			t.Fatalf("Encrypted: %v", err)
		}
		if !enc {
			t.Fatalf("secured stream must land encrypted")
		}
		rc, err := p.Open(ctx, id, true)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer rc.Close()
		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != "secret stream" {
			t.Fatalf("streamed round trip = %q", got)
		}
	})
}

func TestMixedTreesAfterSecuring(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	root := filepath.Join(base, "pool")

	plainPool, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("New plain: %v", err)
	}
	source := writeSource(t, "old plain entry", 0o644)
	oldID, err := plainPool.Add(ctx, source)
	if err != nil {
		t.Fatalf("Add plain: %v", err)
	}
	if err := plainPool.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	secured, err := New(Config{Root: root, SecretsFile: filepath.Join(base, "secret.yml")})
	if err != nil {
		t.Fatalf("New secured: %v", err)
	}
	defer secured.Close(ctx)

	enc, err := secured.Encrypted(oldID)
	if err != nil {
		t.Fatalf("Encrypted(old): %v", err)
	}
	if enc {
		t.Fatalf("historic plain entry reported as encrypted")
	}
	path, err := secured.Path(ctx, oldID, true)
	if err != nil {
		t.Fatalf("Path(old): %v", err)
	}
	if got := readFile(t, path); string(got) != "old plain entry" {
		t.Fatalf("historic entry content = %q", got)
	}

	newID, err := secured.Add(ctx, source)
	if err != nil {
		t.Fatalf("Add secured: %v", err)
	}
	if enc, _ := secured.Encrypted(newID); !enc {
		t.Fatalf("new entry in secured mode must be encrypted")
	}
}

func TestReopenWithoutSecretServesCiphertextOnly(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	root := filepath.Join(base, "pool")
	plaintext := "sealed before reopen"

	secured, err := New(Config{Root: root, SecretsFile: filepath.Join(base, "secret.yml")})
	if err != nil {
		t.Fatalf("New secured: %v", err)
	}
	source := writeSource(t, plaintext, 0o644)
	id, err := secured.Add(ctx, source)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := secured.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("New without secrets: %v", err)
	}
	defer reopened.Close(ctx)

	if enc, err := reopened.Encrypted(id); err != nil || !enc {
		t.Fatalf("Encrypted = %v, %v; want true", enc, err)
	}
	if _, err := reopened.Path(ctx, id, true); !xerrors.Is(err, xerrors.KindSecret) {
		t.Fatalf("Path decrypt kind = %v, want KindSecret", xerrors.KindOf(err))
	}
	if _, err := reopened.Open(ctx, id, true); !xerrors.Is(err, xerrors.KindSecret) {
		t.Fatalf("Open decrypt kind = %v, want KindSecret", xerrors.KindOf(err))
	}

	raw, err := reopened.Path(ctx, id, false)
	if err != nil {
		t.Fatalf("Path raw: %v", err)
	}
	if want := ident.EntryPath(reopened.SecuredRoot(), id); raw != want {
		t.Fatalf("raw path = %s, want %s", raw, want)
	}
	rc, err := reopened.Open(ctx, id, false)
	if err != nil {
		t.Fatalf("Open raw: %v", err)
	}
	defer rc.Close()
	ciphertext, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if bytes.Equal(ciphertext, []byte(plaintext)) || len(ciphertext)%16 != 0 || len(ciphertext) == 0 {
		t.Fatalf("raw read must serve ciphertext, got %d bytes", len(ciphertext))
	}
}

func TestFromOptions(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg, err := FromOptions("/data/pool", map[string]any{
		"secrets_file":          "/data/secret.yml",
		"encryption_block_size": 65536,
		"copy_source":           true,
		"mode":                  "640",
		"owner":                 "root",
		"group":                 "root",
		"flux_capacitor":        true,
	}, zap.New(core))
	if err != nil {
		t.Fatalf("FromOptions: %v", err)
	}
	if cfg.SecretsFile != "/data/secret.yml" || cfg.BlockSize != 65536 || !cfg.CopySource {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.FileMode != 0o640 {
		t.Fatalf("FileMode = %o, want 0640", cfg.FileMode)
	}
	if cfg.Owner != "root" || cfg.Group != "root" {
		t.Fatalf("ownership = %s:%s", cfg.Owner, cfg.Group)
	}

	warned := logs.FilterMessage("ignoring unknown pool option").All()
	if len(warned) != 1 {
		t.Fatalf("unknown-key warnings = %d, want 1", len(warned))
	}
	if got := warned[0].ContextMap()["key"]; got != "flux_capacitor" {
		t.Fatalf("warned key = %v", got)
	}
}

func TestFromOptionsRejectsBadValues(t *testing.T) {
	for _, opts := range []map[string]any{
		{"encryption_block_size": "lots"},
		{"copy_source": "perhaps"},
		{"mode": "rwxr-xr-x"},
	} {
		if _, err := FromOptions("/data/pool", opts, nil); !xerrors.Is(err, xerrors.KindConfig) {
			t.Fatalf("opts %v: kind = %v, want KindConfig", opts, xerrors.KindOf(err))
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); !xerrors.Is(err, xerrors.KindConfig) {
		t.Fatalf("empty root kind = %v, want KindConfig", xerrors.KindOf(err))
	}
	if _, err := New(Config{Root: filepath.Join(t.TempDir(), "p"), BlockSize: 100}); !xerrors.Is(err, xerrors.KindConfig) {
		t.Fatalf("odd block size kind = %v, want KindConfig", xerrors.KindOf(err))
	}
	if _, err := New(Config{Root: filepath.Join(t.TempDir(), "p"), Owner: "no-such-user-exists"}); !xerrors.Is(err, xerrors.KindConfig) {
		t.Fatalf("unknown owner kind = %v, want KindConfig", xerrors.KindOf(err))
	}
}

func TestNewRejectsCorruptSecretFile(t *testing.T) {
	base := t.TempDir()
	secretPath := filepath.Join(base, "secret.yml")
	if err := os.WriteFile(secretPath, []byte("key: not-base64!\niv: nope\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	_, err := New(Config{Root: filepath.Join(base, "pool"), SecretsFile: secretPath})
	if !xerrors.Is(err, xerrors.KindSecret) {
		t.Fatalf("corrupt secret kind = %v, want KindSecret", xerrors.KindOf(err))
	}
}

func TestPlacementReusesShardDirectories(t *testing.T) {
	ctx := context.Background()
	p := newPlainPool(t, nil)
	source := writeSource(t, "shard sibling", 0o644)

	first := ident.ID("aaaaaaaa-1111-4111-8111-111111111111")
	second := ident.ID("aaaaaaaa-2222-4222-8222-222222222222")
	if filepath.Dir(ident.EntryPath(p.Root(), first)) != filepath.Dir(ident.EntryPath(p.Root(), second)) {
		t.Fatalf("fixture ids must share a shard directory")
	}
	for _, id := range []ident.ID{first, second} {
		if !ident.Valid(id) {
			t.Fatalf("fixture id %q invalid", id)
		}
		if err := p.place(ctx, id, source); err != nil {
			t.Fatalf("place %s: %v", id, err)
		}
	}
	for _, id := range []ident.ID{first, second} {
		ok, err := p.Exists(id)
		if err != nil || !ok {
			t.Fatalf("entry %s after placement: ok=%v err=%v", id, ok, err)
		}
	}
}

func TestCloseDrainsDetachedWork(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{Root: filepath.Join(t.TempDir(), "pool")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	source := writeSource(t, "pending work", 0o644)

	var ids []ident.ID
	for i := 0; i < 8; i++ {
		id, _, err := p.AddDetached(source)
		if err != nil {
			t.Fatalf("AddDetached: %v", err)
		}
		ids = append(ids, id)
	}
	streamID, _ := p.AddStream(bytes.NewReader([]byte("pending stream")))
	ids = append(ids, streamID)

	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, id := range ids {
		ok, err := p.Exists(id)
		if err != nil {
			t.Fatalf("Exists(%s): %v", id, err)
		}
		if !ok {
			t.Fatalf("entry %s missing after Close", id)
		}
	}
}

func TestSecretFileReusedAcrossPools(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	root := filepath.Join(base, "pool")
	secretPath := filepath.Join(base, "secret.yml")
	source := writeSource(t, "durable secret data", 0o644)

	first, err := New(Config{Root: root, SecretsFile: secretPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := first.Add(ctx, source)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := New(Config{Root: root, SecretsFile: secretPath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close(ctx)
	rc, err := second.Open(ctx, id, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "durable secret data" {
		t.Fatalf("reopened pool decrypted %q", got)
	}
}
