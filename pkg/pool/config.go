package pool

import (
	"os"
	"os/user"
	"strconv"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/jacktea/filepool/pkg/encryption"
	"github.com/jacktea/filepool/pkg/xerrors"
)

// Config describes a pool. It is assembled once, validated by New, and
// never mutated afterwards; changing settings means opening a new pool.
type Config struct {
	// Root is the plain tree directory. The secured tree lives beside it
	// at Root + "_secured".
	Root string
	// SecretsFile, when set, switches the pool into secured mode: every
	// new entry is encrypted with the material stored there.
	SecretsFile string
	// BlockSize is the cipher chunk size in bytes. Zero selects
	// encryption.DefaultBlockSize.
	BlockSize int
	// CopySource forces ingestion to copy even when a hardlink would
	// work.
	CopySource bool
	// FileMode, when non-zero, is applied to entries the pool copied.
	FileMode os.FileMode
	// Owner and Group name the entry owner applied after a copy. Each
	// accepts a name or a numeric id; empty leaves ownership alone.
	Owner string
	Group string
	// Logger receives pool activity. Nil disables logging.
	Logger *zap.Logger
}

// Option keys recognized by FromOptions.
const (
	optSecretsFile = "secrets_file"
	optBlockSize   = "encryption_block_size"
	optCopySource  = "copy_source"
	optMode        = "mode"
	optOwner       = "owner"
	optGroup       = "group"
)

// FromOptions builds a Config from a loosely typed option map, the shape
// configuration files and call sites hand over. Unknown keys are warned
// about and ignored rather than rejected. The mode value may be a string,
// parsed as octal, or a number, used as raw permission bits.
func FromOptions(root string, opts map[string]any, log *zap.Logger) (Config, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := Config{Root: root, Logger: log}
	for key, value := range opts {
		switch key {
		case optSecretsFile:
			cfg.SecretsFile = cast.ToString(value)
		case optBlockSize:
			n, err := cast.ToIntE(value)
			if err != nil {
				return Config{}, xerrors.Wrap(xerrors.KindConfig, "pool.FromOptions", key, err)
			}
			cfg.BlockSize = n
		case optCopySource:
			b, err := cast.ToBoolE(value)
			if err != nil {
				return Config{}, xerrors.Wrap(xerrors.KindConfig, "pool.FromOptions", key, err)
			}
			cfg.CopySource = b
		case optMode:
			mode, err := parseMode(value)
			if err != nil {
				return Config{}, xerrors.Wrap(xerrors.KindConfig, "pool.FromOptions", key, err)
			}
			cfg.FileMode = mode
		case optOwner:
			cfg.Owner = cast.ToString(value)
		case optGroup:
			cfg.Group = cast.ToString(value)
		default:
			log.Warn("ignoring unknown pool option", zap.String("key", key))
		}
	}
	return cfg, nil
}

func parseMode(value any) (os.FileMode, error) {
	if s, ok := value.(string); ok {
		bits, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return 0, err
		}
		return os.FileMode(bits), nil
	}
	bits, err := cast.ToUint32E(value)
	if err != nil {
		return 0, err
	}
	return os.FileMode(bits), nil
}

// validate normalizes cfg and resolves ownership names to numeric ids.
func (c *Config) validate() (uid, gid int, err error) {
	if c.Root == "" {
		return 0, 0, xerrors.E(xerrors.KindConfig, "pool.New", "root")
	}
	if c.BlockSize == 0 {
		c.BlockSize = encryption.DefaultBlockSize
	}
	if c.BlockSize < 0 || c.BlockSize%16 != 0 {
		return 0, 0, xerrors.E(xerrors.KindConfig, "pool.New", "encryption_block_size must be a positive multiple of 16")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	uid, err = lookupID(c.Owner, func(name string) (string, error) {
		u, err := user.Lookup(name)
		if err != nil {
			return "", err
		}
		return u.Uid, nil
	})
	if err != nil {
		return 0, 0, xerrors.Wrap(xerrors.KindConfig, "pool.New", c.Owner, err)
	}
	gid, err = lookupID(c.Group, func(name string) (string, error) {
		g, err := user.LookupGroup(name)
		if err != nil {
			return "", err
		}
		return g.Gid, nil
	})
	if err != nil {
		return 0, 0, xerrors.Wrap(xerrors.KindConfig, "pool.New", c.Group, err)
	}
	return uid, gid, nil
}

// lookupID turns a user or group reference into a numeric id. An empty
// reference yields -1, which chown treats as "leave unchanged".
func lookupID(ref string, resolve func(string) (string, error)) (int, error) {
	if ref == "" {
		return -1, nil
	}
	if id, err := strconv.Atoi(ref); err == nil {
		return id, nil
	}
	id, err := resolve(ref)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(id)
}
