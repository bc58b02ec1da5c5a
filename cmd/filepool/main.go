package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jacktea/filepool/pkg/gc"
	"github.com/jacktea/filepool/pkg/ident"
	"github.com/jacktea/filepool/pkg/journal"
	"github.com/jacktea/filepool/pkg/pool"
	"github.com/jacktea/filepool/pkg/server/httpapi"
	"github.com/jacktea/filepool/pkg/server/middleware"
)

type app struct {
	ctx  context.Context
	pool *pool.Pool
	log  *zap.Logger
}

func (a *app) ensurePool() error {
	if a.pool != nil {
		return nil
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := buildPoolConfig(poolOptions{
		Root:       viper.GetString("root"),
		Secrets:    viper.GetString("secrets"),
		BlockSize:  viper.GetInt("block_size"),
		CopySource: viper.GetBool("copy_source"),
		Mode:       viper.GetString("mode"),
		Owner:      viper.GetString("owner"),
		Group:      viper.GetString("group"),
	}, logger)
	if err != nil {
		return err
	}
	p, err := pool.New(cfg)
	if err != nil {
		return err
	}
	a.ctx = context.Background()
	a.pool = p
	a.log = logger
	return nil
}

func (a *app) close() {
	if a.pool != nil {
		if err := a.pool.Close(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "filepool",
		Short:         "filepool blob pool CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensurePool()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	defer application.close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("filepool")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "filepool"))
		}
	}
	viper.SetEnvPrefix("FILEPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("root", ".filepool", "pool root directory")
	rootCmd.PersistentFlags().String("secrets", "", "key file enabling encryption at rest (generated on first use)")
	rootCmd.PersistentFlags().Int("block-size", 0, "encryption chunk size in bytes (0 uses the built-in default)")
	rootCmd.PersistentFlags().Bool("copy-source", false, "always copy sources instead of hardlinking")
	rootCmd.PersistentFlags().String("mode", "", "octal mode applied to copied entries")
	rootCmd.PersistentFlags().String("owner", "", "owner applied to copied entries (name or uid)")
	rootCmd.PersistentFlags().String("group", "", "group applied to copied entries (name or gid)")

	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "console", "log format: console|json")

	bindConfig("root", rootCmd.PersistentFlags().Lookup("root"))
	bindConfig("secrets", rootCmd.PersistentFlags().Lookup("secrets"))
	bindConfig("block_size", rootCmd.PersistentFlags().Lookup("block-size"))
	bindConfig("copy_source", rootCmd.PersistentFlags().Lookup("copy-source"))
	bindConfig("mode", rootCmd.PersistentFlags().Lookup("mode"))
	bindConfig("owner", rootCmd.PersistentFlags().Lookup("owner"))
	bindConfig("group", rootCmd.PersistentFlags().Lookup("group"))
	bindConfig("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindConfig("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initCommands() {
	rootCmd.AddCommand(
		newAddCmd(),
		newPutCmd(),
		newCatCmd(),
		newPathCmd(),
		newRmCmd(),
		newExistsCmd(),
		newEncryptedCmd(),
		newStatCmd(),
		newGCCmd(),
		newServeCmd(),
	)
}

func appContext() (context.Context, *pool.Pool) {
	return application.ctx, application.pool
}

func newAddCmd() *cobra.Command {
	var detach, keepGoing bool
	cmd := &cobra.Command{
		Use:   "add <source>...",
		Short: "Ingest files into the pool and print their identifiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, p := appContext()
			return doAdd(ctx, p, args, detach, keepGoing)
		},
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "ingest in the background, waiting only on exit")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue after per-file failures")
	return cmd
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put",
		Short: "Ingest stdin as a single entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, p := appContext()
			return doPut(ctx, p, os.Stdin)
		},
	}
}

func newCatCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "cat <id>",
		Short: "Print entry contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, p := appContext()
			return doCat(ctx, p, ident.ID(args[0]), raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "emit stored bytes without decrypting")
	return cmd
}

func newPathCmd() *cobra.Command {
	var decrypt bool
	cmd := &cobra.Command{
		Use:   "path <id>",
		Short: "Print where an entry lives (or would live)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, p := appContext()
			return doPath(ctx, p, ident.ID(args[0]), decrypt)
		},
	}
	cmd.Flags().BoolVar(&decrypt, "decrypt", false, "materialize a decrypted copy and print its path")
	return cmd
}

func newRmCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rm <id>...",
		Short: "Remove entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, p := appContext()
			return doRemove(ctx, p, args, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore absent or malformed identifiers")
	return cmd
}

func newExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <id>",
		Short: "Print whether an entry is present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, p := appContext()
			ok, err := p.Exists(ident.ID(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
}

func newEncryptedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypted <id>",
		Short: "Print whether an entry is stored encrypted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, p := appContext()
			encrypted, err := p.Encrypted(ident.ID(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(encrypted)
			return nil
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, p := appContext()
			return doStat(ctx, p)
		},
	}
}

func newGCCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove stranded ingestion temp files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, p := appContext()
			return doGC(ctx, p, application.log, maxAge)
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", time.Hour, "only remove temps older than this")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the pool over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serveOptions{
				Addr:          viper.GetString("serve.addr"),
				APIKey:        viper.GetString("serve.api_key"),
				RateLimit:     viper.GetInt("serve.rate_limit"),
				RateWindow:    viper.GetDuration("serve.rate_window"),
				StatsTTL:      viper.GetDuration("serve.stats_ttl"),
				MaxUpload:     viper.GetInt64("serve.max_upload"),
				JournalPath:   viper.GetString("serve.journal"),
				SweepInterval: viper.GetDuration("serve.sweep_interval"),
			}
			return runServe(application.pool, application.log, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().Duration("stats-ttl", 5*time.Second, "cache statistics for this long (0 disables)")
	cmd.Flags().Int64("max-upload", 0, "maximum upload body size in bytes (0 unlimited)")
	cmd.Flags().String("journal", "", "bolt file recording async upload outcomes")
	cmd.Flags().Duration("sweep-interval", 10*time.Minute, "period between stranded temp sweeps (0 disables)")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.stats_ttl", cmd.Flags().Lookup("stats-ttl"))
	bindConfig("serve.max_upload", cmd.Flags().Lookup("max-upload"))
	bindConfig("serve.journal", cmd.Flags().Lookup("journal"))
	bindConfig("serve.sweep_interval", cmd.Flags().Lookup("sweep-interval"))
	return cmd
}

type serveOptions struct {
	Addr          string
	APIKey        string
	RateLimit     int
	RateWindow    time.Duration
	StatsTTL      time.Duration
	MaxUpload     int64
	JournalPath   string
	SweepInterval time.Duration
}

type poolOptions struct {
	Root       string
	Secrets    string
	BlockSize  int
	CopySource bool
	Mode       string
	Owner      string
	Group      string
}

func buildPoolConfig(opt poolOptions, logger *zap.Logger) (pool.Config, error) {
	if opt.Root == "" {
		return pool.Config{}, errors.New("pool root is required")
	}
	cfg := pool.Config{
		Root:        opt.Root,
		SecretsFile: opt.Secrets,
		BlockSize:   opt.BlockSize,
		CopySource:  opt.CopySource,
		Owner:       opt.Owner,
		Group:       opt.Group,
		Logger:      logger,
	}
	if opt.Mode != "" {
		value, err := strconv.ParseUint(opt.Mode, 8, 32)
		if err != nil {
			return pool.Config{}, fmt.Errorf("invalid mode %q: %w", opt.Mode, err)
		}
		cfg.FileMode = os.FileMode(value)
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	var cfg zap.Config
	switch viper.GetString("log_format") {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", viper.GetString("log_format"))
	}
	level, err := zapcore.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", viper.GetString("log_level"))
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func runServe(p *pool.Pool, log *zap.Logger, opt serveOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &httpapi.Server{
		Pool: p,
		Log:  log,
		Opts: httpapi.Options{
			APIKey:         opt.APIKey,
			StatsTTL:       opt.StatsTTL,
			MaxUploadBytes: opt.MaxUpload,
		},
	}
	if opt.RateLimit > 0 {
		server.Opts.RateLimit = middleware.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow}
	}
	if opt.JournalPath != "" {
		j, err := journal.Open(journal.Config{Path: opt.JournalPath})
		if err != nil {
			return err
		}
		defer j.Close()
		server.Journal = j
	}
	if opt.SweepInterval > 0 {
		sweeper := gc.NewSweeper(gc.Options{
			Trees:   []string{p.Root(), p.SecuredRoot()},
			Pattern: pool.TempPattern,
			Logger:  log,
		})
		stopSweep := sweeper.Start(ctx, opt.SweepInterval)
		defer stopSweep()
	}

	fmt.Fprintf(os.Stderr, "Serving pool API on %s\n", opt.Addr)
	if err := server.Start(ctx, opt.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	server.Drain()
	return nil
}

func doAdd(ctx context.Context, p *pool.Pool, sources []string, detach, keepGoing bool) error {
	for _, src := range sources {
		if detach {
			id, _, err := p.AddDetached(src)
			if err != nil {
				if !keepGoing {
					return err
				}
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			fmt.Println(id)
			continue
		}
		id, err := p.Add(ctx, src)
		if err != nil {
			if !keepGoing {
				return err
			}
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		fmt.Println(id)
	}
	return nil
}

func doPut(ctx context.Context, p *pool.Pool, r io.Reader) error {
	id, task := p.AddStream(r)
	if err := task.Wait(ctx); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func doCat(ctx context.Context, p *pool.Pool, id ident.ID, raw bool) error {
	rc, err := p.Open(ctx, id, !raw)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(os.Stdout, rc)
	return err
}

func doPath(ctx context.Context, p *pool.Pool, id ident.ID, decrypt bool) error {
	path, err := p.Path(ctx, id, decrypt)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func doRemove(ctx context.Context, p *pool.Pool, ids []string, force bool) error {
	for _, raw := range ids {
		id := ident.ID(raw)
		if force {
			p.TryRemove(ctx, id)
			continue
		}
		if err := p.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func doStat(ctx context.Context, p *pool.Pool) error {
	summary, err := p.Stat(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("entries\t%d\n", summary.Entries)
	fmt.Printf("total bytes\t%d\n", summary.TotalBytes)
	fmt.Printf("median bytes\t%.1f\n", summary.MedianBytes)
	if !summary.Newest.IsZero() {
		fmt.Printf("newest\t%s\n", summary.Newest.Format(time.RFC3339))
	}
	return nil
}

func doGC(ctx context.Context, p *pool.Pool, log *zap.Logger, maxAge time.Duration) error {
	sweeper := gc.NewSweeper(gc.Options{
		Trees:   []string{p.Root(), p.SecuredRoot()},
		Pattern: pool.TempPattern,
		MaxAge:  maxAge,
		Logger:  log,
	})
	removed, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "gc removed %d stranded temps\n", removed)
	return nil
}
