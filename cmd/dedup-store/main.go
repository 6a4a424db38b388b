// Command dedup-store manages deduplicating encrypted chunk
// repositories: creating them, ingesting and restoring archives, and
// serving a repository to remote clients over TCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/dedup-store/cache"
	"github.com/wolfeidau/dedup-store/pipeline"
	"github.com/wolfeidau/dedup-store/remote"
	"github.com/wolfeidau/dedup-store/repo"
	"github.com/wolfeidau/dedup-store/segment"
	"github.com/wolfeidau/dedup-store/telemetry"
)

var version = "dev"

type cli struct {
	Repo      string `help:"Repository root directory." type:"path" default:"." env:"DEDUP_STORE_REPO"`
	Secret    string `help:"Repository secret." env:"DEDUP_STORE_SECRET"`
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	Init      initCmd      `cmd:"" help:"Create a new repository."`
	Backup    backupCmd    `cmd:"" help:"Store a stream as an archive."`
	Restore   restoreCmd   `cmd:"" help:"Write an archive back out."`
	List      listCmd      `cmd:"" help:"List archives."`
	Check     checkCmd     `cmd:"" help:"Verify every log entry and chunk."`
	Compact   compactCmd   `cmd:"" help:"Rewrite the log keeping only live chunks."`
	Serve     serveCmd     `cmd:"" help:"Serve the repository over TCP."`
	BreakLock breakLockCmd `cmd:"" name:"break-lock" help:"Forcibly remove an abandoned repository lock."`
}

type appCtx struct {
	ctx    context.Context
	cli    *cli
	logger *slog.Logger
}

func main() {
	var flags cli
	k := kong.Parse(&flags,
		kong.Name("dedup-store"),
		kong.Description("Deduplicating encrypted chunk storage."),
		kong.UsageOnError(),
	)

	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := k.Run(&appCtx{ctx: ctx, cli: &flags, logger: logger}); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func (app *appCtx) secret() ([]byte, error) {
	if app.cli.Secret == "" {
		return nil, errors.New("no secret given, set --secret or DEDUP_STORE_SECRET")
	}
	return []byte(strings.TrimSpace(app.cli.Secret)), nil
}

func (app *appCtx) openRepo() (*repo.Repository, error) {
	secret, err := app.secret()
	if err != nil {
		return nil, err
	}
	opts := repo.DefaultOptions()
	opts.Logger = app.logger
	return repo.Open(app.ctx, app.cli.Repo, secret, opts)
}

type initCmd struct {
	ChunkMin    int    `help:"Minimum chunk size in bytes." default:"524288"`
	ChunkMax    int    `help:"Maximum chunk size in bytes." default:"8388608"`
	MaskBits    uint   `help:"Average chunk size as a power of two." default:"21"`
	Compression string `help:"Compression codec." enum:"zstd,lz4,none" default:"zstd"`
	SegmentSize int64  `help:"Segment rotation threshold in bytes." default:"536870912"`
}

func (c *initCmd) Run(app *appCtx) error {
	secret, err := app.secret()
	if err != nil {
		return err
	}
	cfg := repo.DefaultConfig()
	cfg.ChunkMinSize = c.ChunkMin
	cfg.ChunkMaxSize = c.ChunkMax
	cfg.ChunkMaskBits = c.MaskBits
	cfg.Compression = c.Compression
	cfg.SegmentSize = c.SegmentSize

	if err := repo.Init(app.cli.Repo, secret, cfg); err != nil {
		return err
	}
	app.logger.Info("repository created", "root", app.cli.Repo, "compression", c.Compression)
	return nil
}

type backupCmd struct {
	Name    string `arg:"" help:"Archive name."`
	File    string `help:"Source file, stdin when omitted." type:"existingfile" optional:""`
	Workers int    `help:"Parallel encode workers, GOMAXPROCS when zero."`
	NoCache bool   `help:"Skip the local chunk cache."`
}

func (c *backupCmd) Run(app *appCtx) error {
	r, err := app.openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	var cch *cache.Cache
	if !c.NoCache {
		cch = openCache(app, r)
		if cch != nil {
			defer cch.Close()
		}
	}

	start := time.Now()

	// An unmodified file whose fingerprint is cached skips chunking
	// entirely; its chunk list is referenced as-is.
	results, reused, err := c.reuseFingerprint(app, r, cch)
	if err != nil {
		return err
	}
	if !reused {
		var src io.Reader = os.Stdin
		var f *os.File
		if c.File != "" {
			f, err = os.Open(c.File)
			if err != nil {
				return err
			}
			defer f.Close()
			src = f
		}

		ing := pipeline.New(r, pipeline.Config{Workers: c.Workers}, pipeline.WithLogger(app.logger))
		results, err = ing.Run(app.ctx, r.NewChunker(src))
		if err != nil {
			_ = r.Rollback()
			return err
		}
	}

	ids, total := pipeline.Manifest(results)
	r.SetArchive(c.Name, repo.Archive{
		CreatedAt: time.Now().UTC(),
		Chunks:    ids,
		Size:      total,
	})
	txn, err := r.Commit()
	if err != nil {
		return err
	}

	if cch != nil {
		if c.File != "" && !reused {
			if info, err := os.Stat(c.File); err == nil {
				_ = cch.PutFile(c.File, cache.FileFingerprint{
					Size:    info.Size(),
					ModTime: info.ModTime(),
					Chunks:  ids,
				})
			}
		}
		if _, err := cch.Reconcile(r); err != nil {
			app.logger.Warn("cache update failed", "error", err)
		}
	}

	var stored uint64
	var deduped int
	for _, res := range results {
		if res.Deduped {
			deduped++
			continue
		}
		stored += uint64(res.StoredSize)
	}
	app.logger.Info("archive stored",
		"name", c.Name,
		"txn", txn,
		"chunks", len(results),
		"deduped", deduped,
		"reused_fingerprint", reused,
		"bytes", total,
		"stored_bytes", stored,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// reuseFingerprint references the cached chunk list for an unchanged
// source file. All listed chunks must still be live; any gap falls
// back to rechunking.
func (c *backupCmd) reuseFingerprint(app *appCtx, r *repo.Repository, cch *cache.Cache) ([]repo.PutResult, bool, error) {
	if c.File == "" || cch == nil {
		return nil, false, nil
	}
	info, err := os.Stat(c.File)
	if err != nil {
		return nil, false, err
	}
	ids, err := cch.MatchFile(c.File, info.Size(), info.ModTime())
	if err != nil || ids == nil {
		return nil, false, nil
	}
	for _, id := range ids {
		if !r.HasChunk(id) {
			app.logger.Debug("cached chunk missing, rechunking", "id", id.ShortString())
			return nil, false, nil
		}
	}
	results := make([]repo.PutResult, 0, len(ids))
	for _, id := range ids {
		res, err := r.PutPrepared(id, nil, nil)
		if err != nil {
			_ = r.Rollback()
			return nil, false, err
		}
		results = append(results, res)
	}
	return results, true, nil
}

// openCache opens the repository's chunk cache and reconciles it with
// the log. Failures degrade to running without a cache.
func openCache(app *appCtx, r *repo.Repository) *cache.Cache {
	path := filepath.Join(app.cli.Repo, "cache.db")
	cch, err := cache.Open(path, cache.WithLogger(app.logger))
	if err != nil {
		app.logger.Warn("cache unavailable", "path", path, "error", err)
		return nil
	}
	res, err := cch.Reconcile(r)
	if err != nil {
		app.logger.Warn("cache reconcile failed", "error", err)
		_ = cch.Close()
		return nil
	}
	app.logger.Debug("cache reconciled", "mode", res.Mode.String(), "ops", res.OpsApplied, "txn", res.Txn)
	return cch
}

type restoreCmd struct {
	Name string `arg:"" help:"Archive name."`
	File string `help:"Destination file, stdout when omitted." optional:""`
}

func (c *restoreCmd) Run(app *appCtx) error {
	r, err := app.openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	archive, err := r.Archive(c.Name)
	if err != nil {
		return err
	}

	var dst io.Writer = os.Stdout
	if c.File != "" {
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		dst = f
	}

	for _, id := range archive.Chunks {
		if err := app.ctx.Err(); err != nil {
			return err
		}
		chunk, err := r.GetChunk(id)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", id.ShortString(), err)
		}
		if _, err := dst.Write(chunk); err != nil {
			return err
		}
	}
	app.logger.Info("archive restored", "name", c.Name, "chunks", len(archive.Chunks), "bytes", archive.Size)
	return nil
}

type listCmd struct{}

func (c *listCmd) Run(app *appCtx) error {
	r, err := app.openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	for _, name := range r.Archives() {
		archive, err := r.Archive(name)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d bytes\t%d chunks\t%s\n",
			name, archive.Size, len(archive.Chunks),
			archive.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

type checkCmd struct{}

func (c *checkCmd) Run(app *appCtx) error {
	r, err := app.openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	report, err := r.Check(app.ctx)
	if err != nil {
		return err
	}
	app.logger.Info("check complete",
		"entries", report.Entries,
		"chunks", report.Chunks,
		"damaged", len(report.Damaged),
		"index_drift", report.IndexDrift,
		"missing_refs", report.MissingRefs,
	)
	if !report.OK() {
		for _, id := range report.Damaged {
			app.logger.Error("damaged chunk", "id", id.String())
		}
		return fmt.Errorf("%d damaged chunks, %d index drift, %d missing references",
			len(report.Damaged), report.IndexDrift, report.MissingRefs)
	}
	return nil
}

type compactCmd struct{}

func (c *compactCmd) Run(app *appCtx) error {
	r, err := app.openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	res, err := r.Compact(app.ctx)
	if err != nil {
		return err
	}
	app.logger.Info("compaction complete",
		"live_chunks", res.LiveChunks,
		"bytes_before", res.BytesBefore,
		"bytes_after", res.BytesAfter,
		"reclaimed", res.BytesReclaimed,
		"duration", res.Duration.Round(time.Millisecond),
	)
	return nil
}

type serveCmd struct {
	Addr         string        `help:"Protocol listen address." default:":7463"`
	MetricsAddr  string        `help:"Prometheus metrics listen address, disabled when empty."`
	OTLPEndpoint string        `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LockTimeout  time.Duration `help:"How long to wait for the repository lock." default:"10s"`
}

// Run serves the segment log over TCP. The server works on encoded
// chunks only and never needs the repository secret.
func (c *serveCmd) Run(app *appCtx) error {
	root := app.cli.Repo
	logger := app.logger

	cfg, err := repo.LoadConfig(root)
	if err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(app.ctx, telemetry.MetricsConfig{
		ServiceName:      "dedup-store",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shCtx)
	}()

	lock, err := segment.AcquireLock(app.ctx, root, c.LockTimeout, logger)
	if err != nil {
		return err
	}
	defer lock.Release()

	segCfg := cfg.SegmentConfig()
	segCfg.Logger = logger
	st, report, err := segment.Open(root, segCfg)
	if err != nil {
		return err
	}
	if report.Truncated || report.InterruptedCompaction {
		logger.Info("repository recovered",
			"discarded_bytes", report.DiscardedBytes,
			"interrupted_compaction", report.InterruptedCompaction,
		)
	}

	store := remote.NewInstrumentedStore(remote.NewLocal(st, root))
	defer store.Close()

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		msrv := &http.Server{Addr: c.MetricsAddr, Handler: mux}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = msrv.Shutdown(shCtx)
		}()
		logger.Info("metrics listening", "addr", c.MetricsAddr)
	}

	srv := remote.NewServer(store, logger)
	err = srv.ListenAndServe(app.ctx, c.Addr)
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		logger.Info("shut down cleanly")
		return nil
	}
	return err
}

type breakLockCmd struct{}

func (c *breakLockCmd) Run(app *appCtx) error {
	info, err := segment.ReadLock(app.cli.Repo)
	if errors.Is(err, segment.ErrNotFound) {
		app.logger.Info("no lock present", "root", app.cli.Repo)
		return nil
	}
	if err == nil {
		app.logger.Warn("breaking lock",
			"owner", info.Owner,
			"hostname", info.Hostname,
			"pid", info.PID,
			"heartbeat_at", info.HeartbeatAt.Format(time.RFC3339),
		)
	}
	return segment.BreakLock(app.cli.Repo)
}
