package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"dpm-go/internal/archive"
	"dpm-go/internal/cache"
	"dpm-go/internal/config"
	"dpm-go/internal/database"
	"dpm-go/internal/dpm"
	"dpm-go/internal/encryption"
	"dpm-go/internal/fs"
	"dpm-go/internal/history"
	"dpm-go/internal/lock"
	"dpm-go/internal/remote"
	"dpm-go/internal/render"
	"dpm-go/internal/server"
	"dpm-go/internal/tracker"
)

// BackupFileName is the snapshot of the state database taken after every
// mutating operation, next to the database itself.
const BackupFileName = database.FileName + ".bak"

// DPMApp is the application layer between the CLI (or HTTP server) and
// DPMService. It constructs all dependencies from config, serializes access
// to the package through the package lock, keeps the render cache in step
// with mutations and manages the DB lifecycle on Close.
type DPMApp struct {
	cfg     *config.Config
	root    string
	db      dpm.Database
	service *dpm.DPMService
	lock    *lock.Store
	cache   cache.Cache
	logger  *slog.Logger
	logFile *os.File

	opMu sync.Mutex // the server mutates from many goroutines
	op   *Operation
}

var _ server.Backend = (*DPMApp)(nil)

// NewDPMApp creates a fully wired DPMApp for the package at root.
// operation identifies the command being run (e.g. "Sync", "Serve") and
// parameters its arguments, as recorded in the operation log.
// The caller must call Close when done.
func NewDPMApp(ctx context.Context, root string, cfg *config.Config, operation, parameters string) (*DPMApp, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving package root: %w", err)
	}

	opID := dpm.NewOperationID()
	logger, logFile, err := newLogger(cfg.LogDir, opID, slog.LevelWarn)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	closeLog := func() {
		if logFile != nil {
			logFile.Close()
		}
	}

	pkg, err := openPackage(ctx, root, cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	var original *dpm.Package
	if cfg.Package.TranslationOf != "" {
		original, err = openOriginal(ctx, root, cfg.Package.TranslationOf)
		if err != nil {
			closeLog()
			return nil, err
		}
	}

	rem, err := remote.NewRemoteFromConfig(cfg.Remote)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("creating remote: %w", err)
	}

	renderer, err := render.NewHTMLRenderer(cfg.Package.Language)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("creating renderer: %w", err)
	}

	c, err := cache.NewCacheFromConfig(ctx, cfg.Cache, cfg.Package.Name)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	lk, err := lock.New(filepath.Join(root, dpm.StateDir, lock.FileName))
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("creating package lock: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, root)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("creating database: %w", err)
	}

	svc := dpm.NewDPMService(pkg, original, db, rem, renderer, &slogAdapter{l: logger}, dpm.RealClock{})
	return &DPMApp{
		cfg:     cfg,
		root:    root,
		db:      db,
		service: svc,
		lock:    lk,
		cache:   c,
		logger:  logger,
		op:      NewOperation(operation, parameters),
		logFile: logFile,
	}, nil
}

// NewDPMAppFromComponents creates a DPMApp around an existing service.
// Used by tests and by callers that assemble their own stores.
func NewDPMAppFromComponents(cfg *config.Config, root string, db dpm.Database, svc *dpm.DPMService, lk *lock.Store, c cache.Cache, logger *slog.Logger, operation string) *DPMApp {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if c == nil {
		c = cache.NoCache{}
	}
	if lk == nil {
		lk = lock.NewInProcess()
	}
	return &DPMApp{
		cfg:     cfg,
		root:    root,
		db:      db,
		service: svc,
		lock:    lk,
		cache:   c,
		logger:  logger,
		op:      NewOperation(operation, ""),
	}
}

// openPackage assembles the stores of the package at root.
func openPackage(ctx context.Context, root string, cfg *config.Config) (*dpm.Package, error) {
	files, err := fs.NewPackageFS(root, cfg.Filesystem.Ignore)
	if err != nil {
		return nil, fmt.Errorf("opening package %s: %w", root, err)
	}

	var (
		enc dpm.Encryptor
		dec dpm.DecryptionContext
	)
	if cfg.Archive.Encrypted {
		if enc, err = encryption.NewEncryptorFromConfig(cfg.Encryption); err != nil {
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
		if !enc.IsConfigured() {
			return nil, &dpm.UsageError{Message: "encryption keys are not set up: run dpm init"}
		}
		passphrase, err := GetPassphrase()
		if err != nil {
			return nil, err
		}
		if dec, err = enc.Unlock(passphrase); err != nil {
			return nil, fmt.Errorf("unlocking private key: %w", err)
		}
	}

	arch, err := archive.NewArchiveFromConfig(ctx, cfg.Archive, files, enc, dec)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	return &dpm.Package{
		Name:      cfg.Package.Name,
		Language:  cfg.Package.Language,
		Files:     files,
		Snapshots: history.NewStore(files, arch),
		Tracks:    tracker.NewFileTrackStore(files),
	}, nil
}

// openOriginal opens the package a translation package translates. dir is
// relative to root unless absolute.
func openOriginal(ctx context.Context, root, dir string) (*dpm.Package, error) {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	cfg, err := config.ReadFromRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("reading config of original package: %w", err)
	}
	pkg, err := openPackage(ctx, dir, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening original package: %w", err)
	}
	return pkg, nil
}

// InitPackage creates a new package at root: its DPM.toml, state database
// and, for encrypted archives, the key pair protected by passphrase.
func InitPackage(root string, cfg *config.Config, passphrase string) error {
	if err := config.Init(filepath.Join(root, config.FileName), cfg); err != nil {
		return err
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, root)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}

	if !cfg.Archive.Encrypted {
		return nil
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc.IsConfigured() {
		return nil
	}
	if err := enc.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up encryption: %w", err)
	}
	return nil
}

// Root returns the absolute package root.
func (a *DPMApp) Root() string { return a.root }

// Config returns the package configuration.
func (a *DPMApp) Config() *config.Config { return a.cfg }

// Service returns the underlying service.
func (a *DPMApp) Service() *dpm.DPMService { return a.service }

// persistOperation saves the operation to the database, giving it an auto-increment ID.
// This should only be called for mutating commands.
func (a *DPMApp) persistOperation() error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if a.op.Persisted() {
		return nil // already persisted
	}
	dbOp, err := a.db.CreateOperation(a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// mutate runs fn holding the package lock exclusively, then drops every
// cached page. The cache is cleared even when fn fails: a conflicted sync
// still commits. A failing fn marks the operation failed.
func (a *DPMApp) mutate(ctx context.Context, fn func() error) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	err := a.lock.Write(ctx, func() error {
		err := fn()
		if cerr := a.cache.Clear(ctx); cerr != nil && err == nil {
			return fmt.Errorf("clearing render cache: %w", cerr)
		}
		return err
	})
	if err != nil {
		a.opMu.Lock()
		a.op.Fail()
		a.opMu.Unlock()
	}
	return err
}

func (a *DPMApp) read(ctx context.Context, fn func() error) error {
	return a.lock.Read(ctx, fn)
}

// ResolvePath maps a path given on the command line (absolute, or relative
// to the working directory) to a package path.
func (a *DPMApp) ResolvePath(raw string) (string, error) {
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	rel, err := filepath.Rel(a.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &dpm.UsageError{Message: fmt.Sprintf("%s is outside the package at %s", raw, a.root)}
	}
	return dpm.CleanPath(filepath.ToSlash(rel))
}

func (a *DPMApp) resolvePaths(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		p, err := a.ResolvePath(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Workspace operations

// Status returns the state of the given files, or of every known file.
func (a *DPMApp) Status(ctx context.Context, rawPaths []string) ([]*dpm.FileStatus, error) {
	files, err := a.resolvePaths(rawPaths)
	if err != nil {
		return nil, err
	}
	var result []*dpm.FileStatus
	err = a.read(ctx, func() error {
		result, err = a.service.Status(ctx, files)
		return err
	})
	return result, err
}

// Diff returns the pending main-workspace changes of the given files.
func (a *DPMApp) Diff(ctx context.Context, rawPaths []string) ([]*dpm.FileDiff, error) {
	files, err := a.resolvePaths(rawPaths)
	if err != nil {
		return nil, err
	}
	var result []*dpm.FileDiff
	err = a.read(ctx, func() error {
		result, err = a.service.Diff(ctx, files)
		return err
	})
	return result, err
}

// Add marks a file as added, in the main workspace or a CR.
func (a *DPMApp) Add(ctx context.Context, rawPath string, cr *int64) error {
	file, err := a.ResolvePath(rawPath)
	if err != nil {
		return err
	}
	return a.mutate(ctx, func() error { return a.service.Add(ctx, file, cr) })
}

// Remove deletes a file and records the deletion.
func (a *DPMApp) Remove(ctx context.Context, rawPath string, cr *int64) error {
	file, err := a.ResolvePath(rawPath)
	if err != nil {
		return err
	}
	return a.mutate(ctx, func() error { return a.service.Remove(ctx, file, cr) })
}

// RevertPath restores a file from a command-line path. Revert is the
// package-path form used by the server.
func (a *DPMApp) RevertPath(ctx context.Context, rawPath string, cr *int64) error {
	file, err := a.ResolvePath(rawPath)
	if err != nil {
		return err
	}
	return a.Revert(ctx, file, cr)
}

// Revert restores a file to its latest committed version.
func (a *DPMApp) Revert(ctx context.Context, file string, cr *int64) error {
	return a.mutate(ctx, func() error { return a.service.Revert(ctx, file, cr) })
}

// EditPath starts editing a file from a command-line path inside a CR.
func (a *DPMApp) EditPath(ctx context.Context, rawPath string, cr int64) error {
	file, err := a.ResolvePath(rawPath)
	if err != nil {
		return err
	}
	return a.Edit(ctx, file, cr)
}

// Edit copies a file into a CR's workspace.
func (a *DPMApp) Edit(ctx context.Context, file string, cr int64) error {
	return a.mutate(ctx, func() error { return a.service.Edit(ctx, file, cr) })
}

// Sync operations

// Sync pushes pending changes and fast-forwards from the remote. On
// conflicts both the partial result and a *dpm.ConflictError are returned.
func (a *DPMApp) Sync(ctx context.Context, rawPaths []string) (*dpm.SyncResult, error) {
	files, err := a.resolvePaths(rawPaths)
	if err != nil {
		return nil, err
	}
	var result *dpm.SyncResult
	err = a.mutate(ctx, func() error {
		result, err = a.service.Sync(ctx, files)
		return err
	})
	return result, err
}

// ResolveConflict settles a conflicted file. ResolvePrint only reads.
func (a *DPMApp) ResolveConflict(ctx context.Context, rawPath string, choice dpm.ResolveChoice) (*dpm.Resolution, error) {
	file, err := a.ResolvePath(rawPath)
	if err != nil {
		return nil, err
	}
	var result *dpm.Resolution
	run := func() error {
		result, err = a.service.ResolveConflict(ctx, file, choice)
		return err
	}
	if choice == dpm.ResolvePrint {
		err = a.read(ctx, run)
	} else {
		err = a.mutate(ctx, run)
	}
	return result, err
}

// Change requests

func (a *DPMApp) CreateCR(ctx context.Context, title *string) (*dpm.ChangeRequest, error) {
	var cr *dpm.ChangeRequest
	err := a.mutate(ctx, func() error {
		var err error
		cr, err = a.service.CreateCR(ctx, title)
		return err
	})
	return cr, err
}

func (a *DPMApp) CloseCR(ctx context.Context, id int64) error {
	return a.mutate(ctx, func() error { return a.service.CloseCR(ctx, id) })
}

func (a *DPMApp) ListCRs(ctx context.Context) ([]*dpm.ChangeRequestInfo, error) {
	var result []*dpm.ChangeRequestInfo
	err := a.read(ctx, func() error {
		var err error
		result, err = a.service.ListCRs(ctx)
		return err
	})
	return result, err
}

// Tracking

func (a *DPMApp) StartTracking(ctx context.Context, rawSource, rawTarget string) error {
	source, target, err := a.resolvePair(rawSource, rawTarget)
	if err != nil {
		return err
	}
	return a.mutate(ctx, func() error { return a.service.StartTracking(ctx, source, target) })
}

func (a *DPMApp) StopTracking(ctx context.Context, rawSource, rawTarget string) error {
	source, target, err := a.resolvePair(rawSource, rawTarget)
	if err != nil {
		return err
	}
	return a.mutate(ctx, func() error { return a.service.StopTracking(ctx, source, target) })
}

// MarkUpToDate records that target (or, in a translation package, the
// translation of source) has caught up with source's latest version.
func (a *DPMApp) MarkUpToDate(ctx context.Context, rawSource string, rawTarget *string) error {
	source, err := a.ResolvePath(rawSource)
	if err != nil {
		return err
	}
	var target *string
	if rawTarget != nil {
		t, err := a.ResolvePath(*rawTarget)
		if err != nil {
			return err
		}
		target = &t
	}
	return a.mutate(ctx, func() error { return a.service.MarkUpToDate(ctx, source, target) })
}

func (a *DPMApp) resolvePair(rawSource, rawTarget string) (string, string, error) {
	source, err := a.ResolvePath(rawSource)
	if err != nil {
		return "", "", err
	}
	target, err := a.ResolvePath(rawTarget)
	if err != nil {
		return "", "", err
	}
	return source, target, nil
}

// Translation

func (a *DPMApp) TranslationStatus(ctx context.Context) (map[string]dpm.TranslatedDocument, error) {
	var result map[string]dpm.TranslatedDocument
	err := a.read(ctx, func() error {
		var err error
		result, err = a.service.TranslationStatus(ctx)
		return err
	})
	return result, err
}

// TranslationDiff returns the escaped diff of the original behind an
// outdated translation.
func (a *DPMApp) TranslationDiff(ctx context.Context, d *dpm.Outdated) (string, error) {
	var diff string
	err := a.read(ctx, func() error {
		var err error
		diff, err = a.service.TranslationDiff(ctx, d)
		return err
	})
	return diff, err
}

// Build renders the package into its build directory. Empty fields of
// opts are filled from the [build] config.
func (a *DPMApp) Build(ctx context.Context, opts dpm.BuildOptions) (*dpm.BuildResult, error) {
	files, err := a.resolvePaths(opts.Files)
	if err != nil {
		return nil, err
	}
	opts.Files = files
	if opts.BaseURL == "" {
		opts.BaseURL = a.cfg.Build.BaseURL
	}
	if opts.Workers <= 0 {
		opts.Workers = a.cfg.Build.Workers
	}
	var result *dpm.BuildResult
	err = a.lock.Write(ctx, func() error {
		result, err = a.service.Build(ctx, opts)
		return err
	})
	return result, err
}

// GetHistory returns the most recent operations.
func (a *DPMApp) GetHistory(limit int) ([]*dpm.Operation, error) {
	return a.service.GetHistory(limit)
}

// Server backend

// cachedPage is the cache encoding of a dpm.Rendered.
type cachedPage struct {
	Filename string `json:"filename"`
	Static   bool   `json:"static"`
	Body     []byte `json:"body"`
}

// RenderFile renders a request path for the server, through the cache.
func (a *DPMApp) RenderFile(ctx context.Context, urlPath string) (*dpm.Rendered, error) {
	return a.cachedRender(ctx, "main:"+urlPath, func() (*dpm.Rendered, error) {
		return a.service.RenderFile(ctx, urlPath, a.baseURL())
	})
}

// RenderCRFile renders a request path as seen from inside a CR.
func (a *DPMApp) RenderCRFile(ctx context.Context, cr int64, urlPath string) (*dpm.Rendered, error) {
	key := "cr:" + strconv.FormatInt(cr, 10) + ":" + urlPath
	return a.cachedRender(ctx, key, func() (*dpm.Rendered, error) {
		return a.service.RenderCRFile(ctx, cr, urlPath, a.baseURL())
	})
}

func (a *DPMApp) cachedRender(ctx context.Context, key string, fn func() (*dpm.Rendered, error)) (*dpm.Rendered, error) {
	var result *dpm.Rendered
	err := a.read(ctx, func() error {
		data, ok, err := a.cache.Get(ctx, key)
		if err != nil {
			a.logger.Warn("cache read failed", "key", key, "error", err)
		} else if ok {
			var page cachedPage
			if err := json.Unmarshal(data, &page); err == nil {
				result = &dpm.Rendered{Filename: page.Filename, Static: page.Static, Body: page.Body}
				return nil
			}
			a.logger.Warn("discarding undecodable cache entry", "key", key)
		}

		if result, err = fn(); err != nil {
			return err
		}
		data, err = json.Marshal(cachedPage{Filename: result.Filename, Static: result.Static, Body: result.Body})
		if err != nil {
			return fmt.Errorf("encoding cache entry: %w", err)
		}
		if err := a.cache.Set(ctx, key, data); err != nil {
			a.logger.Warn("cache write failed", "key", key, "error", err)
		}
		return nil
	})
	return result, err
}

func (a *DPMApp) baseURL() string {
	if a.cfg.Build.BaseURL == "" {
		return "/"
	}
	return a.cfg.Build.BaseURL
}

func (a *DPMApp) ViewSource(ctx context.Context, p string) ([]byte, error) {
	var data []byte
	err := a.read(ctx, func() error {
		var err error
		data, err = a.service.ViewSource(ctx, p)
		return err
	})
	return data, err
}

func (a *DPMApp) ClearCache(ctx context.Context) error {
	return a.lock.Write(ctx, func() error { return a.cache.Clear(ctx) })
}

func (a *DPMApp) Manifest(ctx context.Context) (map[string]dpm.FileEdit, error) {
	var manifest map[string]dpm.FileEdit
	err := a.read(ctx, func() error {
		var err error
		manifest, err = a.service.Manifest(ctx)
		return err
	})
	return manifest, err
}

func (a *DPMApp) ReadAt(ctx context.Context, file string, version dpm.Version) ([]byte, error) {
	var data []byte
	err := a.read(ctx, func() error {
		var err error
		data, err = a.service.ReadAt(ctx, file, version)
		return err
	})
	return data, err
}

// Commit applies changes pushed by a client syncing against this package.
func (a *DPMApp) Commit(ctx context.Context, changes []dpm.Change) (map[string]dpm.Version, error) {
	var versions map[string]dpm.Version
	err := a.mutate(ctx, func() error {
		var err error
		versions, err = a.service.Commit(ctx, changes)
		return err
	})
	return versions, err
}

// Serve runs the HTTP server on the configured address until ctx is done.
func (a *DPMApp) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.Server.Bind, strconv.Itoa(a.cfg.Server.Port))
	a.logger.Info("serving package", "package", a.cfg.Package.Name, "addr", addr)
	return server.New(a, a.logger).ListenAndServe(ctx, addr)
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record and snapshots the
// database next to itself. For non-persisted operations: just closes the
// database.
func (a *DPMApp) Close() error {
	var errs []error

	if a.op.Persisted() {
		if err := a.db.FinishOperation(a.op.ID, a.op.Status); err != nil {
			errs = append(errs, fmt.Errorf("finishing operation: %w", err))
		}
		if err := a.backupDatabase(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	if closer, ok := a.cache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing cache: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// backupDatabase snapshots a file-backed database to BackupFileName. The
// snapshot is written to a temp file first so a failed backup never
// replaces a good one.
func (a *DPMApp) backupDatabase() error {
	sdb, ok := a.db.(*database.SQLiteDatabase)
	if !ok || sdb.Path() == ":memory:" {
		return nil
	}
	dest := filepath.Join(filepath.Dir(sdb.Path()), BackupFileName)
	tmp := dest + ".tmp"
	os.Remove(tmp)
	if err := sdb.BackupTo(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing database backup: %w", err)
	}
	return nil
}
