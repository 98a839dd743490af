// Package engine runs notebook cells. One engine owns one QuickJS
// interpreter and one SQLite connection, both created lazily on first use.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"modernc.org/quickjs"

	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/metrics"
	"github.com/fruitsalade/cellbridge/internal/vfs"
	"github.com/fruitsalade/cellbridge/pkg/models"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

// Config sizes the engine.
type Config struct {
	RowCap        int
	MemoryLimitMB int
	DisplayWidth  int
	FigureWidth   int
	FigureHeight  int
}

func (c *Config) applyDefaults() {
	if c.RowCap <= 0 {
		c.RowCap = 500
	}
	if c.DisplayWidth <= 0 {
		c.DisplayWidth = 100
	}
	if c.FigureWidth <= 0 {
		c.FigureWidth = 640
	}
	if c.FigureHeight <= 0 {
		c.FigureHeight = 400
	}
}

// Engine executes JavaScript and SQL cells against a FileSystem.
//
// Run and Introspect are serialized. Go callbacks invoked from the
// interpreter run on the goroutine that holds the run lock, so they read
// the per-call state without further locking.
type Engine struct {
	id  string
	cfg Config
	fs  FileSystem
	log *zap.Logger

	group singleflight.Group

	mu     sync.Mutex // guards the fields below
	vm     *quickjs.VM
	db     *sqlite3.Conn
	jsErr  error
	dbErr  error
	closed bool

	run    sync.Mutex
	ctx    context.Context
	stdout strings.Builder
	stderr strings.Builder
	cwd    string

	udfs     map[string]*udf
	udfSeq   int64
	attached map[string]string
}

// New returns an engine with nothing started yet.
func New(cfg Config, fs FileSystem) *Engine {
	cfg.applyDefaults()
	return &Engine{
		id:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		cfg:      cfg,
		fs:       fs,
		log:      logging.Named("engine"),
		ctx:      context.Background(),
		cwd:      vfs.Root,
		udfs:     make(map[string]*udf),
		attached: make(map[string]string),
	}
}

// Init starts the interpreter. Concurrent callers share one start-up and a
// failure is returned to every later caller.
func (e *Engine) Init(ctx context.Context) error {
	_, err := e.ensureJS()
	return err
}

// InitDB starts the database connection.
func (e *Engine) InitDB(ctx context.Context) error {
	_, err := e.ensureDB()
	return err
}

func (e *Engine) ensureJS() (*quickjs.VM, error) {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return nil, ErrClosed
	case e.vm != nil:
		vm := e.vm
		e.mu.Unlock()
		return vm, nil
	case e.jsErr != nil:
		err := e.jsErr
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	v, err, _ := e.group.Do("js", func() (any, error) {
		vm, err := e.startJS()
		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			e.jsErr = &InitializationError{Component: "interpreter", Err: err}
			return nil, e.jsErr
		}
		e.vm = vm
		return vm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*quickjs.VM), nil
}

func (e *Engine) ensureDB() (*sqlite3.Conn, error) {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return nil, ErrClosed
	case e.db != nil:
		db := e.db
		e.mu.Unlock()
		return db, nil
	case e.dbErr != nil:
		err := e.dbErr
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	v, err, _ := e.group.Do("db", func() (any, error) {
		db, err := e.startDB()
		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			e.dbErr = &InitializationError{Component: "database", Err: err}
			return nil, e.dbErr
		}
		e.db = db
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sqlite3.Conn), nil
}

// started reports the running interpreter and connection, either may be nil.
func (e *Engine) started() (*quickjs.VM, *sqlite3.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm, e.db
}

// SetWorkingDir sets the directory relative paths resolve against.
func (e *Engine) SetWorkingDir(dir string) error {
	rel, err := vfs.Normalize(dir)
	if err != nil {
		return err
	}
	e.run.Lock()
	e.cwd = vfs.Absolute(rel)
	e.run.Unlock()
	return nil
}

func (e *Engine) resolve(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return strings.TrimSuffix(e.cwd, "/") + "/" + p
}

// Run executes one cell. User code failures are reported in the result's
// Error field; the returned error is reserved for start-up failures, query
// errors and unknown languages.
func (e *Engine) Run(ctx context.Context, lang, source, viewName string) (*models.ExecutionResult, error) {
	e.run.Lock()
	defer e.run.Unlock()

	e.ctx = ctx
	e.stdout.Reset()
	e.stderr.Reset()
	defer func() { e.ctx = context.Background() }()

	start := time.Now()
	held := e.prefetch(ctx, source)
	defer func() {
		for _, p := range held {
			e.fs.ReleaseFile(p)
		}
	}()

	var (
		res *models.ExecutionResult
		err error
	)
	switch lang {
	case protocol.LangJS:
		res, err = e.runJS(source)
	case protocol.LangSQL:
		res, err = e.runSQL(source, viewName)
	default:
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
	if err != nil {
		metrics.RecordExecution(lang, time.Since(start), false)
		return nil, err
	}
	res.Stdout = e.stdout.String()
	res.Stderr = e.stderr.String()
	res.Duration = time.Since(start)
	metrics.RecordExecution(lang, res.Duration, res.Error == "")
	return res, nil
}

// Introspect answers a tables, functions or variables query. Before the
// relevant component has started it returns an empty result.
func (e *Engine) Introspect(ctx context.Context, kind string) (*models.IntrospectResult, error) {
	e.run.Lock()
	defer e.run.Unlock()

	vm, db := e.started()
	out := &models.IntrospectResult{}
	switch kind {
	case protocol.IntrospectTables:
		if db == nil {
			out.Tables = []models.TableSchema{}
			return out, nil
		}
		tables, err := listTables(db)
		if err != nil {
			return nil, newEngineError(err)
		}
		out.Tables = tables
	case protocol.IntrospectFunctions:
		out.Functions = e.functionInfos()
	case protocol.IntrospectVariables:
		if vm == nil {
			out.Variables = []models.VariableInfo{}
			return out, nil
		}
		vars, err := e.listVariables(vm)
		if err != nil {
			return nil, err
		}
		out.Variables = vars
	default:
		return nil, fmt.Errorf("unknown introspection kind %q", kind)
	}
	return out, nil
}

// Close releases everything. A cell still running is interrupted.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.vm != nil {
		e.vm.Interrupt()
	}
	e.mu.Unlock()

	e.run.Lock()
	defer e.run.Unlock()

	e.mu.Lock()
	vm, db := e.vm, e.db
	e.vm, e.db = nil, nil
	e.jsErr, e.dbErr = nil, nil
	e.closed = true
	e.mu.Unlock()

	e.udfs = make(map[string]*udf)
	e.detachAll(db)
	if db != nil {
		if err := db.Close(); err != nil {
			e.log.Debug("close database", zap.Error(err))
		}
	}
	if vm != nil {
		vm.Close()
	}
	return nil
}
