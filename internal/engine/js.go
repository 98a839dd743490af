package engine

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"modernc.org/quickjs"

	"github.com/fruitsalade/cellbridge/internal/vfs"
	"github.com/fruitsalade/cellbridge/pkg/models"
)

//go:embed prelude.js
var preludeJS string

// cellWrap runs a cell as indirect eval code: var and function
// declarations land on the global object, let and const stay local to the
// cell, and the completion value is kept.
const cellWrap = `globalThis.__cell_value = (0, eval)(globalThis.__cell_src);`

func (e *Engine) startJS() (*quickjs.VM, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if e.cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(e.cfg.MemoryLimitMB) * 1024 * 1024)
	}
	if err := e.installHost(vm); err != nil {
		vm.Close()
		return nil, err
	}
	if err := evalDiscard(vm, preludeJS); err != nil {
		vm.Close()
		return nil, fmt.Errorf("running prelude: %w", err)
	}
	if err := evalDiscard(vm, "__seal_builtins()"); err != nil {
		vm.Close()
		return nil, err
	}
	e.log.Debug("interpreter started", zap.Int("memory_limit_mb", e.cfg.MemoryLimitMB))
	return vm, nil
}

// installHost registers the Go side of the prelude's console, fs, sql and
// registerFunction helpers.
func (e *Engine) installHost(vm *quickjs.VM) error {
	if err := vm.RegisterFunc("__console", func(level, msg string) {
		if level == "warn" || level == "error" {
			e.stderr.WriteString(msg)
			e.stderr.WriteByte('\n')
			return
		}
		e.stdout.WriteString(msg)
		e.stdout.WriteByte('\n')
	}, false); err != nil {
		return err
	}
	if err := vm.RegisterFunc("__fs_cwd", func() string { return e.cwd }, false); err != nil {
		return err
	}
	if err := vm.RegisterFunc("__fs_exists", func(p string) int {
		return boolToInt(e.fs.Exists(e.resolve(p)))
	}, false); err != nil {
		return err
	}

	funcs := []struct {
		name string
		fn   any
	}{
		{"__fs_read_text", func(p string) (string, error) {
			b, err := e.fs.ReadFile(e.ctx, e.resolve(p))
			return string(b), err
		}},
		{"__fs_read_b64", func(p string) (string, error) {
			b, err := e.fs.ReadFile(e.ctx, e.resolve(p))
			return base64.StdEncoding.EncodeToString(b), err
		}},
		{"__fs_write_text", func(p, text string) (int, error) {
			return len(text), e.fs.WriteFile(e.ctx, e.resolve(p), []byte(text))
		}},
		{"__fs_write_b64", func(p, data string) (int, error) {
			b, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return 0, err
			}
			return len(b), e.fs.WriteFile(e.ctx, e.resolve(p), b)
		}},
		{"__fs_list", func() (string, error) {
			entries := e.fs.Snapshot()
			out := make([]map[string]any, 0, len(entries))
			for _, f := range entries {
				out = append(out, map[string]any{
					"path":  vfs.Absolute(f.Path),
					"name":  f.Name,
					"size":  f.Size,
					"isDir": f.IsDir,
					"lazy":  f.Lazy,
				})
			}
			b, err := json.Marshal(out)
			return string(b), err
		}},
		{"__sql", func(query string) (string, error) {
			return e.sqlFromJS(query)
		}},
		{"__register_udf", func(name, params, returns string) (int, error) {
			var ps []string
			if err := json.Unmarshal([]byte(params), &ps); err != nil {
				return 0, err
			}
			return 1, e.registerUDF(name, ps, returns)
		}},
	}
	for _, f := range funcs {
		if err := registerGoFunc(vm, f.name, f.fn); err != nil {
			return fmt.Errorf("registering %s: %w", f.name, err)
		}
	}
	return nil
}

// valueDescription is what __describe_value reports about a completion value.
type valueDescription struct {
	Kind    string           `json:"kind"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Total   int64            `json:"total"`
	Display string           `json:"display"`
}

func (e *Engine) runJS(source string) (*models.ExecutionResult, error) {
	vm, err := e.ensureJS()
	if err != nil {
		return nil, err
	}
	res := &models.ExecutionResult{}

	if err := setGlobal(vm, "__cell_src", source); err != nil {
		return nil, err
	}
	if err := evalDiscard(vm, cellWrap); err != nil {
		res.Error = trimScriptError(err)
		e.takeFigure(vm, res)
		return res, nil
	}

	if err := e.registerFlagged(vm); err != nil {
		res.Error = trimScriptError(err)
	}

	desc, err := evalString(vm, fmt.Sprintf("__describe_value(globalThis.__cell_value, %d)", e.cfg.RowCap))
	_ = evalDiscard(vm, "globalThis.__cell_value = undefined; globalThis.__cell_src = undefined;")
	if err != nil {
		if res.Error == "" {
			res.Error = trimScriptError(err)
		}
		return res, nil
	}
	if err := applyDescription(res, desc); err != nil {
		return nil, err
	}
	e.takeFigure(vm, res)
	return res, nil
}

func applyDescription(res *models.ExecutionResult, desc string) error {
	var d valueDescription
	dec := json.NewDecoder(bytes.NewReader([]byte(desc)))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return fmt.Errorf("decoding cell value: %w", err)
	}
	switch d.Kind {
	case "table":
		res.Columns = d.Columns
		res.ResultRows = d.Rows
		if res.ResultRows == nil {
			res.ResultRows = []map[string]any{}
		}
		total := d.Total
		res.TotalRowCount = &total
	case "value":
		res.Value = d.Display
	}
	return nil
}

// registerFlagged exposes functions marked with fn.sql to the database.
func (e *Engine) registerFlagged(vm *quickjs.VM) error {
	flagged, err := evalInt(vm, `Object.getOwnPropertyNames(globalThis).filter(function (n) {
		var f = globalThis[n];
		return typeof f === 'function' && f.sql;
	}).length`)
	if err != nil || flagged == 0 {
		return err
	}
	if _, err := e.ensureDB(); err != nil {
		return err
	}
	return evalDiscard(vm, "__collect_flagged()")
}

func (e *Engine) takeFigure(vm *quickjs.VM, res *models.ExecutionResult) {
	raw, err := evalString(vm, "__take_figure()")
	if err != nil || raw == "" {
		return
	}
	var fig figure
	if err := json.Unmarshal([]byte(raw), &fig); err != nil {
		e.log.Debug("decode figure", zap.Error(err))
		return
	}
	img, err := renderFigure(fig, e.cfg.FigureWidth, e.cfg.FigureHeight)
	if err != nil {
		e.stderr.WriteString("figure: " + err.Error() + "\n")
		return
	}
	res.ImageBytes = img
}

func (e *Engine) listVariables(vm *quickjs.VM) ([]models.VariableInfo, error) {
	raw, err := evalString(vm, fmt.Sprintf("__list_vars(%d)", e.cfg.DisplayWidth))
	if err != nil {
		return nil, err
	}
	vars := []models.VariableInfo{}
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, fmt.Errorf("decoding variables: %w", err)
	}
	return vars, nil
}

// bindRecords sets a global to the parsed JSON array of records.
func bindRecords(vm *quickjs.VM, name, recordsJSON string) error {
	if err := setGlobal(vm, "__bind_json", recordsJSON); err != nil {
		return err
	}
	return evalDiscard(vm, fmt.Sprintf(
		"globalThis[%s] = JSON.parse(globalThis.__bind_json); delete globalThis.__bind_json;",
		strconv.Quote(name)))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func evalDiscard(vm *quickjs.VM, js string) error {
	v, err := vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func evalString(vm *quickjs.VM, js string) (string, error) {
	r, err := vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", nil
	}
	return fmt.Sprint(r), nil
}

func evalInt(vm *quickjs.VM, js string) (int, error) {
	r, err := vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := r.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", r)
	}
}

func setGlobal(vm *quickjs.VM, name string, value any) error {
	atom, err := vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// registerGoFunc registers f under a raw name and installs a JS wrapper
// that throws when the Go function returns a non-nil error.
func registerGoFunc(vm *quickjs.VM, name string, f any) error {
	rawName := "__raw_" + name
	if err := vm.RegisterFunc(rawName, f, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new Error(String(r[1]));
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, rawName)
	return evalDiscard(vm, wrapJS)
}
