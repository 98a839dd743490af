package engine

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ncruces/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/pkg/models"
)

// SQL scalar types a user function can declare.
const (
	typeInteger = "INTEGER"
	typeReal    = "REAL"
	typeText    = "TEXT"
	typeBoolean = "BOOLEAN"
	typeBlob    = "BLOB"
)

var typeAliases = map[string]string{
	"int":     typeInteger,
	"integer": typeInteger,
	"bigint":  typeInteger,
	"float":   typeReal,
	"double":  typeReal,
	"number":  typeReal,
	"real":    typeReal,
	"str":     typeText,
	"string":  typeText,
	"text":    typeText,
	"varchar": typeText,
	"bool":    typeBoolean,
	"boolean": typeBoolean,
	"bytes":   typeBlob,
	"blob":    typeBlob,
}

// parseType maps an annotation to a SQL type. Unknown or empty annotations
// are TEXT.
func parseType(annotation string) (sqlType string, nullable bool) {
	t := strings.ToLower(strings.TrimSpace(annotation))
	switch {
	case strings.HasSuffix(t, "?"):
		t, nullable = strings.TrimSuffix(t, "?"), true
	case strings.HasPrefix(t, "optional[") && strings.HasSuffix(t, "]"):
		t, nullable = t[len("optional["):len(t)-1], true
	case strings.Contains(t, "|"):
		var rest []string
		for _, part := range strings.Split(t, "|") {
			part = strings.TrimSpace(part)
			if part == "null" || part == "none" || part == "undefined" {
				nullable = true
				continue
			}
			rest = append(rest, part)
		}
		t = strings.Join(rest, "|")
	}
	if mapped, ok := typeAliases[strings.TrimSpace(t)]; ok {
		return mapped, nullable
	}
	return typeText, nullable
}

type udf struct {
	info   models.FunctionInfo
	params []string
	ret    string
}

// registerUDF (re-)registers a JavaScript function with the database under
// name. A previous registration with a different arity is replaced by a
// stub that reports the redefinition.
func (e *Engine) registerUDF(name string, params []string, returns string) error {
	if name == "" {
		return errors.New("function name is required")
	}
	db, err := e.ensureDB()
	if err != nil {
		return err
	}

	f := &udf{params: make([]string, len(params))}
	for i, p := range params {
		f.params[i], _ = parseType(p)
	}
	ret, nullable := parseType(returns)
	f.ret = ret

	if prev, ok := e.udfs[name]; ok && len(prev.params) != len(params) {
		stale := len(prev.params)
		if err := db.CreateFunction(name, stale, 0, func(ctx sqlite3.Context, _ ...sqlite3.Value) {
			ctx.ResultError(fmt.Errorf("%s was redefined to take %d arguments", name, len(params)))
		}); err != nil {
			return newEngineError(err)
		}
	}

	if err := db.CreateFunction(name, len(params), 0, e.invoker(name, f, nullable)); err != nil {
		return newEngineError(err)
	}

	e.udfSeq++
	f.info = models.FunctionInfo{
		Name:       name,
		Params:     f.params,
		Returns:    ret,
		Nullable:   nullable,
		Registered: e.udfSeq,
	}
	e.udfs[name] = f
	e.log.Debug("registered function", zap.String("name", name), zap.Strings("params", f.params), zap.String("returns", ret))
	return nil
}

func (e *Engine) invoker(name string, f *udf, nullable bool) sqlite3.ScalarFunction {
	call := fmt.Sprintf("__udf_invoke(%s, %%s)", strconv.Quote(name))
	return func(ctx sqlite3.Context, args ...sqlite3.Value) {
		vals := make([]any, len(args))
		for i, a := range args {
			if a.Type() == sqlite3.NULL {
				if !nullable {
					ctx.ResultNull()
					return
				}
				continue
			}
			vals[i] = argValue(a, f.params[i])
		}
		payload, err := json.Marshal(vals)
		if err != nil {
			ctx.ResultError(err)
			return
		}
		vm, _ := e.started()
		if vm == nil {
			ctx.ResultError(fmt.Errorf("%s: interpreter is not running", name))
			return
		}
		out, err := evalString(vm, fmt.Sprintf(call, strconv.Quote(string(payload))))
		if err != nil {
			ctx.ResultError(errors.New(trimScriptError(err)))
			return
		}
		setResult(ctx, f.ret, out)
	}
}

func argValue(a sqlite3.Value, typ string) any {
	switch typ {
	case typeInteger:
		return a.Int64()
	case typeReal:
		return a.Float()
	case typeBoolean:
		return a.Int64() != 0
	case typeBlob:
		return map[string]string{"__bytes": base64.StdEncoding.EncodeToString(a.Blob(nil))}
	}
	switch a.Type() {
	case sqlite3.INTEGER:
		return a.Int64()
	case sqlite3.FLOAT:
		return a.Float()
	}
	return a.Text()
}

// setResult converts the function's JSON-encoded return value to typ.
func setResult(ctx sqlite3.Context, typ, out string) {
	var v any
	dec := json.NewDecoder(strings.NewReader(out))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		ctx.ResultError(fmt.Errorf("decoding result: %w", err))
		return
	}
	if v == nil {
		ctx.ResultNull()
		return
	}
	if m, ok := v.(map[string]any); ok {
		if s, ok := m["__bytes"].(string); ok {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				ctx.ResultError(err)
				return
			}
			if typ == typeText {
				ctx.ResultText(string(b))
			} else {
				ctx.ResultBlob(b)
			}
			return
		}
	}

	switch typ {
	case typeInteger:
		switch x := v.(type) {
		case json.Number:
			if i, err := x.Int64(); err == nil {
				ctx.ResultInt64(i)
				return
			}
			f, _ := x.Float64()
			ctx.ResultInt64(int64(f))
		case bool:
			ctx.ResultInt64(int64(boolToInt(x)))
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				ctx.ResultError(fmt.Errorf("cannot convert %q to INTEGER", x))
				return
			}
			ctx.ResultInt64(i)
		default:
			ctx.ResultError(fmt.Errorf("cannot convert %T to INTEGER", v))
		}
	case typeReal:
		switch x := v.(type) {
		case json.Number:
			f, _ := x.Float64()
			ctx.ResultFloat(f)
		case bool:
			ctx.ResultFloat(float64(boolToInt(x)))
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				ctx.ResultError(fmt.Errorf("cannot convert %q to REAL", x))
				return
			}
			ctx.ResultFloat(f)
		default:
			ctx.ResultError(fmt.Errorf("cannot convert %T to REAL", v))
		}
	case typeBoolean:
		ctx.ResultInt64(int64(boolToInt(truthy(v))))
	case typeBlob:
		switch x := v.(type) {
		case string:
			ctx.ResultBlob([]byte(x))
		case []any:
			b := make([]byte, len(x))
			for i, n := range x {
				if num, ok := n.(json.Number); ok {
					iv, _ := num.Int64()
					b[i] = byte(iv)
				}
			}
			ctx.ResultBlob(b)
		default:
			ctx.ResultError(fmt.Errorf("cannot convert %T to BLOB", v))
		}
	default:
		switch x := v.(type) {
		case string:
			ctx.ResultText(x)
		case json.Number:
			ctx.ResultText(x.String())
		case bool:
			ctx.ResultText(strconv.FormatBool(x))
		default:
			b, _ := json.Marshal(x)
			ctx.ResultText(string(b))
		}
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case json.Number:
		f, _ := x.Float64()
		return f != 0
	case string:
		return x != ""
	case nil:
		return false
	}
	return true
}

// functionInfos lists registered functions in registration order.
func (e *Engine) functionInfos() []models.FunctionInfo {
	out := make([]models.FunctionInfo, 0, len(e.udfs))
	for _, f := range e.udfs {
		out = append(out, f.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Registered < out[j].Registered })
	return out
}
