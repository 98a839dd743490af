package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/vfs/readervfs"
	"go.uber.org/zap"
)

// quotedLiteral matches a single-quoted SQL string literal.
var quotedLiteral = regexp.MustCompile(`'((?:[^']|'')+)'`)

// fileLiterals returns the distinct quoted literals in src that name a file
// with one of the known extensions.
func fileLiterals(src string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range quotedLiteral.FindAllStringSubmatch(src, -1) {
		lit := strings.ReplaceAll(m[1], "''", "'")
		if seen[lit] || fileKind(lit) == "" {
			continue
		}
		seen[lit] = true
		out = append(out, lit)
	}
	return out
}

func fileKind(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".csv":
		return "csv"
	case ".tsv":
		return "tsv"
	case ".json":
		return "json"
	case ".jsonl", ".ndjson":
		return "jsonl"
	case ".db", ".sqlite", ".sqlite3":
		return "db"
	}
	return ""
}

// loadReferencedFiles loads text data files into temp tables and attaches
// database files, each under the literal that referenced it. Literals that
// name no existing file are left alone.
func (e *Engine) loadReferencedFiles(db *sqlite3.Conn, src string) error {
	for _, lit := range fileLiterals(src) {
		p := e.resolve(lit)
		if !e.fs.Exists(p) {
			continue
		}
		var err error
		switch kind := fileKind(lit); kind {
		case "db":
			err = e.attach(db, lit, p)
		default:
			err = e.loadTable(db, lit, p, kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type columnClass int

const (
	classNull columnClass = iota
	classInt
	classReal
	classText
)

func (c columnClass) decl() string {
	switch c {
	case classInt:
		return "INTEGER"
	case classReal:
		return "REAL"
	}
	return "TEXT"
}

func widen(a, b columnClass) columnClass {
	switch {
	case a == classNull:
		return b
	case b == classNull || a == b:
		return a
	case (a == classInt && b == classReal) || (a == classReal && b == classInt):
		return classReal
	}
	return classText
}

func (e *Engine) loadTable(db *sqlite3.Conn, name, p, kind string) error {
	data, err := e.fs.ReadFile(e.ctx, p)
	if err != nil {
		return err
	}
	var (
		cols []string
		rows [][]any
	)
	switch kind {
	case "csv", "tsv":
		cols, rows, err = parseDelimited(data, kind == "tsv")
	case "json":
		cols, rows, err = parseJSON(data)
	case "jsonl":
		cols, rows, err = parseJSONLines(data)
	}
	if err != nil {
		return &EngineError{Message: fmt.Sprintf("cannot load %s: %v", name, err), Err: err}
	}
	if err := createTable(db, name, cols, rows); err != nil {
		return newEngineError(err)
	}
	e.log.Debug("loaded file table", zap.String("table", name), zap.Int("rows", len(rows)))
	return nil
}

func parseDelimited(data []byte, tabs bool) ([]string, [][]any, error) {
	r := csv.NewReader(bufio.NewReader(bytes.NewReader(data)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	if tabs {
		r.Comma = '\t'
	}
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, errors.New("empty file")
	}
	if err != nil {
		return nil, nil, err
	}
	cols := uniqueColumns(header)
	var rows [][]any
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		row := make([]any, len(cols))
		for i := range cols {
			if i < len(rec) {
				row[i] = inferScalar(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return cols, rows, nil
}

// inferScalar turns a delimited field into an int64, float64, string or
// nil for an empty field.
func inferScalar(s string) any {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f
	}
	return s
}

func uniqueColumns(names []string) []string {
	out := make([]string, len(names))
	seen := map[string]int{}
	for i, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			n = fmt.Sprintf("column%d", i+1)
		}
		if c := seen[n]; c > 0 {
			seen[n] = c + 1
			n = fmt.Sprintf("%s_%d", n, c+1)
		} else {
			seen[n] = 1
		}
		out[i] = n
	}
	return out
}

// record is a JSON object with its keys in document order.
type record struct {
	keys   []string
	values map[string]any
}

func readRecord(dec *json.Decoder) (record, error) {
	rec := record{values: map[string]any{}}
	tok, err := dec.Token()
	if err != nil {
		return rec, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return rec, fmt.Errorf("expected an object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return rec, err
		}
		key, _ := tok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return rec, err
		}
		if _, dup := rec.values[key]; !dup {
			rec.keys = append(rec.keys, key)
		}
		rec.values[key] = v
	}
	_, err = dec.Token()
	return rec, err
}

func parseJSON(data []byte) ([]string, [][]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		rec, err := readRecord(dec)
		if err != nil {
			return nil, nil, err
		}
		cols, rows := tabulate([]record{rec})
		return cols, rows, nil
	}
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, nil, errors.New("expected an array of objects")
	}
	var recs []record
	for dec.More() {
		rec, err := readRecord(dec)
		if err != nil {
			return nil, nil, err
		}
		recs = append(recs, rec)
	}
	cols, rows := tabulate(recs)
	return cols, rows, nil
}

func parseJSONLines(data []byte) ([]string, [][]any, error) {
	var recs []record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 64<<20)
	for line := 1; sc.Scan(); line++ {
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.UseNumber()
		rec, err := readRecord(dec)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	cols, rows := tabulate(recs)
	return cols, rows, nil
}

// tabulate unions record keys in first-seen order.
func tabulate(recs []record) ([]string, [][]any) {
	var cols []string
	seen := map[string]bool{}
	for _, r := range recs {
		for _, k := range r.keys {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	rows := make([][]any, len(recs))
	for i, r := range recs {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = jsonScalar(r.values[c])
		}
		rows[i] = row
	}
	return cols, rows
}

func jsonScalar(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case string:
		return x
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

func classOf(v any) columnClass {
	switch v.(type) {
	case nil:
		return classNull
	case int64:
		return classInt
	case float64:
		return classReal
	}
	return classText
}

// createTable replaces temp.<name> with the given rows.
func createTable(db *sqlite3.Conn, name string, cols []string, rows [][]any) error {
	if len(cols) == 0 {
		cols = []string{"value"}
	}
	classes := make([]columnClass, len(cols))
	for _, row := range rows {
		for i, v := range row {
			classes[i] = widen(classes[i], classOf(v))
		}
	}
	defs := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c) + " " + classes[i].decl()
		marks[i] = "?"
	}
	table := "temp." + quoteIdent(name)
	ddl := fmt.Sprintf("DROP TABLE IF EXISTS %s; CREATE TEMP TABLE %s (%s)",
		table, quoteIdent(name), strings.Join(defs, ", "))
	if err := db.Exec(ddl); err != nil {
		return err
	}

	if err := db.Exec("BEGIN"); err != nil {
		return err
	}
	stmt, _, err := db.Prepare(fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, strings.Join(marks, ", ")))
	if err != nil {
		_ = db.Exec("ROLLBACK")
		return err
	}
	for _, row := range rows {
		if err := insertRow(stmt, row); err != nil {
			stmt.Close()
			_ = db.Exec("ROLLBACK")
			return err
		}
	}
	stmt.Close()
	return db.Exec("COMMIT")
}

func insertRow(stmt *sqlite3.Stmt, row []any) error {
	for i, v := range row {
		var err error
		switch x := v.(type) {
		case nil:
			err = stmt.BindNull(i + 1)
		case int64:
			err = stmt.BindInt64(i+1, x)
		case float64:
			err = stmt.BindFloat(i+1, x)
		case string:
			err = stmt.BindText(i+1, x)
		default:
			err = stmt.BindText(i+1, fmt.Sprint(x))
		}
		if err != nil {
			return err
		}
	}
	stmt.Step()
	if err := stmt.Err(); err != nil {
		return err
	}
	return stmt.Reset()
}

// fileReader adapts a virtual file to the reader VFS. Pages are read by
// range so remote databases are not fetched whole.
type fileReader struct {
	e    *Engine
	path string
	size int64
}

func (r *fileReader) Size() (int64, error) { return r.size, nil }

func (r *fileReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	ctx := r.e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := r.e.fs.ReadRange(ctx, r.path, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// readerName names the reader VFS entry for p. The reader registry is
// process-wide, so the engine id keeps sessions attaching the same path
// apart.
func readerName(engineID, p string) string {
	var b strings.Builder
	b.WriteString("cellbridge_")
	b.WriteString(engineID)
	b.WriteByte('_')
	for _, c := range strings.TrimPrefix(p, "/") {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func unregisterReader(name string) {
	readervfs.Delete(name)
}

// attach makes a database file queryable as <alias>.<table>. Attached
// files are read-only.
func (e *Engine) attach(db *sqlite3.Conn, alias, p string) error {
	if _, ok := e.attached[alias]; ok {
		return nil
	}
	size, ok := e.fs.Size(p)
	if !ok {
		return &EngineError{Message: "cannot attach " + alias + ": size unknown"}
	}
	name := readerName(e.id, p)
	readervfs.Create(name, &fileReader{e: e, path: p, size: size})
	uri := "file:" + name + "?vfs=reader"
	if err := db.Exec(fmt.Sprintf("ATTACH DATABASE %s AS %s", quoteLiteral(uri), quoteIdent(alias))); err != nil {
		unregisterReader(name)
		return newEngineError(err)
	}
	e.attached[alias] = name
	e.log.Debug("attached database file", zap.String("alias", alias), zap.Bool("range", e.fs.SupportsRange(p)))
	return nil
}
