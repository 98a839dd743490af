package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/pkg/models"
)

var viewNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (e *Engine) startDB() (*sqlite3.Conn, error) {
	db, err := sqlite3.OpenFlags(":memory:", sqlite3.OPEN_READWRITE|sqlite3.OPEN_CREATE|sqlite3.OPEN_URI)
	if err != nil {
		return nil, err
	}
	e.log.Debug("database opened")
	return db, nil
}

// table is a collected statement result.
type table struct {
	columns []string
	rows    []map[string]any
	total   int64
}

// collect steps stmt to completion. At most limit rows are kept (all when
// limit < 0) while total counts every row.
func collect(stmt *sqlite3.Stmt, limit int) (*table, error) {
	n := stmt.ColumnCount()
	t := &table{columns: make([]string, n), rows: []map[string]any{}}
	for i := 0; i < n; i++ {
		t.columns[i] = stmt.ColumnName(i)
	}
	for stmt.Step() {
		t.total++
		if limit >= 0 && len(t.rows) >= limit {
			continue
		}
		row := make(map[string]any, n)
		for i := 0; i < n; i++ {
			row[t.columns[i]] = columnValue(stmt, i)
		}
		t.rows = append(t.rows, row)
	}
	if err := stmt.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func columnValue(stmt *sqlite3.Stmt, i int) any {
	switch stmt.ColumnType(i) {
	case sqlite3.INTEGER:
		return stmt.ColumnInt64(i)
	case sqlite3.FLOAT:
		f := stmt.ColumnFloat(i)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case sqlite3.TEXT:
		return stmt.ColumnText(i)
	case sqlite3.BLOB:
		return stmt.ColumnBlob(i, nil)
	default:
		return nil
	}
}

func isBlank(sql string) bool {
	return strings.Trim(sql, " \t\r\n;") == ""
}

// execScript runs every statement in src. The last statement that yields
// columns becomes the result. With stopAtFinal set, a final row-yielding
// statement is not run; its text is returned instead.
func execScript(db *sqlite3.Conn, src string, limit int, stopAtFinal bool) (*table, string, error) {
	var (
		last     *table
		lastText string
	)
	rest := src
	for !isBlank(rest) {
		stmt, tail, err := db.Prepare(rest)
		if err != nil {
			return nil, "", newEngineError(err)
		}
		if stmt == nil {
			break
		}
		text := strings.TrimSpace(rest[:len(rest)-len(tail)])
		rest = tail

		if stmt.ColumnCount() > 0 && stopAtFinal && isBlank(rest) {
			stmt.Close()
			return last, strings.TrimRight(text, "; \t\r\n"), nil
		}
		t, err := collect(stmt, limit)
		stmt.Close()
		if err != nil {
			return nil, "", newEngineError(err)
		}
		if len(t.columns) > 0 {
			last, lastText = t, strings.TrimRight(text, "; \t\r\n")
		}
	}
	return last, lastText, nil
}

func (e *Engine) runSQL(source, viewName string) (*models.ExecutionResult, error) {
	db, err := e.ensureDB()
	if err != nil {
		return nil, err
	}
	if viewName != "" && !viewNameRe.MatchString(viewName) {
		return nil, &EngineError{Message: fmt.Sprintf("invalid view name %q", viewName)}
	}
	if err := e.loadReferencedFiles(db, source); err != nil {
		return nil, err
	}

	res := &models.ExecutionResult{}
	if viewName == "" {
		t, _, err := execScript(db, source, e.cfg.RowCap, false)
		if err != nil {
			return nil, err
		}
		fillTable(res, t)
		return res, nil
	}

	_, query, err := execScript(db, source, e.cfg.RowCap, true)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return nil, &EngineError{Message: "a view needs a statement that returns rows"}
	}
	t, err := e.materializeView(db, viewName, query)
	if err != nil {
		return nil, err
	}
	if err := e.bindView(viewName, t.rows); err != nil {
		return nil, err
	}
	if len(t.rows) > e.cfg.RowCap {
		t.rows = t.rows[:e.cfg.RowCap]
	}
	fillTable(res, t)
	return res, nil
}

func fillTable(res *models.ExecutionResult, t *table) {
	if t == nil {
		return
	}
	total := t.total
	res.Columns = t.columns
	res.ResultRows = t.rows
	res.TotalRowCount = &total
}

func (e *Engine) materializeView(db *sqlite3.Conn, name, query string) (*table, error) {
	quoted := quoteIdent(name)
	ddl := fmt.Sprintf("DROP VIEW IF EXISTS temp.%s; CREATE TEMP VIEW %s AS %s", quoted, quoted, query)
	if err := db.Exec(ddl); err != nil {
		return nil, newEngineError(err)
	}
	stmt, _, err := db.Prepare("SELECT * FROM temp." + quoted)
	if err != nil {
		return nil, newEngineError(err)
	}
	defer stmt.Close()
	t, err := collect(stmt, -1)
	if err != nil {
		return nil, newEngineError(err)
	}
	return t, nil
}

// bindView exposes a materialized view to the interpreter under the same
// name. It starts the interpreter if needed.
func (e *Engine) bindView(name string, rows []map[string]any) error {
	vm, err := e.ensureJS()
	if err != nil {
		return err
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encoding view %s: %w", name, err)
	}
	if err := bindRecords(vm, name, string(b)); err != nil {
		return fmt.Errorf("binding view %s: %w", name, err)
	}
	return nil
}

// sqlFromJS runs a query for the interpreter's sql() helper and returns
// every result row as JSON.
func (e *Engine) sqlFromJS(query string) (string, error) {
	db, err := e.ensureDB()
	if err != nil {
		return "", err
	}
	if err := e.loadReferencedFiles(db, query); err != nil {
		return "", err
	}
	t, _, err := execScript(db, query, -1, false)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal(t.rows)
	return string(b), err
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

const tablesQuery = `
SELECT 'main', name, type FROM main.sqlite_master
	WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
UNION ALL
SELECT 'temp', name, type FROM temp.sqlite_master
	WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
ORDER BY 1, 2`

func listTables(db *sqlite3.Conn) ([]models.TableSchema, error) {
	stmt, _, err := db.Prepare(tablesQuery)
	if err != nil {
		return nil, err
	}
	out := []models.TableSchema{}
	for stmt.Step() {
		out = append(out, models.TableSchema{
			Schema: stmt.ColumnText(0),
			Name:   stmt.ColumnText(1),
			Kind:   stmt.ColumnText(2),
		})
	}
	err = stmt.Err()
	stmt.Close()
	if err != nil {
		return nil, err
	}
	for i := range out {
		cols, err := tableColumns(db, out[i].Schema, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Columns = cols
	}
	return out, nil
}

func tableColumns(db *sqlite3.Conn, schema, name string) ([]models.Column, error) {
	stmt, _, err := db.Prepare(fmt.Sprintf("PRAGMA %s.table_info(%s)", quoteIdent(schema), quoteLiteral(name)))
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	cols := []models.Column{}
	for stmt.Step() {
		cols = append(cols, models.Column{Name: stmt.ColumnText(1), Type: stmt.ColumnText(2)})
	}
	return cols, stmt.Err()
}

// detachAll forgets every attached database file. db may be nil.
func (e *Engine) detachAll(db *sqlite3.Conn) {
	for alias, name := range e.attached {
		if db != nil {
			if err := db.Exec("DETACH DATABASE " + quoteIdent(alias)); err != nil {
				e.log.Debug("detach", zap.String("alias", alias), zap.Error(err))
			}
		}
		unregisterReader(name)
	}
	e.attached = make(map[string]string)
}
