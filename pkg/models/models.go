// Package models contains data types shared by the storage, engine and transport layers.
package models

import "time"

// FileEntry is a file or directory visible through the virtual filesystem.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	Device  string    `json:"device"`
	Lazy    bool      `json:"lazy"`
	ModTime time.Time `json:"mtime,omitempty"`
}

// CacheEntry represents content held by the remote content cache.
type CacheEntry struct {
	Key        string    `json:"key"`
	LocalPath  string    `json:"local_path"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
	Pins       int       `json:"pins"`
}

// Column describes one column of a table or view.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema describes a table or view known to the database connection.
type TableSchema struct {
	Name    string   `json:"name"`
	Schema  string   `json:"schema"`
	Kind    string   `json:"kind"` // table, view
	Columns []Column `json:"columns"`
}

// FunctionInfo describes a user function registered with the query engine.
type FunctionInfo struct {
	Name       string   `json:"name"`
	Params     []string `json:"params"`
	Returns    string   `json:"returns"`
	Nullable   bool     `json:"nullable"`
	Registered int64    `json:"registered"`
}

// VariableInfo describes a top-level interpreter variable.
type VariableInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Display string `json:"display"`
	Size    string `json:"size,omitempty"`
}

// ExecutionResult is the outcome of running one cell.
type ExecutionResult struct {
	Stdout        string           `json:"stdout"`
	Stderr        string           `json:"stderr,omitempty"`
	Error         string           `json:"error,omitempty"`
	Columns       []string         `json:"columns,omitempty"`
	ResultRows    []map[string]any `json:"result_rows,omitempty"`
	TotalRowCount *int64           `json:"total_row_count,omitempty"`
	Value         string           `json:"value,omitempty"`
	ImageBytes    []byte           `json:"image_bytes,omitempty"`
	Duration      time.Duration    `json:"duration"`
}

// IntrospectResult holds the answer to an introspection request. Only the
// field matching the requested kind is set.
type IntrospectResult struct {
	Tables    []TableSchema  `json:"tables,omitempty"`
	Functions []FunctionInfo `json:"functions,omitempty"`
	Variables []VariableInfo `json:"variables,omitempty"`
}
