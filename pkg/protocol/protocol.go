// Package protocol defines the messages exchanged between a controller and its
// worker, and the JSON frames used by the session transport.
//
// Both directions are closed sum types: every request implements Request and
// every worker-to-controller message implements Message. The unexported marker
// methods keep other packages from adding variants.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fruitsalade/cellbridge/pkg/models"
)

// Kind tags a request variant.
type Kind string

const (
	KindInit       Kind = "init"
	KindRunCode    Kind = "runCode"
	KindIntrospect Kind = "introspect"
	KindListFiles  Kind = "listFiles"
	KindReadFile   Kind = "readFile"
	KindWriteFile  Kind = "writeFile"
	KindDeleteFile Kind = "deleteFile"
	KindFileExists Kind = "fileExists"
	KindMkdir      Kind = "mkdir"
	KindRmdir      Kind = "rmdir"
	KindRenameDir  Kind = "renameDir"
	KindMoveFile   Kind = "moveFile"
	KindRenameFile Kind = "renameFile"
)

// Languages accepted by RunCode.
const (
	LangJS  = "js"
	LangSQL = "sql"
)

// Introspection kinds.
const (
	IntrospectTables    = "tables"
	IntrospectFunctions = "functions"
	IntrospectVariables = "variables"
)

// ErrUnknownKind is returned when a frame names a request variant that does not exist.
var ErrUnknownKind = errors.New("unknown request kind")

// Request is a controller-to-worker request.
type Request interface {
	Kind() Kind
	isRequest()
}

type Init struct{}

type RunCode struct {
	Lang     string `json:"lang"`
	Source   string `json:"source"`
	ViewName string `json:"viewName,omitempty"`
}

type Introspect struct {
	What string `json:"kind"`
}

type ListFiles struct{}

type ReadFile struct {
	Path string `json:"path"`
}

type WriteFile struct {
	Path string `json:"path"`
	Data []byte `json:"bytes"`
}

type DeleteFile struct {
	Path string `json:"path"`
}

type FileExists struct {
	Path string `json:"path"`
}

type Mkdir struct {
	Path string `json:"path"`
}

type Rmdir struct {
	Path string `json:"path"`
}

type RenameDir struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type MoveFile struct {
	Src    string `json:"src"`
	DstDir string `json:"dstDir"`
}

type RenameFile struct {
	Path    string `json:"path"`
	NewName string `json:"newName"`
}

func (Init) Kind() Kind       { return KindInit }
func (RunCode) Kind() Kind    { return KindRunCode }
func (Introspect) Kind() Kind { return KindIntrospect }
func (ListFiles) Kind() Kind  { return KindListFiles }
func (ReadFile) Kind() Kind   { return KindReadFile }
func (WriteFile) Kind() Kind  { return KindWriteFile }
func (DeleteFile) Kind() Kind { return KindDeleteFile }
func (FileExists) Kind() Kind { return KindFileExists }
func (Mkdir) Kind() Kind      { return KindMkdir }
func (Rmdir) Kind() Kind      { return KindRmdir }
func (RenameDir) Kind() Kind  { return KindRenameDir }
func (MoveFile) Kind() Kind   { return KindMoveFile }
func (RenameFile) Kind() Kind { return KindRenameFile }

func (Init) isRequest()       {}
func (RunCode) isRequest()    {}
func (Introspect) isRequest() {}
func (ListFiles) isRequest()  {}
func (ReadFile) isRequest()   {}
func (WriteFile) isRequest()  {}
func (DeleteFile) isRequest() {}
func (FileExists) isRequest() {}
func (Mkdir) isRequest()      {}
func (Rmdir) isRequest()      {}
func (RenameDir) isRequest()  {}
func (MoveFile) isRequest()   {}
func (RenameFile) isRequest() {}

// Envelope carries a request and its correlation id.
type Envelope struct {
	ID      uint64
	Request Request
}

// ErrorKind classifies a failed response.
type ErrorKind string

const (
	ErrInitialization ErrorKind = "initialization"
	ErrExecution      ErrorKind = "execution"
	ErrEngine         ErrorKind = "engine"
	ErrStorage        ErrorKind = "storage"
	ErrProtocol       ErrorKind = "protocol"
)

// Message is a worker-to-controller message.
type Message interface {
	isMessage()
}

// Response answers the request with the same ID exactly once.
type Response struct {
	ID        uint64
	OK        bool
	ErrorKind ErrorKind
	Error     string
	Result    any
}

// Status is a projected worker status.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusLoading        Status = "loading"
	StatusReady          Status = "ready"
	StatusDBReady        Status = "db-ready"
	StatusRemoteMounting Status = "remote-mounting"
	StatusRemoteReady    Status = "remote-ready"
	StatusRemoteError    Status = "remote-error"
	StatusErrored        Status = "errored"
)

// StatusEvent is an out-of-band status change.
type StatusEvent struct {
	Status Status
	Detail string
}

// FileListEvent carries a full merged listing after a background mount.
type FileListEvent struct {
	Files []models.FileEntry
}

// Fault reports an uncaught failure. The worker is dead after sending it.
type Fault struct {
	Message string
}

func (Response) isMessage()      {}
func (StatusEvent) isMessage()   {}
func (FileListEvent) isMessage() {}
func (Fault) isMessage()         {}

// Frame is a client-to-server transport frame.
type Frame struct {
	ID   uint64          `json:"id"`
	Op   Kind            `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ReplyFrame is a server-to-client answer to a Frame.
type ReplyFrame struct {
	ID     uint64 `json:"id"`
	OK     bool   `json:"ok"`
	Kind   string `json:"kind,omitempty"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// EventFrame is a server-to-client push.
type EventFrame struct {
	Event  string             `json:"event"` // status, files
	Status Status             `json:"status,omitempty"`
	Detail string             `json:"detail,omitempty"`
	Files  []models.FileEntry `json:"files,omitempty"`
}

var decoders = map[Kind]func() Request{
	KindInit:       func() Request { return &Init{} },
	KindRunCode:    func() Request { return &RunCode{} },
	KindIntrospect: func() Request { return &Introspect{} },
	KindListFiles:  func() Request { return &ListFiles{} },
	KindReadFile:   func() Request { return &ReadFile{} },
	KindWriteFile:  func() Request { return &WriteFile{} },
	KindDeleteFile: func() Request { return &DeleteFile{} },
	KindFileExists: func() Request { return &FileExists{} },
	KindMkdir:      func() Request { return &Mkdir{} },
	KindRmdir:      func() Request { return &Rmdir{} },
	KindRenameDir:  func() Request { return &RenameDir{} },
	KindMoveFile:   func() Request { return &MoveFile{} },
	KindRenameFile: func() Request { return &RenameFile{} },
}

// Decode turns a transport frame into a typed request. Unknown ops are
// rejected with ErrUnknownKind.
func Decode(f Frame) (Request, error) {
	newReq, ok := decoders[f.Op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Op)
	}
	ptr := newReq()
	if len(f.Args) > 0 && string(f.Args) != "null" {
		if err := json.Unmarshal(f.Args, ptr); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", f.Op, err)
		}
	}
	return deref(ptr), nil
}

func deref(r Request) Request {
	switch v := r.(type) {
	case *Init:
		return *v
	case *RunCode:
		return *v
	case *Introspect:
		return *v
	case *ListFiles:
		return *v
	case *ReadFile:
		return *v
	case *WriteFile:
		return *v
	case *DeleteFile:
		return *v
	case *FileExists:
		return *v
	case *Mkdir:
		return *v
	case *Rmdir:
		return *v
	case *RenameDir:
		return *v
	case *MoveFile:
		return *v
	case *RenameFile:
		return *v
	}
	return r
}
