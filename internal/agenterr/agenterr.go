// Package agenterr defines the error taxonomy shared by every layer of the
// runtime: lifecycle errors, RPC errors, client-compatibility errors, and
// sink errors, plus the detail-string convention used to carry a category
// and a wire code on a cockroachdb/errors stack.
package agenterr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Categories for grouping related errors.
const (
	CategoryRuntime = "runtime"
	CategoryRPC     = "rpc"
	CategoryClient  = "client"
	CategorySink    = "sink"
)

// Wire-facing codes. Negative values in the -32000..-32099 range follow the
// JSON-RPC 2.0 reserved server-error convention; the rest are local-only and
// never cross the wire.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603

	CodeOverloaded = -32001

	CodeNotInitialized            = -32100
	CodeAlreadyInitialized        = -32101
	CodeInvalidConfig             = -32102
	CodeTransportClosed           = -32103
	CodeProcessExited             = -32104
	CodeTimeout                   = -32105
	CodeServerRequestReceiverUsed = -32106

	CodeSchemaDirNotFound          = -32110
	CodeSchemaDirNotDirectory      = -32111
	CodeCurrentDir                 = -32112
	CodeMissingInitializeUserAgent = -32113
	CodeInvalidInitializeUserAgent = -32114
	CodeIncompatibleCodexVersion   = -32115
	CodeSchemaNotFound             = -32116
	CodeSchemaInvalidMetadata      = -32117
	CodeSchemaManifestMismatch     = -32118
	CodeSchemaCompileFailed        = -32119

	CodeSinkIO        = -32120
	CodeSinkSerialize = -32121
	CodeSinkInternal  = -32122

	CodeApprovalNotFound = -32130
)

// Sentinel markers so callers can errors.Is against a family without caring
// about the specific variant.
var (
	ErrRuntime = errors.New("runtime error")
	ErrRPC     = errors.New("rpc error")
	ErrClient  = errors.New("client error")
	ErrSink    = errors.New("sink error")
)

// WithDetails marks err with category/code/properties as detail strings,
// following the convention this lineage uses to stash structured context on
// a cockroachdb/errors stack without inventing a parallel error type.
func WithDetails(err error, category string, code int, properties map[string]interface{}) error {
	err = errors.WithDetail(err, fmt.Sprintf("category:%s", category))
	err = errors.WithDetail(err, fmt.Sprintf("code:%d", code))
	for k, v := range properties {
		err = errors.WithDetail(err, fmt.Sprintf("%s:%v", k, v))
	}
	return err
}

// Category returns the category detail string, or "" if none was attached.
func Category(err error) string {
	for _, d := range errors.GetAllDetails(err) {
		if rest, ok := strings.CutPrefix(d, "category:"); ok {
			return rest
		}
	}
	return ""
}

// Code returns the code detail, defaulting to CodeInternalError.
func Code(err error) int {
	for _, d := range errors.GetAllDetails(err) {
		if rest, ok := strings.CutPrefix(d, "code:"); ok {
			if code, convErr := strconv.Atoi(rest); convErr == nil {
				return code
			}
		}
	}
	return CodeInternalError
}

var detailPattern = regexp.MustCompile(`^([^:]+):(.+)$`)

// Properties extracts every non-category/code "key:value" detail string.
func Properties(err error) map[string]interface{} {
	props := make(map[string]interface{})
	for _, d := range errors.GetAllDetails(err) {
		m := detailPattern.FindStringSubmatch(d)
		if len(m) != 3 || m[1] == "category" || m[1] == "code" {
			continue
		}
		if i, convErr := strconv.Atoi(m[2]); convErr == nil {
			props[m[1]] = i
			continue
		}
		if b, convErr := strconv.ParseBool(m[2]); convErr == nil {
			props[m[1]] = b
			continue
		}
		props[m[1]] = m[2]
	}
	return props
}

// Runtime constructs a CategoryRuntime error carrying code.
func Runtime(code int, message string, properties map[string]interface{}) error {
	err := errors.Mark(errors.Newf("%s", message), ErrRuntime)
	return WithDetails(err, CategoryRuntime, code, properties)
}

// RPC constructs a CategoryRPC error carrying code.
func RPC(code int, message string, properties map[string]interface{}) error {
	err := errors.Mark(errors.Newf("%s", message), ErrRPC)
	return WithDetails(err, CategoryRPC, code, properties)
}

// Client constructs a CategoryClient error carrying code.
func Client(code int, message string, properties map[string]interface{}) error {
	err := errors.Mark(errors.Newf("%s", message), ErrClient)
	return WithDetails(err, CategoryClient, code, properties)
}

// Sink constructs a CategorySink error carrying code.
func Sink(code int, message string, cause error, properties map[string]interface{}) error {
	var err error
	if cause == nil {
		err = errors.Newf("%s", message)
	} else {
		err = errors.Wrapf(cause, "%s", message)
	}
	err = errors.Mark(err, ErrSink)
	return WithDetails(err, CategorySink, code, properties)
}

// Named constructors for the variants SPEC_FULL.md §7 enumerates by name.

func NotInitialized() error { return Runtime(CodeNotInitialized, "runtime not initialized", nil) }

func AlreadyInitialized() error {
	return Runtime(CodeAlreadyInitialized, "runtime already initialized", nil)
}

func InvalidConfig(message string) error {
	return Runtime(CodeInvalidConfig, message, nil)
}

func TransportClosed() error {
	return Runtime(CodeTransportClosed, "transport closed", nil)
}

func ProcessExited() error {
	return Runtime(CodeProcessExited, "co-process exited", nil)
}

func Timeout() error {
	return Runtime(CodeTimeout, "operation timed out", nil)
}

func ServerRequestReceiverTaken() error {
	return Runtime(CodeServerRequestReceiverUsed, "server request receiver already taken", nil)
}

func Internal(message string, cause error) error {
	var err error
	if cause == nil {
		err = errors.Newf("%s", message)
	} else {
		err = errors.Wrapf(cause, "%s", message)
	}
	err = errors.Mark(err, ErrRuntime)
	return WithDetails(err, CategoryRuntime, CodeInternalError, nil)
}

func RPCOverloaded() error {
	return RPC(CodeOverloaded, "agent server overloaded", nil)
}

func RPCTimeout() error {
	return RPC(CodeTimeout, "rpc call timed out", nil)
}

func RPCInvalidRequest(message string) error {
	return RPC(CodeInvalidRequest, message, nil)
}

func RPCMethodNotFound(method string) error {
	return RPC(CodeMethodNotFound, fmt.Sprintf("method not found: %s", method), map[string]interface{}{"method": method})
}

// RPCServerError wraps a server-reported error object verbatim.
func RPCServerError(code int, message string, data interface{}) error {
	props := map[string]interface{}{"server_message": message}
	if data != nil {
		props["server_data"] = fmt.Sprintf("%v", data)
	}
	return RPC(code, message, props)
}

func RPCTransportClosed() error {
	return RPC(CodeTransportClosed, "transport closed", nil)
}

func SchemaDirNotFound(path string) error {
	return Client(CodeSchemaDirNotFound, fmt.Sprintf("schema directory not found: %s", path), map[string]interface{}{"path": path})
}

func SchemaDirNotDirectory(path string) error {
	return Client(CodeSchemaDirNotDirectory, fmt.Sprintf("schema path is not a directory: %s", path), map[string]interface{}{"path": path})
}

func CurrentDir(cause error) error {
	err := errors.Wrap(cause, "failed to determine current directory")
	err = errors.Mark(err, ErrClient)
	return WithDetails(err, CategoryClient, CodeCurrentDir, nil)
}

func MissingInitializeUserAgent() error {
	return Client(CodeMissingInitializeUserAgent, "initialize result carried no user agent", nil)
}

func InvalidInitializeUserAgent(value string) error {
	return Client(CodeInvalidInitializeUserAgent, fmt.Sprintf("invalid initialize user agent: %q", value), map[string]interface{}{"user_agent": value})
}

func IncompatibleCodexVersion(detected, required, userAgent string) error {
	return Client(CodeIncompatibleCodexVersion, fmt.Sprintf("codex version %s is older than required %s", detected, required), map[string]interface{}{
		"detected":   detected,
		"required":   required,
		"user_agent": userAgent,
	})
}

func SinkIO(cause error) error {
	return Sink(CodeSinkIO, "sink io error", cause, nil)
}

func SinkSerialize(cause error) error {
	return Sink(CodeSinkSerialize, "sink serialize error", cause, nil)
}

func SinkInternal(message string) error {
	return Sink(CodeSinkInternal, message, nil, nil)
}

func ApprovalNotFound(approvalID string) error {
	return Runtime(CodeApprovalNotFound, "approval not found: "+approvalID, map[string]interface{}{"approval_id": approvalID})
}
