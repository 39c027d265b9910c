// Package protocol implements the Request Protocol: the per-connection line
// parser that turns a BEGIN/.../END (or standalone STATUS) sequence into a
// domain.InstallRequest, enforcing the grammar and ordering rules of spec
// §4.8 before anything is handed to the orchestrator or ledger.
package protocol

import (
	"errors"
	"strconv"
	"strings"

	"github.com/iotbzh/afmpkg-installer/internal/domain"
)

// State is a connection's position in the Pending -> Ready -> (Ok|Error)
// state machine.
type State int

const (
	Pending State = iota
	Ready
	Ok
	Error
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Ok:
		return "ok"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Conn accumulates one request's fields line by line. It is not safe for
// concurrent use; each server worker owns exactly one.
type Conn struct {
	state State

	beginSeen   bool
	packageSeen bool
	rootSeen    bool
	redpakSeen  bool
	transSeen   bool

	req      domain.InstallRequest
	isStatus bool

	firstErr error
	message  string
}

// NewConn returns a Conn ready to Feed the first line of a request.
func NewConn() *Conn {
	return &Conn{state: Pending}
}

func (c *Conn) State() State { return c.state }

// Err reports the first protocol-level violation observed, if any. A nil
// result at Ready means the request parsed cleanly and may be dispatched.
func (c *Conn) Err() error { return c.firstErr }

func (c *Conn) IsStatus() bool { return c.isStatus }

// Request returns the accumulated install/remove request. Only meaningful
// once State is Ready and IsStatus is false.
func (c *Conn) Request() domain.InstallRequest { return c.req }

// StatusID returns the transaction id named by a standalone STATUS line.
// Only meaningful once State is Ready and IsStatus is true.
func (c *Conn) StatusID() string { return c.req.StatusID }

// Feed processes one line (without its trailing LF) and reports whether the
// request is now complete (an END line matching BEGIN's kind, or a
// standalone STATUS line). Once a protocol violation is recorded, Feed keeps
// being called for remaining lines purely to drain the socket: it records no
// further errors past the first and returns done only at the line that would
// have ended a well-formed request.
func (c *Conn) Feed(line string) (done bool) {
	if c.state != Pending {
		return true
	}

	verb, value, hasValue := strings.Cut(line, " ")
	if !hasValue || verb == "" || value == "" {
		c.fail(domain.ProtoErrMalformedLine, "missing value")
		return false
	}

	switch verb {
	case "BEGIN":
		if c.beginSeen {
			c.fail(domain.ProtoErrStateMisorder, "duplicate BEGIN")
			return false
		}
		kind, ok := domain.ParseRequestKind(value)
		if !ok {
			c.fail(domain.ProtoErrBeginKindInvalid, "unrecognised BEGIN kind "+value)
			return false
		}
		c.beginSeen = true
		c.req.Kind = kind

	case "STATUS":
		if c.beginSeen {
			c.fail(domain.ProtoErrStateMisorder, "STATUS after BEGIN")
			return false
		}
		c.isStatus = true
		c.req.StatusID = value
		return c.resolvePending()

	case "END":
		if !c.beginSeen {
			c.fail(domain.ProtoErrBeginMissing, "END before BEGIN")
			return false
		}
		kind, ok := domain.ParseRequestKind(value)
		if !ok || kind != c.req.Kind {
			c.fail(domain.ProtoErrEndKindMismatch, "END kind does not match BEGIN")
			return false
		}
		return c.resolvePending()

	case "COUNT":
		if !c.requireBegin() {
			return false
		}
		if c.req.HasCount {
			c.fail(domain.ProtoErrDuplicateField, "duplicate COUNT")
			return false
		}
		n, err := parseCount(value)
		if err != nil {
			c.fail(countErrCode(err), err.Error())
			return false
		}
		if n == 0 {
			c.fail(domain.ProtoErrCountZero, "COUNT must be >= 1")
			return false
		}
		c.req.Count, c.req.HasCount = n, true

	case "INDEX":
		if !c.requireBegin() {
			return false
		}
		if c.req.HasIndex {
			c.fail(domain.ProtoErrDuplicateField, "duplicate INDEX")
			return false
		}
		n, err := parseCount(value)
		if err != nil {
			c.fail(countErrCode(err), err.Error())
			return false
		}
		if n == 0 {
			c.fail(domain.ProtoErrIndexZero, "INDEX must be >= 1")
			return false
		}
		c.req.Index, c.req.HasIndex = n, true

	case "FILE":
		if !c.requireBegin() {
			return false
		}
		c.req.Files = append(c.req.Files, value)

	case "PACKAGE":
		if !c.requireBegin() {
			return false
		}
		if c.packageSeen {
			c.fail(domain.ProtoErrDuplicatePackage, "duplicate PACKAGE")
			return false
		}
		c.packageSeen = true
		c.req.Package = value

	case "ROOT":
		if !c.requireBegin() {
			return false
		}
		if c.rootSeen {
			c.fail(domain.ProtoErrDuplicateField, "duplicate ROOT")
			return false
		}
		c.rootSeen = true
		c.req.Root = value

	case "REDPAKID":
		if !c.requireBegin() {
			return false
		}
		if c.redpakSeen {
			c.fail(domain.ProtoErrDuplicateField, "duplicate REDPAKID")
			return false
		}
		c.redpakSeen = true
		c.req.RedpakID = value

	case "TRANSID":
		if !c.requireBegin() {
			return false
		}
		if c.transSeen {
			c.fail(domain.ProtoErrDuplicateField, "duplicate TRANSID")
			return false
		}
		c.transSeen = true
		c.req.TransID = value

	default:
		c.fail(domain.ProtoErrUnknownVerb, "unknown verb "+verb)
		return false
	}

	return false
}

func (c *Conn) requireBegin() bool {
	if !c.beginSeen {
		c.fail(domain.ProtoErrBeginMissing, "field before BEGIN")
		return false
	}
	return true
}

// resolvePending checks the cross-field INDEX<=COUNT invariant (only
// decidable once the full request is in) and advances to Ready.
func (c *Conn) resolvePending() bool {
	if c.firstErr == nil && c.req.HasIndex && c.req.HasCount && c.req.Index > c.req.Count {
		c.fail(domain.ProtoErrIndexExceedsCount, "INDEX exceeds COUNT")
	}
	c.state = Ready
	return true
}

func (c *Conn) fail(code int, msg string) {
	if c.firstErr != nil {
		return // first error wins; keep draining silently
	}
	c.firstErr = domain.ProtocolError{Code: code, Message: msg}
}

// Finish resolves a Ready connection to its terminal Ok/Error state. dispatchErr
// is the result of handing the request to the orchestrator or ledger; it is
// ignored if a protocol violation was already recorded, since that error
// takes precedence and the request was never actually dispatched.
func (c *Conn) Finish(dispatchErr error) {
	if c.state != Ready {
		return
	}
	if c.firstErr == nil {
		c.firstErr = dispatchErr
	}
	if c.firstErr == nil {
		c.state = Ok
	} else {
		c.state = Error
	}
}

// SetMessage attaches an optional success message, used for STATUS's
// "count success fail" triple. It has no effect on an Error reply: spec
// §8's worked scenarios show a bare "ERROR\n" line with no detail text.
func (c *Conn) SetMessage(msg string) { c.message = msg }

// Reply renders the single LF-terminated line this connection's state
// produces on the wire (spec §4.8).
func (c *Conn) Reply() string {
	switch c.state {
	case Ok:
		if c.message != "" {
			return "OK " + c.message + "\n"
		}
		return "OK\n"
	case Error:
		return "ERROR\n"
	default:
		return ""
	}
}

func parseCount(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func countErrCode(err error) int {
	var numErr *strconv.NumError
	if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
		return domain.ProtoErrCountOverflow
	}
	return domain.ProtoErrMalformedLine
}
