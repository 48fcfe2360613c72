package vm

import (
	"encoding/hex"
	"fmt"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/abi"
	"github.com/fortiblox/contractvm/pkg/sandbox"
)

// ArgumentKind tells a query from a transaction.
type ArgumentKind uint8

const (
	KindQuery ArgumentKind = iota
	KindTransaction
)

func (k ArgumentKind) String() string {
	switch k {
	case KindQuery:
		return "Query"
	case KindTransaction:
		return "Transaction"
	default:
		return fmt.Sprintf("ArgumentKind(%d)", uint8(k))
	}
}

// Argument is the payload a frame was invoked with. It is kept for
// diagnostics; control flow never branches on it.
type Argument struct {
	kind    ArgumentKind
	payload []byte
}

// QueryArgument wraps a query payload.
func QueryArgument(q abi.Query) Argument {
	return Argument{kind: KindQuery, payload: q}
}

// TransactionArgument wraps a transaction payload.
func TransactionArgument(tx abi.Transaction) Argument {
	return Argument{kind: KindTransaction, payload: tx}
}

func (a Argument) Kind() ArgumentKind { return a.kind }
func (a Argument) Payload() []byte    { return a.payload }
func (a Argument) IsQuery() bool      { return a.kind == KindQuery }

const maxArgumentPreview = 16

func (a Argument) String() string {
	p := a.payload
	suffix := ""
	if len(p) > maxArgumentPreview {
		p = p[:maxArgumentPreview]
		suffix = "..."
	}
	return fmt.Sprintf("%s(%d bytes: %s%s)", a.kind, len(a.payload), hex.EncodeToString(p), suffix)
}

// StackFrame is one in-flight invocation.
type StackFrame struct {
	callee   types.ContractID
	argument Argument
	ret      abi.ReturnValue
	memory   sandbox.Memory
	// readOnly is set for frames entered through Query.
	readOnly bool
}

func newStackFrame(callee types.ContractID, arg Argument, mem sandbox.Memory, readOnly bool) StackFrame {
	return StackFrame{callee: callee, argument: arg, memory: mem, readOnly: readOnly}
}

// Callee returns the contract executing in this frame.
func (f *StackFrame) Callee() types.ContractID { return f.callee }

// Argument returns the frame's call argument.
func (f *StackFrame) Argument() Argument { return f.argument }

// ReadOnly reports whether the frame runs a query.
func (f *StackFrame) ReadOnly() bool { return f.readOnly }

// Ret returns the decoded return value, empty until the export returns.
func (f *StackFrame) Ret() abi.ReturnValue { return f.ret }

func (f *StackFrame) String() string {
	return fmt.Sprintf("%s %s", f.callee.Short(), f.argument)
}
