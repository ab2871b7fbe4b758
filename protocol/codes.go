package protocol

import (
	"errors"
	"fmt"

	"bringyour.com/statesync/state"
)

// Code is the only error information that crosses the wire.
type Code uint32

const (
	CodeNone            Code = 0
	CodeVersionMismatch Code = 1
	CodeUnauthorized    Code = 2
	CodeSchemaMismatch  Code = 3
	CodeProtocol        Code = 4
	CodeDecode          Code = 5
	CodeUnknownState    Code = 6
	CodeTypeMismatch    Code = 7
	CodeReadOnly        Code = 8
	CodeUnknownVariant  Code = 9
	CodeUnknownSignal   Code = 10
	CodeNoHandler       Code = 11
	CodeHandlerConflict Code = 12
	CodeHandlerFailed   Code = 13
	CodeTransferBusy    Code = 14
	CodeTransferAborted Code = 15
	CodeReplaced        Code = 16
	CodeBackpressure    Code = 17
	CodeShutdown        Code = 18
)

var (
	ErrVersionMismatch = errors.New("Protocol version mismatch")
	ErrUnauthorized    = errors.New("Unauthorized")
	ErrSchemaMismatch  = errors.New("Schema mismatch")
	// a message arrived that is not valid in the connection state
	ErrProtocol        = errors.New("Protocol violation")
	ErrUnknownSignal   = errors.New("Unknown signal")
	ErrNoHandler       = errors.New("No handler bound")
	ErrHandlerConflict = errors.New("Handler conflict")
	ErrHandlerFailed   = errors.New("Handler failed")
	ErrTransferBusy    = errors.New("Transfer busy")
	ErrTransferAborted = errors.New("Transfer aborted")
	ErrReplaced        = errors.New("Replaced by another client")
	ErrBackpressure    = errors.New("Send queue full")
	ErrShutdown        = errors.New("Shutdown")

	ErrUnknownMessageType = errors.New("Unknown message type")
)

var codeErrors = map[Code]error{
	CodeVersionMismatch: ErrVersionMismatch,
	CodeUnauthorized:    ErrUnauthorized,
	CodeSchemaMismatch:  ErrSchemaMismatch,
	CodeProtocol:        ErrProtocol,
	CodeDecode:          state.ErrDecode,
	CodeUnknownState:    state.ErrUnknownState,
	CodeTypeMismatch:    state.ErrTypeMismatch,
	CodeReadOnly:        state.ErrReadOnly,
	CodeUnknownVariant:  state.ErrUnknownVariant,
	CodeUnknownSignal:   ErrUnknownSignal,
	CodeNoHandler:       ErrNoHandler,
	CodeHandlerConflict: ErrHandlerConflict,
	CodeHandlerFailed:   ErrHandlerFailed,
	CodeTransferBusy:    ErrTransferBusy,
	CodeTransferAborted: ErrTransferAborted,
	CodeReplaced:        ErrReplaced,
	CodeBackpressure:    ErrBackpressure,
	CodeShutdown:        ErrShutdown,
}

// Err maps a code back to its sentinel. `CodeNone` is nil.
func (self Code) Err() error {
	if self == CodeNone {
		return nil
	}
	if err, ok := codeErrors[self]; ok {
		return err
	}
	return fmt.Errorf("Unknown code: %d", uint32(self))
}

func (self Code) String() string {
	if self == CodeNone {
		return "none"
	}
	if err, ok := codeErrors[self]; ok {
		return err.Error()
	}
	return fmt.Sprintf("code(%d)", uint32(self))
}

// CodeOf normalizes an error to its wire code. Errors without a code are `CodeHandlerFailed`.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	// the most specific sentinels first
	for _, code := range []Code{
		CodeUnknownVariant,
		CodeDecode,
		CodeVersionMismatch,
		CodeUnauthorized,
		CodeSchemaMismatch,
		CodeProtocol,
		CodeUnknownState,
		CodeReadOnly,
		CodeTypeMismatch,
		CodeUnknownSignal,
		CodeNoHandler,
		CodeHandlerConflict,
		CodeTransferBusy,
		CodeTransferAborted,
		CodeReplaced,
		CodeBackpressure,
		CodeShutdown,
		CodeHandlerFailed,
	} {
		if errors.Is(err, codeErrors[code]) {
			return code
		}
	}
	return CodeHandlerFailed
}
