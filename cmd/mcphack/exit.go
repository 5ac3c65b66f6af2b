package main

import (
	"errors"

	"github.com/mcpguard/mcphack/internal/mcp"
	"github.com/mcpguard/mcphack/internal/params"
	"github.com/mcpguard/mcphack/internal/target"
	"github.com/mcpguard/mcphack/internal/toolkit"
	"github.com/mcpguard/mcphack/internal/transport"
)

const (
	exitOK        = 0
	exitGeneric   = 1
	exitUsage     = 2
	exitSpawn     = 3
	exitProtocol  = 4
	exitRemote    = 5
	exitToolError = 6
	exitTimeout   = 7
	exitNotFound  = 8
)

// usageError marks bad flags, arguments or configuration.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// handshakeError wraps any failure of the initialize exchange.
type handshakeError struct{ err error }

func (e *handshakeError) Error() string { return "handshake failed: " + e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

// reportedError carries an error whose details were already rendered.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var (
		usage     *usageError
		missing   *params.MissingParamError
		spawn     *transport.SpawnError
		timeout   *mcp.TimeoutError
		handshake *handshakeError
		toolErr   *toolkit.ToolExecutionError
		notFound  *toolkit.NotFoundError
		remote    *mcp.RemoteError
		verErr    *mcp.ProtocolVersionError
		closed    *mcp.SessionClosedError
		notReady  *mcp.NotReadyError
		shape     *toolkit.ResultShapeError
	)

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage), errors.As(err, &missing),
		errors.Is(err, errNoTarget), errors.Is(err, target.ErrEmpty),
		errors.Is(err, params.ErrInvalidPair), errors.Is(err, transport.ErrRemoteTarget):
		return exitUsage
	case errors.As(err, &spawn):
		return exitSpawn
	case errors.As(err, &timeout):
		return exitTimeout
	case errors.As(err, &handshake):
		return exitProtocol
	case errors.As(err, &toolErr):
		return exitToolError
	case errors.As(err, &notFound):
		return exitNotFound
	case errors.As(err, &remote):
		return exitRemote
	case errors.As(err, &verErr), errors.As(err, &closed), errors.As(err, &notReady),
		errors.As(err, &shape), errors.Is(err, mcp.ErrAlreadyInitialized):
		return exitProtocol
	default:
		return exitGeneric
	}
}
