// Copyright 2025 The PgSentinel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package exitcode defines the daemon's process exit codes and the error
// type that carries one out of the monitoring loop. The daemon never calls
// os.Exit below main; terminal conditions are returned as *Error and the
// code is applied at the top of the process.
package exitcode

import (
	"errors"
	"fmt"
)

// Code is a process exit status. The values are distinct and stable:
// orchestration layers above the daemon branch on them (ErrPromoted in
// particular means "restart me with primary semantics").
type Code int

const (
	Success Code = 0

	// ErrBadConfig covers invalid configuration, an unregistered cluster
	// schema, or failure to reach a primary at startup.
	ErrBadConfig Code = 1

	// ErrDBConn is returned when the primary connection could not be
	// recovered and manual rediscovery timed out.
	ErrDBConn Code = 6

	// ErrDBQuery is a query failure in a context where the daemon cannot
	// continue, e.g. the elector failing to read its own replay location.
	ErrDBQuery Code = 7

	// ErrBadQuery is a malformed registry read (repl_nodes enumeration).
	ErrBadQuery Code = 5

	// ErrPromoted means the local node stopped being a standby out-of-band;
	// this daemon's job is done.
	ErrPromoted Code = 8

	// ErrFailoverFail means the elector abandoned for lack of quorum.
	// Operator action is required before this node rejoins the cluster.
	ErrFailoverFail Code = 9
)

// String returns the symbolic name of the code for logs.
func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case ErrBadConfig:
		return "ERR_BAD_CONFIG"
	case ErrDBConn:
		return "ERR_DB_CON"
	case ErrDBQuery:
		return "ERR_DB_QUERY"
	case ErrBadQuery:
		return "ERR_BAD_QUERY"
	case ErrPromoted:
		return "ERR_PROMOTED"
	case ErrFailoverFail:
		return "ERR_FAILOVER_FAIL"
	default:
		return fmt.Sprintf("EXIT(%d)", int(c))
	}
}

// Error wraps a cause with the exit code the process should finish with.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches an exit code to an existing error.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// FromError extracts the exit code from err. A nil error is Success; an
// error that is not an *Error maps to ErrBadConfig, which is the catch-all
// for startup failures.
func FromError(err error) Code {
	if err == nil {
		return Success
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrBadConfig
}
