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

// Package lsn parses and compares PostgreSQL write-ahead-log positions.
//
// A WAL position is written as X/XXXXXXXX where the first field is the
// log id (high 32 bits) and the second is the record offset within that
// log (low 32 bits), both hexadecimal.
//
// Examples: 0/0, 0/3000028, 1/A0000000, FFFFFFFF/FFFFFFFF
package lsn

import (
	"fmt"
	"strconv"
	"strings"
)

// bytesPerLogID is the byte span attributed to one log id when flattening
// a WAL position to an absolute byte offset. repmgr's monitor table has
// always been populated with 255 segments of 16 MiB per log id (not 256),
// and existing consumers of repl_monitor depend on that arithmetic, so we
// keep it.
const bytesPerLogID = 255 * 16 * 1024 * 1024

// LSN is a position in the write-ahead log.
type LSN struct {
	logid  uint32
	recoff uint32
}

// Parse parses a WAL position in the format X/XXXXXXXX.
//
// Returns an error if the format is invalid or either field is not
// hexadecimal. Callers treat an unparseable position as unusable: it is
// not reported and does not participate in an election.
func Parse(s string) (LSN, error) {
	if s == "" {
		return LSN{}, fmt.Errorf("empty WAL location")
	}

	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return LSN{}, fmt.Errorf("invalid WAL location format: %s (expected X/XXXXXXXX)", s)
	}

	logid, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return LSN{}, fmt.Errorf("invalid WAL log id %q: %w", parts[0], err)
	}

	recoff, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return LSN{}, fmt.Errorf("invalid WAL record offset %q: %w", parts[1], err)
	}

	return LSN{logid: uint32(logid), recoff: uint32(recoff)}, nil
}

// Make builds an LSN from its two raw fields. Used by tests and by callers
// that need the 0/0 sentinel explicitly.
func Make(logid, recoff uint32) LSN {
	return LSN{logid: logid, recoff: recoff}
}

// String returns the position in PostgreSQL format (X/XXXXXXXX).
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", l.logid, l.recoff)
}

// WalBytes flattens the position to an absolute byte offset for lag
// arithmetic. Because of the 255 multiplier (see bytesPerLogID) the offset
// is not strictly monotone across a logid boundary; ordering decisions use
// Compare, never WalBytes.
func (l LSN) WalBytes() uint64 {
	return uint64(l.logid)*bytesPerLogID + uint64(l.recoff)
}

// Compare compares two positions numerically.
//
// Returns:
//   - -1 if a < b
//   - 0 if a == b
//   - 1 if a > b
//
// The log ids are compared first, then the record offsets.
func (a LSN) Compare(b LSN) int {
	if a.logid < b.logid {
		return -1
	}
	if a.logid > b.logid {
		return 1
	}
	if a.recoff < b.recoff {
		return -1
	}
	if a.recoff > b.recoff {
		return 1
	}
	return 0
}

// Less returns true if a < b.
func (a LSN) Less(b LSN) bool {
	return a.Compare(b) < 0
}

// IsZero returns true for the 0/0 sentinel.
func (l LSN) IsZero() bool {
	return l.logid == 0 && l.recoff == 0
}

// LagBytes returns how many bytes `behind` trails `ahead`, clamped to zero
// when the standby has somehow counted past the primary. Lag columns in the
// monitor table must never go negative.
func LagBytes(ahead, behind LSN) uint64 {
	a, b := ahead.WalBytes(), behind.WalBytes()
	if b >= a {
		return 0
	}
	return a - b
}
