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

package exitcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodesAreDistinct(t *testing.T) {
	codes := []Code{Success, ErrBadConfig, ErrDBConn, ErrDBQuery, ErrBadQuery, ErrPromoted, ErrFailoverFail}
	seen := map[Code]bool{}
	for _, c := range codes {
		assert.False(t, seen[c], "duplicate exit code %d", int(c))
		seen[c] = true
	}
}

func TestFromError(t *testing.T) {
	assert.Equal(t, Success, FromError(nil))
	assert.Equal(t, ErrPromoted, FromError(New(ErrPromoted, "promoted")))
	assert.Equal(t, ErrDBConn, FromError(fmt.Errorf("outer: %w", Wrap(ErrDBConn, errors.New("down")))))
	assert.Equal(t, ErrBadConfig, FromError(errors.New("plain error")))
}

func TestErrorString(t *testing.T) {
	err := New(ErrFailoverFail, "only %d nodes visible", 1)
	assert.Contains(t, err.Error(), "ERR_FAILOVER_FAIL")
	assert.Contains(t, err.Error(), "only 1 nodes visible")
	assert.Equal(t, "ERR_PROMOTED", ErrPromoted.String())
	assert.Equal(t, "EXIT(42)", Code(42).String())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	assert.ErrorIs(t, Wrap(ErrDBQuery, cause), cause)
}
