// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFound_CategoryAndMessage(t *testing.T) {
	err := NotFound("session %q not found", "s1")
	assert.Equal(t, CategoryNotFound, err.Category)
	assert.Contains(t, err.Error(), `session "s1" not found`)
}

func TestErrorsIs_MatchesByCategoryOnly(t *testing.T) {
	a := Conflict("session already owned")
	b := Conflict("duplicate upload id")
	assert.True(t, errors.Is(a, b))

	c := NotFound("unknown project")
	assert.False(t, errors.Is(a, c))
}

func TestInternal_CarriesCorrelationIDNotCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal(cause)

	assert.Equal(t, CategoryInternal, err.Category)
	assert.NotEmpty(t, err.CorrelationID)
	assert.NotContains(t, err.Message, "disk full", "client-visible message must not leak the cause")
	assert.Equal(t, cause, err.Cause())
	assert.ErrorIs(t, err, cause)
}

func TestInternal_EachCallGetsFreshCorrelationID(t *testing.T) {
	e1 := Internal(errors.New("a"))
	e2 := Internal(errors.New("b"))
	assert.NotEqual(t, e1.CorrelationID, e2.CorrelationID)
}

func TestCategoryConstructors(t *testing.T) {
	assert.Equal(t, CategoryBadRequest, BadRequest("x").Category)
	assert.Equal(t, CategoryUnauthorized, Unauthorized("x").Category)
	assert.Equal(t, CategoryGone, Gone("x").Category)
	assert.Equal(t, CategoryTooLarge, TooLarge("x").Category)
}
