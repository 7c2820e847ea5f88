package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shopmindai/pingpongbot/internal/apperr"
)

func TestClassify_DeadlineExceededIsNeverRetried(t *testing.T) {
	err := classify("query", context.DeadlineExceeded)
	assert.Equal(t, apperr.Permanent, apperr.KindOf(err))
	assert.False(t, apperr.IsTransient(err))
}

func TestClassify_ConnectionLossIsTransient(t *testing.T) {
	err := classify("query", sql.ErrConnDone)
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))
	assert.True(t, apperr.IsTransient(err))
}

func TestClassify_CancellationIsTransient(t *testing.T) {
	err := classify("query", context.Canceled)
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))
	assert.True(t, apperr.IsTransient(err))
}

func TestClassify_UnclassifiedIsPermanent(t *testing.T) {
	err := classify("query", errors.New("boom"))
	assert.Equal(t, apperr.Permanent, apperr.KindOf(err))
	assert.False(t, apperr.IsTransient(err))
}

func TestClassify_Nil(t *testing.T) {
	assert.NoError(t, classify("query", nil))
}
