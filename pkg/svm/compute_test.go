package svm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeMeter(t *testing.T) {
	cm := NewComputeMeter(1_000)
	require.NoError(t, cm.Consume(400))
	assert.EqualValues(t, 600, cm.Remaining())
	assert.EqualValues(t, 400, cm.Consumed())

	assert.Equal(t, ErrComputeExceeded, cm.Consume(601))
	assert.EqualValues(t, 0, cm.Remaining())
	assert.EqualValues(t, 1_000, cm.Consumed())
}

func TestComputeMeter_Clamp(t *testing.T) {
	cm := NewComputeMeter(CUMax + 1)
	assert.Equal(t, CUMax, cm.Limit())
}

func TestComputeMeter_SetLimit(t *testing.T) {
	cm := NewComputeMeter(CUDefault)
	require.NoError(t, cm.Consume(100))

	require.NoError(t, cm.SetLimit(500))
	assert.EqualValues(t, 400, cm.Remaining())
	assert.EqualValues(t, 500, cm.Limit())

	assert.Equal(t, ErrComputeInvalidLimit, cm.SetLimit(0))
	assert.Equal(t, ErrComputeInvalidLimit, cm.SetLimit(CUMax+1))
	assert.Equal(t, ErrComputeInvalidLimit, cm.SetLimit(50))
}
