package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTileSizes(t *testing.T) {
	assert.NoError(t, ValidateTileSizes("4,4"))
	assert.NoError(t, ValidateTileSizes("0, 8"))
	assert.NoError(t, ValidateTileSizes(""))
	assert.Error(t, ValidateTileSizes("4,-1"))
	assert.Error(t, ValidateTileSizes("4,x"))
}

func TestReplaceTildeInDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := replaceTildeInDir("~/out.mlir")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "out.mlir"), got)

	got, err = replaceTildeInDir("/tmp/~out.mlir")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/~out.mlir", got)
}
