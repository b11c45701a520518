package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMySQLSource_RejectsBadDSN(t *testing.T) {
	_, err := NewMySQLSource("not a dsn")
	require.Error(t, err)
}

func TestConfigure(t *testing.T) {
	dsn, err := configure("user:pass@tcp(127.0.0.1:3306)/jobs")
	require.NoError(t, err)

	assert.Contains(t, dsn, "clientFoundRows=true")
	assert.Contains(t, dsn, "multiStatements=true")
	assert.Contains(t, dsn, "/jobs")
}
