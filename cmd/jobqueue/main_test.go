package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owles/go-jobqueue/core"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_SQLiteRoundTrip(t *testing.T) {
	t.Setenv("JOBQUEUE_STORE", "sqlite")
	t.Setenv("JOBQUEUE_DSN", filepath.Join(t.TempDir(), "jobs.db"))

	_, err := run(t, "migrate")
	require.NoError(t, err)

	out, err := run(t, "enqueue", "email", `{"to":"a@b.com"}`, "--priority", "high", "--attempts", "3", "--keep")
	require.NoError(t, err)

	var created struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "email", created.Type)
	id := strconv.FormatInt(created.ID, 10)

	out, err = run(t, "get", id)
	require.NoError(t, err)
	var job core.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, core.StateWaiting, job.State)
	assert.Equal(t, core.PriorityHigh, job.Priority)
	assert.Equal(t, 3, job.AttemptsMax)
	assert.False(t, job.RemoveOnComplete)
	assert.JSONEq(t, `{"to":"a@b.com"}`, string(job.Payload))

	out, err = run(t, "stats", "email")
	require.NoError(t, err)
	var stats map[string]core.Counts
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, core.Counts{Waiting: 1}, stats["email"])

	out, err = run(t, "sweep")
	require.NoError(t, err)
	assert.JSONEq(t, `{"recovered":0}`, out)

	_, err = run(t, "cancel", id)
	require.NoError(t, err)
	_, err = run(t, "get", id)
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestCLI_RejectsBadInput(t *testing.T) {
	t.Setenv("JOBQUEUE_STORE", "memory")

	_, err := run(t, "enqueue", "email", "not json")
	assert.ErrorIs(t, err, core.ErrInvalidPayload)

	_, err = run(t, "enqueue", "email", "--priority", "urgent")
	assert.ErrorIs(t, err, core.ErrInvalidPriority)

	_, err = run(t, "enqueue", "email", "--attempts", "0")
	assert.ErrorIs(t, err, core.ErrInvalidAttempts)

	_, err = run(t, "get", "abc")
	assert.Error(t, err)

	_, err = run(t, "migrate")
	assert.NoError(t, err)
}
