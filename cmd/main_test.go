package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadEnvelope(t *testing.T) {
	t.Parallel()

	t.Run("stdin", func(t *testing.T) {
		t.Parallel()
		envelope, err := readEnvelope("-", strings.NewReader(`{"id": "job-1", "input": {"workflow": {}}}`))
		require.NoError(t, err)
		require.Equal(t, "job-1", envelope.ID)
		require.JSONEq(t, `{"workflow": {}}`, string(envelope.Input))
	})

	t.Run("file without id", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "test_input.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"input": "{\"workflow\": {}}"}`), 0o600))

		envelope, err := readEnvelope(path, nil)
		require.NoError(t, err)
		require.NotEmpty(t, envelope.ID)
		require.JSONEq(t, `"{\"workflow\": {}}"`, string(envelope.Input))
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := readEnvelope(filepath.Join(t.TempDir(), "nope.json"), nil)
		require.ErrorContains(t, err, "failed to read job input")
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		_, err := readEnvelope("-", strings.NewReader(`{"input":`))
		require.ErrorContains(t, err, "failed to parse job input")
	})
}
