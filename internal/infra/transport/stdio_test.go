package transport

import (
	"errors"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/domain"
)

func TestFormatEnv(t *testing.T) {
	assert.Nil(t, formatEnv(nil))
	assert.Nil(t, formatEnv(map[string]string{}))

	env := formatEnv(map[string]string{
		"SPRING_PROFILES_ACTIVE": "prod",
		"API_KEY":                "secret",
		"EMPTY":                  "",
	})
	assert.Equal(t, []string{
		"API_KEY=secret",
		"EMPTY=",
		"SPRING_PROFILES_ACTIVE=prod",
	}, env)
}

func TestClassifyStartError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "not found", err: exec.ErrNotFound, want: domain.ErrExecutableNotFound},
		{name: "missing file", err: os.ErrNotExist, want: domain.ErrExecutableNotFound},
		{name: "permission", err: os.ErrPermission, want: domain.ErrPermissionDenied},
		{
			name: "path error not found",
			err:  &os.PathError{Op: "fork/exec", Path: "/bin/missing", Err: os.ErrNotExist},
			want: domain.ErrExecutableNotFound,
		},
		{
			name: "path error permission",
			err:  &os.PathError{Op: "fork/exec", Path: "/bin/locked", Err: os.ErrPermission},
			want: domain.ErrPermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyStartError(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}

	t.Run("unknown error passes through", func(t *testing.T) {
		cause := errors.New("fork failed")
		assert.Equal(t, cause, classifyStartError(cause))
	})
}

func TestStdio_StartRequiresCommand(t *testing.T) {
	stdio := NewStdio(domain.ServerConfig{ID: "blank", Command: "  "}, StdioOptions{})
	err := stdio.Start(t.Context())
	require.ErrorIs(t, err, domain.ErrInvalidCommand)
}

func TestStdio_StartMissingExecutable(t *testing.T) {
	stdio := NewStdio(domain.ServerConfig{
		ID:      "ghost",
		Command: "/nonexistent/mcp-server-binary",
	}, StdioOptions{})
	err := stdio.Start(t.Context())
	require.ErrorIs(t, err, domain.ErrExecutableNotFound)
}

func TestStdio_CloseIsIdempotent(t *testing.T) {
	stdio := NewStdio(domain.ServerConfig{ID: "idle", Command: "cat"}, StdioOptions{})
	require.NoError(t, stdio.Close())
	require.NoError(t, stdio.Close())

	err := stdio.WriteLine(t.Context(), []byte(`{"jsonrpc":"2.0"}`))
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}
