package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataset-trainer-go/pkg/token"
)

func TestRequiredFlags(t *testing.T) {
	cases := [][]string{
		{"datasetctl", "status"},
		{"datasetctl", "retry"},
		{"datasetctl", "export"},
		{"datasetctl", "forbid"},
		{"datasetctl", "import", "--dataset", "ds1"},
		{"datasetctl", "token", "--team", "t1"},
	}
	for _, args := range cases {
		t.Run(strings.Join(args[1:], " "), func(t *testing.T) {
			app := newApp()
			app.Writer = &bytes.Buffer{}
			app.ErrWriter = &bytes.Buffer{}
			err := app.Run(args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Required flag")
		})
	}
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt:\n  secret: s3cret\n"), 0o644))

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"datasetctl", "--config", path, "token", "--team", "t1", "--member", "m1", "--perm", "manage"}))

	claims, err := token.NewJWTManager("s3cret", 1).VerifyToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "t1", claims.TeamID)
	assert.Equal(t, "m1", claims.TmbID)
	assert.Equal(t, token.PermManage, claims.Permission)

	app = newApp()
	app.Writer = &bytes.Buffer{}
	err = app.Run([]string{"datasetctl", "--config", path, "token", "--team", "t1", "--member", "m1", "--perm", "root"})
	assert.Error(t, err)
}
