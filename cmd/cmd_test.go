package cmd_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamba-org/reposhard/cmd"
)

func TestNew_HasResolveCommand(t *testing.T) {
	t.Parallel()

	root := cmd.New()

	assert.Equal(t, "reposhard", root.Name)
	require.Len(t, root.Commands, 1)
	assert.Equal(t, "resolve", root.Commands[0].Name)
}

func TestNew_ResolveRequiresChannelAndPackage(t *testing.T) {
	t.Parallel()

	root := cmd.New()

	err := root.Run(context.Background(), []string{"reposhard", "resolve"})
	require.Error(t, err)
}
