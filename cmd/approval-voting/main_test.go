package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandFlags(t *testing.T) {
	cmd := rootCommand()
	for _, name := range []string{"config", "env", "log.level", "db.engine", "db.path", "validator.index", "metrics.addr", "network.listen_addr", "network.peers"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}

	require.NoError(t, cmd.ParseFlags([]string{"--db.engine", "memory", "--validator.index", "3"}))
	engine, err := cmd.Flags().GetString("db.engine")
	require.NoError(t, err)
	assert.Equal(t, "memory", engine)
	assert.True(t, cmd.Flags().Changed("validator.index"))
}
