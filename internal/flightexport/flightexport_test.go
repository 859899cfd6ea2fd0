package flightexport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-whittle/internal/artifact"
	"github.com/23skdu/longbow-whittle/internal/config"
	"github.com/23skdu/longbow-whittle/internal/graph"
	"github.com/23skdu/longbow-whittle/internal/prune"
)

func TestExportRequiresConnect(t *testing.T) {
	e := New("localhost:3000")
	meta := artifact.Meta{
		Algorithm: "acdc",
		Task:      "planted-trigger",
		Shape:     config.Default().Model,
	}
	scores := prune.NewScores(graph.Build(meta.Shape))

	err := e.Export(context.Background(), scores, meta)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestCloseBeforeConnect(t *testing.T) {
	assert.NoError(t, New("localhost:3000").Close())
}
