package uuid

import (
	"errors"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.LessOrEqual(t, id1, id2)
}

func TestGeneratorNewIDError(t *testing.T) {
	t.Parallel()

	gen := &Generator{source: func() (goUUID.UUID, error) { return goUUID.Nil, errors.New("entropy exhausted") }}
	_, err := gen.NewID()
	require.ErrorContains(t, err, "entropy exhausted")
}
