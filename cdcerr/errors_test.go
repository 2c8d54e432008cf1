package cdcerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsKind(t *testing.T) {
	err := NewNotLeader(7, nil)
	assert.True(t, Is(err, NotLeader))
	assert.False(t, Is(err, EpochNotMatch))

	wrapped := fmt.Errorf("delegate: %w", err)
	assert.True(t, Is(wrapped, NotLeader))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrap(3, cause)
	assert.Equal(t, Other, err.Kind)
	assert.ErrorIs(t, err, cause)
}

func TestEpochNotMatchCarriesRegions(t *testing.T) {
	err := NewEpochNotMatch(1, "split", []Region{{ID: 1}, {ID: 2}})
	assert.Len(t, err.NewRegion, 2)
}
