package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountEmpty(t *testing.T) {
	assert.Zero(t, Count(""))
}

func TestCountGrowsWithText(t *testing.T) {
	short := Count("one sentence.")
	long := Count(strings.Repeat("one sentence. ", 50))
	assert.Greater(t, long, short)
	assert.Positive(t, short)
}

func TestEstimate(t *testing.T) {
	assert.Zero(t, Estimate(""))
	assert.Equal(t, 1, Estimate("ab"))
	assert.Equal(t, 4, Estimate("sixteen chars!!!"))
}
