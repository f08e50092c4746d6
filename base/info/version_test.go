package info

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullVersion(t *testing.T) {
	Set("", "v1.2.3")

	assert.Equal(t, "1.2.3", Version())
	full := FullVersion()
	assert.Contains(t, full, "Portgate 1.2.3")
	assert.Contains(t, full, runtime.Version())
	assert.Equal(t, "Portgate", GetInfo().Name)
}
