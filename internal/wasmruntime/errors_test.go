package wasmruntime

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTrap(t *testing.T) {
	for _, trap := range traps {
		trap := trap
		t.Run(trap.Error(), func(t *testing.T) {
			require.True(t, IsTrap(trap))
			require.True(t, IsTrap(fmt.Errorf("wasm runtime error: %w", trap)))
		})
	}

	require.False(t, IsTrap(nil))
	require.False(t, IsTrap(errors.New("out of memory")))
}
