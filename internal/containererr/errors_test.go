package containererr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRecoversKindThroughWrapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
		want bool
	}{
		{"direct", Namespace("unshare failed", nil), KindNamespaceSetup, true},
		{"wrapped", fmt.Errorf("setup: %w", Cgroup("write memory.max", errors.New("EACCES"))), KindCgroup, true},
		{"mismatch", Volume("bind mount", nil), KindNetwork, false},
		{"plain error", errors.New("boom"), KindIO, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Is(tc.err, tc.kind))
		})
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("no such file")
	err := Filesystem("mount proc", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "mount proc")
	require.Contains(t, err.Error(), "no such file")
}

func TestRootRequiredHasNoCause(t *testing.T) {
	err := RootRequired()
	require.Nil(t, err.Unwrap())
	require.Equal(t, KindRootRequired, err.Kind)
}
