// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubstituteEnvVarsUsesDefaultWhenUnset(t *testing.T) {
	require.NoError(t, os.Unsetenv("DUSKMESH_TEST_VAR"))
	got := SubstituteEnvVars("${DUSKMESH_TEST_VAR:fallback}")
	require.Equal(t, "fallback", got)
}

func TestSubstituteEnvVarsUsesSetValue(t *testing.T) {
	t.Setenv("DUSKMESH_TEST_VAR", "actual")
	got := SubstituteEnvVars("${DUSKMESH_TEST_VAR:fallback}")
	require.Equal(t, "actual", got)
}

func TestGetEnvironmentDefaultsToDevelopment(t *testing.T) {
	require.NoError(t, os.Unsetenv("MESH_ENV"))
	require.NoError(t, os.Unsetenv("ENVIRONMENT"))
	require.Equal(t, "development", GetEnvironment())
	require.True(t, IsDevelopment())
	require.False(t, IsProduction())
}
