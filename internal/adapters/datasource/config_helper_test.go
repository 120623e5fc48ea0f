package datasource_test

import (
	"testing"

	"github.com/Amund211/fetchcache/internal/config"
	"github.com/stretchr/testify/require"
)

func mustConfig(t *testing.T) config.Config {
	t.Helper()
	conf, err := config.ConfigFromEnv()
	require.NoError(t, err)
	return conf
}
