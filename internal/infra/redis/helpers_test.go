package redis

import (
	"net"
	"strconv"
	"testing"

	"github.com/sifan077/pageviews/config"
	"github.com/stretchr/testify/require"
)

func configFor(t *testing.T, addr string) config.RedisConfig {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.RedisConfig{Enabled: true, Host: host, Port: port}
}
