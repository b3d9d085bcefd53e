package transport

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulticastOpenerRejectsInvalidGroup(t *testing.T) {
	for _, group := range []string{"", "not-an-ip", "192.168.1.10", "ff02::1"} {
		t.Run(group, func(t *testing.T) {
			opener := &MulticastOpener{Group: group, Port: 47999}
			conn, addr, err := opener.Open(context.Background())
			require.Error(t, err)
			assert.Nil(t, conn)
			assert.Nil(t, addr)
		})
	}
}

func TestMulticastInterfacesExcludeLoopback(t *testing.T) {
	ifaces, err := multicastInterfaces()
	require.NoError(t, err)

	for _, ifi := range ifaces {
		assert.NotZero(t, ifi.Flags&net.FlagUp, "%s is down", ifi.Name)
		assert.NotZero(t, ifi.Flags&net.FlagMulticast, "%s lacks multicast", ifi.Name)
		assert.Zero(t, ifi.Flags&net.FlagLoopback, "%s is loopback", ifi.Name)
		assert.True(t, hasIPv4(ifi), "%s has no IPv4 address", ifi.Name)
	}
}
