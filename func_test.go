// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuncAdapter(t *testing.T) {
	called := false
	adapter := FuncAdapter[netip.AddrPort, string](func(ctx context.Context, input netip.AddrPort) (string, error) {
		called = true
		return input.Addr().String(), nil
	})

	output, err := adapter.Call(context.Background(), netip.MustParseAddrPort("10.0.0.1:53"))

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "10.0.0.1", output)
}
