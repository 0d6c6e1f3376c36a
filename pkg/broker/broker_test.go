package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgi-broker/broker/pkg/config"
)

func TestNewNodeWiresSubstrate(t *testing.T) {
	opts := config.Options{ListenAddress: "127.0.0.1", ListenPort: 0}
	n, err := New(opts, config.DefaultTimings(), "")
	require.NoError(t, err)
	defer n.Stop()

	require.NotNil(t, n.Dispatch)
	require.NotNil(t, n.Scheduler)
	require.NotNil(t, n.ConnMgr)
	require.Equal(t, n.Self, n.ConnMgr.Self())
}

func TestAddModuleRegistersWithScheduler(t *testing.T) {
	opts := config.Options{ListenAddress: "127.0.0.1", ListenPort: 0}
	n, err := New(opts, config.DefaultTimings(), "")
	require.NoError(t, err)
	defer n.Stop()

	hb := NewHeartbeatModule("hb", 50*time.Millisecond)
	n.AddModule(hb)
	require.Len(t, n.modules, 1)
}
