package transports

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/broker/memory"
	"nvxroute-bus/internal/logger"
)

func TestDefaultRegistersEveryTransport(t *testing.T) {
	r := Default(logger.NewNop(), nil)
	assert.Equal(t, []broker.Transport{
		broker.TransportAMQP,
		broker.TransportMemory,
		broker.TransportMQTT,
		broker.TransportNATS,
	}, r.Transports())
}

func TestDefaultSharesMemoryBroker(t *testing.T) {
	mem := memory.NewBroker()
	r := Default(logger.NewNop(), mem)

	conn, err := r.Open(context.Background(), broker.Options{Transport: broker.TransportMemory})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, 1, mem.ConnectionCount())
}
