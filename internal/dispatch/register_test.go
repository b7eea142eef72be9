package dispatch

import (
	"net"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjtrangoni/wprocd/internal/registry"
	"github.com/mjtrangoni/wprocd/internal/wire"
)

// registrationBody builds a "register" verb body the way spec.md §4.4/§6
// requires: '=' within a pair, '\n' between pairs — not the NUL-separated
// job/result wire format internal/wire.Encode produces.
func registrationBody(pairs []wire.KV) []byte {
	lines := make([]string, len(pairs))
	for i, kv := range pairs {
		lines[i] = kv.Key + "=" + kv.Value
	}
	return []byte(strings.Join(lines, "\n"))
}

func TestRegisterHandlersAdoptsExternalWorker(t *testing.T) {
	sub := New(nil, zerolog.Nop(), Timeouts{}, 16, 4096)
	reg := registry.New()
	sub.RegisterHandlers(reg)

	client, server := net.Pipe()
	defer client.Close()

	body := registrationBody([]wire.KV{
		{Key: wire.KeyName, Value: "ext-worker-1"},
		{Key: wire.KeyPlugin, Value: "check_ping"},
		{Key: wire.KeyPlugin, Value: "check_disk"},
	})

	var reply registry.Reply
	done := make(chan struct{})
	go func() {
		reply = reg.Dispatch(server, append([]byte("register "), body...))
		close(done)
	}()
	<-done

	require.Equal(t, 0, reply.Status)
	assert.Len(t, sub.Handles(), 1)

	h := sub.Handles()[0]
	assert.Equal(t, "ext-worker-1", h.SourceName)
	assert.Equal(t, 0, h.PID)

	list, err := sub.Registry.Select("check_ping")
	require.NoError(t, err)
	assert.Same(t, h, list.Next())

	list, err = sub.Registry.Select("check_disk")
	require.NoError(t, err)
	assert.Same(t, h, list.Next())
}

func TestRegisterHandlersRejectsMissingName(t *testing.T) {
	sub := New(nil, zerolog.Nop(), Timeouts{}, 16, 4096)
	reg := registry.New()
	sub.RegisterHandlers(reg)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reply := reg.Dispatch(server, []byte("register"))
	assert.Equal(t, 400, reply.Status)
	assert.Empty(t, sub.Handles())
}
