package main

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mjtrangoni/wprocd/internal/dispatch"
	"github.com/mjtrangoni/wprocd/internal/registry"
	"github.com/mjtrangoni/wprocd/internal/wire"
)

// TestHandleRegistrationFramesMultiLineBody drives a real "register" command
// whose body contains two newline-separated plugin= pairs, split across
// several conn.Write calls, through handleRegistration. A bufio.ReadString('\n')
// read would truncate after the first pair; the MsgDelim-framed decoder must
// not.
func TestHandleRegistrationFramesMultiLineBody(t *testing.T) {
	sub := dispatch.New(nil, zerolog.Nop(), dispatch.Timeouts{}, 16, 4096)
	handlers := registry.New()
	sub.RegisterHandlers(handlers)

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		handleRegistration(zerolog.Nop(), server, handlers)
		close(done)
	}()

	body := "register name=ext-1\nplugin=check_ping\nplugin=check_disk"
	msg := append([]byte(body), wire.MsgDelim...)

	// Split the write across the embedded '\n' separators to prove partial
	// reads accumulate correctly instead of stopping at the first one.
	mid := len(body) / 2
	go func() {
		_, _ = client.Write(msg[:mid])
		time.Sleep(5 * time.Millisecond)
		_, _ = client.Write(msg[mid:])
	}()

	readBuf := make([]byte, 256)
	n, err := client.Read(readBuf)
	require.NoError(t, err)
	require.Contains(t, string(readBuf[:n]), "0 registered")

	<-done

	require.Len(t, sub.Handles(), 1)
	h := sub.Handles()[0]
	require.Equal(t, "ext-1", h.SourceName)

	list, err := sub.Registry.Select("check_ping")
	require.NoError(t, err)
	require.Same(t, h, list.Next())

	list, err = sub.Registry.Select("check_disk")
	require.NoError(t, err)
	require.Same(t, h, list.Next())
}
