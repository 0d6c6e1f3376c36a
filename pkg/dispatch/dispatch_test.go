package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dgi-broker/broker/pkg/message"
)

func TestExactMatchWinsOverAny(t *testing.T) {
	d := New()
	var exactCalled, anyCalled bool
	d.Register("gm", "ayc_response", func(m *message.Message) { exactCalled = true })
	d.Register("gm", AnyKind, func(m *message.Message) { anyCalled = true })

	d.Route(&message.Message{HandlerKey: "gm.ayc_response"})
	require.True(t, exactCalled)
	require.False(t, anyCalled)
}

func TestAnyHandlerFallback(t *testing.T) {
	d := New()
	var anyCalled bool
	d.Register("gm", AnyKind, func(m *message.Message) { anyCalled = true })

	d.Route(&message.Message{HandlerKey: "gm.something_else"})
	require.True(t, anyCalled)
}

func TestUnhandledMessageDoesNotPanic(t *testing.T) {
	d := New()
	require.NotPanics(t, func() {
		d.Route(&message.Message{HandlerKey: "unregistered.kind"})
	})
}

func TestFirstRegistrationWins(t *testing.T) {
	d := New()
	var first, second bool
	d.Register("gm", "x", func(m *message.Message) { first = true })
	d.Register("gm", "x", func(m *message.Message) { second = true })

	d.Route(&message.Message{HandlerKey: "gm.x"})
	require.True(t, first)
	require.False(t, second)
}

func TestPreHandlerCanClaimMessage(t *testing.T) {
	d := New()
	var handlerCalled bool
	d.RegisterPreHandler("gm", func(m *message.Message) bool { return true })
	d.Register("gm", "x", func(m *message.Message) { handlerCalled = true })

	d.Route(&message.Message{HandlerKey: "gm.x"})
	require.False(t, handlerCalled)
}
