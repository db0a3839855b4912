package outbound

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	to    []string
	reads []string
}

func (r *recorder) Send(_ context.Context, to, _ string) error {
	r.to = append(r.to, to)
	return nil
}

type readRecorder struct {
	recorder
}

func (r *readRecorder) MarkRead(_ context.Context, _, id string) error {
	r.reads = append(r.reads, id)
	return nil
}

func TestMux_RoutesByPrefix(t *testing.T) {
	wa := &readRecorder{}
	tg := &recorder{}
	m := &Mux{WhatsApp: wa, Telegram: tg}

	require.NoError(t, m.Send(context.Background(), "5218128793882", "hola"))
	require.NoError(t, m.Send(context.Background(), "tg:42", "hola"))
	require.Equal(t, []string{"5218128793882"}, wa.to)
	require.Equal(t, []string{"42"}, tg.to)
}

func TestMux_MarkRead(t *testing.T) {
	wa := &readRecorder{}
	m := &Mux{WhatsApp: wa, Telegram: &recorder{}}

	require.NoError(t, m.MarkRead(context.Background(), "5218128793882", "wamid.1"))
	require.NoError(t, m.MarkRead(context.Background(), "tg:42", "7"))
	require.Equal(t, []string{"wamid.1"}, wa.reads)
}

func TestMux_DisabledChannel(t *testing.T) {
	m := &Mux{WhatsApp: &recorder{}}
	err := m.Send(context.Background(), "tg:42", "hola")
	require.ErrorIs(t, err, ErrNoChannel)
}
