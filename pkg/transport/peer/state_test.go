package peer

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/frontdesk/pkg/transport"
)

// openedTransport returns a transport that behaves as if Open had succeeded,
// and a counter of close callbacks.
func openedTransport(t *testing.T) (*Transport, *int) {
	t.Helper()
	tr := New(Config{Company: "Gulf Logistics"}, nil, nil)
	tr.opened = true
	closes := new(int)
	tr.OnClose(func(error) { *closes++ })
	return tr, closes
}

func TestConnWatch_DisconnectedIsNotTerminalAfterOpen(t *testing.T) {
	t.Parallel()
	tr, closes := openedTransport(t)
	w := newConnWatch(tr)

	w.update(webrtc.PeerConnectionStateConnected)
	w.update(webrtc.PeerConnectionStateDisconnected)
	w.update(webrtc.PeerConnectionStateConnected)

	if *closes != 0 {
		t.Fatalf("OnClose fired %d times on a recoverable disconnect", *closes)
	}
	select {
	case err := <-w.failed:
		t.Errorf("failure reported for disconnect: %v", err)
	default:
	}
}

func TestConnWatch_TerminalStatesCloseAfterOpen(t *testing.T) {
	t.Parallel()
	for _, s := range []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed,
	} {
		t.Run(s.String(), func(t *testing.T) {
			t.Parallel()
			tr, _ := openedTransport(t)
			var got error
			tr.OnClose(func(err error) { got = err })
			w := newConnWatch(tr)

			w.update(webrtc.PeerConnectionStateDisconnected)
			w.update(s)

			var terr *transport.Error
			if !errors.As(got, &terr) || terr.Kind != transport.KindClosed {
				t.Fatalf("close error = %v, want closed transport error", got)
			}
		})
	}
}

func TestConnWatch_DisconnectedFailsOpen(t *testing.T) {
	t.Parallel()
	tr := New(Config{Company: "Gulf Logistics"}, nil, nil)
	closes := 0
	tr.OnClose(func(error) { closes++ })
	w := newConnWatch(tr)

	w.update(webrtc.PeerConnectionStateDisconnected)

	select {
	case err := <-w.failed:
		if err == nil {
			t.Error("nil failure")
		}
	default:
		t.Fatal("disconnect during negotiation was not reported")
	}
	if closes != 0 {
		t.Errorf("OnClose fired %d times before open", closes)
	}
}
