package rtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/cordis/internal/core"
	"github.com/rs/zerolog"
)

func newTestLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	e := NewEngine(Options{Workers: 1, MinPort: 50000, MaxPort: 50100})
	mw, err := e.NewWorker(1, 0)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	w := mw.(*Worker)
	t.Cleanup(w.Close)
	return w
}

func TestWorkerRouters(t *testing.T) {
	w := newTestWorker(t)
	cr, err := w.CreateRouter(context.Background())
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	r := cr.(*Router)
	if got := len(r.RTPCapabilities().Codecs); got != len(DefaultCodecs()) {
		t.Fatalf("router offers %d codecs", got)
	}
	if r.CanConsume("missing", r.RTPCapabilities()) {
		t.Fatal("CanConsume true for unknown producer")
	}

	w.Close()
	if !r.isClosed() {
		t.Fatal("worker close left router open")
	}
	if _, err := w.CreateRouter(context.Background()); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("err = %v, want ErrWorkerClosed", err)
	}
	if _, err := r.CreateTransport(context.Background()); !errors.Is(err, ErrRouterClosed) {
		t.Fatalf("err = %v, want ErrRouterClosed", err)
	}
}

func TestWorkerPanicIsDeath(t *testing.T) {
	w := newTestWorker(t)
	w.goSafe("test", func() { panic("boom") })
	select {
	case err := <-w.Died():
		if err == nil {
			t.Fatal("death without cause")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic did not kill the worker")
	}
}

func TestEmitAfterCloseDoesNotBlock(t *testing.T) {
	w := newTestWorker(t)
	cr, _ := w.CreateRouter(context.Background())
	r := cr.(*Router)
	r.Close()

	done := make(chan struct{})
	go func() {
		for range cap(r.events) + 1 {
			r.emit(core.MediaEvent{Kind: core.TransportClosed, ID: "t"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a closed router")
	}
}

// bareTransport has no ICE/DTLS objects; it only reaches validation paths.
func bareTransport(t *testing.T) *Transport {
	t.Helper()
	w := newTestWorker(t)
	cr, _ := w.CreateRouter(context.Background())
	r := cr.(*Router)
	return &Transport{
		id:        "t1",
		router:    r,
		logger:    newTestLogger(),
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
}

func TestProduceValidation(t *testing.T) {
	tr := bareTransport(t)
	opus := func(pt uint8, ssrc uint32) core.RTPParameters {
		return core.RTPParameters{
			Codecs:    []core.CodecParameters{{MimeType: "audio/opus", PayloadType: pt, ClockRate: 48000, Channels: 2}},
			Encodings: []core.Encoding{{SSRC: ssrc}},
		}
	}
	tests := []struct {
		name   string
		kind   core.MediaKind
		params core.RTPParameters
		want   error
	}{
		{"bad kind", "screen", opus(111, 1), ErrInvalidRTPParameters},
		{"no ssrc", core.KindAudio, opus(111, 0), ErrInvalidRTPParameters},
		{"no codecs", core.KindAudio, core.RTPParameters{Encodings: []core.Encoding{{SSRC: 1}}}, ErrInvalidRTPParameters},
		{"kind mismatch", core.KindVideo, opus(111, 1), ErrUnsupportedCodec},
		{"payload type", core.KindAudio, opus(100, 1), ErrUnsupportedCodec},
		{"unknown codec", core.KindVideo, core.RTPParameters{
			Codecs:    []core.CodecParameters{{MimeType: "video/AV1", PayloadType: 45, ClockRate: 90000}},
			Encodings: []core.Encoding{{SSRC: 1}},
		}, ErrUnsupportedCodec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tr.Produce(context.Background(), tt.kind, tt.params); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConsumeUnknownProducer(t *testing.T) {
	tr := bareTransport(t)
	if _, err := tr.Consume(context.Background(), "missing", core.RTPCapabilities{Codecs: DefaultCodecs()}); !errors.Is(err, ErrProducerNotFound) {
		t.Fatalf("err = %v, want ErrProducerNotFound", err)
	}
}

func TestConnectValidation(t *testing.T) {
	tr := bareTransport(t)
	dtls := core.DTLSParameters{Role: "client", Fingerprints: []core.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA"}}}

	if err := tr.Connect(context.Background(), core.ConnectParams{DTLSParameters: dtls}); !errors.Is(err, ErrICEParametersRequired) {
		t.Fatalf("err = %v, want ErrICEParametersRequired", err)
	}
	ice := &core.ICEParameters{UsernameFragment: "u", Password: "p"}
	if err := tr.Connect(context.Background(), core.ConnectParams{ICEParameters: ice}); !errors.Is(err, ErrInvalidDTLSParameters) {
		t.Fatalf("err = %v, want ErrInvalidDTLSParameters", err)
	}

	tr.mu.Lock()
	tr.closed = true
	tr.mu.Unlock()
	if err := tr.Connect(context.Background(), core.ConnectParams{DTLSParameters: dtls, ICEParameters: ice}); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("err = %v, want ErrTransportClosed", err)
	}
}
