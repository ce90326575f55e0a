package pipe

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipe_LosslessAcrossChunkings(t *testing.T) {
	src := make([]byte, 64*1024)
	rnd := rand.New(rand.NewSource(42))
	_, _ = rnd.Read(src)

	for _, maxChunk := range []int{1, 7, 512, 4096, len(src)} {
		p := New()
		ctx := context.Background()

		go func() {
			rest := src
			for len(rest) > 0 {
				n := 1 + rnd.Intn(maxChunk)
				if n > len(rest) {
					n = len(rest)
				}
				_ = p.Send(ctx, Bytes(rest[:n]))
				rest = rest[n:]
			}
			_ = p.Send(ctx, Stop())
		}()

		var got bytes.Buffer
		for {
			msg, err := p.Recv(ctx)
			require.NoError(t, err)
			if msg.Kind == KindStop {
				break
			}
			require.Equal(t, KindBytes, msg.Kind)
			got.Write(msg.Data)
		}
		require.Equal(t, src, got.Bytes(), "max chunk %d", maxChunk)
		p.Close()
	}
}

func TestPipe_PreservesOrder(t *testing.T) {
	p := New()
	ctx := context.Background()
	want := []Message{
		HeaderLine("HTTP/1.1 200 OK"),
		HeaderLine("Content-Type: text/plain"),
		EndOfHeaders(),
		Bytes([]byte("a")),
		Bytes([]byte("b")),
		PrepareToFinish(),
		Stop(),
	}

	go func() {
		for _, m := range want {
			_ = p.Send(ctx, m)
		}
	}()

	for _, m := range want {
		got, err := p.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestPipe_SendBlocksUntilConsumed(t *testing.T) {
	p := New()
	ctx := context.Background()
	sent := make(chan int, 3)

	go func() {
		for i := 0; i < 3; i++ {
			_ = p.Send(ctx, Bytes([]byte{byte(i)}))
			sent <- i
		}
	}()

	// Nobody is receiving: the producer must stall on the first message.
	select {
	case i := <-sent:
		t.Fatalf("send %d completed without a consumer", i)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 3; i++ {
		msg, err := p.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, msg.Data)
		require.Equal(t, i, <-sent)

		// Slow consumer: the next send stays pending until we read again.
		select {
		case j := <-sent:
			t.Fatalf("send %d completed before it was consumed", j)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestPipe_ContextCancelUnblocks(t *testing.T) {
	p := New()
	cause := errors.New("upload gone")
	ctx, cancel := context.WithCancelCause(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Send(ctx, Bytes([]byte("x"))) }()
	cancel(cause)

	select {
	case err := <-done:
		require.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatal("Send did not return after cancel")
	}

	_, err := p.Recv(ctx)
	require.ErrorIs(t, err, cause)
}

func TestPipe_Closed(t *testing.T) {
	p := New()
	p.Close()
	p.Close()

	_, err := p.Recv(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	require.PanicsWithValue(t, "pipe: send of Stop on closed pipe", func() {
		_ = p.Send(context.Background(), Stop())
	})
}

func TestMessage_String(t *testing.T) {
	require.Equal(t, "Bytes(3)", Bytes([]byte("abc")).String())
	require.Equal(t, `HeaderLine("A: b")`, HeaderLine("A: b").String())
	require.Equal(t, "EndOfHeaders", EndOfHeaders().String())
	require.Equal(t, "Kind(0)", Message{}.String())
}
