package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vergedb/verge/pkg/status"
)

type echoReq struct {
	Msg string `json:"msg"`
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer("test")
	s.Register("echo", func(ctx context.Context, body []byte) (interface{}, error) {
		var req echoReq
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return &echoReq{Msg: req.Msg}, nil
	})
	s.Register("fail", func(ctx context.Context, body []byte) (interface{}, error) {
		return nil, status.New(status.ErrNotFound, "nothing here")
	})
	s.Register("slow", func(ctx context.Context, body []byte) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return &echoReq{Msg: "late"}, nil
	})
	require.NoError(t, s.Listen("127.0.0.1:0"))
	t.Cleanup(s.Stop)
	return s, s.Addr().String()
}

func TestCallRoundTrip(t *testing.T) {
	_, addr := newTestServer(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	var resp echoReq
	require.NoError(t, c.Call(context.Background(), "echo", &echoReq{Msg: "hello"}, &resp))
	require.Equal(t, "hello", resp.Msg)
}

func TestCallErrorCarriesCode(t *testing.T) {
	_, addr := newTestServer(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call(context.Background(), "fail", nil, nil)
	require.Equal(t, status.ErrNotFound, status.CodeOf(err))

	err = c.Call(context.Background(), "no.such.method", nil, nil)
	require.Equal(t, status.ErrUnsupported, status.CodeOf(err))
}

func TestCallDeadline(t *testing.T) {
	_, addr := newTestServer(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = c.Call(ctx, "slow", nil, nil)
	require.Equal(t, status.ErrTimeout, status.CodeOf(err))
}

func TestConcurrentCallsMultiplex(t *testing.T) {
	_, addr := newTestServer(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var resp echoReq
			msg := string(rune('a' + i%26))
			if err := c.Call(context.Background(), "echo", &echoReq{Msg: msg}, &resp); err != nil {
				errs <- err
				return
			}
			if resp.Msg != msg {
				errs <- status.New(status.ErrRPCFailure, "mismatched response")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
