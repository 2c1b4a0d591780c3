package provision

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	voicechat "github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type seenRequest struct {
	method string
	path   string
	auth   string
	ctype  string
	body   string
}

type roomService struct {
	mu   sync.Mutex
	seen []seenRequest
}

func (r *roomService) last() seenRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[len(r.seen)-1]
}

// serve starts handler on an in-memory listener and returns a client
// dialing it.
func serve(t *testing.T, rec *roomService, handler fasthttp.RequestHandler) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		rec.mu.Lock()
		rec.seen = append(rec.seen, seenRequest{
			method: string(ctx.Method()),
			path:   string(ctx.Path()),
			auth:   string(ctx.Request.Header.Peek("Authorization")),
			ctype:  string(ctx.Request.Header.ContentType()),
			body:   string(ctx.PostBody()),
		})
		rec.mu.Unlock()
		handler(ctx)
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = ln.Close()
	})
	return &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(nil, "http://rooms.test")
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewClient(shared.NewNopLogger(), "")
	assert.ErrorIs(t, err, shared.ErrNoConfig)
	_, err = NewClient(shared.NewNopLogger(), "ftp://rooms.test")
	assert.ErrorIs(t, err, shared.ErrUnsupportedURL)
}

func TestProvision(t *testing.T) {
	rec := &roomService{}
	hc := serve(t, rec, func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"room_url":"wss://rooms.test/r/42","token":"tok-42"}`)
	})
	c, err := NewClient(shared.NewNopLogger(), "http://rooms.test/api", WithAPIKey("key"), WithHTTPClient(hc))
	require.NoError(t, err)

	creds, err := c.Provision(context.Background(), "bugs")
	require.NoError(t, err)
	assert.Equal(t, voicechat.Credentials{RoomURL: "wss://rooms.test/r/42", Token: "tok-42"}, creds)

	seen := rec.last()
	assert.Equal(t, fasthttp.MethodPost, seen.method)
	assert.Equal(t, "/api/connect", seen.path)
	assert.Equal(t, "Bearer key", seen.auth)
	assert.Equal(t, "application/json", seen.ctype)
	assert.JSONEq(t, `{"character":"bugs"}`, seen.body)
}

func TestProvision_NoAPIKey(t *testing.T) {
	rec := &roomService{}
	hc := serve(t, rec, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(`{"room_url":"https://rooms.test/whip/1"}`)
	})
	c, err := NewClient(shared.NewNopLogger(), "http://rooms.test", WithHTTPClient(hc))
	require.NoError(t, err)

	creds, err := c.Provision(context.Background(), "daffy")
	require.NoError(t, err)
	assert.Empty(t, creds.Token)
	assert.Empty(t, rec.last().auth)
}

func TestProvision_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler fasthttp.RequestHandler
		wantMsg string
	}{
		{
			name: "server error",
			handler: func(ctx *fasthttp.RequestCtx) {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				ctx.SetBodyString("no rooms left")
			},
			wantMsg: "503",
		},
		{
			name:    "malformed body",
			handler: func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString(`{"room_url":`) },
			wantMsg: "decoding response",
		},
		{
			name:    "missing room",
			handler: func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString(`{"token":"t"}`) },
			wantMsg: "no room_url",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := serve(t, &roomService{}, tt.handler)
			c, err := NewClient(shared.NewNopLogger(), "http://rooms.test", WithHTTPClient(hc))
			require.NoError(t, err)

			_, err = c.Provision(context.Background(), "bugs")
			assert.ErrorIs(t, err, shared.ErrProvisioning)
			assert.ErrorContains(t, err, tt.wantMsg)
		})
	}
}

func TestProvision_Timeout(t *testing.T) {
	release := make(chan struct{})
	hc := serve(t, &roomService{}, func(ctx *fasthttp.RequestCtx) {
		<-release
		ctx.SetBodyString(`{"room_url":"wss://late"}`)
	})
	defer close(release)
	c, err := NewClient(shared.NewNopLogger(), "http://rooms.test", WithHTTPClient(hc), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Provision(context.Background(), "bugs")
	assert.ErrorIs(t, err, shared.ErrProvisioning)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProvision_CancelledContext(t *testing.T) {
	hc := serve(t, &roomService{}, func(ctx *fasthttp.RequestCtx) {})
	c, err := NewClient(shared.NewNopLogger(), "http://rooms.test", WithHTTPClient(hc))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Provision(ctx, "bugs")
	assert.ErrorIs(t, err, shared.ErrProvisioning)
	assert.ErrorIs(t, err, context.Canceled)
}
