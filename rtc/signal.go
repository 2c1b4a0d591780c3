package rtc

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bt-bridge/voicechat/shared"
	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"
)

// signaler exchanges the SDP offer/answer with the room and announces the
// departure.
type signaler interface {
	Exchange(ctx context.Context, offer string) (answer string, err error)
	Leave(ctx context.Context) error
	Close() error
}

func newSignaler(endpoint *url.URL, token string, httpClient *fasthttp.Client, dialer *websocket.Dialer) (signaler, error) {
	switch endpoint.Scheme {
	case "ws", "wss":
		if dialer == nil {
			dialer = websocket.DefaultDialer
		}
		return &wsSignaler{endpoint: endpoint, token: token, dialer: dialer}, nil
	case "http", "https":
		if httpClient == nil {
			httpClient = &fasthttp.Client{}
		}
		return &httpSignaler{endpoint: endpoint, token: token, client: httpClient}, nil
	default:
		return nil, fmt.Errorf("%w: %q", shared.ErrUnsupportedURL, endpoint.Scheme)
	}
}
