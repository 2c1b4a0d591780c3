package rtc

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/voicechat/shared"
	"github.com/valyala/fasthttp"
)

const defaultSignalTimeout = 10 * time.Second

// httpSignaler posts the offer as application/sdp and expects the answer in
// a 201 response. The Location header, when present, names the session
// resource that is deleted on leave.
type httpSignaler struct {
	endpoint *url.URL
	token    string
	client   *fasthttp.Client

	mu       sync.Mutex
	resource string
}

func (s *httpSignaler) Exchange(ctx context.Context, offer string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.endpoint.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/sdp")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.SetBodyString(offer)

	if err := s.do(ctx, req, resp); err != nil {
		return "", err
	}
	switch resp.StatusCode() {
	case fasthttp.StatusCreated, fasthttp.StatusOK:
	default:
		return "", fmt.Errorf("%w: unexpected status code: %d, body: %s", shared.ErrSignaling, resp.StatusCode(), resp.Body())
	}
	if loc := resp.Header.Peek(fasthttp.HeaderLocation); len(loc) > 0 {
		ref, err := url.Parse(string(loc))
		if err == nil {
			s.mu.Lock()
			s.resource = s.endpoint.ResolveReference(ref).String()
			s.mu.Unlock()
		}
	}
	if len(resp.Body()) == 0 {
		return "", fmt.Errorf("%w: empty answer", shared.ErrSignaling)
	}
	return string(resp.Body()), nil
}

func (s *httpSignaler) Leave(ctx context.Context) error {
	s.mu.Lock()
	resource := s.resource
	s.resource = ""
	s.mu.Unlock()
	if resource == "" {
		return nil
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(resource)
	req.Header.SetMethod(fasthttp.MethodDelete)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if err := s.do(ctx, req, resp); err != nil {
		return err
	}
	if code := resp.StatusCode(); code >= 300 && code != fasthttp.StatusNotFound {
		return fmt.Errorf("%w: leave returned status %d", shared.ErrSignaling, code)
	}
	return nil
}

func (s *httpSignaler) Close() error {
	return nil
}

// do bounds the request by ctx's deadline. The request and response are
// released by the caller, so the call stays on this goroutine.
func (s *httpSignaler) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSignalTimeout)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.client.DoDeadline(req, resp, deadline); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: performing HTTP request: %w", shared.ErrSignaling, err)
	}
	return nil
}
