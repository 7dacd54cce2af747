package insure

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// HTTPTransport is the default Transport, built on net/http. One
// instance is shared by a worker; the underlying http.Transport pools
// connections unless keep-alive is disabled on the dispatch.
type HTTPTransport struct {
	client          *http.Client
	clientNoReuse   *http.Client
	maxResponseByte int64
}

// maxResponseBytes bounds how much of an upstream body is read into
// memory. Anything beyond is discarded; the stored body is what fits.
const maxResponseBytes = 4 << 20

// NewHTTPTransport builds the shared HTTP transport. Per-dispatch
// timeouts are applied through the request context, not the client, so
// one client serves rows with different timeout settings.
func NewHTTPTransport() *HTTPTransport {
	keepAlive := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	noReuse := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
	}
	return &HTTPTransport{
		client:          &http.Client{Transport: keepAlive},
		clientNoReuse:   &http.Client{Transport: noReuse},
		maxResponseByte: maxResponseBytes,
	}
}

// Send performs one delivery attempt. It never returns an error: a
// connection-level timeout yields the sentinel code 0, and any other
// transport failure yields the inconsistent sentinel -1 with no body
// and no headers.
func (t *HTTPTransport) Send(ctx context.Context, d Dispatch) Outcome {
	startWall := time.Now()
	startCPU := processCPU()

	outcome := t.send(ctx, d)

	outcome.WallMs = float64(time.Since(startWall)) / float64(time.Millisecond)
	outcome.CPUMs = processCPU() - startCPU
	return outcome
}

func (t *HTTPTransport) send(ctx context.Context, d Dispatch) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, d.Method, d.URL, strings.NewReader(d.Payload))
	if err != nil {
		return Outcome{Code: CodeInconsistent}
	}
	for name, vals := range d.Headers {
		for _, v := range vals {
			req.Header.Add(name, v)
		}
	}

	client := t.client
	if !d.KeepAlive {
		client = t.clientNoReuse
	}

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Outcome{Code: CodeTimedOut}
		}
		return Outcome{Code: CodeInconsistent}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponseByte))
	if err != nil {
		if isTimeout(err) {
			return Outcome{Code: CodeTimedOut}
		}
		return Outcome{Code: CodeInconsistent}
	}

	bodyStr := string(body)
	return Outcome{
		Code:    resp.StatusCode,
		Body:    &bodyStr,
		Headers: map[string][]string(resp.Header),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// processCPU returns the process CPU time (user+system) in
// milliseconds. Process-wide, so a concurrent-free worker gets a fair
// per-attempt reading; it matches how the row timings are defined.
func processCPU() float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return float64(user+sys) / float64(time.Millisecond)
}
