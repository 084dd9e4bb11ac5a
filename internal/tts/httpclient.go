package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slofp/estella/internal/logging"
)

// PostWithRetries posts body to url, retrying transport errors and 5xx
// responses with exponential backoff. Caller must close resp.Body.
func PostWithRetries(ctx context.Context, client *http.Client, url, contentType string, body []byte, timeout time.Duration, attempts int, correlationID string) (*http.Response, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(200*(1<<(i-1))) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, err := postOnce(ctx, client, url, contentType, body, timeout)
		if err != nil {
			lastErr = err
			logging.Debugw("tts: POST attempt failed", "attempt", i+1, "url", url, "err", err, "correlation_id", correlationID)
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode >= 500 && i < attempts-1 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			logging.Debugw("tts: server error, retrying", "attempt", i+1, "status", resp.StatusCode, "correlation_id", correlationID)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("post %s: %w", url, lastErr)
}

// postOnce bounds a single attempt by timeout while leaving the body
// readable after it returns.
func postOnce(ctx context.Context, client *http.Client, url, contentType string, body []byte, timeout time.Duration) (*http.Response, error) {
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
