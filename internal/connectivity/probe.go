package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProbe reports the backend online when url answers below 500 within
// timeout. Auth failures still prove the backend is reachable.
func HTTPProbe(url string, timeout time.Duration, header http.Header) Probe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, fmt.Errorf("build probe request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return false, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return true, nil
	}
}
