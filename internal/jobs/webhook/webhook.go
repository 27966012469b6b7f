// Package webhook adapts an HTTP endpoint into a job function: the job
// POSTs to the URL and maps the response status to an outcome.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"newsflow/internal/job"
)

const bodyLimit = 500

// Job returns a cron job that POSTs an empty body to url.
func Job(url string) job.Func {
	return func(ctx context.Context) job.Result {
		return post(ctx, url, nil)
	}
}

// StageJob returns a stage job that POSTs {"entity_id": N} to url.
func StageJob(url string) job.StageFunc {
	return func(ctx context.Context, entityID int64) job.Result {
		body := []byte(fmt.Sprintf(`{"entity_id":%d}`, entityID))
		return post(ctx, url, body)
	}
}

func post(ctx context.Context, url string, body []byte) job.Result {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return job.Failed(fmt.Sprintf("build request: %v", err))
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return job.Failed(fmt.Sprintf("POST %s: %v", url, err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
	text := strings.TrimSpace(string(respBody))

	// 204 from the endpoint means "nothing to do this round".
	if resp.StatusCode == http.StatusNoContent {
		return job.Skip("endpoint reported no outstanding work")
	}
	if resp.StatusCode >= 400 {
		return job.Failed(fmt.Sprintf("POST %s: HTTP %d: %s", url, resp.StatusCode, text))
	}
	if text == "" {
		text = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return job.Done(text)
}
