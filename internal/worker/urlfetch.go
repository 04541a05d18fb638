package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
)

const (
	urlFetchBaseCost  domain.Micros = 10_000
	urlFetchPerKBCost domain.Micros = 100
	urlFetchMaxBody                 = 4 << 20
)

// URLFetchExecutor fetches a single URL and returns its body digest and size.
// Cost is a base fee plus a per-kilobyte charge on the downloaded body.
type URLFetchExecutor struct {
	client *http.Client
}

func NewURLFetchExecutor(client *http.Client) *URLFetchExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &URLFetchExecutor{client: client}
}

func (e *URLFetchExecutor) Execute(ctx context.Context, run domain.Run) (ExecResult, error) {
	rawURL, _ := run.PackInput["url"].(string)
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ExecResult{}, errors.New("url input is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return ExecResult{}, fmt.Errorf("unsupported url scheme in %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return ExecResult{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, urlFetchMaxBody))
	if err != nil {
		return ExecResult{}, fmt.Errorf("read body: %w", err)
	}
	sum := sha256.Sum256(body)

	cost := urlFetchBaseCost + domain.Micros(len(body)/1024)*urlFetchPerKBCost
	if cost > run.ReservationMaxCost {
		cost = run.ReservationMaxCost
	}
	return ExecResult{
		Data: domain.Metadata{
			"url":         rawURL,
			"status_code": resp.StatusCode,
			"body_sha256": hex.EncodeToString(sum[:]),
			"body_bytes":  len(body),
		},
		ActualCost: cost,
	}, nil
}
