package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/navigator/internal/browser"
)

const (
	defaultFetchTimeout = 30 * time.Second
	maxFetchBody        = 1 << 20
)

// ErrFetch — HTTP-запрос fetch завершился ошибкой.
var ErrFetch = errors.New("fetch failed")

// FetchExecutor — действие "fetch": HTTP-запрос без браузера.
//
// Параметры: URL (обязательно), Method (default: GET), Headers,
// Body (сериализуется в JSON). Output — код ответа и тело.
// Ответ >= 400 не считается ошибкой действия: агент видит его в Output.
type FetchExecutor struct {
	Timeout time.Duration
	Client  *http.Client
}

// Execute выполняет запрос.
func (e *FetchExecutor) Execute(ctx context.Context, _ *browser.Session, a Action) (*Result, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := a.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if a.Body != nil {
		data, err := json.Marshal(a.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal body: %v", ErrFetch, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrFetch, err)
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrFetch, err)
	}

	return &Result{
		Output: fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, truncate(string(respBody), maxExtractLen)),
		URL:    a.URL,
	}, nil
}
