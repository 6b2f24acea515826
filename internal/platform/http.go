package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"golang.org/x/time/rate"
)

// EndpointConfig configures the HTTP side of an adapter.
type EndpointConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Client     *http.Client
}

// Endpoint is a base URL plus a bounded client and an optional rate limiter.
type Endpoint struct {
	Base    string
	client  *http.Client
	limiter *rate.Limiter
	check   requests.ResponseHandler
}

func NewEndpoint(cfg EndpointConfig, defaultBase string) *Endpoint {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBase
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	e := &Endpoint{Base: base, client: client, check: checkStatus}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return e
}

func (e *Endpoint) Client() *http.Client { return e.client }

// WithGraphErrors makes the endpoint classify failures by the Graph API
// error.code as well as the HTTP status.
func (e *Endpoint) WithGraphErrors() *Endpoint {
	e.check = checkGraphStatus
	return e
}

// Call builds a request against path (absolute URLs are used as-is) with the
// platform status validator installed.
func (e *Endpoint) Call(path string) *requests.Builder {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		u = e.Base + "/" + strings.TrimLeft(path, "/")
	}
	return requests.URL(u).Client(e.client).AddValidator(e.check)
}

// Do waits for the rate limiter, performs the request and normalizes errors.
func (e *Endpoint) Do(ctx context.Context, rb *requests.Builder) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return ClassifyTransport(err)
		}
	}
	if err := rb.Fetch(ctx); err != nil {
		return Normalize(err)
	}
	return nil
}

// checkStatus turns non-2xx responses into *Error, keeping a short excerpt
// of the platform's message.
func checkStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	msg, _ := errorMessage(body)
	return ClassifyStatus(res.StatusCode, res.Header, msg)
}

func checkGraphStatus(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	msg, code := errorMessage(body)
	return ClassifyGraph(res.StatusCode, res.Header, msg, code)
}

// errorMessage extracts a human message and, for Graph-style
// {"error":{"code":N}} envelopes, the numeric error code.
func errorMessage(body []byte) (string, int) {
	var env struct {
		Error any `json:"error"`
		// twitter v2 / linkedin
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Title   string `json:"title"`
		// telegram
		Description string `json:"description"`
	}
	if json.Unmarshal(body, &env) == nil {
		switch v := env.Error.(type) {
		case map[string]any:
			code := 0
			if c, ok := v["code"].(float64); ok {
				code = int(c)
			}
			if m, ok := v["message"].(string); ok && m != "" {
				return m, code
			}
			if code != 0 {
				return fmt.Sprintf("error code %d", code), code
			}
		case string:
			if v != "" {
				return v, 0
			}
		}
		for _, s := range []string{env.Detail, env.Message, env.Description, env.Title} {
			if s != "" {
				return s, 0
			}
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s, 0
}

// Multipart streams a multipart/form-data body with one file part and plain
// fields, without buffering the file. Callers must Close the returned body so
// the writer goroutine exits when the request fails early.
func Multipart(fields map[string]string, fileField, fileName, fileType string, file io.Reader) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			for k, v := range fields {
				if err := mw.WriteField(k, v); err != nil {
					return err
				}
			}
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, fileName))
			if fileType == "" {
				fileType = "application/octet-stream"
			}
			h.Set("Content-Type", fileType)
			part, err := mw.CreatePart(h)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, file); err != nil {
				return err
			}
			return mw.Close()
		}()
		_ = pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}

// Bearer is the Authorization header value for OAuth2 access tokens.
func Bearer(token string) string { return "Bearer " + token }
