package wunderground

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yoredale/mqtt-wunderground-publish/internal/weather"
)

var (
	// ErrNetwork covers transport failures: DNS, refused connections, timeouts.
	ErrNetwork = errors.New("upload network error")
	// ErrInternal covers everything else that prevents an upload.
	ErrInternal = errors.New("upload internal error")
)

// UploadError is returned by Publish. Kind is ErrNetwork or ErrInternal.
type UploadError struct {
	Kind error
	URL  string // password redacted
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *UploadError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

type Options struct {
	BaseURL    string
	StationID  string
	StationKey string
	Timeout    time.Duration
}

// Client publishes observations with the updateraw protocol. It never retries.
type Client struct {
	http   *resty.Client
	opts   Options
	logger *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	http := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetLogger(restyLogger{logger: logger, secrets: secretForms(opts.StationKey)}).
		SetHeader("User-Agent", "mqtt-wunderground-publish")

	return &Client{http: http, opts: opts, logger: logger}
}

// Publish sends one observation. The response body is not inspected.
func (c *Client) Publish(ctx context.Context, fields []weather.Field) error {
	target, redacted, err := c.buildURL(fields)
	if err != nil {
		c.logger.Error("upload url", "error", err)
		return &UploadError{Kind: ErrInternal, URL: redacted, Err: err}
	}
	c.logger.Info("url", "url", redacted)

	resp, err := c.http.R().SetContext(ctx).Get(target)
	if err != nil {
		kind := ErrInternal
		if isNetworkError(err) {
			kind = ErrNetwork
		}
		err = c.redactError(err, redacted)
		c.logger.Error("upload failed", "url", redacted, "kind", kind, "error", err)
		return &UploadError{Kind: kind, URL: redacted, Err: err}
	}

	if resp.IsError() {
		c.logger.Warn("upload rejected",
			"status", resp.StatusCode(),
			"body", strings.TrimSpace(resp.String()),
		)
		return nil
	}

	c.logger.Debug("upload done",
		"status", resp.StatusCode(),
		"body", strings.TrimSpace(resp.String()),
		"duration_ms", resp.Time().Milliseconds(),
	)
	return nil
}

// buildURL returns the request URL and a copy safe to log.
func (c *Client) buildURL(fields []weather.Field) (string, string, error) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", "", fmt.Errorf("base url %q: %w", c.opts.BaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("base url %q: missing scheme or host", c.opts.BaseURL)
	}

	var fieldsQuery strings.Builder
	for _, f := range fields {
		if f.Name == "" {
			return "", "", fmt.Errorf("field with empty name (value %q)", f.Value)
		}
		fieldsQuery.WriteString("&" + f.Name + "=" + f.Value)
	}

	prefix := u.RawQuery
	if prefix != "" {
		prefix += "&"
	}
	prefix += "action=updateraw&ID=" + url.QueryEscape(c.opts.StationID)

	redacted := *u
	redacted.RawQuery = prefix + "&PASSWORD=REDACTED" + fieldsQuery.String()
	u.RawQuery = prefix + "&PASSWORD=" + url.QueryEscape(c.opts.StationKey) + fieldsQuery.String()

	return u.String(), redacted.String(), nil
}

// redactError returns err with the station key removed. net/http puts the
// full request URL, query included, into its *url.Error.
func (c *Client) redactError(err error, redacted string) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.URL != redacted {
		err = &url.Error{Op: urlErr.Op, URL: redacted, Err: urlErr.Err}
	}
	if msg := err.Error(); redactString(msg, c.opts.StationKey) != msg {
		return errors.New(redactString(msg, c.opts.StationKey))
	}
	return err
}

// secretForms lists the spellings of key that can show up in logs: as
// configured and as query-escaped.
func secretForms(key string) []string {
	if key == "" {
		return nil
	}
	forms := []string{key}
	if esc := url.QueryEscape(key); esc != key {
		forms = append(forms, esc)
	}
	return forms
}

func redactString(s, key string) string {
	for _, f := range secretForms(key) {
		s = strings.ReplaceAll(s, f, "REDACTED")
	}
	return s
}

func isNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// restyLogger routes resty's printf-style logging into slog with the station
// key scrubbed.
type restyLogger struct {
	logger  *slog.Logger
	secrets []string
}

func (l restyLogger) msg(format string, v ...any) string {
	m := strings.TrimSpace(fmt.Sprintf(format, v...))
	for _, s := range l.secrets {
		m = strings.ReplaceAll(m, s, "REDACTED")
	}
	return m
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.logger.Error(l.msg(format, v...), "component", "resty")
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn(l.msg(format, v...), "component", "resty")
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug(l.msg(format, v...), "component", "resty")
}
