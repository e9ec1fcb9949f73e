package caldav

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/friendsofgo/errors"
	"golang.org/x/oauth2"

	"caldash/internal/config"
	"caldash/internal/ics"
	appLog "caldash/internal/log"
	"caldash/internal/model"
)

const maxResponseBody = 32 << 20

// Client talks to a single CalDAV calendar collection.
type Client struct {
	http      *http.Client
	base      *url.URL
	authz     string // precomputed Authorization header; empty in bearer mode
	userAgent string
	loc       *time.Location
}

// NewClient validates cfg and builds a client. It returns a
// *config.MissingError when the collection URL or credentials are absent.
//
// loc is the zone used for floating calendar times.
func NewClient(cfg config.CalDAVConfig, loc *time.Location) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse CalDAV URL")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("CalDAV URL %q must be absolute", redactURL(cfg.URL))
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if loc == nil {
		loc = time.UTC
	}

	c := &Client{
		base:      base,
		userAgent: cfg.UserAgent,
		loc:       loc,
	}

	timeout := cfg.Timeout()
	if cfg.BearerToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken, TokenType: "Bearer"})
		c.http = oauth2.NewClient(context.Background(), ts)
		c.http.Timeout = timeout
	} else {
		c.http = &http.Client{Timeout: timeout}
		creds := cfg.Username + ":" + cfg.Password
		c.authz = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
	}
	return c, nil
}

// URL returns the collection URL with credentials and path redacted.
func (c *Client) URL() string {
	return redactURL(c.base.String())
}

const reportAllBody = `<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="` + nsCalDAV + `">
  <D:prop>
    <D:getetag />
    <C:calendar-data />
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT" />
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:" xmlns:C="` + nsCalDAV + `">
  <D:prop>
    <D:getetag />
    <D:getcontenttype />
    <C:calendar-data />
  </D:prop>
</D:propfind>`

const pingBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:resourcetype />
  </D:prop>
</D:propfind>`

func searchBody(title string) string {
	var esc bytes.Buffer
	_ = xml.EscapeText(&esc, []byte(title))
	return `<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="` + nsCalDAV + `">
  <D:prop>
    <D:getetag />
    <C:calendar-data />
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:prop-filter name="SUMMARY">
          <C:text-match>` + esc.String() + `</C:text-match>
        </C:prop-filter>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`
}

// FetchEvents retrieves every VEVENT in the collection and normalizes it.
// A document that fails to parse is logged and skipped.
func (c *Client) FetchEvents(ctx context.Context) ([]model.Event, error) {
	resources, err := c.query(ctx, reportAllBody)
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0, len(resources))
	for _, r := range resources {
		parsed, perr := ics.ParseEvents(r.Data, c.loc)
		if perr != nil {
			appLog.Warn("caldav: skipping unparseable calendar object", "href", r.Href, "err", perr)
			continue
		}
		events = append(events, parsed...)
	}
	ics.SortEvents(events)

	appLog.Debug("caldav: events fetched", "objects", len(resources), "events", len(events))
	return events, nil
}

// Search returns calendar objects whose SUMMARY contains title. The server
// does the text matching; callers still verify the body.
func (c *Client) Search(ctx context.Context, title string) ([]Resource, error) {
	return c.query(ctx, searchBody(title))
}

// query issues a REPORT and, if an intermediary refuses the method, a single
// PROPFIND with the same intent.
func (c *Client) query(ctx context.Context, report string) ([]Resource, error) {
	method := "REPORT"
	body, err := c.multistatus(ctx, method, report)
	if IsKind(err, KindMethodNotAllowed) {
		appLog.Warn("caldav: REPORT refused, falling back to PROPFIND", "url", c.URL(), "err", err)
		method = "PROPFIND"
		body, err = c.multistatus(ctx, method, propfindBody)
	}
	if err != nil {
		return nil, err
	}

	resources, err := decodeMultistatus(body)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: method, Err: err}
	}
	return resources, nil
}

func (c *Client) multistatus(ctx context.Context, method, body string) ([]byte, error) {
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/xml; charset=utf-8")
	hdr.Set("Depth", "1")
	hdr.Set("Accept", "application/xml, text/xml, */*")
	hdr.Set("Cache-Control", "no-cache")

	status, respBody, err := c.do(ctx, method, c.base.String(), body, hdr)
	if err != nil {
		return nil, err
	}
	if status != http.StatusMultiStatus && status != http.StatusOK {
		return nil, statusError(method, status, respBody)
	}
	return respBody, nil
}

// Put overwrites the object at href with a full calendar document. When
// etag is non-empty the write is conditional (If-Match) and a concurrent
// change surfaces as KindPreconditionFailed.
func (c *Client) Put(ctx context.Context, href, document, etag string) error {
	target, err := c.resolve(href)
	if err != nil {
		return &Error{Kind: KindProtocol, Op: http.MethodPut, Err: err}
	}

	hdr := http.Header{}
	hdr.Set("Content-Type", "text/calendar; charset=utf-8")
	if etag != "" {
		hdr.Set("If-Match", etag)
	}

	status, respBody, err := c.do(ctx, http.MethodPut, target, document, hdr)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return statusError(http.MethodPut, status, respBody)
	}
	appLog.Info("caldav: object updated", "href", href, "status", status)
	return nil
}

// Ping checks that the collection answers an authenticated PROPFIND.
func (c *Client) Ping(ctx context.Context) error {
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/xml; charset=utf-8")
	hdr.Set("Depth", "0")

	status, respBody, err := c.do(ctx, "PROPFIND", c.base.String(), pingBody, hdr)
	if err != nil {
		return err
	}
	if status != http.StatusMultiStatus && status != http.StatusOK {
		return statusError("PROPFIND", status, respBody)
	}
	return nil
}

// resolve maps a response href onto the collection's server.
func (c *Client) resolve(href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", errors.Wrapf(err, "parse href %q", href)
	}
	return c.base.ResolveReference(ref).String(), nil
}

func (c *Client) do(ctx context.Context, method, target, body string, hdr http.Header) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(body))
	if err != nil {
		return 0, nil, &Error{Kind: KindProtocol, Op: method, Err: err}
	}
	req.Header = hdr
	if c.authz != "" {
		req.Header.Set("Authorization", c.authz)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		appLog.Error("caldav request failed", err, "method", method, "url", redactURL(target))
		return 0, nil, transportError(method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, transportError(method, errors.Wrap(err, "read response body"))
	}

	appLog.Debug("caldav response",
		"method", method,
		"url", redactURL(target),
		"status", resp.StatusCode,
		"bytes", len(respBody),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return resp.StatusCode, respBody, nil
}

// redactURL hides credentials and paths of a remote URL for logging.
//
//	https://user:pw@dav.example.com/cal/private/ -> https://dav.example.com/...(redacted)
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "caldav://...(redacted)"
	}
	return fmt.Sprintf("%s://%s/...(redacted)", parsed.Scheme, parsed.Host)
}
