package caldav

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/google/go-cmp/cmp"

	"caldash/internal/caldav/caldavtest"
	"caldash/internal/config"
)

const openSlot = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:open-1\r\nSUMMARY:OPEN: Consult\r\nDTSTART:20261016T100000Z\r\nDTEND:20261016T110000Z\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

const meeting = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:meet-1\r\nSUMMARY:Team sync\r\nDTSTART:20261016T080000Z\r\nDTEND:20261016T083000Z\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

const broken = "BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\nSUMMARY:half written\r\n"

func newTestClient(t *testing.T, srv *caldavtest.Server) *Client {
	t.Helper()
	c, err := NewClient(config.CalDAVConfig{
		URL:            srv.CollectionURL(),
		Username:       "alice",
		Password:       "s3cret",
		TimeoutSeconds: 5,
		UserAgent:      "caldash-test",
	}, time.UTC)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestNewClientMissingConfig(t *testing.T) {
	t.Parallel()
	_, err := NewClient(config.CalDAVConfig{URL: "https://dav.example.com/cal/"}, nil)
	var missing *config.MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("NewClient() error = %v, want *config.MissingError", err)
	}
	if diff := cmp.Diff([]string{"CALDAV_USER", "CALDAV_PASSWORD"}, missing.Vars); diff != "" {
		t.Errorf("missing vars (-want +got):\n%s", diff)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	t.Parallel()
	_, err := NewClient(config.CalDAVConfig{URL: "/cal/", Username: "u", Password: "p"}, nil)
	if err == nil {
		t.Fatal("NewClient() error = nil, want absolute URL error")
	}
}

func TestFetchEvents(t *testing.T) {
	t.Parallel()
	srv := caldavtest.NewServer("alice", "s3cret")
	defer srv.Close()
	srv.Store("open.ics", openSlot)
	srv.Store("meeting.ics", meeting)
	srv.Store("broken.ics", broken)

	events, err := newTestClient(t, srv).FetchEvents(context.Background())
	if err != nil {
		t.Fatalf("FetchEvents() error = %v", err)
	}
	var titles []string
	for _, ev := range events {
		titles = append(titles, ev.Title)
	}
	if diff := cmp.Diff([]string{"Team sync", "OPEN: Consult"}, titles); diff != "" {
		t.Errorf("titles (-want +got):\n%s", diff)
	}
	if got := srv.CountMethod("PROPFIND"); got != 0 {
		t.Errorf("PROPFIND calls = %d, want 0", got)
	}
}

func TestFetchEventsFallsBackToPropfind(t *testing.T) {
	t.Parallel()
	srv := caldavtest.NewServer("alice", "s3cret")
	defer srv.Close()
	srv.RejectReport = true
	srv.Store("open.ics", openSlot)

	events, err := newTestClient(t, srv).FetchEvents(context.Background())
	if err != nil {
		t.Fatalf("FetchEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].Title != "OPEN: Consult" {
		t.Errorf("events = %+v", events)
	}
	if got := srv.CountMethod("PROPFIND"); got != 1 {
		t.Errorf("PROPFIND calls = %d, want exactly 1", got)
	}
}

func TestFetchEventsBothMethodsRefused(t *testing.T) {
	t.Parallel()
	srv := caldavtest.NewServer("alice", "s3cret")
	defer srv.Close()
	srv.RejectReport = true
	srv.RejectPropfind = true

	_, err := newTestClient(t, srv).FetchEvents(context.Background())
	if !IsKind(err, KindMethodNotAllowed) {
		t.Fatalf("FetchEvents() error = %v, want method_not_allowed", err)
	}
	if got := srv.CountMethod("PROPFIND"); got != 1 {
		t.Errorf("PROPFIND calls = %d, want exactly 1", got)
	}
}

func TestFetchEventsUnauthorized(t *testing.T) {
	t.Parallel()
	srv := caldavtest.NewServer("alice", "other")
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchEvents(context.Background())
	if !IsKind(err, KindUnauthorized) {
		t.Fatalf("FetchEvents() error = %v, want unauthorized", err)
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", ce.Status)
	}
}

func TestFetchEventsNotMultistatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		rejectReport bool
		wantOp       string
	}{
		{name: "report", wantOp: "REPORT"},
		{name: "propfind fallback", rejectReport: true, wantOp: "PROPFIND"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.rejectReport && r.Method == "REPORT" {
					http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
					return
				}
				w.WriteHeader(http.StatusMultiStatus)
				_, _ = w.Write([]byte(`<html><body>login</body></html>`))
			}))
			defer srv.Close()

			c, err := NewClient(config.CalDAVConfig{URL: srv.URL + "/cal", Username: "u", Password: "p"}, time.UTC)
			if err != nil {
				t.Fatal(err)
			}
			_, err = c.FetchEvents(context.Background())
			var ce *Error
			if !errors.As(err, &ce) || ce.Kind != KindProtocol {
				t.Fatalf("FetchEvents() error = %v, want protocol", err)
			}
			if ce.Op != tt.wantOp {
				t.Errorf("Op = %q, want %q", ce.Op, tt.wantOp)
			}
		})
	}
}

func TestFetchEventsTimeout(t *testing.T) {
	t.Parallel()
	srv := caldavtest.NewServer("alice", "s3cret")
	defer srv.Close()
	srv.Delay = 300 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, srv).FetchEvents(ctx)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("FetchEvents() error = %v, want timeout", err)
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()
	srv := caldavtest.NewServer("alice", "s3cret")
	defer srv.Close()
	srv.Store("open.ics", openSlot)
	srv.Store("meeting.ics", meeting)

	res, err := newTestClient(t, srv).Search(context.Background(), "OPEN: Consult")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("Search() = %d resources, want 1", len(res))
	}
	if res[0].Href != caldavtest.CollectionPath+"open.ics" {
		t.Errorf("Href = %q", res[0].Href)
	}
	if res[0].ETag == "" || !strings.Contains(res[0].Data, "UID:open-1") {
		t.Errorf("resource = %+v", res[0])
	}

	var report caldavtest.Request
	for _, r := range srv.Requests() {
		if r.Method == "REPORT" {
			report = r
		}
	}
	if !strings.Contains(report.Body, "<C:text-match>OPEN: Consult</C:text-match>") {
		t.Errorf("REPORT body lacks text-match:\n%s", report.Body)
	}
}

func TestSearchEscapesTitle(t *testing.T) {
	t.Parallel()
	body := searchBody(`<Fish & Chips>`)
	if !strings.Contains(body, "&lt;Fish &amp; Chips&gt;") {
		t.Errorf("title not escaped:\n%s", body)
	}
}

func TestPutConditional(t *testing.T) {
	t.Parallel()
	srv := caldavtest.NewServer("alice", "s3cret")
	defer srv.Close()
	etag := srv.Store("open.ics", openSlot)
	c := newTestClient(t, srv)
	ctx := context.Background()

	if err := c.Put(ctx, caldavtest.CollectionPath+"open.ics", meeting, etag); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, _ := srv.Get("open.ics")
	if got.Data != meeting {
		t.Errorf("stored document not replaced")
	}

	// The first write changed the etag, so replaying it must fail.
	err := c.Put(ctx, caldavtest.CollectionPath+"open.ics", openSlot, etag)
	if !IsKind(err, KindPreconditionFailed) {
		t.Fatalf("stale Put() error = %v, want precondition_failed", err)
	}

	reqs := srv.Requests()
	last := reqs[len(reqs)-1]
	if last.Method != http.MethodPut || last.IfMatch != etag {
		t.Errorf("last request = %+v, want PUT with If-Match %s", last, etag)
	}
}

func TestPutUnconditional(t *testing.T) {
	t.Parallel()
	srv := caldavtest.NewServer("alice", "s3cret")
	defer srv.Close()
	srv.Store("open.ics", openSlot)

	if err := newTestClient(t, srv).Put(context.Background(), "open.ics", meeting, ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	for _, r := range srv.Requests() {
		if r.Method == http.MethodPut && r.IfMatch != "" {
			t.Errorf("unexpected If-Match %q", r.IfMatch)
		}
	}
}

func TestPutResolvesHref(t *testing.T) {
	t.Parallel()
	srv := caldavtest.NewServer("alice", "s3cret")
	defer srv.Close()
	c := newTestClient(t, srv)

	tests := []struct {
		href string
		want string
	}{
		{href: "/cal/a.ics", want: srv.URL + "/cal/a.ics"},
		{href: "b.ics", want: srv.URL + "/cal/b.ics"},
		{href: "https://other.example.com/x.ics", want: "https://other.example.com/x.ics"},
	}
	for _, tt := range tests {
		got, err := c.resolve(tt.href)
		if err != nil {
			t.Fatalf("resolve(%q) error = %v", tt.href, err)
		}
		if got != tt.want {
			t.Errorf("resolve(%q) = %q, want %q", tt.href, got, tt.want)
		}
	}
}

func TestPutRejected(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		want   Kind
	}{
		{status: http.StatusForbidden, want: KindUnauthorized},
		{status: http.StatusInternalServerError, want: KindRejected},
		{status: http.StatusConflict, want: KindRejected},
		{status: http.StatusPreconditionFailed, want: KindPreconditionFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := caldavtest.NewServer("alice", "s3cret")
			defer srv.Close()
			srv.PutStatus = tt.status

			err := newTestClient(t, srv).Put(context.Background(), "open.ics", openSlot, "")
			if !IsKind(err, tt.want) {
				t.Errorf("Put() error = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	srv := caldavtest.NewServer("alice", "s3cret")
	defer srv.Close()

	if err := newTestClient(t, srv).Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	reqs := srv.Requests()
	if len(reqs) != 1 || reqs[0].Method != "PROPFIND" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`<d:multistatus xmlns:d="DAV:"/>`))
	}))
	defer srv.Close()

	c, err := NewClient(config.CalDAVConfig{URL: srv.URL, BearerToken: "tok-123"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestDecodeMultistatus(t *testing.T) {
	t.Parallel()
	body := `<?xml version="1.0"?>
<multistatus xmlns="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <response>
    <href>/cal/</href>
    <propstat><prop><resourcetype/></prop><status>HTTP/1.1 200 OK</status></propstat>
  </response>
  <response>
    <href>/cal/a.ics</href>
    <propstat><prop><C:calendar-data/></prop><status>HTTP/1.1 404 Not Found</status></propstat>
    <propstat><prop><getetag>"7"</getetag><C:calendar-data>BEGIN:VCALENDAR&#13;
END:VCALENDAR</C:calendar-data></prop><status>HTTP/1.1 200 OK</status></propstat>
  </response>
  <response>
    <propstat><prop><C:calendar-data>orphan</C:calendar-data></prop></propstat>
  </response>
</multistatus>`

	got, err := decodeMultistatus([]byte(body))
	if err != nil {
		t.Fatalf("decodeMultistatus() error = %v", err)
	}
	want := []Resource{{Href: "/cal/a.ics", ETag: `"7"`, Data: "BEGIN:VCALENDAR\r\nEND:VCALENDAR"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("resources (-want +got):\n%s", diff)
	}
}

func TestDecodeMultistatusErrors(t *testing.T) {
	t.Parallel()
	for _, body := range []string{
		"",
		"   ",
		"<html/>",
		"<multistatus xmlns=\"DAV:\"><response>",
	} {
		if _, err := decodeMultistatus([]byte(body)); err == nil {
			t.Errorf("decodeMultistatus(%q) error = nil", body)
		}
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()
	got := redactURL("https://user:pw@dav.example.com/cal/private/")
	if got != "https://dav.example.com/...(redacted)" {
		t.Errorf("redactURL() = %q", got)
	}
	if strings.Contains(got, "pw") {
		t.Error("credentials leaked")
	}
}
