// Package caldavtest provides an in-memory CalDAV collection served over
// httptest, for exercising the client and the booking flow end to end.
package caldavtest

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"caldash/internal/ics"
)

// CollectionPath is where the fake calendar lives on the test server.
const CollectionPath = "/cal/"

// Object is a stored calendar document.
type Object struct {
	Data string
	ETag string
}

// Request records one call made against the server.
type Request struct {
	Method  string
	Path    string
	IfMatch string
	Body    string
}

// Server is a minimal CalDAV collection: REPORT calendar-query (with
// SUMMARY text-match), PROPFIND and PUT.
type Server struct {
	*httptest.Server

	Username string
	Password string

	mu       sync.Mutex
	objects  map[string]*Object
	etagSeq  int
	requests []Request

	// RejectReport answers REPORT with 405, as some proxies do.
	RejectReport bool
	// RejectPropfind answers PROPFIND with 405.
	RejectPropfind bool
	// PutStatus, when non-zero, is returned for every PUT without storing.
	PutStatus int
	// Delay is applied before every response.
	Delay time.Duration
	// BeforePut runs (without the lock) before a PUT is applied.
	BeforePut func(path string)
}

// NewServer starts a server requiring basic auth with user/password.
func NewServer(user, password string) *Server {
	s := &Server{
		Username: user,
		Password: password,
		objects:  make(map[string]*Object),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// CollectionURL is the URL to configure the client with.
func (s *Server) CollectionURL() string {
	return s.Server.URL + CollectionPath
}

// Store seeds (or replaces) an object at CollectionPath+name.
func (s *Server) Store(name, data string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(CollectionPath+name, data)
}

func (s *Server) storeLocked(path, data string) string {
	s.etagSeq++
	etag := `"` + strconv.Itoa(s.etagSeq) + `"`
	s.objects[path] = &Object{Data: data, ETag: etag}
	return etag
}

// Get returns the object at CollectionPath+name.
func (s *Server) Get(name string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[CollectionPath+name]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// Remove deletes the object at CollectionPath+name.
func (s *Server) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, CollectionPath+name)
}

// Requests returns a copy of all recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountMethod counts recorded requests with the given method.
func (s *Server) CountMethod(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (s *Server) authorized(r *http.Request) bool {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte(s.Username+":"+s.Password))
	return r.Header.Get("Authorization") == want
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		IfMatch: r.Header.Get("If-Match"),
		Body:    string(body),
	})
	delay := s.Delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="caldavtest"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !strings.HasPrefix(r.URL.Path, CollectionPath) {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case "REPORT":
		s.handleReport(w, string(body))
	case "PROPFIND":
		s.handlePropfind(w, r)
	case http.MethodPut:
		s.handlePut(w, r, string(body))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

var textMatch = regexp.MustCompile(`(?s)<C:text-match[^>]*>(.*?)</C:text-match>`)

func (s *Server) handleReport(w http.ResponseWriter, body string) {
	s.mu.Lock()
	reject := s.RejectReport
	s.mu.Unlock()
	if reject {
		http.Error(w, "REPORT not supported", http.StatusMethodNotAllowed)
		return
	}

	needle := ""
	if m := textMatch.FindStringSubmatch(body); m != nil {
		needle = html.UnescapeString(strings.TrimSpace(m[1]))
	}

	s.writeObjects(w, func(o *Object) bool {
		return needle == "" || summaryContains(o.Data, needle)
	}, false)
}

// summaryContains matches needle against every SUMMARY value in data, the
// way a server applies a prop-filter text-match (case-insensitive).
func summaryContains(data, needle string) bool {
	needle = strings.ToLower(needle)
	for _, line := range ics.Unfold(data) {
		if !strings.HasPrefix(strings.ToUpper(line), "SUMMARY") {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		if strings.Contains(strings.ToLower(ics.Unescape(line[i+1:])), needle) {
			return true
		}
	}
	return false
}

func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.RejectPropfind
	s.mu.Unlock()
	if reject {
		http.Error(w, "PROPFIND not supported", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Depth") == "0" {
		s.writeObjects(w, func(*Object) bool { return false }, true)
		return
	}
	s.writeObjects(w, func(*Object) bool { return true }, true)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, body string) {
	s.mu.Lock()
	hook := s.BeforePut
	forced := s.PutStatus
	s.mu.Unlock()

	if hook != nil {
		hook(r.URL.Path)
	}
	if forced != 0 {
		http.Error(w, "write refused by test server", forced)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		cur, ok := s.objects[r.URL.Path]
		if !ok || cur.ETag != ifMatch {
			http.Error(w, "etag mismatch", http.StatusPreconditionFailed)
			return
		}
	}
	etag := s.storeLocked(r.URL.Path, body)
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeObjects(w http.ResponseWriter, include func(*Object) bool, withCollection bool) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.objects))
	for p := range s.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">` + "\n")
	if withCollection {
		fmt.Fprintf(&b, "<d:response><d:href>%s</d:href><d:propstat><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>\n", CollectionPath)
	}
	for _, p := range paths {
		o := s.objects[p]
		if !include(o) {
			continue
		}
		var data strings.Builder
		_ = xml.EscapeText(&data, []byte(o.Data))
		fmt.Fprintf(&b, "<d:response><d:href>%s</d:href><d:propstat><d:prop><d:getetag>%s</d:getetag><cal:calendar-data>%s</cal:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>\n",
			p, html.EscapeString(o.ETag), data.String())
	}
	b.WriteString("</d:multistatus>\n")
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, b.String())
}
