package caldav

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/friendsofgo/errors"
)

// Resource is one calendar object from a multi-status response.
type Resource struct {
	// Href is the object's location as reported by the server.
	Href string
	ETag string
	// Data is the raw calendar document.
	Data string
}

const nsCalDAV = "urn:ietf:params:xml:ns:caldav"

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Status    string     `xml:"DAV: status"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Status string `xml:"DAV: status"`
	Prop   prop   `xml:"DAV: prop"`
}

type prop struct {
	ETag         string `xml:"DAV: getetag"`
	ContentType  string `xml:"DAV: getcontenttype"`
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

// decodeMultistatus parses a 207 body. A root element other than
// DAV:multistatus is an error; responses without calendar data (the
// collection itself, non-calendar members, 404 propstats) are skipped.
func decodeMultistatus(body []byte) ([]Resource, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty multistatus body")
	}

	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, errors.Wrap(err, "decode multistatus")
	}

	out := make([]Resource, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		href := strings.TrimSpace(r.Href)
		if href == "" {
			continue
		}
		for _, ps := range r.Propstats {
			if !statusOK(ps.Status) {
				continue
			}
			data := strings.TrimSpace(ps.Prop.CalendarData)
			if data == "" {
				continue
			}
			out = append(out, Resource{
				Href: href,
				ETag: strings.TrimSpace(ps.Prop.ETag),
				Data: data,
			})
			break
		}
	}
	return out, nil
}

// statusOK reads a DAV status line ("HTTP/1.1 200 OK"). A missing status
// is treated as success.
func statusOK(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return true
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return false
	}
	return code >= 200 && code < 300
}
