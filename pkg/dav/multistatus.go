package dav

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// propfindBody requests the properties Resource is built from.
const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:"><d:prop>
<d:resourcetype/><d:getcontentlength/><d:getlastmodified/><d:getetag/><d:getcontenttype/>
</d:prop></d:propfind>`

const quotaBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:"><d:prop><d:quota-available-bytes/></d:prop></d:propfind>`

const publishBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propertyupdate xmlns:d="DAV:"><d:set><d:prop>
<public_url xmlns="urn:yandex:disk:meta">true</public_url>
</d:prop></d:set></d:propertyupdate>`

const unpublishBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propertyupdate xmlns:d="DAV:"><d:remove><d:prop>
<public_url xmlns="urn:yandex:disk:meta"/>
</d:prop></d:remove></d:propertyupdate>`

// maxMultistatus bounds PROPFIND responses. A depth-1 listing of a large
// directory stays well below this.
const maxMultistatus = 64 << 20

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	ResourceType   *resourceType `xml:"DAV: resourcetype"`
	ContentLength  string        `xml:"DAV: getcontentlength"`
	LastModified   string        `xml:"DAV: getlastmodified"`
	ETag           string        `xml:"DAV: getetag"`
	ContentType    string        `xml:"DAV: getcontenttype"`
	QuotaAvailable string        `xml:"DAV: quota-available-bytes"`
	PublicURL      string        `xml:"urn:yandex:disk:meta public_url"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

func decodeMultistatus(r io.Reader) (*multistatus, error) {
	var ms multistatus
	if err := xml.NewDecoder(io.LimitReader(r, maxMultistatus)).Decode(&ms); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	return &ms, nil
}

// okProp merges the properties of every propstat whose status is 2xx.
// Properties reported under 404 or 403 propstats are dropped.
func (r *response) okProp() (prop, bool) {
	var merged prop

	found := false

	for i := range r.Propstats {
		ps := &r.Propstats[i]
		if !statusOK(ps.Status) {
			continue
		}

		found = true
		p := ps.Prop

		if p.ResourceType != nil {
			merged.ResourceType = p.ResourceType
		}

		merged.ContentLength = firstNonEmpty(merged.ContentLength, p.ContentLength)
		merged.LastModified = firstNonEmpty(merged.LastModified, p.LastModified)
		merged.ETag = firstNonEmpty(merged.ETag, p.ETag)
		merged.ContentType = firstNonEmpty(merged.ContentType, p.ContentType)
		merged.QuotaAvailable = firstNonEmpty(merged.QuotaAvailable, p.QuotaAvailable)
		merged.PublicURL = firstNonEmpty(merged.PublicURL, p.PublicURL)
	}

	return merged, found
}

// statusOK parses a status line such as "HTTP/1.1 200 OK". A missing status
// is treated as success.
func statusOK(status string) bool {
	fields := strings.Fields(status)
	if len(fields) < 2 {
		return status == ""
	}

	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return false
	}

	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}

	return strings.TrimSpace(b)
}

// hrefPath extracts the unescaped path from an href, which servers send
// either as an absolute path or as a full URL.
func hrefPath(href string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("%w: bad href %q: %w", ErrInvalidResponse, href, err)
	}

	return u.Path, nil
}

// toResource converts a response entry; relPath is the entry's path
// relative to the client root.
func toResource(relPath string, p prop) Resource {
	res := Resource{
		Path:        trimDir(relPath),
		ETag:        strings.Trim(p.ETag, `"`),
		ContentType: p.ContentType,
	}

	if p.ResourceType != nil && p.ResourceType.Collection != nil {
		res.Kind = KindDirectory
	} else {
		res.Kind = KindFile
		res.Size, _ = strconv.ParseInt(p.ContentLength, 10, 64)
	}

	if res.Path != "/" {
		res.Name = res.Path[strings.LastIndex(res.Path, "/")+1:]
	}

	if p.LastModified != "" {
		if t, err := http.ParseTime(p.LastModified); err == nil {
			res.ModifiedAt = t.UTC()
		} else if t, err := time.Parse(time.RFC3339, p.LastModified); err == nil {
			res.ModifiedAt = t.UTC()
		}
	}

	return res
}
