// Package vintage dates a dump from the transport metadata of its primary
// container on the mirror.
package vintage

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/sirupsen/logrus"
)

// Vintage is the date a dump was produced.
//
// Known is false when the mirror did not provide a usable date; Date is then
// the zero time and Raw holds whatever header value was received.
type Vintage struct {
	Date  time.Time
	Known bool
	Raw   string
}

// OrToday returns the dump date, or now truncated to the day when unknown.
func (v Vintage) OrToday(now time.Time) time.Time {
	if v.Known {
		return v.Date
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// String formats the vintage as YYYY-MM, the granularity dumps are published at.
func (v Vintage) String() string {
	if !v.Known {
		return "unknown"
	}
	return v.Date.Format("2006-01")
}

// Resolver issues HEAD requests against the mirror.
type Resolver struct {
	Client    *http.Client
	UserAgent string
	Logger    logrus.FieldLogger
}

func NewResolver(logger logrus.FieldLogger) *Resolver {
	return &Resolver{Client: http.DefaultClient, Logger: logger}
}

// Resolve reads Last-Modified from a HEAD of url. It never fails: transport
// errors, missing headers and unparsable values yield an unknown Vintage.
func (r *Resolver) Resolve(ctx context.Context, url string) Vintage {
	log := r.logger().WithFields(logrus.Fields{"action": "vintage", "url": url})

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		log.WithError(err).Warn("cannot build vintage request")
		return Vintage{}
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		log.WithError(err).Warn("vintage request failed")
		return Vintage{}
	}
	resp.Body.Close()

	raw := resp.Header.Get("Last-Modified")
	v := Parse(raw)
	if !v.Known {
		log.WithFields(logrus.Fields{"status": resp.StatusCode, "last_modified": raw}).Warn("dump vintage unknown")
		return v
	}
	log.WithField("vintage", v.String()).Debug("dump vintage resolved")
	return v
}

// Parse interprets a Last-Modified value. The HTTP date formats are tried
// first, then a permissive parser for mirrors that send other layouts.
func Parse(raw string) Vintage {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Vintage{Raw: raw}
	}
	if t, err := http.ParseTime(s); err == nil {
		return Vintage{Date: t.UTC(), Known: true, Raw: raw}
	}
	if t, err := dateparse.ParseAny(s); err == nil {
		return Vintage{Date: t.UTC(), Known: true, Raw: raw}
	}
	return Vintage{Raw: raw}
}

func (r *Resolver) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}
