package acquire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"dumpprep/internal/metrics"
)

// Downloader selects the transport used by Fetcher.
type Downloader string

const (
	// DownloaderAuto uses wget when it is on PATH and HTTP otherwise.
	DownloaderAuto Downloader = "auto"
	DownloaderHTTP Downloader = "http"
	DownloaderWget Downloader = "wget"
)

// ParseDownloader maps a configuration value to a Downloader. The empty string
// means DownloaderAuto.
func ParseDownloader(s string) (Downloader, error) {
	switch d := Downloader(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DownloaderAuto, nil
	case DownloaderAuto, DownloaderHTTP, DownloaderWget:
		return d, nil
	default:
		return "", fmt.Errorf("unknown downloader %q (want auto, http or wget)", s)
	}
}

const partSuffix = ".part"

// Fetcher downloads one container from the mirror to a local path.
//
// Downloads land in destPath+".part" and are renamed when complete, so a file
// present under destPath is never a truncated download. An existing .part is
// resumed on the next attempt. Each Fetch makes exactly one attempt.
type Fetcher struct {
	// Client is used for HTTP downloads. It has no timeout by default.
	Client     *http.Client
	Downloader Downloader
	UserAgent  string
	Logger     logrus.FieldLogger
	Metrics    *metrics.Metrics

	// LookPath resolves external binaries; nil means exec.LookPath.
	LookPath func(file string) (string, error)
}

// NewFetcher returns an auto-selecting fetcher using http.DefaultClient.
func NewFetcher(logger logrus.FieldLogger, m *metrics.Metrics) *Fetcher {
	return &Fetcher{
		Client:     http.DefaultClient,
		Downloader: DownloaderAuto,
		Logger:     logger,
		Metrics:    m,
	}
}

// Fetch downloads url to destPath. It is a no-op when destPath already exists.
// Failures are returned as *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url, destPath string) error {
	log := f.logger().WithFields(logrus.Fields{"action": "fetch", "url": url})

	if fi, err := os.Stat(destPath); err == nil && fi.Mode().IsRegular() {
		log.Debug("container already present")
		return nil
	}

	wget, err := f.wgetPath()
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}

	part := destPath + partSuffix
	start := time.Now()
	var n int64
	if wget != "" {
		log = log.WithField("downloader", "wget")
		log.Info("downloading")
		n, err = f.fetchWget(ctx, wget, url, part)
	} else {
		log = log.WithField("downloader", "http")
		log.Info("downloading")
		n, err = f.fetchHTTP(ctx, url, part)
	}
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return fe
		}
		return &FetchError{URL: url, Err: err}
	}

	if err := os.Rename(part, destPath); err != nil {
		return &FetchError{URL: url, Err: fmt.Errorf("commit download: %w", err)}
	}

	f.Metrics.ContainerFetched(n)
	log.WithFields(logrus.Fields{
		"bytes":    humanize.Bytes(uint64(n)),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("downloaded")
	return nil
}

func (f *Fetcher) logger() logrus.FieldLogger {
	if f.Logger == nil {
		return logrus.StandardLogger()
	}
	return f.Logger
}

// wgetPath returns the wget binary to use, or "" for the HTTP transport.
func (f *Fetcher) wgetPath() (string, error) {
	lookPath := f.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	switch f.Downloader {
	case DownloaderHTTP:
		return "", nil
	case DownloaderWget:
		p, err := lookPath("wget")
		if err != nil {
			return "", fmt.Errorf("downloader wget requested: %w", err)
		}
		return p, nil
	default:
		p, err := lookPath("wget")
		if err != nil {
			return "", nil
		}
		return p, nil
	}
}

// fetchWget runs a single wget attempt that continues an existing part file.
func (f *Fetcher) fetchWget(ctx context.Context, wget, url, part string) (int64, error) {
	args := []string{"--continue", "--tries=1", "--no-verbose", "--output-document=" + part}
	if f.UserAgent != "" {
		args = append(args, "--user-agent="+f.UserAgent)
	}
	args = append(args, url)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, wget, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return 0, fmt.Errorf("wget: %w", err)
		}
		return 0, fmt.Errorf("wget: %w: %s", err, lastLine(msg))
	}

	fi, err := os.Stat(part)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// fetchHTTP streams url into part, resuming from the current size of part with a
// Range request. A 200 answer restarts the file; 206 appends to it.
func (f *Fetcher) fetchHTTP(ctx context.Context, url, part string) (int64, error) {
	var offset int64
	if fi, err := os.Stat(part); err == nil && fi.Mode().IsRegular() {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		if !strings.HasPrefix(resp.Header.Get("Content-Range"), fmt.Sprintf("bytes %d-", offset)) {
			return 0, &FetchError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected Content-Range %q", resp.Header.Get("Content-Range"))}
		}
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// A part file holding the whole object was written but never renamed.
		if total, ok := rangeTotal(resp.Header.Get("Content-Range")); ok && offset > 0 && offset == total {
			return offset, nil
		}
		// The part file does not match the remote object; start over next run.
		_ = os.Remove(part)
		return 0, &FetchError{URL: url, StatusCode: resp.StatusCode, Err: errors.New("stale partial download discarded")}
	default:
		return 0, &FetchError{URL: url, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(out, resp.Body)
	syncErr := out.Sync()
	closeErr := out.Close()
	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		return 0, fmt.Errorf("write %s after %s: %w", part, humanize.Bytes(uint64(offset+n)), err)
	}
	return offset + n, nil
}

// rangeTotal parses the complete length out of an unsatisfied range
// response, e.g. "bytes */1234".
func rangeTotal(contentRange string) (int64, bool) {
	rest, ok := strings.CutPrefix(contentRange, "bytes */")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
