// Package httputil carries the request/response plumbing shared by every
// outbound client: browser-imitating headers and response body handling.
package httputil

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// UserAgent imitates a current desktop Chrome build. Several endpoints
// reject requests carrying an obviously non-browser agent.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// WebPlayerOrigin is the reference catalog's web origin. The token and
// query endpoints require matching Origin/Referer headers.
const WebPlayerOrigin = "https://open.spotify.com"

func SetBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("sec-ch-ua-platform", `"Windows"`)
	req.Header.Set("sec-fetch-dest", "empty")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("sec-fetch-site", "same-origin")
}

func SetWebPlayerHeaders(req *http.Request) {
	SetBrowserHeaders(req)
	req.Header.Set("Origin", WebPlayerOrigin)
	req.Header.Set("Referer", WebPlayerOrigin+"/")
}

func ReadResponseBody(resp *http.Response) ([]byte, error) {
	respBody, err := io.ReadAll(resp.Body)
	if nil != err {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("unexpected empty response body")
		}

		return nil, fmt.Errorf("failed to read response body: %v", err)
	}

	return respBody, nil
}

// RetryAfter parses a Retry-After response header, accepting both the
// delta-seconds and HTTP-date forms. Returns fallback when absent or
// unparseable.
func RetryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return fallback
	}

	if secs, err := strconv.Atoi(v); nil == err {
		if secs < 0 {
			return fallback
		}

		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); nil == err {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return fallback
}

// PreviewBody flattens and truncates a response body for log output.
func PreviewBody(body []byte, max int) string {
	if max <= 0 || len(body) == 0 {
		return ""
	}

	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) <= max {
		return s
	}

	// Back off to a rune boundary so the cut never splits a multi-byte
	// sequence.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut] + "…"
}
