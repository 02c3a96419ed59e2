package stream

import (
	"encoding/base64"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseMirrorResponse normalizes the body returned by a stream-lookup
// mirror into a Candidate. Mirrors are unofficial and drift independently,
// so each known shape is tried in a fixed priority order and the first one
// that yields a URL wins. A body matching none of them returns nil, which
// callers treat the same as the mirror having no result.
//
// Known shapes, in priority order:
//
//	{"OriginalTrackUrl": "..."}
//	{"data": {"Manifest": "<base64>", "bitDepth": n, "sampleRate": n}}
//	{"urls": ["...", ...]}
//	{"url": "..."}
//	{"link": "..."}
//	{"direct_link": "..."}
//	[{"url": "..."}, ...]
func ParseMirrorResponse(body []byte, provider Provider, tier string, defaultMime string) *Candidate {
	if !gjson.ValidBytes(body) {
		return nil
	}

	root := gjson.ParseBytes(body)

	if v := root.Get("OriginalTrackUrl"); v.Type == gjson.String && v.Str != "" {
		return plainCandidate(v.Str, provider, tier, defaultMime)
	}

	if data := root.Get("data"); data.IsObject() {
		if manifest := data.Get("Manifest"); manifest.Type == gjson.String && manifest.Str != "" {
			if c := parseManifest(manifest.Str, data, provider, tier, defaultMime); nil != c {
				return c
			}
		}
	}

	if urls := root.Get("urls"); urls.IsArray() {
		if arr := urls.Array(); len(arr) > 0 && arr[0].Str != "" {
			return plainCandidate(arr[0].Str, provider, tier, defaultMime)
		}
	}

	for _, key := range []string{"url", "link", "direct_link"} {
		if v := root.Get(key); v.Type == gjson.String && v.Str != "" {
			return plainCandidate(v.Str, provider, tier, defaultMime)
		}
	}

	if root.IsArray() {
		if arr := root.Array(); len(arr) > 0 {
			if v := arr[0].Get("url"); v.Type == gjson.String && v.Str != "" {
				return plainCandidate(v.Str, provider, tier, defaultMime)
			}
		}
	}

	return nil
}

// parseManifest handles the base64-wrapped manifest shape. The payload is
// either a JSON segment list carrying its own URLs, or a raw DASH
// document which is returned as-is for manifest-aware players.
func parseManifest(encoded string, data gjson.Result, provider Provider, tier string, defaultMime string) *Candidate {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if nil != err {
		return nil
	}
	manifest := string(raw)

	if strings.HasPrefix(strings.TrimSpace(manifest), "{") {
		parsed := gjson.Parse(manifest)
		urls := parsed.Get("urls").Array()
		if len(urls) == 0 || urls[0].Str == "" {
			return nil
		}

		mime := parsed.Get("mimeType").Str
		if mime == "" {
			mime = defaultMime
		}

		return &Candidate{
			URL:        urls[0].Str,
			Provider:   provider,
			Tier:       tier,
			MimeType:   mime,
			BitDepth:   intOr(data.Get("bitDepth"), 16),
			SampleRate: intOr(data.Get("sampleRate"), 44100),
			IsManifest: false,
			Track:      nil,
		}
	}

	if strings.Contains(manifest, "<MPD") || strings.Contains(manifest, "<?xml") {
		return &Candidate{
			URL:        manifest,
			Provider:   provider,
			Tier:       tier,
			MimeType:   "application/dash+xml",
			BitDepth:   intOr(data.Get("bitDepth"), 16),
			SampleRate: intOr(data.Get("sampleRate"), 44100),
			IsManifest: true,
			Track:      nil,
		}
	}

	return nil
}

func plainCandidate(url string, provider Provider, tier string, mime string) *Candidate {
	return &Candidate{
		URL:        url,
		Provider:   provider,
		Tier:       tier,
		MimeType:   mime,
		BitDepth:   16,
		SampleRate: 44100,
		IsManifest: false,
		Track:      nil,
	}
}

func intOr(v gjson.Result, fallback int) int {
	if v.Type == gjson.Number {
		return int(v.Int())
	}

	return fallback
}
