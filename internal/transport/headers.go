package transport

import (
	"math/rand/v2"
	"net/http"
)

const (
	labsOrigin  = "https://labs.google"
	labsReferer = "https://labs.google/"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Edge/120.0.0.0 Safari/537.36",
}

func randomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

// BrowserHeaders returns the fixed browser-plausible header set with the
// given User-Agent. Accept-Encoding is left to net/http so responses are
// transparently decompressed.
func BrowserHeaders(userAgent string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7")
	h.Set("Accept-Language", "en-US,en;q=0.9,vi;q=0.8")
	h.Set("DNT", "1")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Cache-Control", "max-age=0")
	h.Set("sec-ch-ua", `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`)
	h.Set("sec-ch-ua-mobile", "?0")
	h.Set("sec-ch-ua-platform", `"Windows"`)
	return h
}

// APIHeaders returns the headers for JSON API calls. Either credential may
// be empty.
func APIHeaders(bearer, cookie string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Origin", labsOrigin)
	h.Set("Referer", labsReferer)
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}
	if cookie != "" {
		h.Set("Cookie", cookie)
	}
	return h
}

// mergeHeaders layers the caller's headers over the browser set.
func mergeHeaders(dst http.Header, browser, caller http.Header) {
	for k, v := range browser {
		dst[k] = append([]string(nil), v...)
	}
	for k, v := range caller {
		if http.CanonicalHeaderKey(k) == "User-Agent" {
			continue
		}
		dst[k] = append([]string(nil), v...)
	}
}

func redactedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "Cookie":
			out[k] = "[REDACTED]"
		default:
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
	}
	return out
}
