// Package spotify implements an anonymous web-player session against the
// reference catalog: rotating-code token bootstrap, client token grant,
// and the persisted-query search API on top of them.
package spotify

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/xeptore/hifilink/config"
	"github.com/xeptore/hifilink/httputil"
	"github.com/xeptore/hifilink/must"
	"github.com/xeptore/hifilink/redact"
	"github.com/xeptore/hifilink/spotify/totp"
)

// ErrUnauthorized is returned when the catalog rejects the session's
// credentials. The session is invalidated before this is returned, so a
// retry starts from a fresh bootstrap.
var ErrUnauthorized = errors.New("spotify: unauthorized")

const (
	defaultBaseURL        = "https://open.spotify.com"
	defaultClientTokenURL = "https://clienttoken.spotify.com/v1/clienttoken"
	defaultQueryURL       = "https://api-partner.spotify.com/pathfinder/v2/query"

	// fallbackClientVersion is used when the landing page does not expose
	// its embedded server config. Stale versions keep working for a while.
	fallbackClientVersion = "1.2.56.214.ga67c6d6c"
)

var appServerConfigRegex = regexp.MustCompile(`<script id="appServerConfig" type="text/plain">([^<]+)</script>`)

// Session holds the anonymous credential set of a single web-player
// identity. It is safe for concurrent use; concurrent refreshes collapse
// into one in-flight bootstrap.
type Session struct {
	conf config.Spotify

	// client carries the cookie jar shared by the landing page and token
	// requests. plain deliberately has no jar: the client token grant is
	// made from a cookie-free connection like the web player does.
	client *http.Client
	plain  *http.Client
	jar    *cookiejar.Jar

	baseURL        string
	clientTokenURL string
	queryURL       string

	now func() time.Time
	sf  singleflight.Group

	mu            sync.Mutex
	bearerToken   string
	clientToken   string
	clientID      string
	deviceID      string
	clientVersion string
	expiresAt     time.Time
}

func NewSession(conf config.Spotify) *Session {
	jar, err := cookiejar.New(nil)
	must.NilErr(err)

	timeout := time.Duration(conf.TimeoutSeconds) * time.Second

	//nolint:exhaustruct
	return &Session{
		conf:           conf,
		client:         &http.Client{Jar: jar, Timeout: timeout},
		plain:          &http.Client{Timeout: timeout},
		jar:            jar,
		baseURL:        defaultBaseURL,
		clientTokenURL: defaultClientTokenURL,
		queryURL:       defaultQueryURL,
		now:            time.Now,
		clientVersion:  fallbackClientVersion,
	}
}

func (s *Session) valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bearerToken != "" && s.clientToken != "" && s.now().Before(s.expiresAt)
}

// EnsureValid makes sure the session carries a usable bearer and client
// token pair, bootstrapping from scratch when it does not. Concurrent
// callers share a single refresh.
func (s *Session) EnsureValid(ctx context.Context, logger zerolog.Logger) error {
	if s.valid() {
		return nil
	}

	_, err, _ := s.sf.Do("refresh", func() (any, error) {
		// A caller that queued behind the winning refresh sees fresh
		// tokens here and skips its own round-trip.
		if s.valid() {
			return nil, nil
		}

		return nil, s.refresh(ctx, logger)
	})
	if nil != err {
		return err
	}

	return nil
}

// Invalidate drops the token pair so the next call bootstraps again.
// Cookies and the device identity survive, matching how the web player
// behaves across token expiries.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bearerToken = ""
	s.clientToken = ""
	s.expiresAt = time.Time{}
}

func (s *Session) refresh(ctx context.Context, logger zerolog.Logger) error {
	if err := s.bootstrap(ctx, logger); nil != err {
		return fmt.Errorf("spotify: bootstrap session: %w", err)
	}

	if err := s.fetchBearerToken(ctx, logger); nil != err {
		return fmt.Errorf("spotify: fetch bearer token: %w", err)
	}

	if err := s.fetchClientToken(ctx, logger); nil != err {
		return fmt.Errorf("spotify: fetch client token: %w", err)
	}

	logger.Debug().Msg("Session refreshed")

	return nil
}

// bootstrap loads the web player landing page to learn the current client
// version and pick up the session cookies that identify this device.
func (s *Session) bootstrap(ctx context.Context, logger zerolog.Logger) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL, nil)
	if nil != err {
		return fmt.Errorf("create landing page request: %v", err)
	}

	httputil.SetBrowserHeaders(req)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("sec-fetch-dest", "document")
	req.Header.Set("sec-fetch-mode", "navigate")
	req.Header.Set("sec-fetch-site", "none")

	resp, err := s.client.Do(req)
	if nil != err {
		return fmt.Errorf("request landing page: %v", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return fmt.Errorf("read landing page response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.Error().Int("status", resp.StatusCode).Msg("Unexpected landing page response status")

		return fmt.Errorf("unexpected landing page response status %d", resp.StatusCode)
	}

	version := clientVersionFromPage(body)

	s.mu.Lock()
	defer s.mu.Unlock()

	if version != "" {
		s.clientVersion = version
	}

	if id := s.sessionCookie("sp_t"); id != "" {
		s.deviceID = id
	} else if s.deviceID == "" {
		s.deviceID = uuid.NewString()
	}

	logger.Debug().Str("client_version", s.clientVersion).Msg("Session bootstrapped")

	return nil
}

// clientVersionFromPage digs the client version out of the base64-encoded
// server config blob embedded in the landing page. Empty result means the
// page shape changed; the caller falls back to the pinned version.
func clientVersionFromPage(page []byte) string {
	match := appServerConfigRegex.FindSubmatch(page)
	if nil == match {
		return ""
	}

	decoded, err := base64.StdEncoding.DecodeString(string(match[1]))
	if nil != err {
		if decoded, err = base64.RawStdEncoding.DecodeString(string(match[1])); nil != err {
			return ""
		}
	}

	return gjson.GetBytes(decoded, "clientVersion").String()
}

// sessionCookie returns the named cookie currently stored for the web
// player origin. Callers must hold s.mu only for the fields they touch;
// the jar has its own locking.
func (s *Session) sessionCookie(name string) string {
	u, err := url.Parse(s.baseURL)
	if nil != err {
		return ""
	}

	for _, c := range s.jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}

	return ""
}

func (s *Session) fetchBearerToken(ctx context.Context, logger zerolog.Logger) error {
	code, version, err := totp.Generate(s.now())
	if nil != err {
		return fmt.Errorf("generate one-time code: %v", err)
	}

	params := make(url.Values, 5)
	params.Set("reason", "init")
	params.Set("productType", "web-player")
	params.Set("totp", code)
	params.Set("totpVer", fmt.Sprintf("%d", version))
	params.Set("totpServer", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/token?"+params.Encode(), nil)
	if nil != err {
		return fmt.Errorf("create token request: %v", err)
	}

	httputil.SetWebPlayerHeaders(req)
	req.Header.Set("Accept", "*/*")

	resp, err := s.client.Do(req)
	if nil != err {
		return fmt.Errorf("request token: %v", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return fmt.Errorf("read token response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.
			Error().
			Int("status", resp.StatusCode).
			Str("body", httputil.PreviewBody(body, 256)).
			Msg("Unexpected token response status")

		return fmt.Errorf("unexpected token response status %d", resp.StatusCode)
	}

	accessToken := gjson.GetBytes(body, "accessToken").String()
	if accessToken == "" {
		return errors.New("token response contains no access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bearerToken = accessToken
	s.clientID = gjson.GetBytes(body, "clientId").String()
	// The endpoint does not report an expiry. The configured lifetime is
	// an observed value; a 401 later forces a re-bootstrap anyway.
	s.expiresAt = s.now().Add(time.Duration(s.conf.TokenTTLSeconds) * time.Second)

	if id := s.sessionCookie("sp_t"); id != "" {
		s.deviceID = id
	}

	logger.Debug().Str("access_token", redact.String(accessToken)).Msg("Bearer token fetched")

	return nil
}

func (s *Session) fetchClientToken(ctx context.Context, logger zerolog.Logger) error {
	s.mu.Lock()
	clientID, deviceID, clientVersion := s.clientID, s.deviceID, s.clientVersion
	s.mu.Unlock()

	if clientID == "" {
		return errors.New("no client id available for client token grant")
	}

	type jsSDKData struct {
		DeviceBrand string `json:"device_brand"`
		DeviceModel string `json:"device_model"`
		OS          string `json:"os"`
		OSVersion   string `json:"os_version"`
		DeviceID    string `json:"device_id"`
		DeviceType  string `json:"device_type"`
	}

	payload := struct {
		ClientData struct {
			ClientVersion string    `json:"client_version"`
			ClientID      string    `json:"client_id"`
			JSSDKData     jsSDKData `json:"js_sdk_data"`
		} `json:"client_data"`
	}{}
	payload.ClientData.ClientVersion = clientVersion
	payload.ClientData.ClientID = clientID
	payload.ClientData.JSSDKData = jsSDKData{
		DeviceBrand: "unknown",
		DeviceModel: "unknown",
		OS:          "windows",
		OSVersion:   "10",
		DeviceID:    deviceID,
		DeviceType:  "computer",
	}

	reqBody, err := json.Marshal(payload)
	if nil != err {
		return fmt.Errorf("marshal client token request payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.clientTokenURL, bytes.NewReader(reqBody))
	if nil != err {
		return fmt.Errorf("create client token request: %v", err)
	}

	req.Header.Set("User-Agent", httputil.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", httputil.WebPlayerOrigin)

	resp, err := s.plain.Do(req)
	if nil != err {
		return fmt.Errorf("request client token: %v", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return fmt.Errorf("read client token response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.
			Error().
			Int("status", resp.StatusCode).
			Str("body", httputil.PreviewBody(body, 256)).
			Msg("Unexpected client token response status")

		return fmt.Errorf("unexpected client token response status %d", resp.StatusCode)
	}

	if typ := gjson.GetBytes(body, "response_type").String(); typ != "RESPONSE_GRANTED_TOKEN_RESPONSE" {
		return fmt.Errorf("client token grant was not granted, got response type %q", typ)
	}

	token := gjson.GetBytes(body, "granted_token.token").String()
	if token == "" {
		return errors.New("client token response contains no token")
	}

	s.mu.Lock()
	s.clientToken = token
	s.mu.Unlock()

	return nil
}

// Query posts a persisted GraphQL payload to the catalog's query API and
// returns the raw response body. A 401 invalidates the session and
// surfaces as ErrUnauthorized so the caller can retry once from scratch.
func (s *Session) Query(ctx context.Context, logger zerolog.Logger, payload []byte) ([]byte, error) {
	if err := s.EnsureValid(ctx, logger); nil != err {
		return nil, err
	}

	s.mu.Lock()
	bearer, clientToken := s.bearerToken, s.clientToken
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.queryURL, bytes.NewReader(payload))
	if nil != err {
		return nil, fmt.Errorf("spotify: create query request: %v", err)
	}

	httputil.SetWebPlayerHeaders(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Client-Token", clientToken)

	resp, err := s.client.Do(req)
	if nil != err {
		return nil, fmt.Errorf("spotify: request query: %v", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, fmt.Errorf("spotify: read query response: %v", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		logger.Warn().Int("status", resp.StatusCode).Msg("Query rejected, invalidating session")
		s.Invalidate()

		return nil, fmt.Errorf("spotify: query rejected with status %d: %w", resp.StatusCode, ErrUnauthorized)
	default:
		logger.
			Error().
			Int("status", resp.StatusCode).
			Str("body", httputil.PreviewBody(body, 256)).
			Msg("Unexpected query response status")

		return nil, fmt.Errorf("spotify: unexpected query response status %d", resp.StatusCode)
	}
}
