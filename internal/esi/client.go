package esi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "timerbot/pkg/logx"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://esi.evetech.net/latest"
	DefaultTokenURL  = "https://login.eveonline.com/v2/oauth/token"
	DefaultRevokeURL = "https://login.eveonline.com/v2/oauth/revoke"
	DefaultUserAgent = "timerbot (structure timer relay)"

	defaultRatePerSec = 20
	defaultTimeout    = 30 * time.Second
	maxBodyBytes      = 4 << 20
	maxPages          = 50
	nameCacheMax      = 20000
)

// Config configures a Client. Zero values select the public ESI endpoints.
type Config struct {
	BaseURL      string
	TokenURL     string
	RevokeURL    string
	ClientID     string
	ClientSecret string
	UserAgent    string
	RatePerSec   int
	Timeout      time.Duration

	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client

	// OnRefresh is called when the token endpoint hands out a new refresh
	// token for a character.
	OnRefresh func(characterID int64, refreshToken string)
}

// Client talks to ESI on behalf of many characters.
//
// It is safe for concurrent use.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	oauth   *oauth2.Config
	limiter *rate.Limiter
	log     logx.Logger

	mu     sync.Mutex
	tokens map[int64]*tokenEntry

	nmu   sync.RWMutex
	names map[string]string
}

type tokenEntry struct {
	src     oauth2.TokenSource
	initial string
	latest  string
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if strings.TrimSpace(cfg.RevokeURL) == "" {
		cfg.RevokeURL = DefaultRevokeURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: hc,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
		tokens:  map[int64]*tokenEntry{},
		names:   map[string]string{},
	}
}

// Notifications returns the character's recent notifications, newest first
// (as ESI orders them).
func (c *Client) Notifications(ctx context.Context, ch Character) ([]Notification, error) {
	tok, err := c.accessToken(ch)
	if err != nil {
		return nil, err
	}
	var out []Notification
	if _, err := c.do(ctx, OpNotifications, http.MethodGet, fmt.Sprintf("/characters/%d/notifications/", ch.ID), tok, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Structures returns every structure of the character's corporation.
func (c *Client) Structures(ctx context.Context, ch Character) ([]Structure, error) {
	tok, err := c.accessToken(ch)
	if err != nil {
		return nil, err
	}
	var out []Structure
	pages := 1
	for page := 1; page <= pages && page <= maxPages; page++ {
		var batch []Structure
		path := fmt.Sprintf("/corporations/%d/structures/?page=%d", ch.CorporationID, page)
		h, err := c.do(ctx, OpStructures, http.MethodGet, path, tok, nil, &batch)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if page == 1 {
			if n, err := strconv.Atoi(h.Get("X-Pages")); err == nil && n > 1 {
				pages = n
			}
		}
	}
	return out, nil
}

// ResolveCorporation looks up the character's current corporation using the
// affiliation endpoint, falling back to the public character sheet.
func (c *Client) ResolveCorporation(ctx context.Context, characterID int64) (int64, error) {
	var aff []affiliation
	_, err := c.do(ctx, OpAffiliation, http.MethodPost, "/characters/affiliation/", "", []int64{characterID}, &aff)
	if err == nil && len(aff) > 0 && aff[0].CorporationID != 0 {
		return aff[0].CorporationID, nil
	}
	if err != nil {
		c.log.Debug("affiliation lookup failed, using character sheet", logx.Int64("character_id", characterID), logx.Err(err))
	}
	info, err := c.character(ctx, characterID)
	if err != nil {
		return 0, err
	}
	return info.CorporationID, nil
}

// CharacterName returns the public name of a character.
func (c *Client) CharacterName(ctx context.Context, characterID int64) (string, error) {
	key := "character:" + strconv.FormatInt(characterID, 10)
	if n, ok := c.cachedName(key); ok {
		return n, nil
	}
	info, err := c.character(ctx, characterID)
	if err != nil {
		return "", err
	}
	c.storeName(key, info.Name)
	return info.Name, nil
}

// StructureName resolves a structure name using the character's access.
func (c *Client) StructureName(ctx context.Context, ch Character, structureID int64) (string, error) {
	key := "structure:" + strconv.FormatInt(structureID, 10)
	if n, ok := c.cachedName(key); ok {
		return n, nil
	}
	tok, err := c.accessToken(ch)
	if err != nil {
		return "", err
	}
	var out named
	if _, err := c.do(ctx, OpUniverseStructure, http.MethodGet, fmt.Sprintf("/universe/structures/%d/", structureID), tok, nil, &out); err != nil {
		return "", err
	}
	c.storeName(key, out.Name)
	return out.Name, nil
}

// PlanetName returns the name of a planet.
func (c *Client) PlanetName(ctx context.Context, planetID int64) (string, error) {
	key := "planet:" + strconv.FormatInt(planetID, 10)
	if n, ok := c.cachedName(key); ok {
		return n, nil
	}
	var out named
	if _, err := c.do(ctx, OpPlanet, http.MethodGet, fmt.Sprintf("/universe/planets/%d/", planetID), "", nil, &out); err != nil {
		return "", err
	}
	c.storeName(key, out.Name)
	return out.Name, nil
}

// Revoke invalidates a refresh token at the SSO and forgets the character's
// cached token source.
func (c *Client) Revoke(ctx context.Context, ch Character) error {
	c.Forget(ch.ID)
	if strings.TrimSpace(ch.RefreshToken) == "" {
		return nil
	}
	form := url.Values{}
	form.Set("token", ch.RefreshToken)
	form.Set("token_type_hint", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &Error{Op: OpRevoke, Err: err}
	}
	req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: OpRevoke, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode/100 != 2 {
		return responseError(OpRevoke, resp, body)
	}
	return nil
}

// Forget drops the cached token source of a character.
func (c *Client) Forget(characterID int64) {
	c.mu.Lock()
	delete(c.tokens, characterID)
	c.mu.Unlock()
}

func (c *Client) character(ctx context.Context, characterID int64) (characterInfo, error) {
	var info characterInfo
	_, err := c.do(ctx, OpCharacter, http.MethodGet, fmt.Sprintf("/characters/%d/", characterID), "", nil, &info)
	return info, err
}

func (c *Client) tokenSource(ch Character) *tokenEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.tokens[ch.ID]; ok && (e.initial == ch.RefreshToken || e.latest == ch.RefreshToken) {
		return e
	}
	// The token source keeps this context for every refresh it performs.
	tctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
	e := &tokenEntry{
		src:     c.oauth.TokenSource(tctx, &oauth2.Token{RefreshToken: ch.RefreshToken}),
		initial: ch.RefreshToken,
		latest:  ch.RefreshToken,
	}
	c.tokens[ch.ID] = e
	return e
}

func (c *Client) accessToken(ch Character) (string, error) {
	e := c.tokenSource(ch)
	tok, err := e.src.Token()
	if err != nil {
		return "", authError(err)
	}

	rotated := false
	if tok.RefreshToken != "" {
		c.mu.Lock()
		if tok.RefreshToken != e.latest {
			e.latest = tok.RefreshToken
			rotated = true
		}
		c.mu.Unlock()
	}
	if rotated && c.cfg.OnRefresh != nil {
		c.cfg.OnRefresh(ch.ID, tok.RefreshToken)
	}
	return tok.AccessToken, nil
}

func (c *Client) do(ctx context.Context, op Op, method, path, token string, in, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, &Error{Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Op: op, Status: resp.StatusCode, Err: err}
	}
	c.log.Trace("esi request",
		logx.String("op", string(op)),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	if resp.StatusCode/100 != 2 {
		return resp.Header, responseError(op, resp, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.Header, &Error{Op: op, Status: resp.StatusCode, Text: "invalid response body", Err: err}
		}
	}
	return resp.Header, nil
}

func (c *Client) cachedName(key string) (string, bool) {
	c.nmu.RLock()
	n, ok := c.names[key]
	c.nmu.RUnlock()
	return n, ok
}

func (c *Client) storeName(key, name string) {
	if name == "" {
		return
	}
	c.nmu.Lock()
	if len(c.names) >= nameCacheMax {
		c.names = map[string]string{}
	}
	c.names[key] = name
	c.nmu.Unlock()
}
