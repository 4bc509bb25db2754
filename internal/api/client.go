package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/allocvoid/clashspy/internal/config"
	"github.com/allocvoid/clashspy/internal/domain"
)

const baseURL = "https://api.clashroyale.com/v1"

// Client talks to the official Clash Royale API.
type Client struct {
	token   string
	client  *fasthttp.Client
	baseURL string

	rateLimitMu sync.RWMutex
	rateLimit   RateLimitInfo
}

// RateLimitInfo mirrors the most recent rate-limit response headers.
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		token:   cfg.ClashAPIToken,
		baseURL: baseURL,
		client: &fasthttp.Client{
			MaxConnsPerHost:     16,
			ReadTimeout:         10 * time.Second,
			WriteTimeout:        10 * time.Second,
			MaxIdleConnDuration: 1 * time.Minute,
		},
	}
}

// NewClientForURL is used by tests to point the client at a local server.
func NewClientForURL(token, base string) *Client {
	c := NewClient(&config.Config{ClashAPIToken: token})
	c.baseURL = base
	return c
}

// GetRateLimitInfo returns the last observed rate-limit headers.
func (c *Client) GetRateLimitInfo() RateLimitInfo {
	c.rateLimitMu.RLock()
	defer c.rateLimitMu.RUnlock()
	return c.rateLimit
}

func (c *Client) updateRateLimit(resp *fasthttp.Response) {
	limit := string(resp.Header.Peek("X-Ratelimit-Limit"))
	remaining := string(resp.Header.Peek("X-Ratelimit-Remaining"))
	if limit == "" && remaining == "" {
		return
	}

	c.rateLimitMu.Lock()
	defer c.rateLimitMu.Unlock()
	if val, err := strconv.Atoi(limit); err == nil {
		c.rateLimit.Limit = val
	}
	if val, err := strconv.Atoi(remaining); err == nil {
		c.rateLimit.Remaining = val
	}
	c.rateLimit.UpdatedAt = time.Now()
}

// encodeTag turns a player tag into its URL path form ('#' becomes %23).
func encodeTag(tag string) string {
	return url.PathEscape("#" + domain.NormalizeTag(tag))
}

// FetchProfile fetches a player profile.
func (c *Client) FetchProfile(ctx context.Context, tag string) (*Profile, error) {
	u := fmt.Sprintf("%s/players/%s", c.baseURL, encodeTag(tag))
	return doRequest[Profile](ctx, c, u)
}

// FetchBattleLog fetches a player's battle log, ordered newest first.
func (c *Client) FetchBattleLog(ctx context.Context, tag string) ([]RawBattle, error) {
	u := fmt.Sprintf("%s/players/%s/battlelog", c.baseURL, encodeTag(tag))
	battles, err := doRequest[[]RawBattle](ctx, c, u)
	if err != nil {
		return nil, err
	}
	return *battles, nil
}

// FetchUpcomingChests fetches a player's upcoming chest cycle.
func (c *Client) FetchUpcomingChests(ctx context.Context, tag string) (*ChestCycle, error) {
	u := fmt.Sprintf("%s/players/%s/upcomingchests", c.baseURL, encodeTag(tag))
	return doRequest[ChestCycle](ctx, c, u)
}

func doRequest[T any](ctx context.Context, client *Client, u string) (*T, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+client.token)
	req.Header.Set("Accept", "application/json")

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = client.client.DoDeadline(req, resp, deadline)
	} else {
		err = client.client.Do(req, resp)
	}
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	client.updateRateLimit(resp)

	switch status := resp.StatusCode(); {
	case status == fasthttp.StatusOK:
	case status == fasthttp.StatusNotFound:
		return nil, ErrNotFound
	case status == fasthttp.StatusForbidden:
		return nil, ErrForbidden
	case status == fasthttp.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: parseRetryAfter(resp)}
	case status >= 500:
		return nil, &TransientError{Status: status}
	default:
		return nil, fmt.Errorf("api error: status %d", status)
	}

	var result T
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

func parseRetryAfter(resp *fasthttp.Response) time.Duration {
	v := string(resp.Header.Peek("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Profile is the upstream player profile payload.
type Profile struct {
	Tag            string   `json:"tag"`
	Name           string   `json:"name"`
	ExpLevel       int      `json:"expLevel"`
	Trophies       int      `json:"trophies"`
	BestTrophies   int      `json:"bestTrophies"`
	Wins           int      `json:"wins"`
	Losses         int      `json:"losses"`
	BattleCount    int      `json:"battleCount"`
	ThreeCrownWins int      `json:"threeCrownWins"`
	Arena          ArenaRef `json:"arena"`
	Clan           *struct {
		Tag  string `json:"tag"`
		Name string `json:"name"`
	} `json:"clan"`
	CurrentFavouriteCard *struct {
		Name string `json:"name"`
	} `json:"currentFavouriteCard"`
}

// RawBattle is one unprocessed battle-log entry.
type RawBattle struct {
	Type       string           `json:"type"`
	BattleTime string           `json:"battleTime"` // "20240101T120000.000Z"
	GameMode   GameMode         `json:"gameMode"`
	Arena      ArenaRef         `json:"arena"`
	Team       []RawParticipant `json:"team"`
	Opponent   []RawParticipant `json:"opponent"`
}

// GameMode identifies the mode of a battle entry.
type GameMode struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ArenaRef identifies the arena a battle was played in.
type ArenaRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// RawParticipant is one player inside a raw battle entry.
type RawParticipant struct {
	Tag              string    `json:"tag"`
	Name             string    `json:"name"`
	Crowns           int       `json:"crowns"`
	StartingTrophies int       `json:"startingTrophies"`
	TrophyChange     int       `json:"trophyChange"`
	Cards            []RawCard `json:"cards"`
}

// RawCard is a deck card reference inside a battle entry.
type RawCard struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// ChestCycle is the upcoming chest list for a player.
type ChestCycle struct {
	Items []struct {
		Index int    `json:"index"`
		Name  string `json:"name"`
	} `json:"items"`
}
