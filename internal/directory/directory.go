// Package directory is the client of the user directory (the user admin
// service) that owns user identities. The STS only reads identities and,
// for PIN sign-up, creates minimal users.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dreamware/sts/internal/httpx"
)

// ErrNotFound is returned when the directory knows no matching user
var ErrNotFound = errors.New("user not found")

// User is one identity as listed by a search
type User struct {
	UID       string `json:"uid"`
	UserName  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	CellPhone string `json:"cellPhone"`
	PersonRef string `json:"personRef"`
}

// Role is one application role held by a user
type Role struct {
	ApplicationID    string `json:"applicationId"`
	ApplicationName  string `json:"applicationName"`
	OrganizationName string `json:"organizationName"`
	RoleName         string `json:"applicationRoleName"`
	RoleValue        string `json:"applicationRoleValue"`
}

// Aggregate is a user with all their roles
type Aggregate struct {
	User
	Roles []Role `json:"roles"`
}

type userList struct {
	Rows   int    `json:"rows"`
	Result []User `json:"result"`
}

// ParseUsers decodes a search result
func ParseUsers(data []byte) ([]User, error) {
	var list userList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}
	return list.Result, nil
}

// ParseAggregate decodes a user aggregate
func ParseAggregate(data []byte) (Aggregate, error) {
	var agg Aggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return Aggregate{}, fmt.Errorf("parse user aggregate: %w", err)
	}
	if agg.UID == "" {
		return Aggregate{}, errors.New("parse user aggregate: missing uid")
	}
	return agg, nil
}

// Config configures the directory client
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the directory over JSON/HTTP. Every call is bounded by
// the configured timeout.
type Client struct {
	base   string
	client *httpx.Client
}

// NewClient creates a directory client
func NewClient(cfg Config) *Client {
	return &Client{
		base:   strings.TrimRight(cfg.URL, "/"),
		client: httpx.NewClient(cfg.Timeout).WithBearer(cfg.APIKey),
	}
}

// ListUsers searches users by query, usually a phone number.
// An empty result is ErrNotFound.
func (c *Client) ListUsers(ctx context.Context, query string) ([]User, error) {
	raw, err := c.client.GetRaw(ctx, c.base+"/users/find/"+url.PathEscape(query))
	if httpx.IsStatus(err, http.StatusNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users, err := ParseUsers(raw)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return users, nil
}

// GetUserAggregate fetches the user with uid and their roles
func (c *Client) GetUserAggregate(ctx context.Context, uid string) (Aggregate, error) {
	raw, err := c.client.GetRaw(ctx, c.base+"/useraggregate/"+url.PathEscape(uid))
	if httpx.IsStatus(err, http.StatusNotFound) {
		return Aggregate{}, ErrNotFound
	}
	if err != nil {
		return Aggregate{}, fmt.Errorf("get user aggregate: %w", err)
	}
	return ParseAggregate(raw)
}

// UserExists reports whether any user matches query
func (c *Client) UserExists(ctx context.Context, query string) (bool, error) {
	var exists bool
	err := c.client.GetJSON(ctx, c.base+"/users/checkexist/"+url.PathEscape(query), &exists)
	if httpx.IsStatus(err, http.StatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return exists, nil
}

// CreatePinUser creates a user from the caller supplied JSON and returns
// the stored aggregate
func (c *Client) CreatePinUser(ctx context.Context, userJSON []byte) (Aggregate, error) {
	if !json.Valid(userJSON) {
		return Aggregate{}, errors.New("create pin user: invalid user json")
	}
	var agg Aggregate
	if err := c.client.PostJSON(ctx, c.base+"/user/pinuser", json.RawMessage(userJSON), &agg); err != nil {
		return Aggregate{}, fmt.Errorf("create pin user: %w", err)
	}
	if agg.UID == "" {
		return Aggregate{}, errors.New("create pin user: directory returned no uid")
	}
	return agg, nil
}

// BestMatch picks the user a phone number logs in as: a user whose
// username and cell phone both equal phone, else one whose username does,
// else one whose cell phone does.
func BestMatch(users []User, phone string) (User, bool) {
	for _, u := range users {
		if u.UserName == phone && u.CellPhone == phone {
			return u, true
		}
	}
	for _, u := range users {
		if u.UserName == phone {
			return u, true
		}
	}
	for _, u := range users {
		if u.CellPhone == phone {
			return u, true
		}
	}
	return User{}, false
}
