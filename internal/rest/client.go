// Package rest is the thin HTTP client for the chat backend: conversation
// history, partner profiles, and voice-note/file uploads.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"chatlink/internal/store"
)

// Profile is the subset of a user record the session cares about.
type Profile struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar"`
	IsOnline  bool   `json:"isOnline"`
}

// UploadResult points at a stored attachment.
type UploadResult struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

// Client talks to the chat backend over HTTP.
type Client struct {
	rc *resty.Client
}

// New builds a client against baseURL (e.g. "http://localhost:4000/api").
func New(baseURL string, timeout time.Duration) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{rc: rc}
}

// Messages fetches the full history of the conversation between two users,
// oldest first.
func (c *Client) Messages(ctx context.Context, localID, partnerID string) ([]store.Message, error) {
	var out []store.Message
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user1Id": localID,
			"user2Id": partnerID,
		}).
		SetResult(&out).
		Get("/messages")
	if err != nil {
		return nil, fmt.Errorf("rest: fetch messages: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("rest: fetch messages: %s", resp.Status())
	}
	return out, nil
}

// User fetches a user's profile, used for the partner header (name, avatar,
// initial presence).
func (c *Client) User(ctx context.Context, id string) (Profile, error) {
	var out Profile
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/users/" + id)
	if err != nil {
		return Profile{}, fmt.Errorf("rest: fetch user %s: %w", id, err)
	}
	if resp.IsError() {
		return Profile{}, fmt.Errorf("rest: fetch user %s: %s", id, resp.Status())
	}
	return out, nil
}

// Upload stores an attachment (voice note, image, document) and returns its
// served location.
func (c *Client) Upload(ctx context.Context, fileName, mimeType string, data []byte) (UploadResult, error) {
	var out UploadResult
	resp, err := c.rc.R().
		SetContext(ctx).
		SetMultipartField("file", fileName, mimeType, bytes.NewReader(data)).
		SetResult(&out).
		Post("/upload")
	if err != nil {
		return UploadResult{}, fmt.Errorf("rest: upload %s: %w", fileName, err)
	}
	if resp.IsError() {
		return UploadResult{}, fmt.Errorf("rest: upload %s: %s", fileName, resp.Status())
	}
	if out.FileName == "" {
		out.FileName = fileName
	}
	return out, nil
}
