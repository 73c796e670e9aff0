// Package api calls the REST collaborators of the messaging service:
// conversation listing, paged history and read receipts.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"convsync/internal/auth"
	"convsync/internal/chat"
	appErrors "convsync/pkg/errors"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	base string
	cred auth.Credential
	http *http.Client
}

// New returns a client for baseURL authenticated with cred. hc may be nil.
func New(baseURL string, cred auth.Credential, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: baseURL, cred: cred, http: hc}
}

// ListConversations returns every conversation the viewer takes part in.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartConversation creates a conversation between the viewer and participants.
func (c *Client) StartConversation(ctx context.Context, participants ...int64) (chat.Conversation, error) {
	var out chat.Conversation
	body := map[string][]int64{"participants": participants}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return chat.Conversation{}, err
	}
	return out, nil
}

// History fetches one page of messages. Page 0 is the newest; each page is
// in ascending creation order.
func (c *Client) History(ctx context.Context, conversationID int64, page, size int) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	path := fmt.Sprintf("/api/conversations/%d/messages?%s", conversationID, q.Encode())

	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(raw))
	for _, r := range raw {
		m, err := chat.ParseFrame(r)
		if err != nil {
			return nil, fmt.Errorf("history for conversation %d: %w", conversationID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// MarkRead records that the viewer has read the conversation. Idempotent.
func (c *Client) MarkRead(ctx context.Context, conversationID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", conversationID), nil, nil)
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int64  `json:"id"`
	Username    string `json:"username"`
}

// Login exchanges a username and password for a bearer token.
func Login(ctx context.Context, baseURL, username, password string, hc *http.Client) (LoginResponse, error) {
	var out LoginResponse
	c := New(baseURL, auth.Credential{}, hc)
	err := c.do(ctx, http.MethodPost, "/login", map[string]string{"username": username, "password": password}, &out)
	return out, err
}

// Register creates an account. An existing username is not an error.
func Register(ctx context.Context, baseURL, username, password string, hc *http.Client) error {
	c := New(baseURL, auth.Credential{}, hc)
	err := c.do(ctx, http.MethodPost, "/register", map[string]string{"username": username, "password": password}, nil)
	if se, ok := err.(*statusError); ok && se.status == http.StatusConflict {
		return nil
	}
	return err
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return appErrors.Wrap(appErrors.CodeInvalidArgument, "encode request", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInvalidArgument, "build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cred.Token != "" {
		req.Header.Set("Authorization", c.cred.Header())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &statusError{status: resp.StatusCode, body: string(bytes.TrimSpace(msg))}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return appErrors.AuthenticationRejected(se)
		case http.StatusNotFound:
			return appErrors.Wrap(appErrors.CodeNotFound, method+" "+path, se)
		case http.StatusConflict:
			return se
		default:
			return appErrors.Wrap(appErrors.CodeInternal, method+" "+path, se)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "decode response", err)
	}
	return nil
}
