// Package api is the HTTP client for the messaging backend's REST surface:
// conversation list, message history and file upload. The realtime path lives
// in internal/ws; everything here is request/response with explicit timeouts.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rentchat/internal/model"
)

const (
	requestTimeout = 15 * time.Second
	uploadTimeout  = 60 * time.Second
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	uploader   *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout},
		uploader:   &http.Client{Timeout: uploadTimeout},
	}
}

// Conversations fetches the conversation list, ordered by the server.
func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	if err := c.getJSON(ctx, "/api/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches the message history of one conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out []model.Message
	if err := c.getJSON(ctx, "/api/conversations/"+conversationID+"/messages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.auth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api: GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// UploadFile is one file handed to the upload collaborator.
type UploadFile struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// Upload sends files for a conversation and returns the attachment
// descriptors used to complete a pending send.
func (c *Client) Upload(ctx context.Context, conversationID string, files []UploadFile) ([]model.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, f.Reader); err != nil {
			return nil, fmt.Errorf("api: read %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	path := "/api/conversations/" + conversationID + "/files"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.auth(req)

	resp, err := c.uploader.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("api: upload: status %d", resp.StatusCode)
	}
	var out []model.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
