package parley

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ============================================================================
// Remote Sync Client
// ============================================================================

// RemoteClient is the stateless request surface against the authoritative
// backend. The engine owns all retry, rollback, and caching policy; a
// RemoteClient just executes one call and reports what happened. Implement it
// to point the engine at a different transport or a test double.
type RemoteClient interface {
	FetchConversations(ctx context.Context) ([]Conversation, error)
	FetchConversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, d ConversationDraft) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, p ConversationPatch) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	FetchMessages(ctx context.Context, conversationID string) ([]Message, error)
	CreateMessage(ctx context.Context, conversationID string, d MessageDraft) (*Message, error)

	FetchNotifications(ctx context.Context) ([]Notification, error)
	UpdateNotification(ctx context.Context, id string, p NotificationPatch) (*Notification, error)
}

// Environment selects a well-known backend.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvStaging    Environment = "staging"
)

var envBaseURLs = map[Environment]string{
	EnvProduction: "https://api.parley.chat",
	EnvStaging:    "https://api.staging.parley.chat",
}

// BaseURL returns the environment's API endpoint; unknown environments fall
// back to production.
func (e Environment) BaseURL() string {
	if u, ok := envBaseURLs[e]; ok {
		return u
	}
	return envBaseURLs[EnvProduction]
}

const defaultHTTPTimeout = 30 * time.Second

// HTTPRemote implements RemoteClient over the Parley REST API.
type HTTPRemote struct {
	http *resty.Client
}

var _ RemoteClient = (*HTTPRemote)(nil)

// RemoteOption configures an HTTPRemote.
type RemoteOption func(*HTTPRemote)

// WithRemoteBaseURL overrides the backend base URL.
func WithRemoteBaseURL(u string) RemoteOption {
	return func(r *HTTPRemote) {
		r.http.SetBaseURL(strings.TrimRight(u, "/"))
	}
}

// WithRemoteEnvironment selects a well-known backend environment.
func WithRemoteEnvironment(env Environment) RemoteOption {
	return func(r *HTTPRemote) {
		if u, ok := envBaseURLs[env]; ok {
			r.http.SetBaseURL(u)
		}
	}
}

// WithRemoteTimeout bounds every request.
func WithRemoteTimeout(d time.Duration) RemoteOption {
	return func(r *HTTPRemote) {
		r.http.SetTimeout(d)
	}
}

// WithRemoteHTTPClient swaps the underlying http.Client, keeping the base
// URL, auth token, and headers. The injected client's own timeout wins.
func WithRemoteHTTPClient(hc *http.Client) RemoteOption {
	return func(r *HTTPRemote) {
		prev := r.http
		r.http = resty.NewWithClient(hc).
			SetBaseURL(prev.BaseURL).
			SetAuthToken(prev.Token)
		r.http.Header = prev.Header
	}
}

// NewHTTPRemote builds the default remote client with bearer auth.
func NewHTTPRemote(token string, opts ...RemoteOption) *HTTPRemote {
	c := resty.New().
		SetBaseURL(envBaseURLs[EnvProduction]).
		SetTimeout(defaultHTTPTimeout).
		SetAuthToken(token).
		SetHeader("User-Agent", "parley-go/"+Version).
		SetHeader("Content-Type", "application/json")
	r := &HTTPRemote{http: c}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// do executes one request. Transport failures and non-2xx responses both come
// back as *RemoteError.
func (r *HTTPRemote) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path
	req := r.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return &RemoteError{Op: op, Err: err}
	}
	if resp.IsError() {
		msg := strings.TrimSpace(resp.String())
		if msg == "" {
			msg = resp.Status()
		}
		return &RemoteError{Op: op, Status: resp.StatusCode(), Err: errors.New(msg)}
	}
	return nil
}

func (r *HTTPRemote) FetchConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := r.do(ctx, http.MethodGet, "/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *HTTPRemote) FetchConversation(ctx context.Context, id string) (*Conversation, error) {
	var out Conversation
	if err := r.do(ctx, http.MethodGet, "/v1/conversations/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRemote) CreateConversation(ctx context.Context, d ConversationDraft) (*Conversation, error) {
	var out Conversation
	if err := r.do(ctx, http.MethodPost, "/v1/conversations", d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRemote) UpdateConversation(ctx context.Context, id string, p ConversationPatch) (*Conversation, error) {
	var out Conversation
	if err := r.do(ctx, http.MethodPatch, "/v1/conversations/"+id, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRemote) DeleteConversation(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, "/v1/conversations/"+id, nil, nil)
}

func (r *HTTPRemote) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	path := fmt.Sprintf("/v1/conversations/%s/messages", conversationID)
	if err := r.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *HTTPRemote) CreateMessage(ctx context.Context, conversationID string, d MessageDraft) (*Message, error) {
	var out Message
	path := fmt.Sprintf("/v1/conversations/%s/messages", conversationID)
	if err := r.do(ctx, http.MethodPost, path, d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRemote) FetchNotifications(ctx context.Context) ([]Notification, error) {
	var out []Notification
	if err := r.do(ctx, http.MethodGet, "/v1/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *HTTPRemote) UpdateNotification(ctx context.Context, id string, p NotificationPatch) (*Notification, error) {
	var out Notification
	if err := r.do(ctx, http.MethodPatch, "/v1/notifications/"+id, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
