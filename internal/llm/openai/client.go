package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/llm"
	goopenai "github.com/sashabaranov/go-openai"
)

const defaultTimeout = 30 * time.Second

type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	Models     llm.Models
	HTTPClient *http.Client
}

// chatAPI is the subset of the go-openai client used here.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

type Client struct {
	api    chatAPI
	models llm.Models
}

func New(cfg Config) *Client {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	clientCfg.HTTPClient = httpClient

	models := cfg.Models
	if models.Fast == "" {
		models.Fast = goopenai.GPT4oMini
	}
	if models.Balanced == "" {
		models.Balanced = goopenai.GPT4o
	}
	if models.Smart == "" {
		models.Smart = goopenai.GPT4o
	}
	return &Client{api: goopenai.NewClientWithConfig(clientCfg), models: models}
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	chatReq := goopenai.ChatCompletionRequest{
		Model:       c.models.For(req.Tier),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
	}
	if req.JSONResponse {
		chatReq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", mapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// mapError turns go-openai and network failures into typed codes. Errors it
// does not recognize are returned unchanged.
func mapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return mapStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return mapStatus(reqErr.HTTPStatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return clierr.Wrap(clierr.CodeUnavailable, "completion service timeout", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return clierr.Wrap(clierr.CodeUnavailable, "completion service timeout", err)
		}
		return clierr.Wrap(clierr.CodeUnavailable, "completion service request failed", err)
	}
	return err
}

func mapStatus(status int, err error) error {
	switch {
	case status == 0:
		return err
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return clierr.Wrap(clierr.CodeAuth, "completion service authentication failed", err)
	case status == http.StatusTooManyRequests:
		return clierr.Wrap(clierr.CodeRateLimited, "completion service rate limited request", err)
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("completion service unavailable (status %d)", status), err)
	default:
		return clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("completion service rejected request (status %d)", status), err)
	}
}
