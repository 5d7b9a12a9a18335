package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 120 * time.Second
	defaultChatModel      = "gpt-4o-mini"
	defaultImageModel     = "gpt-image-1"
	defaultImageSize      = "1024x1024"

	classifierInstruction = "You are a content safety classifier for a public art wall. " +
		"Reply with exactly SAFE if the submission is appropriate for a general audience, " +
		"otherwise reply with exactly UNSAFE. Reply with one word only."
	transformerInstruction = "You turn short text fragments into a single vivid image " +
		"generation prompt. Reply with the prompt only, no commentary."
)

var (
	errMissingBaseURL = errors.New("genai: base url required")
	errEmptyPrompt    = errors.New("genai: prompt must not be empty")
	errNoImageData    = errors.New("genai: response carried no image data")
)

// ClientConfig bundles configuration for the external AI service client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	ImageModel string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client speaks to the external classification, prompt-transform, and image
// synthesis services over their OpenAI-style JSON endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	chatModel  string
	imageModel string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = defaultChatModel
	}
	imageModel := cfg.ImageModel
	if imageModel == "" {
		imageModel = defaultImageModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		chatModel:  chatModel,
		imageModel: imageModel,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Classify submits text for content review and returns the raw classification
// string. Callers must treat the result as untrusted model output.
func (c *Client) Classify(ctx context.Context, text, styleHint string) (string, error) {
	content := text
	if styleHint != "" {
		content = fmt.Sprintf("%s\n\nstyle: %s", text, styleHint)
	}
	return c.chat(ctx, classifierInstruction, content)
}

// TransformPrompt derives an image generation prompt from submitted text.
// The style hint travels only inside the user content, never inside the
// system instruction.
func (c *Client) TransformPrompt(ctx context.Context, text, styleHint string) (string, error) {
	content := text
	if styleHint != "" {
		content = fmt.Sprintf("%s\n\nRender in this style: %s", text, styleHint)
	}
	return c.chat(ctx, transformerInstruction, content)
}

func (c *Client) chat(ctx context.Context, instruction, content string) (string, error) {
	payload := chatRequest{
		Model: c.chatModel,
		Messages: []chatMessage{
			{Role: "system", Content: instruction},
			{Role: "user", Content: content},
		},
	}
	var result chatResponse
	if err := c.post(ctx, "/chat/completions", payload, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// SynthesizeImage renders the prompt and returns the image as a data URI
// suitable for inline embedding.
func (c *Client) SynthesizeImage(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errEmptyPrompt
	}
	payload := imageRequest{
		Model:  c.imageModel,
		Prompt: prompt,
		Size:   defaultImageSize,
		N:      1,
	}
	var result imageResponse
	if err := c.post(ctx, "/images/generations", payload, &result); err != nil {
		return "", err
	}
	if len(result.Data) == 0 || result.Data[0].B64JSON == "" {
		return "", errNoImageData
	}
	return "data:image/png;base64," + result.Data[0].B64JSON, nil
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("genai: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("genai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("genai: request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("genai: %s returned status %d", path, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(result); err != nil {
		return fmt.Errorf("genai: decode response: %w", err)
	}
	return nil
}
