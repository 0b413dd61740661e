package pipeline

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"murmur/log"
)

const defaultChatURL = "https://api.groq.com/openai/v1/chat/completions"

// ChatClient runs step B against an OpenAI-compatible chat-completions
// endpoint, parameterized per call by the routed agent.
type ChatClient struct {
	apiURL string
	apiKey string
	client *http.Client
}

func NewChat(apiKey string) *ChatClient {
	return &ChatClient{
		apiURL: defaultChatURL,
		apiKey: apiKey,
		client: newHTTPClient(),
	}
}

func NewChatAt(apiURL, apiKey string) *ChatClient {
	c := NewChat(apiKey)
	if apiURL != "" {
		c.apiURL = apiURL
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *ChatClient) Complete(req CompletionRequest) (Completion, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: req.Instruction},
			{Role: "user", Content: req.UserText},
		},
	})
	if err != nil {
		return Completion{}, &Error{Kind: FailBadResponse, Detail: "request encode error"}
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, networkError(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		log.PipelineCall("completion", float64(time.Since(start).Milliseconds()), false)
		return Completion{}, networkError(err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	log.PipelineCall("completion", float64(time.Since(start).Milliseconds()), resp.StatusCode == http.StatusOK)

	if resp.StatusCode != http.StatusOK {
		return Completion{}, classifyStatus(resp.StatusCode, buf.Bytes())
	}

	var cr chatResponse
	if err := json.Unmarshal(buf.Bytes(), &cr); err != nil {
		return Completion{}, &Error{Kind: FailBadResponse, Detail: "completion response parse error"}
	}
	if len(cr.Choices) == 0 {
		return Completion{}, &Error{Kind: FailBadResponse, Detail: "completion returned no choices"}
	}

	return Completion{
		Text:          cr.Choices[0].Message.Content,
		ResolvedModel: cr.Model,
		TokensUsed:    cr.Usage.TotalTokens,
	}, nil
}
