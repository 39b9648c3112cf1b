package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	HTTPTimeout        time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, embedModel string) *Client {
	return NewWithOptions(baseURL, embedModel, Options{})
}

func NewWithOptions(baseURL, embedModel string, options Options) *Client {
	timeout := options.HTTPTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

// Embedder is the embedding provider backed by Ollama's /api/embed.
type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, text string) (domain.Embedding, error) {
	request := map[string]any{
		"model": e.client.embedModel,
		"input": text,
	}

	vector, err := resilience.Call(ctx, e.client.executor, "ollama.embed", func(callCtx context.Context) (domain.Embedding, error) {
		var response struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := e.client.postJSON(callCtx, "/api/embed", request, &response, "embed"); err != nil {
			return nil, err
		}
		if len(response.Embeddings) == 0 || len(response.Embeddings[0]) == 0 {
			return nil, fmt.Errorf("ollama embed: empty embedding result")
		}
		return domain.Embedding(response.Embeddings[0]), nil
	}, classifyOllamaError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("ollama embed", err)
	}
	return vector, nil
}

// Ping checks that the server answers and the embed model is pulled.
func (c *Client) Ping(ctx context.Context) error {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &tags, "tags"); err != nil {
		return err
	}
	for _, model := range tags.Models {
		if model.Name == c.embedModel || strings.TrimSuffix(model.Name, ":latest") == c.embedModel {
			return nil
		}
	}
	return fmt.Errorf("ollama model %q is not available", c.embedModel)
}
