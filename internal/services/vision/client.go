// Package vision calls an external multimodal model to classify chart
// images into buy/sell decisions. The upstream enforces tight per-minute
// quotas, so all calls are serialized globally and paced; this is a
// deliberate bottleneck.
package vision

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tradebridge/internal/domain"
)

const (
	defaultModel    = "gpt-4o-mini"
	requestTimeout  = 30 * time.Second
	minCallGap      = 350 * time.Millisecond
	cacheTTL        = 8 * time.Second
	maxRetries      = 4
	backoffFloor    = 250 * time.Millisecond
	maxJitter       = 150 * time.Millisecond
	entryTimeOffset = 90 * time.Second
)

var retryAfterTextRe = regexp.MustCompile(`try again in ([0-9.]+)s`)

// Client is a rate-limited, retrying vision API client. One instance is
// shared process-wide; its concurrency ceiling is global across users.
type Client struct {
	http   *resty.Client
	model  string
	logger *zap.Logger

	limiter *rate.Limiter
	sem     chan struct{}

	mu    sync.Mutex
	cache map[string]cachedDecision

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type cachedDecision struct {
	decision domain.VisionDecision
	at       time.Time
}

// NewClient creates the vision client. baseURL is the API root (the
// chat-completions path is appended); model defaults to gpt-4o-mini.
func NewClient(baseURL, apiKey, model string, logger *zap.Logger) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(requestTimeout).
			SetAuthToken(apiKey).
			SetHeader("Content-Type", "application/json"),
		model:   model,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(minCallGap), 1),
		sem:     make(chan struct{}, 1),
		cache:   make(map[string]cachedDecision),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Classify analyzes a chart image and returns a structured decision.
// Duplicate requests for the same frame within the cache TTL are answered
// from cache without touching the upstream.
func (c *Client) Classify(ctx context.Context, imageRef string) (domain.VisionDecision, error) {
	if cached, ok := c.cachedFor(imageRef); ok {
		return cached, nil
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.VisionDecision{}, ctx.Err()
	}
	defer func() { <-c.sem }()

	// a concurrent caller may have populated the cache while we waited
	if cached, ok := c.cachedFor(imageRef); ok {
		return cached, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return domain.VisionDecision{}, err
	}

	content, err := c.complete(ctx, imageRef)
	if err != nil {
		return domain.VisionDecision{}, err
	}

	decision, err := domain.ParseVisionDecision(content)
	if err != nil {
		return domain.VisionDecision{}, err
	}

	c.mu.Lock()
	now := c.now()
	// frame refs are unique per chart, so stale keys are never looked up
	// again; sweep them here to keep the map bounded
	for key, entry := range c.cache {
		if now.Sub(entry.at) > cacheTTL {
			delete(c.cache, key)
		}
	}
	c.cache[imageRef] = cachedDecision{decision: decision, at: now}
	c.mu.Unlock()

	return decision, nil
}

func (c *Client) cachedFor(imageRef string) (domain.VisionDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[imageRef]
	if !ok || c.now().Sub(entry.at) > cacheTTL {
		delete(c.cache, imageRef)
		return domain.VisionDecision{}, false
	}
	return entry.decision, true
}

// complete submits the chat request, retrying 429/5xx with exponential
// backoff seeded from the upstream's suggested wait.
func (c *Client) complete(ctx context.Context, imageRef string) (string, error) {
	entry := c.now().Add(entryTimeOffset).Format("15:04:05")
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: buildPrompt(entry)},
				{Type: "image_url", ImageURL: &imageURL{URL: imageRef}},
			},
		}},
		Temperature: 0,
		MaxTokens:   300,
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&chatResponse{}).
			Post("/chat/completions")
		if err != nil {
			return "", errors.Wrap(domain.ErrUpstreamUnavailable, err.Error())
		}

		status := resp.StatusCode()
		if status == 429 || status >= 500 {
			lastErr = fmt.Errorf("vision api status %d: %s", status, resp.String())
			if attempt == maxRetries {
				break
			}
			wait := suggestedWait(resp) << attempt
			wait += time.Duration(rand.Int63n(int64(maxJitter)))
			c.logger.Warn("vision api throttled, backing off",
				zap.Int("status", status),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait))
			if err := c.sleep(ctx, wait); err != nil {
				return "", err
			}
			continue
		}
		if resp.IsError() {
			// deliberately surface the upstream's own error body
			return "", fmt.Errorf("vision api status %d: %s", status, resp.String())
		}

		result := resp.Result().(*chatResponse)
		if result.Error != nil {
			return "", fmt.Errorf("vision api error: %s (%s)", result.Error.Message, result.Error.Type)
		}
		if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
			return "", errors.Wrap(domain.ErrNoDecisionExtracted, "empty completion")
		}
		return result.Choices[0].Message.Content, nil
	}

	return "", errors.Wrapf(lastErr, "exhausted %d retries", maxRetries)
}

// suggestedWait extracts the upstream's advised backoff from the
// Retry-After header or the error text, floored at 250ms.
func suggestedWait(resp *resty.Response) time.Duration {
	if header := resp.Header().Get("Retry-After"); header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
			return maxDuration(time.Duration(secs*float64(time.Second)), backoffFloor)
		}
	}
	if m := retryAfterTextRe.FindStringSubmatch(resp.String()); len(m) == 2 {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil && secs > 0 {
			return maxDuration(time.Duration(secs*float64(time.Second)), backoffFloor)
		}
	}
	return backoffFloor
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func buildPrompt(entry string) string {
	return fmt.Sprintf(`IMPORTANT: You are a professional trader tasked with analyzing chart images and providing structured recommendations.
IMPORTANT: You must ONLY return a valid JSON object with no additional text before or after it.

Analyze the chart image where candles last 5 seconds, evaluating support, resistance, and trend patterns.

Evaluate:
- Recent price movement patterns
- Support and resistance levels
- Volume trends
- Candle formations
- Momentum indicators

Return a JSON with:
- recommendation: "buy" or "sell"
- probability: 60-90
- explanation: max 30 words
- entry: %q

IMPORTANT: entry: %q, recommendation: "buy"/"sell", probability: 60-90 only.`, entry, entry)
}
