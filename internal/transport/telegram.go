package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAPIBaseURL  = "https://api.telegram.org"
	defaultHTTPTimeout = 60 * time.Second
)

var (
	errMissingBotToken = errors.New("transport: bot token is required")
	// ErrDeliveryRejected wraps a Bot API error response.
	ErrDeliveryRejected = errors.New("transport: delivery rejected")
)

// TelegramCourierConfig configures the Bot API courier.
type TelegramCourierConfig struct {
	BotToken string
	// BaseURL overrides the Bot API host, used by tests.
	BaseURL string
	// SendRatePerSec paces outbound sendDocument calls. Zero disables pacing.
	SendRatePerSec float64
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// TelegramCourier delivers documents through the Telegram Bot API. Calls are
// paced by a process-wide limiter; the Bot API throttles aggressive senders.
type TelegramCourier struct {
	botToken string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewTelegramCourier constructs the Bot API courier.
func NewTelegramCourier(cfg TelegramCourierConfig) (*TelegramCourier, error) {
	if cfg.BotToken == "" {
		return nil, errMissingBotToken
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	var limiter *rate.Limiter
	if cfg.SendRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramCourier{
		botToken: cfg.BotToken,
		baseURL:  baseURL,
		client:   client,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

type botAPIResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendDocument uploads the document to the principal's chat via the Bot API
// sendDocument method.
func (c *TelegramCourier) SendDocument(ctx context.Context, principalID int64, doc Document) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("transport: send pacing: %w", err)
		}
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", strconv.FormatInt(principalID, 10)); err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	if doc.Caption != "" {
		if err := writer.WriteField("caption", doc.Caption); err != nil {
			return fmt.Errorf("transport: encode request: %w", err)
		}
	}
	part, err := writer.CreateFormFile("document", doc.Filename)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	if _, err := io.Copy(part, doc.Payload); err != nil {
		return fmt.Errorf("transport: encode payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendDocument", c.baseURL, c.botToken)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("transport: send document: %w", err)
	}
	defer response.Body.Close()

	var apiResponse botAPIResponse
	if err := json.NewDecoder(response.Body).Decode(&apiResponse); err != nil {
		return fmt.Errorf("transport: decode response (status %d): %w", response.StatusCode, err)
	}
	if !apiResponse.OK {
		c.logger.Warn("bot api rejected document",
			zap.Int64("principal_id", principalID),
			zap.Int("status", response.StatusCode),
			zap.String("description", apiResponse.Description))
		return fmt.Errorf("%w: %s", ErrDeliveryRejected, apiResponse.Description)
	}
	return nil
}
