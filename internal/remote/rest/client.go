package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/version"
)

// apiPath — базовый путь REST API v3 магазина.
const apiPath = "/wp-json/wc/v3"

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4096
)

// Config описывает подключение к REST API удалённого хранилища заказов.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client реализует domain.RemoteOrderAPI поверх HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	key        string
	secret     string
	logger     *log.Entry
}

// New создаёт клиент. BaseURL и учётные данные обязательны.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("remote base URL is required")
	}
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, errors.New("remote API credentials are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		key:        cfg.ConsumerKey,
		secret:     cfg.ConsumerSecret,
		logger:     log.WithField("component", "remote-rest"),
	}, nil
}

// APIError — ответ удалённого API с кодом ошибки. Всегда классифицируется как ErrRemoteSync.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote api status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote api status %d", e.StatusCode)
}

// Unwrap позволяет проверять ошибку через errors.Is(err, domain.ErrRemoteSync).
func (e *APIError) Unwrap() error {
	return domain.ErrRemoteSync
}

// IsNotFound сообщает, что удалённый заказ не существует.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CreateOrder отправляет POST /orders.
func (c *Client) CreateOrder(ctx context.Context, input domain.RemoteOrderInput) (domain.RemoteOrder, error) {
	var order domain.RemoteOrder
	if err := c.do(ctx, http.MethodPost, "/orders", nil, input, &order); err != nil {
		return domain.RemoteOrder{}, fmt.Errorf("create remote order: %w", err)
	}
	return order, nil
}

// UpdateOrder отправляет PUT /orders/{id}.
func (c *Client) UpdateOrder(ctx context.Context, id int64, input domain.RemoteOrderInput) (domain.RemoteOrder, error) {
	var order domain.RemoteOrder
	if err := c.do(ctx, http.MethodPut, "/orders/"+strconv.FormatInt(id, 10), nil, input, &order); err != nil {
		return domain.RemoteOrder{}, fmt.Errorf("update remote order %d: %w", id, err)
	}
	return order, nil
}

// GetOrder отправляет GET /orders/{id}.
func (c *Client) GetOrder(ctx context.Context, id int64) (domain.RemoteOrder, error) {
	var order domain.RemoteOrder
	if err := c.do(ctx, http.MethodGet, "/orders/"+strconv.FormatInt(id, 10), nil, nil, &order); err != nil {
		return domain.RemoteOrder{}, fmt.Errorf("get remote order %d: %w", id, err)
	}
	return order, nil
}

// ListOrders отправляет GET /orders с фильтрами по статусу и времени изменения.
func (c *Client) ListOrders(ctx context.Context, filter domain.RemoteOrderFilter) ([]domain.RemoteOrder, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if !filter.ModifiedAfter.IsZero() {
		query.Set("modified_after", filter.ModifiedAfter.UTC().Format(time.RFC3339))
		query.Set("dates_are_gmt", "true")
	}
	if filter.Page > 0 {
		query.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(filter.PerPage))
	}
	if filter.Search != "" {
		query.Set("search", filter.Search)
	}
	query.Set("orderby", "modified")
	query.Set("order", "asc")

	var orders []domain.RemoteOrder
	if err := c.do(ctx, http.MethodGet, "/orders", query, nil, &orders); err != nil {
		return nil, fmt.Errorf("list remote orders: %w", err)
	}
	return orders, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	target := c.baseURL + apiPath + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrRemoteSync, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(log.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(started),
	}).Debug("remote request finished")

	if resp.StatusCode >= http.StatusBadRequest {
		return parseAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", domain.ErrRemoteSync, err)
	}
	return nil
}

func parseAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	// Тело ошибки разбирается по возможности; код статуса сохраняется всегда.
	_ = json.Unmarshal(raw, apiErr)
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}

var _ domain.RemoteOrderAPI = (*Client)(nil)
