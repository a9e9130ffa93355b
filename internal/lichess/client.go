// Package lichess fetches study metadata and PGN exports from the lichess API.
package lichess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
)

const (
	defaultBaseURL     = "https://lichess.org"
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
	maxLineBytes       = 4 << 20

	mediaTypeNDJSON = "application/x-ndjson"
	mediaTypePGN    = "application/x-chess-pgn"
)

var (
	// ErrInvalidClientConfig indicates the client was constructed without required collaborators.
	ErrInvalidClientConfig = errors.New("lichess: invalid client config")
	// ErrUnexpectedStatus indicates a non-success HTTP response.
	ErrUnexpectedStatus = errors.New("lichess: unexpected status")
	// ErrMalformedResponse indicates a response body that could not be decoded.
	ErrMalformedResponse = errors.New("lichess: malformed response")
)

// Credential identifies the lichess account studies are fetched for.
// Token is optional; without it only public studies are visible.
type Credential struct {
	Username string
	Token    string
}

// CredentialStore resolves the lichess account linked to a local user.
type CredentialStore interface {
	RemoteCredentials(ctx context.Context, userID studies.UserID) (Credential, error)
}

// Config bundles the client collaborators.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials CredentialStore
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *zap.Logger
}

// Client implements studies.Source.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials CredentialStore
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *zap.Logger
}

var _ studies.Source = (*Client)(nil)

// NewClient validates the configuration and applies defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("%w: credential store required", ErrInvalidClientConfig)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidClientConfig, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		credentials: cfg.Credentials,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      logger,
	}, nil
}

type studyMetadata struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// FetchStudies lists every study of the linked account.
func (client *Client) FetchStudies(ctx context.Context, userID studies.UserID) ([]studies.RemoteStudy, error) {
	credential, err := client.credentials.RemoteCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/api/study/by/%s", client.baseURL, url.PathEscape(credential.Username))
	body, _, err := client.get(ctx, endpoint, mediaTypeNDJSON, credential.Token)
	if err != nil {
		return nil, err
	}

	remote := make([]studies.RemoteStudy, 0)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var metadata studyMetadata
		if err := json.Unmarshal(line, &metadata); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if metadata.ID == "" {
			return nil, fmt.Errorf("%w: study without id", ErrMalformedResponse)
		}
		modified := metadata.UpdatedAt
		if modified == 0 {
			modified = metadata.CreatedAt
		}
		remote = append(remote, studies.RemoteStudy{
			RemoteID:     metadata.ID,
			Name:         metadata.Name,
			LastModified: time.UnixMilli(modified).UTC(),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	client.logger.Debug("lichess studies listed",
		zap.String("user_id", userID.String()),
		zap.Int("count", len(remote)))
	return remote, nil
}

// FetchStudyContent downloads the PGN export of one study.
func (client *Client) FetchStudyContent(ctx context.Context, userID studies.UserID, remoteID string) (studies.StudyContent, error) {
	credential, err := client.credentials.RemoteCredentials(ctx, userID)
	if err != nil {
		return studies.StudyContent{}, err
	}
	endpoint := fmt.Sprintf("%s/api/study/%s.pgn", client.baseURL, url.PathEscape(remoteID))
	body, header, err := client.get(ctx, endpoint, mediaTypePGN, credential.Token)
	if err != nil {
		return studies.StudyContent{}, err
	}

	content := studies.StudyContent{Content: string(body)}
	if lastModified := header.Get("Last-Modified"); lastModified != "" {
		parsed, parseErr := http.ParseTime(lastModified)
		if parseErr != nil {
			client.logger.Debug("ignoring unparsable last-modified",
				zap.String("remote_id", remoteID),
				zap.String("value", lastModified))
		} else {
			content.LastModified = parsed.UTC()
		}
	}
	return content, nil
}

// get retries throttled and server-side failures with capped exponential backoff.
func (client *Client) get(ctx context.Context, endpoint string, accept string, token string) ([]byte, http.Header, error) {
	var (
		body    []byte
		header  http.Header
		attempt int
	)
	backoff := retry.NewExponential(client.baseDelay)
	backoff = retry.WithCappedDuration(client.maxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(client.maxAttempts-1), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		request.Header.Set("Accept", accept)
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}

		response, err := client.httpClient.Do(request)
		if err != nil {
			client.logger.Warn("lichess request failed",
				zap.String("url", endpoint),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		defer response.Body.Close()

		if response.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, response.Body)
			statusErr := fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, endpoint, response.StatusCode)
			if isRetryableStatus(response.StatusCode) {
				client.logger.Warn("lichess request throttled or failed",
					zap.String("url", endpoint),
					zap.Int("attempt", attempt),
					zap.Int("status", response.StatusCode))
				return retry.RetryableError(statusErr)
			}
			return statusErr
		}

		payload, err := io.ReadAll(response.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		body = payload
		header = response.Header
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return body, header, nil
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
