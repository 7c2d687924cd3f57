package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"notevault/internal/security/envelope"
	"notevault/internal/share"
)

// 分享協定的 HTTP 客戶端
// 文件密鑰只進定位器片段，永遠不出現在任何送往伺服器的請求裡。
// 網路錯誤做小次數固定退避重試；4xx 與密碼學錯誤一律不重試。

const (
	defaultTimeout = 10 * time.Second
	maxRetries     = 3
	retryBackoff   = 500 * time.Millisecond
)

// ShareClient 分享服務客戶端
type ShareClient struct {
	baseURL    string
	ownerID    string
	httpClient *http.Client
}

// NewShareClient 創建分享客戶端
func NewShareClient(baseURL, ownerID string) *ShareClient {
	return &ShareClient{
		baseURL: baseURL,
		ownerID: ownerID,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// issueRequest 簽發請求主體（沒有密鑰欄位）
type issueRequest struct {
	DocumentID  string          `json:"document_id"`
	WorkspaceID string          `json:"workspace_id"`
	Permission  string          `json:"permission"`
	TTLSeconds  int64           `json:"ttl_seconds"`
	Title       string          `json:"title"`
	Envelope    json.RawMessage `json:"envelope"`
}

// ShareDocument 把保險庫中的文件分享出去
// 密文快照與中繼資料送往伺服器；回傳的定位器由客戶端在本地
// 把文件密鑰接到片段上組成。
func (c *ShareClient) ShareDocument(ctx context.Context, v *Vault, documentID, workspaceID string, permission share.Permission, ttl time.Duration) (string, error) {
	title, env, err := v.Snapshot(ctx, documentID)
	if err != nil {
		return "", err
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("vault: encode snapshot: %w", err)
	}

	body := issueRequest{
		DocumentID:  documentID,
		WorkspaceID: workspaceID,
		Permission:  string(permission),
		TTLSeconds:  int64(ttl.Seconds()),
		Title:       title,
		Envelope:    envJSON,
	}

	var grant share.Grant
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/shares", body, &grant); err != nil {
		return "", err
	}

	key, err := v.DocumentKey(ctx, documentID)
	if err != nil {
		return "", err
	}

	return share.BuildLocator(c.baseURL, grant.TokenID, key), nil
}

// OpenShareLink 打開分享定位器並解密內容
// 片段中的密鑰只在本地使用；送往伺服器的只有 tokenID。
func (c *ShareClient) OpenShareLink(ctx context.Context, locator string) (plaintext []byte, res *share.Resolution, err error) {
	tokenID, key, err := share.ParseLocator(locator)
	if err != nil {
		return nil, nil, err
	}

	res, err = c.Resolve(ctx, tokenID)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err = envelope.Open(key, res.Envelope, nil)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, res, nil
}

// Resolve 解析令牌取得密文快照（不含密鑰）
func (c *ShareClient) Resolve(ctx context.Context, tokenID string) (*share.Resolution, error) {
	var res share.Resolution
	if err := c.doJSON(ctx, http.MethodGet, "/share/"+tokenID, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Revoke 撤銷令牌
func (c *ShareClient) Revoke(ctx context.Context, tokenID string) error {
	return c.doJSON(ctx, http.MethodPost, "/share/"+tokenID+"/revoke", nil, nil)
}

// doJSON 發送請求並解碼回應，網路錯誤重試、HTTP 錯誤不重試
func (c *ShareClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vault: encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("vault: build request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Owner-ID", c.ownerID)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// 只有網路層錯誤才重試
			lastErr = err
			continue
		}

		err = decodeResponse(resp, out)
		resp.Body.Close()
		return err
	}

	return fmt.Errorf("vault: request failed after %d attempts: %w", maxRetries, lastErr)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("vault: read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return share.ErrTokenNotFound
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.New("vault: rate limited, retry later")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("vault: server rejected request: %s", apiErr.Error)
		}
		return fmt.Errorf("vault: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("vault: decode response: %w", err)
	}
	return nil
}
