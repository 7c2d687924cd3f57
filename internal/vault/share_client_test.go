package vault

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notevault/internal/security/envelope"
	"notevault/internal/security/ratelimit"
	"notevault/internal/share"
	"notevault/internal/storage/local"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testShareServer 用 share.Service 撐起分享協定的最小 HTTP 端點，
// 並記錄每個進來的請求以便檢查洩漏。
type testShareServer struct {
	svc      *share.Service
	requests []*http.Request
	bodies   []string
}

func (s *testShareServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/shares", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DocumentID  string             `json:"document_id"`
			WorkspaceID string             `json:"workspace_id"`
			Permission  string             `json:"permission"`
			TTLSeconds  int64              `json:"ttl_seconds"`
			Title       string             `json:"title"`
			Envelope    *envelope.Envelope `json:"envelope"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		grant, err := s.svc.Issue(r.Context(), &share.IssueRequest{
			DocumentID:  req.DocumentID,
			WorkspaceID: req.WorkspaceID,
			OwnerID:     r.Header.Get("X-Owner-ID"),
			Permission:  share.Permission(req.Permission),
			TTL:         time.Duration(req.TTLSeconds) * time.Second,
			Title:       req.Title,
			Snapshot:    req.Envelope,
		})
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(grant)
	})

	mux.HandleFunc("GET /share/{tokenID}", func(w http.ResponseWriter, r *http.Request) {
		res, err := s.svc.Resolve(r.Context(), r.PathValue("tokenID"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(res)
	})

	mux.HandleFunc("POST /share/{tokenID}/revoke", func(w http.ResponseWriter, r *http.Request) {
		err := s.svc.Revoke(r.Context(), r.PathValue("tokenID"), r.Header.Get("X-Owner-ID"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// 外層包一圈記錄請求
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body string
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			body = string(data)
			r.Body = io.NopCloser(strings.NewReader(body))
		}
		s.requests = append(s.requests, r.Clone(r.Context()))
		s.bodies = append(s.bodies, body)
		mux.ServeHTTP(w, r)
	})
}

func newShareTestEnv(t *testing.T) (*Vault, *ShareClient, *testShareServer) {
	t.Helper()
	ctx := context.Background()

	v, err := New(ctx, local.NewMemoryStore())
	require.NoError(t, err)

	srv := &testShareServer{
		svc: share.NewService(
			share.NewMemoryTokenStore(),
			share.NewMemorySnapshotStore(),
			ratelimit.NewMemoryLimiter(clockwork.NewRealClock()),
			"",
			share.DefaultLimits(),
			nil,
		),
	}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	client := NewShareClient(ts.URL, "owner-1")
	return v, client, srv
}

// TestShareRoundTrip 分享 → 定位器 → 另一端解析並解密
func TestShareRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, client, srv := newShareTestEnv(t)

	content := []byte("分享這份 hello world")
	require.NoError(t, v.SaveDocument(ctx, "doc-1", "問候", content))

	locator, err := client.ShareDocument(ctx, v, "doc-1", "ws-1", share.PermissionView, time.Hour)
	require.NoError(t, err)
	require.Contains(t, locator, "#")

	plaintext, res, err := client.OpenShareLink(ctx, locator)
	require.NoError(t, err)
	assert.Equal(t, content, plaintext)
	assert.Equal(t, share.PermissionView, res.Permission)
	assert.Equal(t, "問候", res.Title)

	// 密鑰只存在於片段：任何送達伺服器的請求都不得包含它
	key, err := v.DocumentKey(ctx, "doc-1")
	require.NoError(t, err)
	_, fragment, err := share.ParseLocator(locator)
	require.NoError(t, err)
	assert.Equal(t, key, fragment)

	encodedKey := locator[strings.Index(locator, "#")+1:]
	for i, req := range srv.requests {
		assert.Empty(t, req.URL.Fragment, "fragment leaked to server")
		assert.NotContains(t, req.URL.String(), encodedKey)
		assert.NotContains(t, srv.bodies[i], encodedKey)
	}
}

func TestShareClient_RevokedLinkUnusable(t *testing.T) {
	ctx := context.Background()
	v, client, _ := newShareTestEnv(t)

	require.NoError(t, v.SaveDocument(ctx, "doc-1", "筆記", []byte("內容")))

	locator, err := client.ShareDocument(ctx, v, "doc-1", "ws-1", share.PermissionView, time.Hour)
	require.NoError(t, err)

	tokenID, _, err := share.ParseLocator(locator)
	require.NoError(t, err)
	require.NoError(t, client.Revoke(ctx, tokenID))

	_, _, err = client.OpenShareLink(ctx, locator)
	assert.ErrorIs(t, err, share.ErrTokenNotFound)
}

// TestShareClient_TamperedLinkFailsClosed 密鑰片段被改動時解密必須整體失敗
func TestShareClient_TamperedLinkFailsClosed(t *testing.T) {
	ctx := context.Background()
	v, client, _ := newShareTestEnv(t)

	require.NoError(t, v.SaveDocument(ctx, "doc-1", "筆記", []byte("內容")))

	locator, err := client.ShareDocument(ctx, v, "doc-1", "ws-1", share.PermissionView, time.Hour)
	require.NoError(t, err)

	// 換掉片段裡的密鑰
	wrongKey, err := envelope.NewKey()
	require.NoError(t, err)
	tokenID, _, err := share.ParseLocator(locator)
	require.NoError(t, err)
	tampered := share.BuildLocator(client.baseURL, tokenID, wrongKey)

	_, _, err = client.OpenShareLink(ctx, tampered)
	assert.ErrorIs(t, err, envelope.ErrAuthenticationFailed)
}
