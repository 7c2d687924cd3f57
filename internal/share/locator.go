package share

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// 分享定位器
// 格式：https://<host>/share/<tokenId>#<base64url(documentKey)>
// # 之後的片段是瀏覽器保證不隨請求外送的通道，文件密鑰只走這裡。

// BuildLocator 組裝分享定位器
// documentKey 為 nil 時省略片段（伺服器端簽發回應不帶密鑰）。
func BuildLocator(baseURL, tokenID string, documentKey []byte) string {
	locator := fmt.Sprintf("%s/share/%s", strings.TrimRight(baseURL, "/"), tokenID)
	if len(documentKey) > 0 {
		locator += "#" + base64.RawURLEncoding.EncodeToString(documentKey)
	}
	return locator
}

// ParseLocator 拆解分享定位器為 tokenID 與文件密鑰
func ParseLocator(locator string) (tokenID string, documentKey []byte, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", nil, fmt.Errorf("share: invalid locator: %w", err)
	}

	const prefix = "/share/"
	if !strings.HasPrefix(u.Path, prefix) {
		return "", nil, fmt.Errorf("share: invalid locator path %q", u.Path)
	}
	tokenID = strings.TrimPrefix(u.Path, prefix)
	if tokenID == "" || strings.Contains(tokenID, "/") {
		return "", nil, fmt.Errorf("share: invalid locator path %q", u.Path)
	}

	if u.Fragment == "" {
		return "", nil, fmt.Errorf("share: locator is missing the key fragment")
	}
	documentKey, err = base64.RawURLEncoding.DecodeString(u.Fragment)
	if err != nil {
		return "", nil, fmt.Errorf("share: invalid key fragment: %w", err)
	}

	return tokenID, documentKey, nil
}
