package phone

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// VendorClient 电话供应商的出站短信客户端。
//
// 供应商 API 是 Twilio 风格的 REST 接口：
// POST {base}/Accounts/{sid}/Messages，表单编码，HTTP Basic 认证。
type VendorClient struct {
	baseURL    string
	accountSID string
	authToken  string
	httpClient *http.Client
	log        *zap.Logger
}

// NewVendorClient 创建供应商客户端
func NewVendorClient(baseURL, accountSID, authToken string, log *zap.Logger) *VendorClient {
	return &VendorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

// SendSMS 发送一条出站短信。
func (c *VendorClient) SendSMS(ctx context.Context, from, to, body string) error {
	form := url.Values{
		"To":   {to},
		"Body": {body},
	}
	if from != "" {
		form.Set("From", from)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("send sms: vendor returned %d: %s", resp.StatusCode, detail)
	}

	c.log.Debug("sms submitted to vendor", zap.String("to", to))
	return nil
}
