package httptransport

import (
	"errors"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/phone"
)

// 供应商 Webhook 请求的签名头。
const signatureHeader = "X-Twilio-Signature"

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Verify       *phone.VerifyService
	Dispatcher   *phone.Dispatcher
	Signature    *phone.SignatureVerifier
	Metrics      *monitoring.Metrics
	HealthProbe  http.Handler // 存活/就绪探针处理器，可为空
	PublicScheme string       // 供应商回调的对外 scheme，默认 https
	Logger       *zap.Logger
}

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	verify     *phone.VerifyService
	dispatcher *phone.Dispatcher
	signature  *phone.SignatureVerifier
	scheme     string
	log        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(deps.Logger))
	router.Use(RequestLogger(deps.Logger))
	router.Use(RateLimitByIP(rate.Limit(50), 100))

	corsConfig := gincors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	router.Use(gincors.New(corsConfig))

	scheme := deps.PublicScheme
	if scheme == "" {
		scheme = "https"
	}
	handler := &Handler{
		verify:     deps.Verify,
		dispatcher: deps.Dispatcher,
		signature:  deps.Signature,
		scheme:     scheme,
		log:        deps.Logger,
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}
	if deps.HealthProbe != nil {
		router.GET("/live", gin.WrapH(deps.HealthProbe))
		router.GET("/ready", gin.WrapH(deps.HealthProbe))
	}

	v1 := router.Group("/v1")
	{
		// 真实号码验证
		realPhone := v1.Group("/realphone")
		{
			realPhone.POST("", handler.requestVerification)
			realPhone.PATCH("", handler.confirmVerification)
		}

		// 供应商 Webhook，验签后进入电话分发
		vendor := v1.Group("/vendor", handler.requireVendorSignature)
		{
			vendor.POST("/inbound_sms", handler.inboundSMS)
			vendor.POST("/inbound_call", handler.inboundCall)
		}
	}

	return router
}

type requestVerificationRequest struct {
	Number string `json:"number" binding:"required"`
	// Region 缺少国家码时的解析回退区域，如 "US"
	Region string `json:"region"`
}

type confirmVerificationRequest struct {
	Number string `json:"number" binding:"required"`
	Region string `json:"region"`
	Code   string `json:"code" binding:"required"`
}

type realPhoneResponse struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	Verified   bool   `json:"verified"`
	VerifiedAt string `json:"verified_at,omitempty"`
}

func toRealPhoneResponse(record *domain.RealPhone) realPhoneResponse {
	resp := realPhoneResponse{
		ID:       record.ID,
		Number:   record.Number,
		Verified: record.Verified,
	}
	if record.VerifiedAt != nil {
		resp.VerifiedAt = record.VerifiedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// requestVerification 登记号码并下发验证码。
func (h *Handler) requestVerification(c *gin.Context) {
	var req requestVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RenderError(c, domain.NewValidationError(domain.CodeBadVerificationCode,
			"number is required"))
		return
	}

	record, err := h.verify.RequestVerification(c.Request.Context(),
		userID(c), req.Number, req.Region)
	if err != nil {
		RenderError(c, err)
		return
	}
	Created(c, toRealPhoneResponse(record))
}

// confirmVerification 核对验证码。
func (h *Handler) confirmVerification(c *gin.Context) {
	var req confirmVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RenderError(c, domain.NewValidationError(domain.CodeBadVerificationCode,
			"number and code are required"))
		return
	}

	record, err := h.verify.ConfirmVerification(c.Request.Context(),
		userID(c), req.Number, req.Region, req.Code)
	if err != nil {
		RenderError(c, err)
		return
	}
	Success(c, toRealPhoneResponse(record))
}

// requireVendorSignature 校验供应商 Webhook 签名，不合法直接 403。
func (h *Handler) requireVendorSignature(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error_code": "bad_request",
			"detail":     "cannot parse form body",
		})
		return
	}

	requestURL := h.scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
	sig := c.GetHeader(signatureHeader)
	if sig == "" || !h.signature.Verify(requestURL, c.Request.PostForm, sig) {
		h.log.Warn("vendor webhook signature rejected",
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
		)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error_code": "invalid_signature",
			"detail":     "request signature verification failed",
		})
		return
	}
	c.Next()
}

// inboundSMS 处理供应商的入站短信回调。
//
// 回信路由失败时返回 200 与提示短信，供应商会把提示转给发信人；
// 返回非 200 会让供应商重试，而路由失败重试不会成功。
func (h *Handler) inboundSMS(c *gin.Context) {
	to := c.PostForm("To")
	from := c.PostForm("From")
	body := c.PostForm("Body")

	err := h.dispatcher.HandleInboundSMS(c.Request.Context(), to, from, body)
	if err == nil {
		c.Data(http.StatusOK, "text/xml", []byte(emptyTwiML))
		return
	}

	var relayErr *domain.RelayError
	if errors.As(err, &relayErr) && relayErr.Kind == domain.KindSMSReply {
		c.Data(http.StatusOK, "text/xml", []byte(messageTwiML(relayErr.Message)))
		return
	}

	h.log.Error("inbound sms dispatch failed", zap.Error(err))
	RenderError(c, err)
}

// inboundCall 处理供应商的来电回调，响应体是应答 XML。
func (h *Handler) inboundCall(c *gin.Context) {
	to := c.PostForm("To")
	from := c.PostForm("From")

	twiml, err := h.dispatcher.HandleInboundCall(c.Request.Context(), to, from)
	if err != nil {
		h.log.Error("inbound call dispatch failed", zap.Error(err))
		RenderError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/xml", []byte(twiml))
}

// userID 从请求头取用户标识。上游网关完成认证后注入。
func userID(c *gin.Context) string {
	return c.GetHeader("X-User-ID")
}
