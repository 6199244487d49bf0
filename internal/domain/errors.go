package domain

import "fmt"

// ErrorKind 划分错误的呈现方式。
type ErrorKind string

const (
	// KindValidation 输入校验错误，对应 4xx
	KindValidation ErrorKind = "validation"
	// KindConflict 资源冲突错误，对应 409
	KindConflict ErrorKind = "conflict"
	// KindSMSReply 通过短信回告给来电者的错误，HTTP 层返回 200
	KindSMSReply ErrorKind = "sms_reply"
	// KindPipeline 管道内部错误，不面向用户
	KindPipeline ErrorKind = "pipeline"
)

// 稳定错误码。客户端依赖这些码做翻译，只增不改。
const (
	// 校验类
	CodeNeedSubdomain          = "need_subdomain"
	CodeAddressNotEditable     = "address_not_editable"
	CodeAddressUnavailable     = "address_unavailable"
	CodeDuplicateAddress       = "duplicate_address"
	CodeFreeTierLimit          = "free_tier_limit"
	CodeFreeTierNoSubdomain    = "free_tier_no_subdomain_masks"
	CodeAccountIsPaused        = "account_is_paused"
	CodeAccountIsInactive      = "account_is_inactive"
	CodeBadVerificationCode    = "bad_verification_code"
	CodeInvalidNumber          = "invalid_phone_number"
	CodeNumberNotAllowed       = "number_country_not_allowed"

	// 冲突类
	CodeConflict            = "conflict_error"
	CodeDomainAddressExists = "domain_address_exists"

	// 短信回复类
	CodeNoPhoneLog               = "no_phone_log"
	CodeNoPreviousSender         = "no_previous_sender"
	CodeShortPrefixNoSenders     = "short_prefix_matches_no_senders"
	CodeFullNumberNoSenders      = "full_number_matches_no_senders"
	CodeMultipleNumberMatches    = "multiple_number_matches"
	CodeNoBodyAfterShortPrefix   = "no_body_after_short_prefix"
	CodeNoBodyAfterFullNumber    = "no_body_after_full_number"

	// 管道类
	CodeMalformedEnvelope = "MalformedEnvelope"
	CodeInvalidSignature  = "InvalidSignature"
	CodeSuspiciousOrigin  = "SuspiciousOrigin"
	CodeCertUnavailable   = "CertUnavailable"
	CodeNoSuchAlias       = "NoSuchAlias"
	CodeBlobUnavailable   = "BlobUnavailable"
	CodeTransientOutbound = "TransientOutbound"
	CodePermanentOutbound = "PermanentOutbound"
)

// RelayError 携带稳定错误码的业务错误。
//
// Context 提供给客户端做本地化插值，例如 {"max": 5}。
type RelayError struct {
	Code    string         `json:"error_code"`
	Kind    ErrorKind      `json:"-"`
	Message string         `json:"detail"`
	Context map[string]any `json:"error_context,omitempty"`
	Cause   error          `json:"-"`
}

// Error 实现 error 接口。
func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 暴露底层原因，支持 errors.Is/As。
func (e *RelayError) Unwrap() error {
	return e.Cause
}

// NewValidationError 构造校验类错误。
func NewValidationError(code, message string) *RelayError {
	return &RelayError{Code: code, Kind: KindValidation, Message: message}
}

// NewConflictError 构造冲突类错误。
func NewConflictError(code, message string) *RelayError {
	return &RelayError{Code: code, Kind: KindConflict, Message: message}
}

// NewSMSReplyError 构造需要经短信回告的错误。
func NewSMSReplyError(code, message string) *RelayError {
	return &RelayError{Code: code, Kind: KindSMSReply, Message: message}
}

// NewPipelineError 构造管道内部错误。
func NewPipelineError(code, message string, cause error) *RelayError {
	return &RelayError{Code: code, Kind: KindPipeline, Message: message, Cause: cause}
}

// WithContext 附加翻译上下文，返回错误本身便于链式调用。
func (e *RelayError) WithContext(key string, value any) *RelayError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
