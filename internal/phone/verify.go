package phone

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/nyaruka/phonenumbers"
	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/storage"
)

// SMSSender 出站短信发送接口，由供应商客户端实现。
type SMSSender interface {
	SendSMS(ctx context.Context, from, to, body string) error
}

// 验证码发送频控窗口。
const verifyWindow = time.Hour

// VerifyService 真实号码验证的状态机。
//
// 状态流转：无记录 → 待验证（验证码已发）→ 已验证。
// 每个用户至多一条已验证记录；同一号码在验证码有效期内
// 不允许出现第二条待验证记录。
type VerifyService struct {
	store        storage.RealPhoneRepository
	limiter      storage.RateLimitRepository
	sms          SMSSender
	metrics      *monitoring.Metrics
	allowed      map[string]bool
	maxVerifyAge time.Duration
	sendLimit    int
	log          *zap.Logger

	now func() time.Time
}

// NewVerifyService 创建号码验证服务
func NewVerifyService(
	store storage.RealPhoneRepository,
	limiter storage.RateLimitRepository,
	sms SMSSender,
	metrics *monitoring.Metrics,
	allowedCountries []string,
	maxVerifyAge time.Duration,
	sendLimit int,
	log *zap.Logger,
) *VerifyService {
	allowed := make(map[string]bool, len(allowedCountries))
	for _, country := range allowedCountries {
		allowed[country] = true
	}
	return &VerifyService{
		store:        store,
		limiter:      limiter,
		sms:          sms,
		metrics:      metrics,
		allowed:      allowed,
		maxVerifyAge: maxVerifyAge,
		sendLimit:    sendLimit,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// RequestVerification 登记号码并下发 6 位验证码。
//
// regionHint 为缺少国家码时的解析回退区域，空则按 US 处理。
func (s *VerifyService) RequestVerification(ctx context.Context, userID, rawNumber, regionHint string) (*domain.RealPhone, error) {
	number, err := s.normalize(rawNumber, regionHint)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetVerifiedRealPhoneByUserID(userID); err == nil {
		return nil, domain.NewConflictError(domain.CodeConflict,
			"user already has a verified phone number")
	} else if !errors.Is(err, storage.ErrRealPhoneNotFound) {
		return nil, err
	}

	now := s.now()

	// 同一号码的未过期待验证记录会让验证码互相覆盖，直接拒绝
	existing, err := s.store.GetRealPhonesByNumber(number)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		record := &existing[i]
		if record.Verified {
			return nil, domain.NewConflictError(domain.CodeConflict,
				"number is already verified by another account")
		}
		if !record.PendingExpired(now, s.maxVerifyAge) {
			return nil, domain.NewConflictError(domain.CodeConflict,
				"number already has a pending verification")
		}
	}

	count, err := s.limiter.IncrementRateLimit("verify:"+number, verifyWindow)
	if err != nil {
		return nil, err
	}
	if count > int64(s.sendLimit) {
		return nil, domain.NewValidationError(domain.CodeAccountIsPaused,
			"too many verification attempts, try again later").
			WithContext("retry_after_seconds", int(verifyWindow.Seconds()))
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}

	record := &domain.RealPhone{
		UserID:             userID,
		Number:             number,
		VerificationCode:   code,
		VerificationSentAt: now,
	}
	if err := s.store.SaveRealPhone(record); err != nil {
		return nil, err
	}

	body := fmt.Sprintf("Your Relay verification code is %s. It expires in %d minutes.",
		code, int(s.maxVerifyAge.Minutes()))
	if err := s.sms.SendSMS(ctx, "", number, body); err != nil {
		return nil, fmt.Errorf("send verification code: %w", err)
	}

	s.metrics.VerifyCodesSent.Inc()
	s.log.Info("verification code sent",
		zap.String("user_id", userID),
		zap.String("number", number),
	)
	return record, nil
}

// ConfirmVerification 核对验证码，成功则将记录置为已验证。
//
// 过期、不匹配与记录缺失一律返回 bad_verification_code，
// 不向调用方泄露记录是否存在。
func (s *VerifyService) ConfirmVerification(ctx context.Context, userID, rawNumber, regionHint, code string) (*domain.RealPhone, error) {
	number, err := s.normalize(rawNumber, regionHint)
	if err != nil {
		return nil, err
	}

	record, err := s.store.GetRealPhoneByUserAndNumber(userID, number)
	if err != nil {
		if errors.Is(err, storage.ErrRealPhoneNotFound) {
			return nil, badCode()
		}
		return nil, err
	}
	if record.Verified {
		return record, nil
	}

	now := s.now()
	if record.PendingExpired(now, s.maxVerifyAge) {
		return nil, badCode()
	}
	if subtle.ConstantTimeCompare([]byte(record.VerificationCode), []byte(code)) != 1 {
		return nil, badCode()
	}

	record.Verified = true
	record.VerifiedAt = &now
	record.VerificationCode = ""
	if err := s.store.UpdateRealPhone(record); err != nil {
		return nil, err
	}

	s.log.Info("phone number verified",
		zap.String("user_id", userID),
		zap.String("number", number),
	)
	return record, nil
}

// normalize 解析号码为 E.164 并校验国家允许列表。
func (s *VerifyService) normalize(rawNumber, regionHint string) (string, error) {
	if regionHint == "" {
		regionHint = "US"
	}

	parsed, err := phonenumbers.Parse(rawNumber, "")
	if err != nil {
		if !errors.Is(err, phonenumbers.ErrInvalidCountryCode) {
			return "", domain.NewValidationError(domain.CodeInvalidNumber,
				fmt.Sprintf("cannot parse phone number: %v", err))
		}
		// 无国家码时按提示区域重解析
		parsed, err = phonenumbers.Parse(rawNumber, regionHint)
		if err != nil {
			return "", domain.NewValidationError(domain.CodeInvalidNumber,
				fmt.Sprintf("cannot parse phone number: %v", err))
		}
	}

	if !phonenumbers.IsValidNumber(parsed) {
		return "", domain.NewValidationError(domain.CodeInvalidNumber,
			"phone number is not valid")
	}

	region := phonenumbers.GetRegionCodeForNumber(parsed)
	if !s.allowed[region] {
		return "", domain.NewValidationError(domain.CodeNumberNotAllowed,
			"phone numbers from this country are not supported").
			WithContext("country", region)
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

func badCode() *domain.RelayError {
	return domain.NewValidationError(domain.CodeBadVerificationCode,
		"incorrect or expired verification code")
}

// generateCode 生成 6 位十进制验证码。
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
