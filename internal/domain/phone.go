package domain

import "time"

// RealPhone 用户真实号码的验证记录。
//
// 不变量：
//   - 每个用户至多一条 verified=true 的记录
//   - 同一 E.164 号码在验证码未过期时，不允许出现第二条待验证记录
//   - 验证码仅在 now - VerificationSentAt <= MaxVerifyAge 内有效
type RealPhone struct {
	ID                 string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID             string     `json:"userId" gorm:"type:varchar(36);index"`
	Number             string     `json:"number" gorm:"type:varchar(20);index"` // E.164
	VerificationCode   string     `json:"-" gorm:"type:varchar(8)"`
	VerificationSentAt time.Time  `json:"verificationSentAt"`
	Verified           bool       `json:"verified" gorm:"default:false;index"`
	VerifiedAt         *time.Time `json:"verifiedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// PendingExpired 报告待验证记录的验证码是否已超出有效窗口。
func (p *RealPhone) PendingExpired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(p.VerificationSentAt) > maxAge
}

// RelayNumber 分配给用户的中继号码，每个用户至多一个。
type RelayNumber struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID         string    `json:"userId" gorm:"type:varchar(36);uniqueIndex"`
	Number         string    `json:"number" gorm:"type:varchar(20);uniqueIndex"` // E.164
	VCardLookupKey string    `json:"vCardLookupKey" gorm:"type:varchar(36);uniqueIndex"`
	Enabled        bool      `json:"enabled" gorm:"default:true"`
	Vendor         string    `json:"vendor" gorm:"type:varchar(32)"`
	StorePhoneLog  bool      `json:"storePhoneLog" gorm:"default:true"`

	NumTexts          int `json:"numTexts" gorm:"default:0"`
	NumTextsBlocked   int `json:"numTextsBlocked" gorm:"default:0"`
	NumCalls          int `json:"numCalls" gorm:"default:0"`
	NumCallsBlocked   int `json:"numCallsBlocked" gorm:"default:0"`
	// 剩余额度余额。短信在转发成功后逐条扣减，
	// 通话秒数由挂断后的供应商用量同步结算。
	RemainingTexts    int `json:"remainingTexts" gorm:"default:75"`
	RemainingSeconds  int `json:"remainingSeconds" gorm:"default:3000"`

	CreatedAt time.Time `json:"createdAt"`
}

// InboundContact 记录一个外部号码与中继号码的往来情况。
//
// 仅当号码所有者开启了通话记录 (StorePhoneLog) 时才创建。
type InboundContact struct {
	ID              string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RelayNumberID   string    `json:"relayNumberId" gorm:"type:varchar(36);index:idx_contact,unique"`
	InboundNumber   string    `json:"inboundNumber" gorm:"type:varchar(20);index:idx_contact,unique"`
	Blocked         bool      `json:"blocked" gorm:"default:false"`
	NumCalls        int       `json:"numCalls" gorm:"default:0"`
	NumTexts        int       `json:"numTexts" gorm:"default:0"`
	NumCallsBlocked int       `json:"numCallsBlocked" gorm:"default:0"`
	NumTextsBlocked int       `json:"numTextsBlocked" gorm:"default:0"`
	LastInboundAt   time.Time `json:"lastInboundAt"`
	CreatedAt       time.Time `json:"createdAt"`
}
