package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Alias 表示一个邮箱别名（掩码地址），入站邮件经它转发到用户真实地址。
//
// 两种形态：
//   - 随机掩码: LocalPart 为全局唯一随机短串，Subdomain 为空
//   - 自定义掩码: (Subdomain, LocalPart) 组合在用户内唯一
type Alias struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID      string `json:"userId" gorm:"type:varchar(36);index"`
	LocalPart   string `json:"localPart" gorm:"type:varchar(64);index:idx_alias_addr,unique"`
	Subdomain   string `json:"subdomain,omitempty" gorm:"type:varchar(63);index:idx_alias_addr,unique"`
	Domain      string `json:"domain" gorm:"type:varchar(100)"`
	UserEmail   string `json:"-" gorm:"type:varchar(255)"` // 转发目标真实地址
	Enabled     bool   `json:"enabled" gorm:"default:true"`
	BlockList   bool   `json:"blockListEmails" gorm:"column:block_list_emails;default:false"`
	Description string `json:"description,omitempty" gorm:"type:varchar(64)"`

	// 计数器：单调非负，非权威统计，允许 at-least-once 下的重复累加
	NumForwarded             int `json:"numForwarded" gorm:"default:0"`
	NumBlocked               int `json:"numBlocked" gorm:"default:0"`
	NumSpam                  int `json:"numSpam" gorm:"default:0"`
	NumReplied               int `json:"numReplied" gorm:"default:0"`
	NumTrackersBlockedLevel1 int `json:"numLevelOneTrackersBlocked" gorm:"column:num_level_one_trackers_blocked;default:0"`

	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Address 返回别名的完整邮箱地址。
func (a *Alias) Address() string {
	if a.Subdomain != "" {
		return a.LocalPart + "@" + a.Subdomain + "." + a.Domain
	}
	return a.LocalPart + "@" + a.Domain
}

// DeletedAlias 别名删除后的归档记录。
//
// 只保留地址哈希与最终计数，不保留明文地址。
type DeletedAlias struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AddressHash  string    `json:"addressHash" gorm:"type:char(64);index"`
	NumForwarded int       `json:"numForwarded"`
	NumBlocked   int       `json:"numBlocked"`
	NumSpam      int       `json:"numSpam"`
	NumReplied   int       `json:"numReplied"`
	DeletedAt    time.Time `json:"deletedAt"`
}

// HashAliasAddress 计算别名地址的 sha256 归档哈希（小写十六进制）。
func HashAliasAddress(address string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(address)))
	return hex.EncodeToString(sum[:])
}
