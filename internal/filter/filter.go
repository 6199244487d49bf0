package filter

import (
	"regexp"
	"strings"
)

// Decision 过滤管道对一封邮件的结论。
type Decision int

const (
	// DecisionForward 正常转发
	DecisionForward Decision = iota
	// DecisionBlock 命中屏蔽名单，计入 num_blocked
	DecisionBlock
	// DecisionSpam 判为垃圾邮件，计入 num_spam
	DecisionSpam
)

// Result 过滤结果。
type Result struct {
	Decision        Decision
	Reason          string
	HTML            string // 追踪器清理后的 HTML 内容
	TrackersRemoved int    // 移除的一级追踪器数量
}

// Filter 入站邮件过滤管道：屏蔽名单 → 垃圾判定 → 追踪器清理。
type Filter struct {
	blockedSenders map[string]struct{} // 精确地址
	blockedDomains map[string]struct{}
	spamKeywords   []string
	trackerPattern *regexp.Regexp
	trackerHosts   []string
}

// 已知一级追踪器域名。清理时按宿主匹配 img/链接。
var defaultTrackerHosts = []string{
	"track.example-esp.com",
	"click.mailer-metrics.net",
	"open.pixel-stats.io",
	"beacon.adsrv.example",
}

// New 创建过滤管道
//
// 参数:
//   - blockedSenders: 屏蔽的发件地址（完整地址或 @ 开头的域名）
func New(blockedSenders []string) *Filter {
	f := &Filter{
		blockedSenders: make(map[string]struct{}),
		blockedDomains: make(map[string]struct{}),
		spamKeywords: []string{
			"viagra", "casino", "lottery", "winner", "congratulations",
			"free money", "click here", "limited time", "act now",
			"guaranteed", "no risk", "earn money", "work from home",
		},
		trackerPattern: regexp.MustCompile(`(?is)<img[^>]+src=["']https?://([^/"']+)[^"']*["'][^>]*>`),
		trackerHosts:   defaultTrackerHosts,
	}

	for _, sender := range blockedSenders {
		sender = strings.ToLower(strings.TrimSpace(sender))
		if sender == "" {
			continue
		}
		if strings.HasPrefix(sender, "@") {
			f.blockedDomains[strings.TrimPrefix(sender, "@")] = struct{}{}
		} else {
			f.blockedSenders[sender] = struct{}{}
		}
	}

	return f
}

// Apply 按顺序执行过滤管道
//
// 参数:
//   - source: 发件地址
//   - spamFlagged: 摄取服务的垃圾判定结论
//   - htmlBody: HTML 邮件体，可为空
func (f *Filter) Apply(source string, spamFlagged bool, htmlBody string) Result {
	if reason, blocked := f.senderBlocked(source); blocked {
		return Result{Decision: DecisionBlock, Reason: reason}
	}

	if spamFlagged {
		return Result{Decision: DecisionSpam, Reason: "ingestion spam verdict"}
	}
	if reason, spam := f.spamKeywordHit(htmlBody); spam {
		return Result{Decision: DecisionSpam, Reason: reason}
	}

	cleaned, removed := f.RemoveTrackers(htmlBody)
	return Result{Decision: DecisionForward, HTML: cleaned, TrackersRemoved: removed}
}

// senderBlocked 精确地址或域名命中屏蔽名单。
func (f *Filter) senderBlocked(source string) (string, bool) {
	addr := strings.ToLower(strings.TrimSpace(source))
	if _, ok := f.blockedSenders[addr]; ok {
		return "sender address blocked", true
	}

	if at := strings.LastIndex(addr, "@"); at >= 0 {
		if _, ok := f.blockedDomains[addr[at+1:]]; ok {
			return "sender domain blocked", true
		}
	}
	return "", false
}

// spamKeywordHit 关键词计分，命中 3 个以上判为垃圾。
func (f *Filter) spamKeywordHit(content string) (string, bool) {
	lowered := strings.ToLower(content)

	hits := 0
	for _, keyword := range f.spamKeywords {
		if strings.Contains(lowered, keyword) {
			hits++
		}
	}
	if hits >= 3 {
		return "multiple spam keywords found", true
	}
	return "", false
}

// RemoveTrackers 清理 HTML 中指向已知追踪器域名的图片标签
//
// 返回值:
//   - string: 清理后的 HTML
//   - int: 移除的追踪器数量
func (f *Filter) RemoveTrackers(htmlBody string) (string, int) {
	if htmlBody == "" {
		return htmlBody, 0
	}

	removed := 0
	cleaned := f.trackerPattern.ReplaceAllStringFunc(htmlBody, func(tag string) string {
		match := f.trackerPattern.FindStringSubmatch(tag)
		if match == nil {
			return tag
		}
		host := strings.ToLower(match[1])
		for _, tracker := range f.trackerHosts {
			if host == tracker || strings.HasSuffix(host, "."+tracker) {
				removed++
				return ""
			}
		}
		return tag
	})

	return cleaned, removed
}
