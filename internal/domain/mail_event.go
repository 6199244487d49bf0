package domain

// MailHeader 入站邮件的单个头部字段。
type MailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CommonHeaders 邮件摄取服务预解析出的常用头部。
type CommonHeaders struct {
	From       []string `json:"from"`
	To         []string `json:"to"`
	ReplyTo    []string `json:"replyTo,omitempty"`
	MessageID  string   `json:"messageId"`
	Subject    string   `json:"subject"`
	References string   `json:"references,omitempty"`
	InReplyTo  string   `json:"inReplyTo,omitempty"`
	Date       string   `json:"date,omitempty"`
}

// MailMeta 入站邮件的路由元信息。
type MailMeta struct {
	Timestamp     string        `json:"timestamp"`
	Source        string        `json:"source"`
	MessageID     string        `json:"messageId"`
	Destination   []string      `json:"destination"`
	Headers       []MailHeader  `json:"headers"`
	CommonHeaders CommonHeaders `json:"commonHeaders"`
}

// ReceiptAction 摄取服务执行的投递动作，大邮件体会落到对象存储。
type ReceiptAction struct {
	Type       string `json:"type"`
	BucketName string `json:"bucketName,omitempty"`
	ObjectKey  string `json:"objectKey,omitempty"`
}

// ReceiptVerdict 摄取服务出具的检测结论（PASS/FAIL/GRAY 等）。
type ReceiptVerdict struct {
	Status string `json:"status"`
}

// MailReceipt 摄取回执，携带垃圾邮件与病毒检测结论。
type MailReceipt struct {
	Recipients    []string        `json:"recipients"`
	SpamVerdict   *ReceiptVerdict `json:"spamVerdict,omitempty"`
	VirusVerdict  *ReceiptVerdict `json:"virusVerdict,omitempty"`
	DKIMVerdict   *ReceiptVerdict `json:"dkimVerdict,omitempty"`
	SPFVerdict    *ReceiptVerdict `json:"spfVerdict,omitempty"`
	Action        *ReceiptAction  `json:"action,omitempty"`
	ProcessingTms int             `json:"processingTimeMillis,omitempty"`
}

// InboundMailEvent 由已验证 Notification 的 Message 字段解码而来，
// 描述一封待转发的入站邮件。
//
// 邮件体二选一：Content 内联，或通过 Receipt.Action 指向对象存储。
type InboundMailEvent struct {
	NotificationType string      `json:"notificationType"`
	Mail             MailMeta    `json:"mail"`
	Receipt          MailReceipt `json:"receipt"`
	Content          string      `json:"content,omitempty"`
}

// HasInlineContent 报告邮件体是否内联在事件里。
func (e *InboundMailEvent) HasInlineContent() bool {
	return e.Content != ""
}

// BlobRef 返回邮件体在对象存储中的位置；内联时返回空串。
func (e *InboundMailEvent) BlobRef() (bucket, key string) {
	if e.Receipt.Action == nil {
		return "", ""
	}
	return e.Receipt.Action.BucketName, e.Receipt.Action.ObjectKey
}

// SpamFlagged 报告摄取服务是否将该邮件判为垃圾邮件。
func (e *InboundMailEvent) SpamFlagged() bool {
	return e.Receipt.SpamVerdict != nil && e.Receipt.SpamVerdict.Status == "FAIL"
}
