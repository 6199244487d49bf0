package httptransport

import (
	"bytes"
	"encoding/xml"
)

// emptyTwiML 短信已消化、无需回应时的应答体。
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// messageTwiML 构造带提示短信的应答体，正文做 XML 转义。
func messageTwiML(message string) string {
	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(message))
	return `<?xml version="1.0" encoding="UTF-8"?><Response><Message>` +
		escaped.String() + `</Message></Response>`
}
