package webhook

import "strings"

const (
	replyGreeting    = "Hello! How can I help you today?"
	replyAppointment = "To book an appointment, please call us or visit our website."
	replyBilling     = "For billing inquiries, please contact our billing department."
	replyCancel      = "To cancel your appointment, please call us at least 24 hours in advance."
	replyDefault     = "Thank you for your message. We will get back to you soon."
	replyImage       = "Thank you for sharing the image. We will review it and get back to you."
	replyDocument    = "Thank you for sharing the document. We will review it and get back to you."
)

// ReplyFor picks the canned answer for an inbound message. Message types
// without a policy get no reply.
func ReplyFor(messageType, text string) string {
	switch strings.ToLower(messageType) {
	case "image":
		return replyImage
	case "document":
		return replyDocument
	case "text", "":
	default:
		return ""
	}

	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	has := func(w string) bool {
		for _, x := range words {
			if x == w {
				return true
			}
		}
		return false
	}

	switch {
	case has("hello") || has("hi"):
		return replyGreeting
	case strings.Contains(lower, "appointment"):
		return replyAppointment
	case strings.Contains(lower, "bill") || strings.Contains(lower, "payment"):
		return replyBilling
	case strings.Contains(lower, "cancel"):
		return replyCancel
	}
	return replyDefault
}
