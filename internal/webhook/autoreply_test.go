package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplyFor(t *testing.T) {
	testCases := []struct {
		typ  string
		text string
		want string
	}{
		{typ: "text", text: "Hello there", want: replyGreeting},
		{typ: "text", text: "hi!", want: replyGreeting},
		{typ: "text", text: "Can I move my APPOINTMENT?", want: replyAppointment},
		{typ: "text", text: "question about my bill", want: replyBilling},
		{typ: "text", text: "payment failed", want: replyBilling},
		{typ: "text", text: "please cancel", want: replyCancel},
		{typ: "text", text: "this thing", want: replyDefault},
		{typ: "image", text: "", want: replyImage},
		{typ: "document", text: "invoice", want: replyDocument},
		{typ: "sticker", text: "", want: ""},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, ReplyFor(tc.typ, tc.text), "%s %q", tc.typ, tc.text)
	}
}
