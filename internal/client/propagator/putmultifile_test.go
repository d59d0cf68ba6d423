package propagator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelateReply(t *testing.T) {
	replies := []map[string]any{
		{"X-File-Path": "/a.txt", "OC-ETag": `"a"`},
		{"X-File-Path": "/b.txt", "OC-ETag": `"b1"`},
		{"X-File-Path": "/b.txt", "OC-ETag": `"b2"`},
	}

	assert.Equal(t, `"a"`, replyValue(correlateReply(replies, "/a.txt"), "OC-ETag"))

	// The first matching object wins.
	assert.Equal(t, `"b1"`, replyValue(correlateReply(replies, "/b.txt"), "OC-ETag"))

	// A correlation miss yields an empty object, not an error.
	miss := correlateReply(replies, "/c.txt")
	assert.Empty(t, replyValue(miss, "OC-ETag"))
	assert.Empty(t, replyValue(miss, "X-File-Path"))
}

func TestReplyValue(t *testing.T) {
	reply := map[string]any{
		"str": "value",
		"num": float64(42),
		"arr": []any{"x"},
	}

	assert.Equal(t, "value", replyValue(reply, "str"))
	assert.Equal(t, "42", replyValue(reply, "num"))
	assert.Empty(t, replyValue(reply, "arr"))
	assert.Empty(t, replyValue(reply, "absent"))
}

func TestExtractErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "ocs meta message",
			body: `{"ocs":{"meta":{"status":"failure","message":"quota exceeded"}}}`,
			want: "quota exceeded",
		},
		{
			name: "plain json message",
			body: `{"message":"bad request"}`,
			want: "bad request",
		},
		{
			name: "dav xml message",
			body: `<?xml version="1.0"?><d:error xmlns:s="http://sabredav.org/ns"><s:exception>Exception</s:exception><s:message>File is locked</s:message></d:error>`,
			want: "File is locked",
		},
		{
			name: "empty body",
			body: "",
			want: "",
		},
		{
			name: "unparseable body",
			body: "garbage",
			want: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractErrorMessage([]byte(tc.body)))
		})
	}
}
