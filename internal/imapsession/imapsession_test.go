package imapsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMIMEBodyExtractsTextAndHTML(t *testing.T) {
	raw := []byte(
		"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
			"\r\n" +
			"--BOUNDARY\r\n" +
			"Content-Type: text/plain\r\n" +
			"\r\n" +
			"hello plain\r\n" +
			"--BOUNDARY\r\n" +
			"Content-Type: text/html\r\n" +
			"\r\n" +
			"<p>hello html</p>\r\n" +
			"--BOUNDARY--\r\n",
	)

	text, html, _ := parseMIMEBody(raw)
	assert.Equal(t, "hello plain\r\n", text)
	assert.Equal(t, "<p>hello html</p>\r\n", html)
}

func TestParseMIMEBodyFallsBackOnUnparseableInput(t *testing.T) {
	raw := []byte("not a real mime message at all")
	text, html, _ := parseMIMEBody(raw)
	assert.Equal(t, string(raw), text)
	assert.Empty(t, html)
}
