package mailcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  string
		found bool
	}{
		{
			name:  "labeled verification code",
			text:  "Your verification code is 482913",
			want:  "482913",
			found: true,
		},
		{
			name:  "labeled with colon",
			text:  "Security code: 130571. It expires in 10 minutes.",
			want:  "130571",
			found: true,
		},
		{
			name:  "chinese label",
			text:  "您的验证码是 662091，请勿泄露。",
			want:  "662091",
			found: true,
		},
		{
			name:  "trailing is",
			text:  "The code you requested is 754209",
			want:  "754209",
			found: true,
		},
		{
			name:  "lone line",
			text:  "Enter this code to continue:\n\n  917340  \n\nThanks",
			want:  "917340",
			found: true,
		},
		{
			name:  "between markup delimiters",
			text:  `<td class="code">482913</td>`,
			want:  "482913",
			found: true,
		},
		{
			name:  "hex color excluded",
			text:  "#482913 background",
			found: false,
		},
		{
			name:  "css color token excluded",
			text:  "color: rgb(20,20,20); padding 482913",
			found: false,
		},
		{
			name:  "seven digit run excluded",
			text:  "order number 4829135",
			found: false,
		},
		{
			name:  "no digits at all",
			text:  "please verify your email address",
			found: false,
		},
		{
			name:  "label beats earlier bare line",
			text:  "ref\n111111\nyour verification code is 482913",
			want:  "482913",
			found: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.text)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestExtractFromMail(t *testing.T) {
	t.Run("code inside html markup", func(t *testing.T) {
		html := `<html><body><p>Your verification code is</p><h2>395170</h2></body></html>`
		code, ok := ExtractFromMail(html, "")
		assert.True(t, ok)
		assert.Equal(t, "395170", code)
	})

	t.Run("code only visible after stripping", func(t *testing.T) {
		html := `<div>Your verification <b>code</b> is <span>640</span><span>917</span></div>`
		code, ok := ExtractFromMail(html, "")
		assert.True(t, ok)
		assert.Equal(t, "640917", code)
	})

	t.Run("style content does not poison the scan", func(t *testing.T) {
		html := `<style>.x{color:#482913}</style><p>Your verification code is 750211</p>`
		code, ok := ExtractFromMail(html, "")
		assert.True(t, ok)
		assert.Equal(t, "750211", code)
	})

	t.Run("plain text fallback", func(t *testing.T) {
		code, ok := ExtractFromMail("", "Your verification code is 204881")
		assert.True(t, ok)
		assert.Equal(t, "204881", code)
	})

	t.Run("nothing anywhere", func(t *testing.T) {
		_, ok := ExtractFromMail("<p>hello</p>", "hello")
		assert.False(t, ok)
	})
}
