package security

import (
	"strings"
	"testing"
)

// TestSanitize_MarkdownHTMLFragments はソース本文に混入しうるHTML断片のうち、
// ミラーペイロードで許可される要素が通過することを検証する。
func TestSanitize_MarkdownHTMLFragments(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name         string
		input        string
		wantContains []string
	}{
		{
			name:         "段落と改行が許可される",
			input:        "<p>本文</p>行1<br>行2",
			wantContains: []string{"<p>本文</p>", "<br>"},
		},
		{
			name:         "リンクが許可される",
			input:        `<a href="https://example.com">リンク</a>`,
			wantContains: []string{"<a", "https://example.com", "リンク"},
		},
		{
			name:         "引用とコードブロックが許可される",
			input:        "<blockquote>引用</blockquote><pre><code>func main() {}</code></pre>",
			wantContains: []string{"<blockquote>引用</blockquote>", "<pre>", "<code>"},
		},
		{
			name:         "強調が許可される",
			input:        "<strong>太字</strong><em>強調</em>",
			wantContains: []string{"<strong>太字</strong>", "<em>強調</em>"},
		},
		{
			name:         "https画像が許可される",
			input:        `<img src="https://example.com/image.png" alt="画像">`,
			wantContains: []string{"<img", "https://example.com/image.png"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("Sanitize(%q) = %q, expected to contain %q", tt.input, got, want)
				}
			}
		})
	}
}

// TestSanitize_StripsActiveContent はscript/iframe/styleとon*イベント属性が
// ミラー先へ送られる前に除去されることを検証する。
func TestSanitize_StripsActiveContent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name       string
		input      string
		wantAbsent []string
	}{
		{
			name:       "scriptタグが除去される",
			input:      `<p>本文</p><script>alert('xss')</script>`,
			wantAbsent: []string{"<script", "alert"},
		},
		{
			name:       "iframeタグが除去される",
			input:      `<iframe src="https://evil.example.com"></iframe><p>本文</p>`,
			wantAbsent: []string{"<iframe", "evil.example.com"},
		},
		{
			name:       "styleタグが除去される",
			input:      `<style>body { display: none }</style><p>本文</p>`,
			wantAbsent: []string{"<style", "display"},
		},
		{
			name:       "onclickイベント属性が除去される",
			input:      `<p onclick="alert('xss')">本文</p>`,
			wantAbsent: []string{"onclick", "alert"},
		},
		{
			name:       "onerrorイベント属性が除去される",
			input:      `<img src="https://example.com/x.png" onerror="alert('xss')">`,
			wantAbsent: []string{"onerror", "alert"},
		},
		{
			name:       "javascriptスキームのリンクが無害化される",
			input:      `<a href="javascript:alert('xss')">リンク</a>`,
			wantAbsent: []string{"javascript:"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			for _, absent := range tt.wantAbsent {
				if strings.Contains(got, absent) {
					t.Errorf("Sanitize(%q) = %q, must not contain %q", tt.input, got, absent)
				}
			}
		})
	}
}

// TestSanitize_ImgHTTPSOnly はimgのsrcがhttpsスキーム以外で除去されることを検証する。
func TestSanitize_ImgHTTPSOnly(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name    string
		input   string
		allowed bool
	}{
		{"httpsは許可", `<img src="https://example.com/a.png">`, true},
		{"httpは拒否", `<img src="http://example.com/a.png">`, false},
		{"dataスキームは拒否", `<img src="data:image/png;base64,iVBOR">`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			hasSrc := strings.Contains(got, "src=")
			if hasSrc != tt.allowed {
				t.Errorf("Sanitize(%q) = %q, src残存 = %v, want %v", tt.input, got, hasSrc, tt.allowed)
			}
		})
	}
}

// TestSanitize_AnchorRelAttributes はリンクにtarget="_blank"と
// rel="noreferrer noopener"が強制付与されることを検証する。
func TestSanitize_AnchorRelAttributes(t *testing.T) {
	sanitizer := NewContentSanitizer()

	got := sanitizer.Sanitize(`<a href="https://example.com">リンク</a>`)

	if !strings.Contains(got, `target="_blank"`) {
		t.Errorf("Sanitize = %q, expected target=\"_blank\"", got)
	}
	if !strings.Contains(got, "noreferrer") || !strings.Contains(got, "noopener") {
		t.Errorf("Sanitize = %q, expected rel with noreferrer noopener", got)
	}
}

// TestSanitize_PassThrough は空入力とプレーンテキストがそのまま返ることを検証する。
func TestSanitize_PassThrough(t *testing.T) {
	sanitizer := NewContentSanitizer()

	if got := sanitizer.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, want empty", got)
	}

	const plain = "タグを含まない通常の本文です。"
	if got := sanitizer.Sanitize(plain); got != plain {
		t.Errorf("Sanitize(%q) = %q, want unchanged", plain, got)
	}
}

// TestSanitize_Idempotent は同一入力への再適用が出力を変えないことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	input := `<p>本文</p><script>alert('xss')</script><a href="https://example.com">リンク</a>`
	once := sanitizer.Sanitize(input)
	twice := sanitizer.Sanitize(once)

	if once != twice {
		t.Errorf("Sanitizeが冪等でない:\n1回目 = %q\n2回目 = %q", once, twice)
	}
}

// TestContentSanitizerInterface はcontentSanitizerがContentSanitizerServiceを実装することを検証する。
func TestContentSanitizerInterface(t *testing.T) {
	var _ ContentSanitizerService = (*contentSanitizer)(nil)
}
