package snapshot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginPage = `<!DOCTYPE html>
<html>
<head><title>Acme  Login</title><script>var x = "<button>fake</button>";</script></head>
<body>
  <form id="login" action="/session">
    <label for="email">Email</label>
    <input id="email" name="email" type="email" placeholder="you@example.com">
    <input id="password" name="password" type="password">
    <button type="submit" data-testid="login-submit">  Sign
      in </button>
  </form>
  <div role="alert">Invalid credentials</div>
  <p>Just some prose.</p>
  <a href="/register">Create account</a>
</body>
</html>`

func TestSummarize(t *testing.T) {
	got, err := SummarizeString(loginPage, 0)
	require.NoError(t, err)

	lines := strings.Split(got, "\n")
	assert.Equal(t, []string{
		`title: "Acme Login"`,
		`form#login`,
		`label[for=email] "Email"`,
		`input#email[name=email][type=email][placeholder=you@example.com]`,
		`input#password[name=password][type=password]`,
		`button[type=submit][data-testid=login-submit] "Sign in"`,
		`div[role=alert] "Invalid credentials"`,
		`a[href=/register] "Create account"`,
	}, lines)
	assert.NotContains(t, got, "fake")
	assert.NotContains(t, got, "prose")
}

func TestSummarizeMaxLines(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 10; i++ {
		b.WriteString("<button>b</button>")
	}
	b.WriteString("</body></html>")

	got, err := SummarizeString(b.String(), 3)
	require.NoError(t, err)
	assert.Len(t, strings.Split(got, "\n"), 3)
}

func TestSummarizeTruncatesText(t *testing.T) {
	long := strings.Repeat("x", 200)
	got, err := SummarizeString("<button>"+long+"</button>", 0)
	require.NoError(t, err)
	assert.Contains(t, got, strings.Repeat("x", maxTextRunes)+"…")
	assert.NotContains(t, got, strings.Repeat("x", maxTextRunes+1))
}

func TestLooksLikeHTML(t *testing.T) {
	assert.True(t, LooksLikeHTML(loginPage))
	assert.True(t, LooksLikeHTML("  <div class=\"x\">hi</div>"))
	assert.False(t, LooksLikeHTML("Login page with email and password fields"))
	assert.False(t, LooksLikeHTML("<3 this page"))
	assert.False(t, LooksLikeHTML(""))
}
