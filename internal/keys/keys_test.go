package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSelectorKey_IntentTable(t *testing.T) {
	tests := []struct {
		action, target, want string
	}{
		{"click", "Login", "login_button"},
		{"click", "  LOGIN  ", "login_button"},
		{"click", "Login (top right)", "login_button"},
		{"fill", "Search box", "search_input"},
		{"fill", "the {{site}} search field", "search_input"},
		{"click", "Register now", "register_button"},
		{"assert_text", "anything", "assert_container"},
		{"assert_text", "", "assert_container"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BuildSelectorKey(tt.action, tt.target), "BuildSelectorKey(%q, %q)", tt.action, tt.target)
	}
}

func TestBuildSelectorKey_Fallback(t *testing.T) {
	assert.Equal(t, "click_submit_order", BuildSelectorKey("click", "Submit   Order!"))
	assert.Equal(t, "hover_user_menu", BuildSelectorKey("HOVER", "user-menu"))
	assert.Equal(t, "click_login_link", BuildSelectorKey("click", "login link"))
	assert.Equal(t, "fill_email", BuildSelectorKey("fill", "{{user.email}} Email (required)"))
}

func TestBuildSelectorKey_EmptyInputs(t *testing.T) {
	assert.Equal(t, "click_target", BuildSelectorKey("", ""))
	assert.Equal(t, "click_target", BuildSelectorKey("", "   "))
	assert.Equal(t, "fill_target", BuildSelectorKey("fill", "{{only}}"))
	assert.Equal(t, "click_target", BuildSelectorKey("!!", "()"))
}

func TestBuildSelectorKey_Deterministic(t *testing.T) {
	inputs := [][2]string{
		{"click", "Login"},
		{"fill", "Search products"},
		{"navigate", "Checkout page (step 3)"},
		{"", ""},
		{"select", "Country ✓ dropdown"},
	}
	for _, in := range inputs {
		a := BuildSelectorKey(in[0], in[1])
		b := BuildSelectorKey(in[0], in[1])
		assert.Equal(t, a, b)
		assert.NotEmpty(t, a)
	}
	assert.Equal(t, BuildSelectorKey("click", "Add to cart"), BuildSelectorKey("Click", "  add TO   cart "))
}

func TestBuildDataKey(t *testing.T) {
	assert.Equal(t, "CHECKOUT_BUYER_LOGIN", BuildDataKey("checkout", "buyer", "login"))
	assert.Equal(t, "CHECKOUT_LOGIN", BuildDataKey("checkout", "", "login"))
	assert.Equal(t, "CHECKOUT_LOGIN", BuildDataKey("  Checkout ", "   ", " LOGIN"))
	assert.Equal(t, "GUEST CHECKOUT_ADDRESS", BuildDataKey("guest   checkout", "", "address"))
	assert.Equal(t, BuildDataKey("a", "b", "c"), BuildDataKey("a", "b", "c"))
}

func TestInferAction(t *testing.T) {
	tests := []struct {
		desc, want string
	}{
		{"Click the login button", ActionClick},
		{"Press Submit", ActionClick},
		{"Fill in the email field", ActionFill},
		{"Type the password", ActionFill},
		{"Select a country", ActionSelect},
		{"Navigate to the cart", ActionNavigate},
		{"Go to settings", ActionNavigate},
		{"Open the menu", ActionNavigate},
		{"Banner is visible", ActionAssertVisible},
		{"Error is displayed", ActionAssertVisible},
		{"User is redirected to dashboard", ActionAssertURL},
		{"Header should contain Welcome", ActionAssertText},
		{"Hover over avatar", ActionHover},
		{"Wait for the spinner", ActionWait},
		{"Login button", ActionClick},
		{"", ActionClick},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferAction(tt.desc), "InferAction(%q)", tt.desc)
	}
}
