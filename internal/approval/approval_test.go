package approval

import "testing"

func TestRouteServerRequestQueuesKnownMethod(t *testing.T) {
	cases := []string{
		"item/fileChange/requestApproval",
		"item/commandExecution/requestApproval",
		"item/tool/requestUserInput",
		"item/tool/call",
		"account/chatgptAuthTokens/refresh",
	}
	for _, method := range cases {
		if got := RouteServerRequest(method, true); got != RouteQueue {
			t.Errorf("RouteServerRequest(%q, true) = %v, want RouteQueue", method, got)
		}
	}
}

func TestRouteServerRequestDeclinesUnknownWhenEnabled(t *testing.T) {
	if got := RouteServerRequest("item/unknown/requestApproval", true); got != RouteAutoDecline {
		t.Errorf("got %v, want RouteAutoDecline", got)
	}
}

func TestRouteServerRequestQueuesUnknownWhenDisabled(t *testing.T) {
	if got := RouteServerRequest("item/unknown/requestApproval", false); got != RouteQueue {
		t.Errorf("got %v, want RouteQueue", got)
	}
}

func TestRouteServerRequestAlwaysDeclinesLegacy(t *testing.T) {
	for _, method := range []string{"applyPatchApproval", "execCommandApproval"} {
		if got := RouteServerRequest(method, false); got != RouteAutoDecline {
			t.Errorf("RouteServerRequest(%q, false) = %v, want RouteAutoDecline", method, got)
		}
	}
}
