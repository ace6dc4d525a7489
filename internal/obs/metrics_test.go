package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/metrics":                  "/metrics",
		"/v1/roles/01J8X2K9VQZ4N7M3T5R6W8Y0AB":             "/v1/roles/:id",
		"/v1/users/01J8X2K9VQZ4N7M3T5R6W8Y0AB/roles":       "/v1/users/:id/roles",
		"/v1/users/01J8X2K9VQZ4N7M3T5R6W8Y0AB/permissions": "/v1/users/:id/permissions",
		"/v1/auth/login":            "/v1/auth/login",
		"/v1/audit/logs?limit=10":   "/v1/audit/logs",
		"/v1/security/events":       "/v1/security/events",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
