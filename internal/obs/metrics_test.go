package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/sync/events":               "/v1/sync/events",
		"/v1/records":                   "/v1/records",
		"/v1/records/abc":               "/v1/records/:uuid",
		"/v1/records/abc/events":        "/v1/records/:uuid/events",
		"/v1/records/abc/annotations":   "/v1/records/:uuid/annotations",
		"/v1/records/abc/extra":         "/v1/records/abc/extra",
		"/v1/conflicts/c1/resolve":      "/v1/conflicts/:id/resolve",
		"/v1/annotations/a1/resolve":    "/v1/annotations/:id/resolve",
		"/v1/admin/break-glass/g/revoke": "/v1/admin/break-glass/:id/revoke",
		"/v1/records?site_id=SITE-001":  "/v1/records",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
