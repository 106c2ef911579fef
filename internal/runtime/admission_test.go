package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAdmitsKernelSurface(t *testing.T) {
	sources := []struct {
		name string
		src  string
	}{
		{"tab workflow", `
var tab = browser.tabs.open("https://example.test/login");
browser.tabs.waitFor(tab.id, "interactive");
var content = browser.tabs.extract(tab.id, "markdown");
console.log(content.title);
`},
		{"stdlib subset", `
var n = Math.max(1, 2);
var s = JSON.stringify({a: n});
var parts = "a,b,c".split(",");
`},
		{"transaction", `
browser.transaction(function(tx) {
  tx.checkpoint("pre");
  tx.commit();
});
`},
	}
	for _, tt := range sources {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, Validate(tt.src))
		})
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		src  string
		rule string
	}{
		{"eval", `eval("1+1")`, "no-eval"},
		{"function constructor", `var f = Function("return 1");`, "no-eval"},
		{"require", `var fs = require("fs");`, "blocked-import"},
		{"process", `process.exit(1)`, "host-access"},
		{"globalThis", `globalThis.browser = null;`, "host-access"},
		{"fetch", `fetch("https://x.test")`, "raw-network"},
		{"xhr", `new XMLHttpRequest()`, "raw-network"},
		{"websocket", `new WebSocket("wss://x.test")`, "raw-network"},
		{"proto access", `var p = ({}).__proto__;`, "dunder-access"},
		{"constructor escape", `var c = "".constructor;`, "prototype-escape"},
		{"prototype escape", `var p = Object.prototype;`, "prototype-escape"},
		{"bracket string member", `var p = {}["__proto__"];`, "dunder-access"},
		{"with statement", `with ({}) { x = 1; }`, "no-with"},
		{"syntax error", `var = ;`, "syntax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.src)
			require.NotEmpty(t, errs, "expected rejection")
			found := false
			for _, e := range errs {
				if e.Rule == tt.rule {
					found = true
				}
			}
			assert.True(t, found, "expected rule %s in %v", tt.rule, errs)
		})
	}
}

func TestSingleErrorRefusesExecution(t *testing.T) {
	errs := Validate(`eval("1")`)
	require.NotEmpty(t, errs)
	assert.NotEmpty(t, errs[0].Error())
}

func TestValidateShadowedNamesStillRejected(t *testing.T) {
	// Admission is lexical and conservative: shadowing does not
	// launder a blocked name.
	errs := Validate(`var eval = function(x) { return x; }; eval("ok");`)
	assert.NotEmpty(t, errs)
}
