package provider

import (
	"fmt"
	"strings"
)

// hostContext describes the extension contract and the reply format. It is
// the system preamble of every generation prompt.
const hostContext = `You write browser extensions in Lua 5.1 for the kaihost extension host.

CONTRACT:
- Define exactly one global table whose name ends in Extension, Module or Plugin.
- Give it an activate(self, host) method. A deactivate(self) method is optional.
- Alternatively define a global function activate(host) and nothing else.
- Never name the table after a host type (Browser, BrowserCore, HostExtension, BaseModule).

HOST API (the host argument):
- host.document() returns {url = ..., title = ...} for the active page
- host.toolbar.add_button(label, fn) mounts a toolbar button; fn runs on click
- host.notify(level, msg) shows a notification; level is info, warn or error
- host.log(...) writes to the extension log
- host.data.load() returns this extension's saved table ({} when none)
- host.data.save(tbl) persists the table; returns true or nil, err

RULES:
- Use require only for pure-Lua packages and list each one in [REQUIREMENTS].
- Never swallow errors with pcall just to hide them; the host reports and repairs real errors.
- Keep activate fast. No busy loops, no blocking calls.

REFERENCE:
CounterExtension = {}
function CounterExtension:activate(host)
  local doc = host.data.load()
  host.toolbar.add_button("Count", function()
    doc.count = (doc.count or 0) + 1
    host.data.save(doc)
    host.notify("info", "count is " .. doc.count .. " on " .. host.document().title)
  end)
end

OUTPUT FORMAT (exact):
[CHAT]
Two or three sentences on what you built or changed.
[/CHAT]

[CODE]
Raw Lua code only, no markdown.
[/CODE]

[REQUIREMENTS]
luarocks install package-name (one line per package)
or: No installation needed
[/REQUIREMENTS]`

// PromptInput is everything the model is told about one drafting attempt.
type PromptInput struct {
	// Request is the user's natural-language ask.
	Request string
	// Name, when set, is the required extension name.
	Name string
	// CurrentCode is the installed source being modified or fixed.
	CurrentCode string
	// FailedCode and Failure describe the previous rejected candidate.
	FailedCode string
	Failure    string
}

// BuildPrompt renders the prompt for a new extension, a modification of
// CurrentCode, or a repair of FailedCode.
func BuildPrompt(in PromptInput) Prompt {
	var b strings.Builder
	switch {
	case in.Failure != "":
		code := in.FailedCode
		if code == "" {
			code = in.CurrentCode
		}
		b.WriteString("You are FIXING a broken extension.\n\n")
		if code != "" {
			fmt.Fprintf(&b, "BROKEN CODE:\n```lua\n%s\n```\n\n", strings.TrimSpace(code))
		}
		fmt.Fprintf(&b, "ERROR: %s\n\n", in.Failure)
		fmt.Fprintf(&b, "ORIGINAL REQUEST: %s\n\n", in.Request)
		b.WriteString("TASK: find the cause, fix it, keep the requested behaviour and return the corrected version.\n")
		b.WriteString("If a required package cannot be installed, rewrite the code without it.\n")
	case in.CurrentCode != "":
		b.WriteString("You are MODIFYING an existing extension. Do not start from scratch.\n\n")
		fmt.Fprintf(&b, "EXISTING CODE:\n```lua\n%s\n```\n\n", strings.TrimSpace(in.CurrentCode))
		fmt.Fprintf(&b, "NEW REQUEST: %s\n\n", in.Request)
		b.WriteString("Apply only the requested changes, keep existing behaviour and the same table name.\n")
	default:
		fmt.Fprintf(&b, "USER REQUEST: %s\n", in.Request)
	}
	if in.Name != "" {
		fmt.Fprintf(&b, "\nThe extension must be named %s: call the table %s.\n", in.Name, TypeNameFor(in.Name))
	}
	b.WriteString("\nStart with the [CHAT] section.")
	return Prompt{System: hostContext, User: b.String()}
}

// TypeNameFor converts word_counter to WordCounterExtension.
func TypeNameFor(name string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' || r == ' ' }) {
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	b.WriteString("Extension")
	return b.String()
}
