package uam

import "html/template"

// Page template names.
const (
	pageLogin   = "login"
	pageSuccess = "success"
	pageHandoff = "handoff"
	pageError   = "error"
)

var pageTemplates = template.Must(template.New("uam").Parse(`
{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;background:#f4f6f8;margin:0;display:flex;min-height:100vh;align-items:center;justify-content:center}
main{background:#fff;padding:2rem;border-radius:8px;box-shadow:0 2px 8px rgba(0,0,0,.08);width:100%;max-width:360px}
input{display:block;width:100%;box-sizing:border-box;margin:.5rem 0 1rem;padding:.6rem}
button{width:100%;padding:.7rem;border:0;border-radius:4px;background:#1f6feb;color:#fff}
.error{color:#b42318}
</style>
</head>
<body><main>{{end}}

{{define "foot"}}</main></body></html>{{end}}

{{define "login"}}{{template "head" .}}
<h1>Sign in</h1>
{{if .Message}}<p class="error">{{.Message}}</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="uamip" value="{{.Params.UAMIP}}">
<input type="hidden" name="uamport" value="{{.Params.UAMPort}}">
<input type="hidden" name="challenge" value="{{.Params.Challenge}}">
<input type="hidden" name="mac" value="{{.Params.MAC}}">
<input type="hidden" name="ip" value="{{.Params.IP}}">
<input type="hidden" name="nasid" value="{{.Params.NASID}}">
<input type="hidden" name="called" value="{{.Params.Called}}">
<input type="hidden" name="sessionid" value="{{.Params.SessionID}}">
<input type="hidden" name="userurl" value="{{.UserURL}}">
<label>Username<input name="username" autocomplete="username" value="{{.Params.Username}}" required></label>
<label>Password<input name="password" type="password" autocomplete="current-password" required></label>
<button type="submit">Connect</button>
</form>
{{template "foot" .}}{{end}}

{{define "success"}}{{template "head" .}}
<h1>You are online</h1>
{{if .Username}}<p>Signed in as {{.Username}}.</p>{{end}}
{{if .UserURL}}<p><a href="{{.UserURL}}">Continue to {{.UserURL}}</a></p>{{end}}
{{template "foot" .}}{{end}}

{{define "handoff"}}{{template "head" .}}
<p>Connecting...</p>
<form id="logon" method="post" action="{{.Action}}">
<input type="hidden" name="username" value="{{.Username}}">
{{if .Response}}<input type="hidden" name="response" value="{{.Response}}">{{else}}<input type="hidden" name="password" value="{{.Password}}">{{end}}
<input type="hidden" name="userurl" value="{{.UserURL}}">
<noscript><button type="submit">Continue</button></noscript>
</form>
<script>document.getElementById("logon").submit();</script>
{{template "foot" .}}{{end}}

{{define "error"}}{{template "head" .}}
<h1>{{.Title}}</h1>
<p class="error">{{.Message}}</p>
{{template "foot" .}}{{end}}
`))

// pageData feeds every portal template.
type pageData struct {
	Title    string
	Message  string
	Action   string
	Params   portalParams
	UserURL  string
	Username string
	Response string
	Password string
}
