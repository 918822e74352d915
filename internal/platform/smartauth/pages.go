package smartauth

import (
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Server-rendered HTML pages for the login/picker/consent steps of the
// authorization flow. Kept deliberately plain (html/template, no JS
// framework) — styling is out of scope; correctness of the state machine
// wiring is what matters here.

var loginPageTmpl = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p style="color:red">{{.Error}}</p>{{end}}
<form method="POST" action="/oauth2/login">
<input type="hidden" name="flow" value="{{.FlowID}}">
<label>Username <input type="text" name="username"></label><br>
<label>Password <input type="password" name="password"></label><br>
<button type="submit">Sign in</button>
</form>
</body></html>`))

var pickerPageTmpl = template.Must(template.New("picker").Parse(`<!doctype html>
<html><head><title>Select patient</title></head>
<body>
<h1>Select a patient</h1>
<form method="POST" action="/patient-picker">
<input type="hidden" name="flow" value="{{.FlowID}}">
{{range .Patients}}
<label><input type="radio" name="patient_id" value="{{.ID}}"> {{.Name}}</label><br>
{{end}}
<button type="submit">Continue</button>
</form>
</body></html>`))

var consentPageTmpl = template.Must(template.New("consent").Parse(`<!doctype html>
<html><head><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>{{.ClientName}} is requesting access</h1>
<ul>
{{range .Scopes}}<li>{{.}}</li>{{end}}
</ul>
{{if .PatientID}}<p>Patient context: {{.PatientID}}</p>{{end}}
<form method="POST" action="/consent">
<input type="hidden" name="consent_token" value="{{.ConsentToken}}">
{{range .Scopes}}<input type="hidden" name="scope" value="{{.}}">
{{end}}
<button type="submit" name="decision" value="allow">Allow</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body></html>`))

type loginPageData struct {
	FlowID string
	Error  string
}

type pickerPageData struct {
	FlowID   string
	Patients []PickerPatient
}

type PickerPatient struct {
	ID   string
	Name string
}

type consentPageData struct {
	ClientName   string
	Scopes       []string
	PatientID    string
	ConsentToken string
}

func renderLoginPage(c echo.Context, data loginPageData) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/html; charset=UTF-8")
	c.Response().WriteHeader(http.StatusOK)
	return loginPageTmpl.Execute(c.Response(), data)
}

func renderPickerPage(c echo.Context, data pickerPageData) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/html; charset=UTF-8")
	c.Response().WriteHeader(http.StatusOK)
	return pickerPageTmpl.Execute(c.Response(), data)
}

func renderConsentPage(c echo.Context, data consentPageData) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/html; charset=UTF-8")
	c.Response().WriteHeader(http.StatusOK)
	return consentPageTmpl.Execute(c.Response(), data)
}
