package notify

import (
	"fmt"
	"strings"
	"text/template"
)

// SMS template names
const (
	SMSTokenIssued = "token_issued"
	SMSLowBalance  = "low_balance"
	SMSTamperAlert = "tamper_alert"
	SMSClearCredit = "clear_credit"
	SMSClearTamper = "clear_tamper"
)

// Email template names
const (
	EmailTokenIssued       = "token_issued"
	EmailAlertNotification = "alert_notification"
	defaultEmailSubject    = "Amsol Notification"
)

type templateData struct {
	MeterID string
	Token   string
	Amount  string
	Units   string
	Name    string
	// Alert is the rendered SMS text of an alert, reused as the email body.
	Alert string
}

var smsTemplates = parseAll(map[string]string{
	SMSTokenIssued: "Your water token for meter {{.MeterID}} is: {{.Token}}. Amount: KES {{.Amount}}",
	SMSLowBalance:  "Your meter {{.MeterID}} balance is low. Please top up.",
	SMSTamperAlert: "ALERT: Tamper detected on meter {{.MeterID}}. Contact support.",
	SMSClearCredit: "Your clear credit token for meter {{.MeterID}} is: {{.Token}}",
	SMSClearTamper: "Your clear tamper token for meter {{.MeterID}} is: {{.Token}}",
})

type emailTemplate struct {
	subject string
	body    *template.Template
}

var emailTemplates = map[string]emailTemplate{
	EmailTokenIssued: {
		subject: "Token Issued Successfully",
		body: template.Must(template.New(EmailTokenIssued).Parse(
			"Hello {{if .Name}}{{.Name}}{{else}}customer{{end}},\n\n" +
				"Your token for meter {{.MeterID}} is:\n\n    {{.Token}}\n\n" +
				"Amount: KES {{.Amount}}{{if .Units}}\nUnits: {{.Units}}{{end}}\n")),
	},
	EmailAlertNotification: {
		subject: "Alert Notification",
		body: template.Must(template.New(EmailAlertNotification).Parse(
			"Hello {{if .Name}}{{.Name}}{{else}}customer{{end}},\n\n{{.Alert}}\n")),
	},
}

func parseAll(src map[string]string) map[string]*template.Template {
	out := make(map[string]*template.Template, len(src))
	for name, text := range src {
		out[name] = template.Must(template.New(name).Parse(text))
	}
	return out
}

// renderSMS renders a named SMS template.
func renderSMS(name string, data templateData) (string, error) {
	tmpl, ok := smsTemplates[name]
	if !ok {
		return "", fmt.Errorf("unknown sms template %q", name)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render sms template %q: %w", name, err)
	}
	return b.String(), nil
}

// renderEmail renders a named email template and its subject.
func renderEmail(name string, data templateData) (subject, body string, err error) {
	tmpl, ok := emailTemplates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown email template %q", name)
	}
	var b strings.Builder
	if err := tmpl.body.Execute(&b, data); err != nil {
		return "", "", fmt.Errorf("render email template %q: %w", name, err)
	}
	subject = tmpl.subject
	if subject == "" {
		subject = defaultEmailSubject
	}
	return subject, b.String(), nil
}
