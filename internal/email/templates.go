package email

import (
	"fmt"
	"html"
)

const layoutHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>%[1]s</title>
</head>
<body style="margin:0;padding:0;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;background-color:#f4f5f7;">
<table width="100%%" cellpadding="0" cellspacing="0" style="background-color:#f4f5f7;padding:40px 0;">
<tr><td align="center">
<table width="480" cellpadding="0" cellspacing="0" style="background-color:#ffffff;border-radius:8px;overflow:hidden;box-shadow:0 2px 8px rgba(0,0,0,0.08);">
  <tr><td style="padding:32px 40px 24px;text-align:center;">
    <h1 style="margin:0;font-size:24px;color:#1a1a2e;">%[1]s</h1>
  </td></tr>
  <tr><td style="padding:0 40px 32px;font-size:15px;color:#4a4a68;line-height:1.6;">
%[2]s
  </td></tr>
  <tr><td style="padding:16px 40px;background-color:#f9fafb;text-align:center;font-size:12px;color:#9ca3af;">
    %[3]s
  </td></tr>
</table>
</td></tr>
</table>
</body>
</html>`

// SignInCodeMessage builds the email carrying a second-factor code
func SignInCodeMessage(to, code, appName string, ttlMinutes int) Message {
	app := html.EscapeString(appName)
	inner := fmt.Sprintf(`    <p>Use this code to finish signing in to %s:</p>
    <p style="margin:24px 0;text-align:center;font-size:32px;font-weight:700;letter-spacing:8px;color:#1a1a2e;">%s</p>
    <p>The code expires in %d minutes. If you did not try to sign in, change your password.</p>`,
		app, html.EscapeString(code), ttlMinutes)

	return Message{
		To:       to,
		Subject:  fmt.Sprintf("Your %s sign-in code", appName),
		HTMLBody: fmt.Sprintf(layoutHTML, "Your sign-in code", inner, app),
		TextBody: fmt.Sprintf("Your %s sign-in code is %s. It expires in %d minutes.\n\nIf you did not try to sign in, change your password.",
			appName, code, ttlMinutes),
	}
}

// NewDeviceMessage builds the alert sent after a sign-in from an unrecognized device
func NewDeviceMessage(to, appName, device, location, ip string) Message {
	app := html.EscapeString(appName)
	inner := fmt.Sprintf(`    <p>Your %s account was just signed in to from a new device.</p>
    <p><strong>Device:</strong> %s<br><strong>Location:</strong> %s<br><strong>IP address:</strong> %s</p>
    <p>If this was you, there is nothing to do. Otherwise change your password and sign out of your other sessions.</p>`,
		app, html.EscapeString(device), html.EscapeString(location), html.EscapeString(ip))

	return Message{
		To:       to,
		Subject:  fmt.Sprintf("New sign-in to your %s account", appName),
		HTMLBody: fmt.Sprintf(layoutHTML, "New sign-in detected", inner, app),
		TextBody: fmt.Sprintf("Your %s account was just signed in to from a new device.\n\nDevice: %s\nLocation: %s\nIP address: %s\n\nIf this was not you, change your password.",
			appName, device, location, ip),
	}
}
