package domain

// RedactedRecipient replaces recipients before a notification is persisted.
const RedactedRecipient = "<redacted>"

// AuthCodeKey is the only personalisation key kept for auth-code templates.
const AuthCodeKey = "code"

// Redact strips the recipient and personalisation from n. Templates that carry
// an authentication code keep that single value so the code can be re-sent.
func Redact(n *Notification, authCodeTemplate bool) {
	if n == nil {
		return
	}

	n.To = RedactedRecipient
	n.NormalisedTo = RedactedRecipient

	if !authCodeTemplate {
		n.Personalisation = nil
		return
	}

	code, ok := n.Personalisation[AuthCodeKey]
	if !ok {
		n.Personalisation = nil
		return
	}
	n.Personalisation = map[string]string{AuthCodeKey: code}
}
