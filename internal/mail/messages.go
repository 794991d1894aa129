package mail

import (
	"fmt"
	"time"

	"github.com/haiminh/tfauth/model"
)

// SecurityNotifier sends plain-text notices on two-factor state changes. A
// user without an email address on file is skipped silently.
type SecurityNotifier struct {
	sender   MailSender
	siteName string
}

func NewSecurityNotifier(sender MailSender, siteName string) *SecurityNotifier {
	return &SecurityNotifier{
		sender:   sender,
		siteName: siteName,
	}
}

func (n *SecurityNotifier) send(user *model.User, subject string, body string) error {
	if user.Email == "" {
		return nil
	}
	return n.sender.Send(&Message{
		To:      []string{user.Email},
		Subject: subject,
		Body:    body,
	})
}

func (n *SecurityNotifier) NotifyTwoFactorEnabled(user *model.User) error {
	subject := fmt.Sprintf("Two-factor authentication enabled on your %s account", n.siteName)
	body := fmt.Sprintf(
		"Hi %s,\n\n"+
			"Two-factor authentication was just enabled on your %s account. From now on, "+
			"signing in requires a code from your authenticator app or one of your backup codes.\n\n"+
			"If you did not do this, reset your password immediately and contact support.\n",
		user.Username, n.siteName)
	return n.send(user, subject, body)
}

func (n *SecurityNotifier) NotifyTwoFactorDisabled(user *model.User) error {
	subject := fmt.Sprintf("Two-factor authentication disabled on your %s account", n.siteName)
	body := fmt.Sprintf(
		"Hi %s,\n\n"+
			"Two-factor authentication was just disabled on your %s account. Your account is "+
			"now protected by your password only.\n\n"+
			"If you did not do this, reset your password immediately and contact support.\n",
		user.Username, n.siteName)
	return n.send(user, subject, body)
}

func (n *SecurityNotifier) NotifyTwoFactorLocked(user *model.User, until time.Time) error {
	subject := fmt.Sprintf("Too many failed sign-in codes on your %s account", n.siteName)
	body := fmt.Sprintf(
		"Hi %s,\n\n"+
			"Several wrong two-factor codes were entered for your %s account, so code "+
			"verification is paused until %s (UTC).\n\n"+
			"If this was not you, someone may know your password. Reset it as soon as possible.\n",
		user.Username, n.siteName, until.UTC().Format("15:04, Jan 2 2006"))
	return n.send(user, subject, body)
}
