package service

import (
	"context"
	"fmt"
	"time"

	"github.com/coursemart/signin/internal/email"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/model"
)

// Notifier tells account owners about sign-in activity. Implementations
// must not block the caller on delivery.
type Notifier interface {
	SendSignInCode(ctx context.Context, to, code string, ttl time.Duration)
	NotifyNewDevice(ctx context.Context, to string, cc model.ClientContext)
}

// EmailNotifier delivers notifications by email in the background
type EmailNotifier struct {
	sender  email.Sender
	appName string
	timeout time.Duration
	log     *logger.Logger
}

// NewEmailNotifier creates a new EmailNotifier
func NewEmailNotifier(sender email.Sender, appName string, timeout time.Duration, log *logger.Logger) *EmailNotifier {
	return &EmailNotifier{
		sender:  sender,
		appName: appName,
		timeout: timeout,
		log:     log.WithComponent("notifier"),
	}
}

// SendSignInCode emails a second-factor code
func (n *EmailNotifier) SendSignInCode(ctx context.Context, to, code string, ttl time.Duration) {
	msg := email.SignInCodeMessage(to, code, n.appName, int(ttl.Minutes()))
	n.dispatch(ctx, "sign_in_code", msg)
}

// NotifyNewDevice emails a new-device alert
func (n *EmailNotifier) NotifyNewDevice(ctx context.Context, to string, cc model.ClientContext) {
	device := fmt.Sprintf("%s on %s (%s)", cc.Browser, cc.OS, cc.DeviceType)
	msg := email.NewDeviceMessage(to, n.appName, device, cc.Location(), cc.IP)
	n.dispatch(ctx, "new_device", msg)
}

func (n *EmailNotifier) dispatch(ctx context.Context, kind string, msg email.Message) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()
		if err := n.sender.Send(ctx, msg); err != nil {
			n.log.Error().Err(err).Str("kind", kind).Msg("failed to send notification")
		}
	}()
}
