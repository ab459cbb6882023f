package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/spagchat/internal/logger"
)

const notifyTimeout = 10 * time.Second

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier рассылает уведомление по всем подпискам пользователя.
// Без VAPID-ключей подписки сохраняются, но отправка не выполняется.
type Notifier struct {
	store *Store
	opts  *webpush.Options
	send  sendFunc
}

func NewNotifier(store *Store, keys *VAPIDKeys, subscriber string) *Notifier {
	n := &Notifier{store: store, send: webpush.SendNotificationWithContext}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		n.opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return n
}

func (n *Notifier) Enabled() bool { return n != nil && n.opts != nil }

func (n *Notifier) PublicKey() string {
	if !n.Enabled() {
		return ""
	}
	return n.opts.VAPIDPublicKey
}

func (n *Notifier) Store() *Store { return n.store }

// Notify отправляет пуш; подписки, на которые сервис ответил 404/410, удаляются.
func (n *Notifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if !n.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	subs, err := n.store.List(ctx, userID)
	if err != nil {
		logger.Errorf("push notify user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	for _, sub := range subs {
		wp := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := n.send(ctx, payload, wp, n.opts)
		if err != nil {
			logger.Errorf("push send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := n.store.Remove(ctx, userID, sub.Endpoint); err != nil {
				logger.Warnf("push: remove stale subscription user=%s: %v", userID, err)
			}
		}
	}
}
