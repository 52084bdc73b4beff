package livefeed

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/taltech/windowpipe/internal/platform"
	"github.com/taltech/windowpipe/internal/winkey"
)

func TestDialTradeFeedDecodesPublishedEnvelopes(t *testing.T) {
	hub := NewHub(16)
	server := httptest.NewServer(Handler(hub))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	envs, err := DialTradeFeed(ctx, url, platform.PlatformBinance, "btc_usdt")
	if err != nil {
		t.Fatalf("DialTradeFeed: %v", err)
	}

	waitForSubscriberCount(t, hub, 1)

	payload := []byte(`{"id":7,"symbol":"btc_usdt","price":"100","quantity":"1","time":500,"platform":"binance","side":0,"orderType":1}`)
	hub.Publish(Topic(platform.PlatformBinance, "btc_usdt", winkey.KindTrade), payload)

	select {
	case env := <-envs:
		if env.ID != 7 || env.Event.Symbol != "btc_usdt" || env.Event.Price != "100" {
			t.Fatalf("envelope = %+v, unexpected", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a decoded envelope within 2s")
	}
}

func TestDialTradeFeedClosesChannelOnContextCancel(t *testing.T) {
	hub := NewHub(16)
	server := httptest.NewServer(Handler(hub))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"

	ctx, cancel := context.WithCancel(context.Background())
	envs, err := DialTradeFeed(ctx, url, platform.PlatformBinance, "btc_usdt")
	if err != nil {
		t.Fatalf("DialTradeFeed: %v", err)
	}
	waitForSubscriberCount(t, hub, 1)

	cancel()

	select {
	case _, ok := <-envs:
		if ok {
			t.Fatal("expected channel to close after cancel, got a value instead")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envs channel never closed after context cancel")
	}
}
