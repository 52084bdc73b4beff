package livefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/taltech/windowpipe/internal/gapfill"
	"github.com/taltech/windowpipe/internal/platform"
	"github.com/taltech/windowpipe/internal/rawevent"
	"github.com/taltech/windowpipe/internal/winkey"
)

// DialTradeFeed connects to the hub at url as a subscriber for one
// (platform, symbol) trade topic and returns a channel of gap-fill
// envelopes ready for worker.TradeWorker.RunLive. The channel is closed
// when ctx is canceled or the connection drops.
func DialTradeFeed(ctx context.Context, url string, p platform.Platform, symbol string) (<-chan gapfill.Envelope[rawevent.TradeWithID], error) {
	return dialEnvelopes(ctx, url, Topic(p, symbol, winkey.KindTrade), decodeTradeEnvelope)
}

// DialOrderFeed is DialTradeFeed's order-book counterpart.
func DialOrderFeed(ctx context.Context, url string, p platform.Platform, symbol string) (<-chan gapfill.Envelope[rawevent.OrderBookWithID], error) {
	return dialEnvelopes(ctx, url, Topic(p, symbol, winkey.KindOrder), decodeOrderEnvelope)
}

func decodeTradeEnvelope(raw []byte) (gapfill.Envelope[rawevent.TradeWithID], error) {
	var env rawevent.TradeWithID
	if err := json.Unmarshal(raw, &env); err != nil {
		return gapfill.Envelope[rawevent.TradeWithID]{}, err
	}
	return gapfill.Envelope[rawevent.TradeWithID]{ID: env.ID, Event: env}, nil
}

func decodeOrderEnvelope(raw []byte) (gapfill.Envelope[rawevent.OrderBookWithID], error) {
	var env rawevent.OrderBookWithID
	if err := json.Unmarshal(raw, &env); err != nil {
		return gapfill.Envelope[rawevent.OrderBookWithID]{}, err
	}
	return gapfill.Envelope[rawevent.OrderBookWithID]{ID: env.ID, Event: env}, nil
}

// dialEnvelopes is the shared dial+subscribe+decode plumbing behind
// DialTradeFeed/DialOrderFeed. It is generic for the same reason
// internal/gapfill is: it is transport plumbing indifferent to the
// payload type, not a domain-specific kind split.
func dialEnvelopes[T any](ctx context.Context, url, topic string, decode func([]byte) (gapfill.Envelope[T], error)) (<-chan gapfill.Envelope[T], error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("livefeed: dialing %s: %w", url, err)
	}

	sub, err := json.Marshal(controlMessage{Action: "subscribe", Topics: []string{topic}})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("livefeed: encoding subscribe frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("livefeed: sending subscribe frame: %w", err)
	}

	out := make(chan gapfill.Envelope[T])
	go func() {
		defer close(out)
		defer conn.Close()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := decode(data)
			if err != nil {
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
