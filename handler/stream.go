package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sljivkov/pricegate/domain"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	sendBacklog = 256
)

// Stream message types
const (
	EventPrice = "price_update"
	EventBatch = "batch_update"
	EventCall  = "call_update"
)

// StreamMessage is one websocket frame of the event stream
type StreamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// streamer pushes update events to websocket clients. A client that falls
// behind loses events instead of slowing down the update path.
type streamer struct {
	service  PriceService
	upgrader websocket.Upgrader
}

func newStreamer(service PriceService) *streamer {
	return &streamer{
		service: service,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// parseFilter reads the optional comma separated ids query parameter
func parseFilter(r *http.Request) (map[common.Hash]struct{}, bool) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		return nil, true
	}

	filter := make(map[common.Hash]struct{})
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if !strings.HasPrefix(id, "0x") {
			id = "0x" + id
		}
		b, err := hexutil.Decode(id)
		if err != nil || len(b) != common.HashLength {
			return nil, false
		}
		filter[common.BytesToHash(b)] = struct{}{}
	}
	return filter, true
}

// parseKinds reads the optional events query parameter, price updates only
// by default
func parseKinds(r *http.Request) (map[string]bool, bool) {
	raw := r.URL.Query().Get("events")
	if raw == "" {
		return map[string]bool{EventPrice: true}, true
	}

	kinds := make(map[string]bool)
	for _, k := range strings.Split(raw, ",") {
		switch strings.TrimSpace(k) {
		case "price":
			kinds[EventPrice] = true
		case "batch":
			kinds[EventBatch] = true
		case "call":
			kinds[EventCall] = true
		default:
			return nil, false
		}
	}
	return kinds, true
}

// forward copies events from a subscription into send until done closes.
// keep filters events, nil keeps all.
func forward[T any](
	sub event.Subscription, events <-chan T, send chan<- StreamMessage, done <-chan struct{},
	kind string, keep func(T) bool,
) {
	for {
		select {
		case ev := <-events:
			if keep != nil && !keep(ev) {
				continue
			}
			select {
			case send <- StreamMessage{Type: kind, Data: ev}:
			default:
				log.WithField("type", kind).Debug("stream client lagging, event dropped")
			}
		case <-sub.Err():
			return
		case <-done:
			return
		}
	}
}

func (s *streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid ids")
		return
	}
	kinds, ok := parseKinds(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid events")
		return
	}

	// Subscribe before the handshake completes so the client sees every
	// update applied after its dial returned
	var (
		priceCh = make(chan domain.PriceFeedUpdate, 64)
		batchCh = make(chan domain.BatchPriceFeedUpdate, 16)
		callCh  = make(chan domain.UpdatePriceFeeds, 16)
		subs    []func(send chan<- StreamMessage, done <-chan struct{})
	)
	if kinds[EventPrice] {
		sub := s.service.SubscribeFeedUpdates(priceCh)
		defer sub.Unsubscribe()
		subs = append(subs, func(send chan<- StreamMessage, done <-chan struct{}) {
			forward[domain.PriceFeedUpdate](sub, priceCh, send, done, EventPrice, func(ev domain.PriceFeedUpdate) bool {
				if filter == nil {
					return true
				}
				_, ok := filter[ev.FeedID]
				return ok
			})
		})
	}
	if kinds[EventBatch] {
		sub := s.service.SubscribeBatchUpdates(batchCh)
		defer sub.Unsubscribe()
		subs = append(subs, func(send chan<- StreamMessage, done <-chan struct{}) {
			forward[domain.BatchPriceFeedUpdate](sub, batchCh, send, done, EventBatch, nil)
		})
	}
	if kinds[EventCall] {
		sub := s.service.SubscribeCallUpdates(callCh)
		defer sub.Unsubscribe()
		subs = append(subs, func(send chan<- StreamMessage, done <-chan struct{}) {
			forward[domain.UpdatePriceFeeds](sub, callCh, send, done, EventCall, nil)
		})
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)

		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := make(chan StreamMessage, sendBacklog)
	for _, run := range subs {
		go run(send, done)
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
