package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/pricing"
)

const (
	// Realtime execution-price feed for domestic stocks.
	wsTrID = "H0STCNT0"

	wsHandshakeTimeout = 15 * time.Second
	wsReadLimit        = 1 << 20
)

// ApprovalProvider issues the websocket approval key. Implemented by
// KISClient.
type ApprovalProvider interface {
	GetWSApprovalKey() (string, error)
}

// KISWebsocket streams realtime trade prints. One Run call owns one
// connection; the provider above it handles reconnect policy.
type KISWebsocket struct {
	cfg      Config
	approval ApprovalProvider
	loc      *time.Location

	connected atomic.Bool
	now       func() time.Time
}

func NewKISWebsocket(cfg Config, approval ApprovalProvider, loc *time.Location) *KISWebsocket {
	if loc == nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return &KISWebsocket{cfg: cfg, approval: approval, loc: loc, now: time.Now}
}

// Connected reports whether a connection is currently established.
func (w *KISWebsocket) Connected() bool {
	return w.connected.Load()
}

type wsSubscribeMessage struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

type wsControlFrame struct {
	Header struct {
		TrID string `json:"tr_id"`
	} `json:"header"`
}

// Run dials the feed, subscribes the given codes and pumps ticks into out
// until the context is cancelled or the connection dies. A full out queue
// drops the tick rather than stalling the read loop.
func (w *KISWebsocket) Run(ctx context.Context, stockCodes []string, out chan<- model.Tick) error {
	approvalKey, err := w.approval.GetWSApprovalKey()
	if err != nil {
		return fmt.Errorf("approval key: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.cfg.WSBaseURL+"/tryitout/"+wsTrID, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	w.connected.Store(true)
	defer w.connected.Store(false)
	defer conn.Close()

	// Closing the connection is the only way to unblock ReadMessage.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for _, code := range stockCodes {
		if err := w.subscribe(conn, approvalKey, model.NormalizeCode(code)); err != nil {
			return err
		}
	}

	logger.WithField("codes", stockCodes).Info("Realtime feed subscribed")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read feed: %w", err)
		}

		frame := string(raw)
		if strings.HasPrefix(frame, "0|") || strings.HasPrefix(frame, "1|") {
			w.handleDataFrame(frame, out)
			continue
		}

		var control wsControlFrame
		if err := json.Unmarshal(raw, &control); err != nil {
			logger.WithError(err).Debug("Unparseable feed control frame")
			continue
		}
		if control.Header.TrID == "PINGPONG" {
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		}
	}
}

func (w *KISWebsocket) subscribe(conn *websocket.Conn, approvalKey, code string) error {
	var msg wsSubscribeMessage
	msg.Header.ApprovalKey = approvalKey
	msg.Header.CustType = "P"
	msg.Header.TrType = "1"
	msg.Header.ContentType = "utf-8"
	msg.Body.Input.TrID = wsTrID
	msg.Body.Input.TrKey = code

	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe %s: %w", code, err)
	}
	return nil
}

// handleDataFrame decodes `0|H0STCNT0|<count>|<payload>` frames. A frame
// may batch several prints; each is 46 ^-separated fields.
func (w *KISWebsocket) handleDataFrame(frame string, out chan<- model.Tick) {
	parts := strings.SplitN(frame, "|", 4)
	if len(parts) < 4 || parts[1] != wsTrID {
		return
	}

	count, err := strconv.Atoi(parts[2])
	if err != nil || count <= 0 {
		return
	}

	fields := splitFields(parts[3])
	const fieldsPerPrint = 46
	if len(fields) < fieldsPerPrint {
		return
	}

	for i := 0; i+fieldsPerPrint <= len(fields) && i/fieldsPerPrint < count; i += fieldsPerPrint {
		tick, err := w.parseTick(fields[i : i+fieldsPerPrint])
		if err != nil {
			logger.WithError(err).Debug("Dropping malformed tick")
			continue
		}

		select {
		case out <- tick:
		default:
			logger.WithField("code", tick.StockCode).Warn("Tick queue full, dropping tick")
		}
	}
}

// Payload field layout (H0STCNT0): 0 code, 1 exec time HHMMSS, 2 price,
// 12 execution volume.
func (w *KISWebsocket) parseTick(fields []string) (model.Tick, error) {
	code := model.NormalizeCode(fields[0])

	price, err := pricing.ParseDecimal(fields[2])
	if err != nil {
		return model.Tick{}, fmt.Errorf("tick price: %w", err)
	}

	volume, err := strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("tick volume: %w", err)
	}

	ts, err := w.execTimestamp(fields[1])
	if err != nil {
		return model.Tick{}, err
	}

	return model.Tick{StockCode: code, Price: price, Volume: volume, Timestamp: ts}, nil
}

// execTimestamp combines today's KST date with the feed's HHMMSS field.
func (w *KISWebsocket) execTimestamp(hhmmss string) (time.Time, error) {
	if len(hhmmss) != 6 {
		return time.Time{}, fmt.Errorf("bad exec time %q", hhmmss)
	}

	parsed, err := time.ParseInLocation("150405", hhmmss, w.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad exec time %q: %w", hhmmss, err)
	}

	now := w.now().In(w.loc)
	return time.Date(now.Year(), now.Month(), now.Day(),
		parsed.Hour(), parsed.Minute(), parsed.Second(), 0, w.loc), nil
}
