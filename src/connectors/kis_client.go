// REST client for the KIS (Korea Investment & Securities) open API.
// Resty with internal retry; token refresh is forced at most once per call.
package connectors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/model"
	"github.com/masonbcshin/KIS-API-Trend-ATR-sub002/src/pricing"
)

const (
	defaultRetryAttempts   = 4
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second

	// Issued tokens last 24h; refresh a little early.
	tokenLifetimeSlack = 10 * time.Minute
)

// ErrAuthRetryExhausted marks a second consecutive auth failure after one
// forced token refresh. It is a hard error, never retried further.
var ErrAuthRetryExhausted = errors.New("auth failed after forced token refresh")

// Holding is one row of the broker's balance inquiry; authoritative for
// quantity and average price during reconciliation.
type Holding struct {
	StockCode string
	StockName string
	Quantity  int64
	AvgPrice  decimal.Decimal
}

// OrderResponse is the accepted-order acknowledgement.
type OrderResponse struct {
	OrderNo string
	ExecID  string
	Message string
}

type tokenState struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// KISClient talks to the KIS domestic-stock REST API. Safe for use from a
// single control loop; the token mutex only guards refresh races with the
// websocket approval-key path.
type KISClient struct {
	cfg  Config
	mode model.TradingMode
	http *resty.Client

	tokenMu sync.Mutex
	token   tokenState
	cache   *tokenCache
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}

	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return true
	}
	return false
}

func NewKISClient(cfg Config, mode model.TradingMode) *KISClient {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &KISClient{
		cfg:   cfg,
		mode:  mode,
		http:  httpClient,
		cache: newTokenCache(cfg.TokenCachePath, cfg.TokenCacheKey),
	}
}

// -----------------------------
// TOKEN MANAGEMENT
// -----------------------------

// ensureToken returns a usable access token, issuing a new one when the
// cached token is missing or near expiry. force skips the cache entirely.
func (c *KISClient) ensureToken(force bool) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if !force {
		if c.token.AccessToken != "" && time.Until(c.token.ExpiresAt) > tokenLifetimeSlack {
			return c.token.AccessToken, nil
		}
		if cached, ok := c.cache.load(); ok && time.Until(cached.ExpiresAt) > tokenLifetimeSlack {
			c.token = cached
			return c.token.AccessToken, nil
		}
	}

	logger.WithField("forced", force).Info("Issuing new KIS access token")

	resp, err := c.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"appsecret":  c.cfg.AppSecret,
		}).
		Post("/oauth2/tokenP")
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}

	// Decode the body ourselves; the endpoint is not trusted to label its
	// responses application/json.
	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if resp.StatusCode() == http.StatusOK {
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
	}
	if resp.StatusCode() != http.StatusOK || parsed.AccessToken == "" {
		return "", fmt.Errorf("token request returned HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	c.token = tokenState{
		AccessToken: parsed.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}
	c.cache.store(c.token)

	return c.token.AccessToken, nil
}

// GetWSApprovalKey issues the realtime-feed approval key for the websocket
// handshake.
func (c *KISClient) GetWSApprovalKey() (string, error) {
	resp, err := c.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"secretkey":  c.cfg.AppSecret,
		}).
		Post("/oauth2/Approval")
	if err != nil {
		return "", fmt.Errorf("approval key request failed: %w", err)
	}

	var parsed struct {
		ApprovalKey string `json:"approval_key"`
	}
	if resp.StatusCode() == http.StatusOK {
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			return "", fmt.Errorf("decode approval key response: %w", err)
		}
	}
	if resp.StatusCode() != http.StatusOK || parsed.ApprovalKey == "" {
		return "", fmt.Errorf("approval key request returned HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return parsed.ApprovalKey, nil
}

type apiEnvelope struct {
	RtCd   string          `json:"rt_cd"`
	MsgCd  string          `json:"msg_cd"`
	Msg1   string          `json:"msg1"`
	Output json.RawMessage `json:"output"`
	// Balance inquiry splits its payload across two arrays.
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

// doRequest performs one authenticated call. A 401/403 triggers exactly one
// forced token refresh and one retry; a second auth failure propagates as a
// hard error rather than looping.
func (c *KISClient) doRequest(method, path, trID string, query map[string]string, body interface{}) (*apiEnvelope, error) {
	send := func(token string) (*resty.Response, error) {
		req := c.http.R().
			SetHeader("authorization", "Bearer "+token).
			SetHeader("appkey", c.cfg.AppKey).
			SetHeader("appsecret", c.cfg.AppSecret).
			SetHeader("tr_id", trID).
			SetHeader("custtype", "P")

		if query != nil {
			req = req.SetQueryParams(query)
		}
		if body != nil {
			req = req.SetBody(body).SetHeader("Content-Type", "application/json")
		}
		return req.Execute(method, path)
	}

	token, err := c.ensureToken(false)
	if err != nil {
		return nil, err
	}

	resp, err := send(token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		logger.WithFields(map[string]interface{}{
			"tr_id":  trID,
			"status": resp.StatusCode(),
		}).Warn("Auth failure, forcing one token refresh")

		token, err = c.ensureToken(true)
		if err != nil {
			return nil, err
		}

		resp, err = send(token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
			return nil, fmt.Errorf("%w: HTTP %d on %s", ErrAuthRetryExhausted, resp.StatusCode(), path)
		}
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.RtCd != "0" {
		return &envelope, fmt.Errorf("API error %s: %s", envelope.MsgCd, envelope.Msg1)
	}
	return &envelope, nil
}

// trID prefixes differ between the real and the paper/dry-run endpoints.
func (c *KISClient) orderTrID(side string) string {
	real := c.mode == model.ModeReal
	switch side {
	case model.OrderSideSell:
		if real {
			return "TTTC0801U"
		}
		return "VTTC0801U"
	default:
		if real {
			return "TTTC0802U"
		}
		return "VTTC0802U"
	}
}

func (c *KISClient) balanceTrID() string {
	if c.mode == model.ModeReal {
		return "TTTC8434R"
	}
	return "VTTC8434R"
}

// -----------------------------
// ACCOUNT
// -----------------------------

// GetHoldings returns current holdings with a positive quantity.
func (c *KISClient) GetHoldings() ([]Holding, error) {
	envelope, err := c.doRequest(http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-balance", c.balanceTrID(), map[string]string{
		"CANO":                  c.cfg.AccountNo,
		"ACNT_PRDT_CD":          c.cfg.AccountProductCode,
		"AFHR_FLPR_YN":          "N",
		"OFL_YN":                "",
		"INQR_DVSN":             "02",
		"UNPR_DVSN":             "01",
		"FUND_STTL_ICLD_YN":     "N",
		"FNCG_AMT_AUTO_RDPT_YN": "N",
		"PRCS_DVSN":             "00",
		"CTX_AREA_FK100":        "",
		"CTX_AREA_NK100":        "",
	}, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		StockCode string `json:"pdno"`
		StockName string `json:"prdt_name"`
		Quantity  string `json:"hldg_qty"`
		AvgPrice  string `json:"pchs_avg_pric"`
	}
	if err := json.Unmarshal(envelope.Output1, &rows); err != nil {
		return nil, fmt.Errorf("decode holdings: %w", err)
	}

	holdings := make([]Holding, 0, len(rows))
	for _, row := range rows {
		qty, err := pricing.ParseDecimal(row.Quantity)
		if err != nil {
			return nil, fmt.Errorf("holding %s quantity: %w", row.StockCode, err)
		}
		avg, err := pricing.ParseDecimal(row.AvgPrice)
		if err != nil {
			return nil, fmt.Errorf("holding %s avg price: %w", row.StockCode, err)
		}

		quantity := qty.IntPart()
		if quantity <= 0 {
			continue
		}

		holdings = append(holdings, Holding{
			StockCode: model.NormalizeCode(row.StockCode),
			StockName: row.StockName,
			Quantity:  quantity,
			AvgPrice:  pricing.QuantizePrice(avg),
		})
	}

	logger.WithField("holdings", len(holdings)).Debug("Fetched broker holdings")
	return holdings, nil
}

// -----------------------------
// TRADING
// -----------------------------

func (c *KISClient) placeOrder(side, stockCode string, quantity int64) (*OrderResponse, error) {
	code := model.NormalizeCode(stockCode)

	envelope, err := c.doRequest(http.MethodPost, "/uapi/domestic-stock/v1/trading/order-cash", c.orderTrID(side), nil, map[string]string{
		"CANO":         c.cfg.AccountNo,
		"ACNT_PRDT_CD": c.cfg.AccountProductCode,
		"PDNO":         code,
		"ORD_DVSN":     "01", // market
		"ORD_QTY":      fmt.Sprintf("%d", quantity),
		"ORD_UNPR":     "0",
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		OrderNo string `json:"ODNO"`
		ExecID  string `json:"KRX_FWDG_ORD_ORGNO"`
	}
	if err := json.Unmarshal(envelope.Output, &out); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if out.OrderNo == "" {
		return nil, fmt.Errorf("broker returned no order number: %s", envelope.Msg1)
	}

	logger.WithFields(map[string]interface{}{
		"side":     side,
		"code":     code,
		"qty":      quantity,
		"order_no": out.OrderNo,
	}).Info("Order accepted by broker")

	return &OrderResponse{OrderNo: out.OrderNo, ExecID: out.ExecID, Message: envelope.Msg1}, nil
}

// PlaceSellOrder submits a market sell for the given quantity.
func (c *KISClient) PlaceSellOrder(stockCode string, quantity int64) (*OrderResponse, error) {
	return c.placeOrder(model.OrderSideSell, stockCode, quantity)
}

// PlaceBuyOrder submits a market buy for the given quantity.
func (c *KISClient) PlaceBuyOrder(stockCode string, quantity int64) (*OrderResponse, error) {
	return c.placeOrder(model.OrderSideBuy, stockCode, quantity)
}

// -----------------------------
// MARKET DATA
// -----------------------------

// GetCurrentPrice fetches the current trade price.
func (c *KISClient) GetCurrentPrice(stockCode string) (decimal.Decimal, error) {
	envelope, err := c.doRequest(http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         model.NormalizeCode(stockCode),
	}, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var out struct {
		Price string `json:"stck_prpr"`
	}
	if err := json.Unmarshal(envelope.Output, &out); err != nil {
		return decimal.Zero, fmt.Errorf("decode price: %w", err)
	}

	price, err := pricing.ParseDecimal(out.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("current price for %s: %w", stockCode, err)
	}
	return price, nil
}

// GetDailyOHLCV returns up to n daily bars in ascending time order.
func (c *KISClient) GetDailyOHLCV(stockCode string, n int) ([]model.Bar, error) {
	code := model.NormalizeCode(stockCode)

	envelope, err := c.doRequest(http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-daily-price", "FHKST01010400", map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         code,
		"FID_PERIOD_DIV_CODE":    "D",
		"FID_ORG_ADJ_PRC":        "0",
	}, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	}
	if err := json.Unmarshal(envelope.Output, &rows); err != nil {
		return nil, fmt.Errorf("decode daily bars: %w", err)
	}

	if len(rows) > n {
		rows = rows[:n]
	}

	// The API returns newest first; bars are served oldest first.
	bars := make([]model.Bar, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		bar, err := dailyBarFromRow(code, row.Date, row.Open, row.High, row.Low, row.Close, row.Volume)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func dailyBarFromRow(code, date, open, high, low, closePx, volume string) (model.Bar, error) {
	startAt, err := time.Parse("20060102", date)
	if err != nil {
		return model.Bar{}, fmt.Errorf("daily bar date %q: %w", date, err)
	}

	parse := func(field, raw string) (decimal.Decimal, error) {
		d, err := pricing.ParseDecimal(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("daily bar %s %s: %w", date, field, err)
		}
		return d, nil
	}

	o, err := parse("open", open)
	if err != nil {
		return model.Bar{}, err
	}
	h, err := parse("high", high)
	if err != nil {
		return model.Bar{}, err
	}
	l, err := parse("low", low)
	if err != nil {
		return model.Bar{}, err
	}
	cl, err := parse("close", closePx)
	if err != nil {
		return model.Bar{}, err
	}
	v, err := parse("volume", volume)
	if err != nil {
		return model.Bar{}, err
	}

	return model.Bar{
		StockCode: code,
		Timeframe: model.TimeframeDay1,
		StartAt:   startAt,
		EndAt:     startAt.AddDate(0, 0, 1),
		Open:      o,
		High:      h,
		Low:       l,
		Close:     cl,
		Volume:    v.IntPart(),
	}, nil
}

// trimmed helper shared by ws parsing.
func splitFields(payload string) []string {
	return strings.Split(payload, "^")
}
