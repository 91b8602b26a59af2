// Package modem is the HTTP client for the Huawei HiLink web interface.
// All calls are guarded by a shared circuit breaker and authenticated
// with a cached session cookie / verification token pair.
package modem

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/antchfx/xmlquery"
	"github.com/patrickmn/go-cache"
)

const (
	requestTimeout = 10 * time.Second
	sessionTTL     = 5 * time.Minute
	sessionKey     = "session"

	// BoxTypeInbox selects the received-messages box in sms-list.
	BoxTypeInbox = 1

	// listReadCount is the sms-list page size; listMaxPages bounds the
	// pagination loop against a firmware that repeats pages forever.
	listReadCount = 20
	listMaxPages  = 50
)

// DeliveryStatus is the modem-reported state of a sent message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryUnknown   DeliveryStatus = "unknown"
)

// InboxMessage is one entry from the modem's inbox listing.
type InboxMessage struct {
	Index   int
	Phone   string
	Content string
	Date    string
	Status  string
}

// Health is the modem's monitoring snapshot.
type Health struct {
	SignalStrength   int    `json:"signalStrength"`
	NetworkType      string `json:"networkType"`
	NetworkName      string `json:"networkName"`
	BatteryLevel     int    `json:"batteryLevel"`
	ConnectionStatus string `json:"connectionStatus"`
}

type session struct {
	cookie string
	token  string
}

// Client talks to the modem. Safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	breaker    *Breaker
	sessions   *cache.Cache
	logger     *slog.Logger

	now func() time.Time
}

func NewClient(baseURL string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing modem base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("modem base URL %q must be absolute", baseURL)
	}
	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: requestTimeout},
		breaker:    NewBreaker(),
		sessions:   cache.New(sessionTTL, 10*time.Minute),
		logger:     logger,
		now:        time.Now,
	}, nil
}

type sendRequest struct {
	XMLName  xml.Name `xml:"request"`
	Index    int      `xml:"Index"`
	Phones   phones   `xml:"Phones"`
	Sca      string   `xml:"Sca"`
	Content  string   `xml:"Content"`
	Length   int      `xml:"Length"`
	Reserved int      `xml:"Reserved"`
	Date     string   `xml:"Date"`
}

type phones struct {
	Phone []string `xml:"Phone"`
}

type listRequest struct {
	XMLName         xml.Name `xml:"request"`
	PageIndex       int      `xml:"PageIndex"`
	ReadCount       int      `xml:"ReadCount"`
	BoxType         int      `xml:"BoxType"`
	SortType        int      `xml:"SortType"`
	Ascending       int      `xml:"Ascending"`
	UnreadPreferred int      `xml:"UnreadPreferred"`
}

type statusRequest struct {
	XMLName   xml.Name `xml:"request"`
	MessageID string   `xml:"MessageId"`
}

// SendSMS submits one message and returns the modem's message id.
func (c *Client) SendSMS(ctx context.Context, phone, content string) (string, error) {
	body := sendRequest{
		Index:    -1,
		Phones:   phones{Phone: []string{phone}},
		Content:  content,
		Length:   utf8.RuneCountInString(content),
		Reserved: 1,
		Date:     c.now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	doc, err := c.do(ctx, "send", http.MethodPost, "/api/sms/send-sms", body)
	if err != nil {
		return "", err
	}
	id := innerText(doc, "//response/message_id")
	if id == "" {
		return "", &Error{Kind: ErrKindParse, Op: "send", Err: errors.New("response missing message_id")}
	}
	return id, nil
}

// ListInbox returns the modem's inbox in the order the modem reports
// it. It pages through sms-list until a short page, so a backlog larger
// than one page (for example after downtime) is returned in full.
func (c *Client) ListInbox(ctx context.Context, boxType int) ([]InboxMessage, error) {
	var all []InboxMessage
	for page := 1; page <= listMaxPages; page++ {
		msgs, err := c.listPage(ctx, boxType, page)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
		if len(msgs) < listReadCount {
			break
		}
	}
	return all, nil
}

func (c *Client) listPage(ctx context.Context, boxType, page int) ([]InboxMessage, error) {
	body := listRequest{
		PageIndex: page,
		ReadCount: listReadCount,
		BoxType:   boxType,
	}
	doc, err := c.do(ctx, "list", http.MethodPost, "/api/sms/sms-list", body)
	if err != nil {
		return nil, err
	}

	var msgs []InboxMessage
	for _, node := range xmlquery.Find(doc, "//response/messages/message") {
		idxText := innerText(node, "index")
		idx, err := strconv.Atoi(strings.TrimSpace(idxText))
		if err != nil {
			return nil, &Error{Kind: ErrKindParse, Op: "list", Err: fmt.Errorf("bad message index %q", idxText)}
		}
		msgs = append(msgs, InboxMessage{
			Index:   idx,
			Phone:   innerText(node, "phone"),
			Content: innerText(node, "content"),
			Date:    innerText(node, "date"),
			Status:  innerText(node, "status"),
		})
	}
	return msgs, nil
}

// GetStatus asks the modem for the delivery state of a sent message.
func (c *Client) GetStatus(ctx context.Context, modemMessageID string) (DeliveryStatus, error) {
	doc, err := c.do(ctx, "status", http.MethodPost, "/api/sms/sms-status", statusRequest{MessageID: modemMessageID})
	if err != nil {
		return DeliveryUnknown, err
	}
	switch strings.ToLower(strings.TrimSpace(innerText(doc, "//response/status"))) {
	case "delivered":
		return DeliveryDelivered, nil
	case "sent":
		return DeliverySent, nil
	case "pending":
		return DeliveryPending, nil
	case "failed":
		return DeliveryFailed, nil
	default:
		return DeliveryUnknown, nil
	}
}

// HealthCheck fetches the monitoring snapshot.
func (c *Client) HealthCheck(ctx context.Context) (*Health, error) {
	doc, err := c.do(ctx, "health", http.MethodGet, "/api/monitoring/status", nil)
	if err != nil {
		return nil, err
	}
	h := &Health{
		NetworkType:      innerText(doc, "//response/network_type"),
		NetworkName:      innerText(doc, "//response/network_name"),
		ConnectionStatus: innerText(doc, "//response/connection_status"),
	}
	h.SignalStrength, _ = strconv.Atoi(strings.TrimSpace(innerText(doc, "//response/signal_strength")))
	h.BatteryLevel, _ = strconv.Atoi(strings.TrimSpace(innerText(doc, "//response/battery_level")))
	return h, nil
}

// do runs one authenticated request through the breaker. A well-formed
// modem error response counts as breaker success (the modem answered);
// transport and parse failures count against the breaker.
func (c *Client) do(ctx context.Context, op, method, path string, body any) (*xmlquery.Node, error) {
	if !c.breaker.Allow() {
		return nil, &Error{Kind: ErrKindCircuitOpen, Op: op}
	}

	doc, err := c.doOnce(ctx, op, method, path, body)

	// Stale session: drop the cached pair and retry once.
	var me *Error
	if errors.As(err, &me) && me.Kind == ErrKindModem && isSessionCode(me.Code) {
		c.sessions.Delete(sessionKey)
		doc, err = c.doOnce(ctx, op, method, path, body)
	}

	if err != nil {
		if errors.As(err, &me) && me.Kind == ErrKindModem {
			c.breaker.RecordSuccess()
		} else {
			c.breaker.RecordFailure()
		}
		return nil, err
	}
	c.breaker.RecordSuccess()
	return doc, nil
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, body any) (*xmlquery.Node, error) {
	sess, err := c.session(ctx, op)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		buf.WriteString(xml.Header)
		if err := xml.NewEncoder(buf).Encode(body); err != nil {
			return nil, &Error{Kind: ErrKindParse, Op: op, Err: err}
		}
		reader = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), reader)
	if err != nil {
		return nil, &Error{Kind: ErrKindHTTP, Op: op, Err: err}
	}
	req.Host = c.baseURL.Host
	req.Header.Set("Cookie", sess.cookie)
	req.Header.Set("__RequestVerificationToken", sess.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/xml")
	}

	return c.exec(req, op)
}

// session returns the cached (cookie, token) pair, fetching a fresh one
// from the handshake endpoint on miss or expiry.
func (c *Client) session(ctx context.Context, op string) (session, error) {
	if v, ok := c.sessions.Get(sessionKey); ok {
		return v.(session), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath("/api/webserver/SesTokInfo").String(), nil)
	if err != nil {
		return session{}, &Error{Kind: ErrKindHTTP, Op: op, Err: err}
	}
	req.Host = c.baseURL.Host

	doc, err := c.exec(req, op)
	if err != nil {
		return session{}, err
	}

	sess := session{
		cookie: innerText(doc, "//response/SesInfo"),
		token:  innerText(doc, "//response/TokInfo"),
	}
	if sess.cookie == "" || sess.token == "" {
		return session{}, &Error{Kind: ErrKindParse, Op: op, Err: errors.New("handshake response missing SesInfo or TokInfo")}
	}
	c.sessions.Set(sessionKey, sess, cache.DefaultExpiration)
	return sess, nil
}

func (c *Client) exec(req *http.Request, op string) (*xmlquery.Node, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &Error{Kind: ErrKindTimeout, Op: op, Err: err}
		}
		return nil, &Error{Kind: ErrKindHTTP, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &Error{Kind: ErrKindHTTP, Code: resp.StatusCode, Op: op}
	}

	doc, err := xmlquery.Parse(resp.Body)
	if err != nil {
		return nil, &Error{Kind: ErrKindParse, Op: op, Err: err}
	}

	// The modem signals application errors with <error><code>N</code></error>.
	if errNode := xmlquery.FindOne(doc, "//error/code"); errNode != nil {
		codeText := strings.TrimSpace(errNode.InnerText())
		code, err := strconv.Atoi(codeText)
		if err != nil {
			return nil, &Error{Kind: ErrKindParse, Op: op, Err: fmt.Errorf("non-numeric error code %q", codeText)}
		}
		return nil, &Error{Kind: ErrKindModem, Code: code, Op: op}
	}
	return doc, nil
}

// Session/token expiry codes from the HiLink firmware.
func isSessionCode(code int) bool {
	return code == 125001 || code == 125002 || code == 125003
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func innerText(top *xmlquery.Node, expr string) string {
	node := xmlquery.FindOne(top, expr)
	if node == nil {
		return ""
	}
	return strings.TrimSpace(node.InnerText())
}
