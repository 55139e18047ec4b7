// Package sip defines the narrow view of SIP messages exchanged with the
// external SIP engine: parsed inbound requests, the responses returned for
// them, and outbound in-dialog requests such as NOTIFY.
package sip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Methods handled or emitted by the server.
const (
	MethodPublish   = "PUBLISH"
	MethodSubscribe = "SUBSCRIBE"
	MethodNotify    = "NOTIFY"
	MethodOptions   = "OPTIONS"
)

// Request is an inbound request as handed over by the SIP engine.
type Request struct {
	Method  string
	URI     string
	Headers Header
	Body    []byte

	// InDialog is set by the engine when the request arrived within an
	// established dialog (it carried a To tag).
	InDialog bool

	// Source is the transport address the request came from, for logging.
	Source string
}

// Event returns the event package and its optional id parameter.
func (r *Request) Event() (event, id string, ok bool) {
	if !r.Headers.Has("Event") {
		return "", "", false
	}
	v := r.Headers.Get("Event")
	parts := strings.Split(v, ";")
	event = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		k, val, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(strings.TrimSpace(k), "id") {
			id = strings.Trim(strings.TrimSpace(val), `"`)
		}
	}
	return event, id, event != ""
}

// Expires returns the Expires header value. present is false when the
// header is missing; err is non-nil when it is present but not a
// non-negative integer.
func (r *Request) Expires() (value int, present bool, err error) {
	if !r.Headers.Has("Expires") {
		return 0, false, nil
	}
	raw := r.Headers.Get("Expires")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("sip: malformed Expires %q", raw)
	}
	return n, true, nil
}

func (r *Request) CallID() string      { return r.Headers.Get("Call-ID") }
func (r *Request) To() string          { return r.Headers.Get("To") }
func (r *Request) From() string        { return r.Headers.Get("From") }
func (r *Request) ContentType() string { return r.Headers.Get("Content-Type") }
func (r *Request) Accept() string      { return r.Headers.Get("Accept") }

// IfMatch returns the SIP-If-Match entity tag, or "" when absent.
func (r *Request) IfMatch() string { return r.Headers.Get("SIP-If-Match") }

// HasContent reports whether the request carries event state: a non-empty
// body or an explicit Content-Type.
func (r *Request) HasContent() bool {
	return len(r.Body) > 0 || r.Headers.Has("Content-Type")
}

// Response is the final response the engine should send for a Request.
type Response struct {
	Status  int
	Reason  string
	Headers Header

	// CreateDialog asks the engine to establish a UAS dialog with this
	// response, as for an accepted initial SUBSCRIBE.
	CreateDialog bool

	after []func()
}

// NewResponse builds a response with the registered reason phrase.
func NewResponse(status int) *Response {
	return &Response{Status: status, Reason: StatusText(status), Headers: Header{}}
}

// With sets a header and returns r for chaining.
func (r *Response) With(name, value string) *Response {
	r.Headers.Set(name, value)
	return r
}

// Then registers fn to run once the response has been handed to the
// engine. In-dialog requests that depend on the response, such as the
// NOTIFY following a 202, belong here.
func (r *Response) Then(fn func()) *Response {
	r.after = append(r.after, fn)
	return r
}

// Sent runs the functions registered with Then, in order, and forgets
// them. The transport calls it after delivering the response.
func (r *Response) Sent() {
	after := r.after
	r.after = nil
	for _, fn := range after {
		fn()
	}
}

// OutboundRequest is a request the server originates inside an existing
// dialog, identified by its Call-ID.
type OutboundRequest struct {
	Method  string
	CallID  string
	Headers Header
	Body    []byte
}

// Requester sends in-dialog requests through the SIP engine and reports
// the final response status.
type Requester interface {
	Request(ctx context.Context, req *OutboundRequest) (status int, err error)
}

// ErrDialogGone is returned by a Requester when the engine no longer
// knows the dialog.
var ErrDialogGone = errors.New("sip: dialog does not exist")

// Status codes used by the server.
const (
	StatusOK                          = 200
	StatusAccepted                    = 202
	StatusBadRequest                  = 400
	StatusMethodNotAllowed            = 405
	StatusRequestTimeout              = 408
	StatusConditionalRequestFailed    = 412
	StatusIntervalTooBrief            = 423
	StatusTemporarilyUnavailable      = 480
	StatusCallTransactionDoesNotExist = 481
	StatusBadEvent                    = 489
	StatusServerInternalError         = 500
)

var statusText = map[int]string{
	StatusOK:                          "OK",
	StatusAccepted:                    "Accepted",
	StatusBadRequest:                  "Bad Request",
	StatusMethodNotAllowed:            "Method Not Allowed",
	StatusRequestTimeout:              "Request Timeout",
	StatusConditionalRequestFailed:    "Conditional Request Failed",
	StatusIntervalTooBrief:            "Interval Too Brief",
	StatusTemporarilyUnavailable:      "Temporarily Unavailable",
	StatusCallTransactionDoesNotExist: "Call/Transaction Does Not Exist",
	StatusBadEvent:                    "Bad Event",
	StatusServerInternalError:         "Server Internal Error",
}

// StatusText returns the registered reason phrase for code, or "" if unknown.
func StatusText(code int) string {
	return statusText[code]
}

// IsDialogGone reports whether a NOTIFY outcome means the watcher's dialog
// is dead and its subscription should be dropped.
func IsDialogGone(status int, err error) bool {
	if err != nil {
		return errors.Is(err, ErrDialogGone)
	}
	return status == StatusRequestTimeout || status == StatusCallTransactionDoesNotExist
}
