package intercept

import (
	"net/http"
	"strconv"
)

// The canned telemetry response. The monitored client checks the body byte
// for byte, so neither value may change.
const (
	CannedBody        = "cribl /// living the stream!\n"
	CannedContentType = "text/html; charset=utf-8"
)

// Response is a synthetic response that short-circuits forwarding.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Canned returns the canned telemetry response with extra headers added.
// Content-Type cannot be overridden by extra.
func Canned(extra map[string]string) *Response {
	h := make(http.Header, len(extra)+2)
	for k, v := range extra {
		h.Set(k, v)
	}
	h.Set("Content-Type", CannedContentType)
	h.Set("Content-Length", strconv.Itoa(len(CannedBody)))
	return &Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       []byte(CannedBody),
	}
}

// WriteTo sends resp on w.
func (resp *Response) WriteTo(w http.ResponseWriter) error {
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(resp.StatusCode)
	_, err := w.Write(resp.Body)
	return err
}
