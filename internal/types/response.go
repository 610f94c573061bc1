package types

import (
	"bytes"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Response is the outcome of fetching a Request.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Request *Request

	// FinalURL is the URL after redirects; links resolve against it.
	FinalURL string

	Elapsed    time.Duration
	ReceivedAt time.Time

	doc *goquery.Document
}

// NewResponse wraps a completed net/http exchange.
func NewResponse(req *Request, hr *http.Response, body []byte, elapsed time.Duration) *Response {
	return &Response{
		Status:     hr.StatusCode,
		Header:     hr.Header,
		Body:       body,
		Request:    req,
		FinalURL:   hr.Request.URL.String(),
		Elapsed:    elapsed,
		ReceivedAt: time.Now(),
	}
}

// NewRenderedResponse wraps output from a headless-browser fetch, which has
// no http.Response to draw headers or a status code from.
func NewRenderedResponse(req *Request, body []byte, finalURL string, elapsed time.Duration) *Response {
	return &Response{
		Status:     http.StatusOK,
		Header:     make(http.Header),
		Body:       body,
		Request:    req,
		FinalURL:   finalURL,
		Elapsed:    elapsed,
		ReceivedAt: time.Now(),
	}
}

// Document parses the body as HTML once and caches the result.
func (r *Response) Document() (*goquery.Document, error) {
	if r.doc != nil {
		return r.doc, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}
	r.doc = doc
	return doc, nil
}

// Success reports whether the status is in the 2xx range.
func (r *Response) Success() bool {
	return r.Status >= 200 && r.Status < 300
}
