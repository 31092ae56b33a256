// Package httpjson bridges Go functions and HTTP endpoints with JSON
// request and response bodies, for spawntest helpers.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// JSON helps make HTTP requests to the resource at url with JSON
// request and response bodies.
//
// If client is nil, http.DefaultClient is used.
func JSON(client *http.Client, url string) *Resource {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resource{
		http: client,
		url:  url,
	}
}

// Resource represents a JSON-speaking remote HTTP resource.
type Resource struct {
	http *http.Client
	url  string
}

// Call a HTTP resource that is expected to return JSON data.
//
// If data is not nil, method is POST and the request body is data
// marshaled into JSON. If data is nil, method is GET.
//
// The response JSON is unmarshaled into dst, which must be a pointer.
func (c *Resource) Call(ctx context.Context, data interface{}, dst interface{}) error {
	method := "GET"
	var body io.Reader
	if data != nil {
		buf, err := json.Marshal(data)
		if err != nil {
			return err
		}
		method = "POST"
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url, body)
	if err != nil {
		return err
	}
	if method != "GET" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		buf, err := io.ReadAll(resp.Body)
		if err != nil {
			buf = []byte("(cannot read error body: " + err.Error() + ")")
		}
		return fmt.Errorf("http error: %v: %q", resp.Status, bytes.TrimSpace(buf))
	}
	return decodeStrict(resp.Body, dst)
}

// decodeStrict unmarshals exactly one JSON value, rejecting unknown
// fields and trailing data.
func decodeStrict(r io.Reader, dst interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	token, err := dec.Token()
	switch err {
	case io.EOF:
		return nil
	case nil:
		return &TrailingDataError{Token: token}
	default:
		return err
	}
}

// TrailingDataError is an error that is returned if there is trailing
// data after a JSON message.
type TrailingDataError struct {
	Token json.Token
}

func (t *TrailingDataError) Error() string {
	return fmt.Sprintf("invalid character %q after top-level value", t.Token)
}

// ServePOST adapts fn to an http.Handler that unmarshals the POST
// body into the argument and marshals the result back. Errors from fn
// turn into 500s with the message as the body.
func ServePOST[Req any, Resp any](fn func(context.Context, Req) (Resp, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != "POST" {
			w.Header().Set("Allow", "POST")
			const code = http.StatusMethodNotAllowed
			http.Error(w, http.StatusText(code), code)
			return
		}
		var arg Req
		if err := decodeStrict(req.Body, &arg); err != nil {
			msg := fmt.Sprintf("cannot unmarshal request body as json: %v", err)
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		result, err := fn(req.Context(), arg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		buf, err := json.Marshal(result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(buf); err != nil {
			panic(http.ErrAbortHandler)
		}
	})
}
