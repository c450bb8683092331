package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ErrMalformed is returned when stored bytes cannot be turned back into a response.
var ErrMalformed = errors.New("malformed flow bytes")

var delim = []byte("\r\n\r\n----\r\n\r\n")

// FlowToBytes encodes the request line and headers followed by the full
// response (status, headers and body) as HTTP/1.1 text.
// The response body is restored so the response can still be sent to the client.
func FlowToBytes(req *http.Request, res *http.Response) ([]byte, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: no response", ErrMalformed)
	}
	buf := &bytes.Buffer{}

	if req != nil {
		if err := requestHead(req).Write(buf); err != nil {
			log.Warn().Err(err).Msg("Could not write request to bytes")
		}
	} else {
		log.Warn().Msg("Request not set")
	}
	buf.Write(delim)

	bts, err := responseToBytes(res)
	if err != nil {
		return nil, err
	}
	buf.Write(bts)

	return buf.Bytes(), nil
}

// BytesToResponse decodes bytes created by FlowToBytes.
// The stored request is attached to the response when it can be read.
func BytesToResponse(b []byte) (*http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, fmt.Errorf("%w: missing delimiter", ErrMalformed)
	}
	var req *http.Request
	if len(reqBytes) > 0 {
		r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
		if err != nil {
			log.Warn().Err(err).Msg("Could not read request from stored flow")
		} else {
			req = r
		}
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// read the body eagerly so truncated payloads are caught here
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	// a HEAD response announces a length it never carried
	if req != nil && req.Method == http.MethodHead {
		res.Header.Del("Content-Length")
		res.ContentLength = int64(len(body))
	}
	return res, nil
}

// requestHead returns a body-less copy of the request.
// By the time a flow is stored, the request body has usually been sent to the origin.
func requestHead(req *http.Request) *http.Request {
	head := req.Clone(req.Context())
	head.Body = nil
	head.ContentLength = 0
	head.TransferEncoding = nil
	return head
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	out := *res
	out.ProtoMajor, out.ProtoMinor = 1, 1
	out.Proto = "HTTP/1.1"
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := out.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	// return buffer bytes
	return bts, nil
}
