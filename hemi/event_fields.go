// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Request and response normalization shared by all adapters.

package hemi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// connInfo is what an adapter knows about its connection.
type connInfo struct {
	protocol     Protocol
	scheme       string // http, https
	client       string
	server       string
	serverHeader string // value of the server field added to responses. empty to omit
}

// bodyFraming describes how the request content is delimited.
type bodyFraming struct {
	contentLength int64 // -1 if not declared
	chunked       bool
}

func (f bodyFraming) empty() bool { return !f.chunked && f.contentLength <= 0 }

// newRequest builds a RequestStart from an HTTP/1 request line and its fields.
func newRequest(stream uint64, method string, target string, version string, fields []Header, info *connInfo) (*RequestStart, bodyFraming, error) {
	framing := bodyFraming{contentLength: -1}
	if !isToken(method) {
		return nil, framing, protocolError(stream, "invalid method")
	}
	switch version {
	case "HTTP/1.1":
		version = "1.1"
	case "HTTP/1.0":
		version = "1.0"
	default:
		return nil, framing, protocolError(stream, "unsupported version")
	}
	headers, err := normalizeFields(stream, fields, false)
	if err != nil {
		return nil, framing, err
	}
	hosts := headers.Values("host")
	if len(hosts) > 1 || (version == "1.1" && len(hosts) == 0) { // RFC 9112: A server MUST respond with a 400 (Bad Request) status code to any HTTP/1.1 request message that lacks a Host header field and to any request message that contains more than one Host header field line
		return nil, framing, protocolError(stream, "bad host field")
	}
	authority := ""
	if len(hosts) == 1 {
		authority = hosts[0]
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") { // absolute-form
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return nil, framing, protocolError(stream, "bad absolute target")
		}
		authority = u.Host
		target = u.RequestURI()
	}
	if framing, err = messageFraming(stream, headers, true); err != nil {
		return nil, framing, err
	}
	req := &RequestStart{
		Method:    method,
		Scheme:    info.scheme,
		Authority: authority,
		Headers:   headers,
		Version:   version,
		Client:    info.client,
		Server:    info.server,
	}
	if err := splitTarget(stream, req, target); err != nil {
		return nil, framing, err
	}
	req.WebSocket = isWebSocketUpgrade(req)
	return req, framing, nil
}

// newPseudoRequest builds a RequestStart from an HTTP/2 or HTTP/3 field section.
func newPseudoRequest(stream uint64, fields []Header, info *connInfo) (*RequestStart, bodyFraming, error) {
	framing := bodyFraming{contentLength: -1}
	var method, scheme, authority, path string
	var seen [4]bool
	regular := 0
	for i, f := range fields {
		if !strings.HasPrefix(f.Name, ":") {
			regular = i
			break
		}
		regular = i + 1
		var slot int
		switch f.Name {
		case ":method":
			slot, method = 0, f.Value
		case ":scheme":
			slot, scheme = 1, f.Value
		case ":authority":
			slot, authority = 2, f.Value
		case ":path":
			slot, path = 3, f.Value
		default: // RFC 9113: Endpoints MUST treat a request or response that contains undefined or invalid pseudo-header fields as malformed.
			return nil, framing, protocolError(stream, "unknown pseudo-header "+f.Name)
		}
		if seen[slot] {
			return nil, framing, protocolError(stream, "duplicate pseudo-header "+f.Name)
		}
		seen[slot] = true
	}
	for _, f := range fields[regular:] {
		if strings.HasPrefix(f.Name, ":") { // RFC 9113: All pseudo-header fields MUST appear in a field block before all regular field lines.
			return nil, framing, protocolError(stream, "pseudo-header after regular field")
		}
		if f.Name != strings.ToLower(f.Name) {
			return nil, framing, protocolError(stream, "uppercase field name")
		}
	}
	if !seen[0] || !isToken(method) {
		return nil, framing, protocolError(stream, "missing or invalid :method")
	}
	if method != "CONNECT" && (!seen[1] || !seen[3] || path == "") {
		return nil, framing, protocolError(stream, "missing :scheme or :path")
	}
	headers, err := normalizeFields(stream, fields[regular:], true)
	if err != nil {
		return nil, framing, err
	}
	if authority == "" {
		authority = headers.Get("host")
	}
	if framing, err = messageFraming(stream, headers, false); err != nil {
		return nil, framing, err
	}
	req := &RequestStart{
		Method:    method,
		Scheme:    scheme,
		Authority: authority,
		Headers:   headers,
		Client:    info.client,
		Server:    info.server,
	}
	if info.protocol == ProtoHTTP3 {
		req.Version = "3"
	} else {
		req.Version = "2"
	}
	if method != "CONNECT" {
		if err := splitTarget(stream, req, path); err != nil {
			return nil, framing, err
		}
	}
	return req, framing, nil
}

// connection specific fields are not allowed in HTTP/2 and HTTP/3.
var hopFields = map[string]bool{
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func normalizeFields(stream uint64, fields []Header, multiplexed bool) (Headers, error) {
	headers := make(Headers, 0, len(fields))
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		if !isToken(name) {
			return nil, protocolError(stream, "invalid field name")
		}
		value := strings.Trim(f.Value, " \t")
		if !isFieldValue(value) {
			return nil, protocolError(stream, "invalid value for field "+name)
		}
		if multiplexed {
			if hopFields[name] {
				return nil, protocolError(stream, "connection specific field "+name)
			}
			if name == "te" && value != "trailers" { // RFC 9113: The only exception to this is the TE header field, which MAY be present in an HTTP/2 request; when it is, it MUST NOT contain any value other than "trailers".
				return nil, protocolError(stream, "invalid te field")
			}
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

func messageFraming(stream uint64, headers Headers, allowChunked bool) (bodyFraming, error) {
	framing := bodyFraming{contentLength: -1}
	for _, value := range headers.Values("content-length") {
		for _, item := range strings.Split(value, ",") {
			item = strings.TrimSpace(item)
			n, err := strconv.ParseInt(item, 10, 64)
			if err != nil || n < 0 || item[0] == '+' {
				return framing, protocolError(stream, "invalid content-length")
			}
			if framing.contentLength >= 0 && framing.contentLength != n {
				return framing, protocolError(stream, "conflicting content-length")
			}
			framing.contentLength = n
		}
	}
	codings := headers.Values("transfer-encoding")
	if len(codings) == 0 {
		return framing, nil
	}
	if !allowChunked {
		return framing, protocolError(stream, "transfer-encoding not allowed")
	}
	if framing.contentLength >= 0 { // RFC 9112: A server MAY reject a request that contains both Content-Length and Transfer-Encoding
		return framing, protocolError(stream, "content-length with transfer-encoding")
	}
	var list []string
	for _, value := range codings {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, strings.ToLower(item))
			}
		}
	}
	if len(list) != 1 || list[0] != "chunked" {
		return framing, protocolError(stream, "unsupported transfer-coding")
	}
	framing.chunked = true
	return framing, nil
}

func splitTarget(stream uint64, req *RequestStart, target string) error {
	if target == "*" {
		if req.Method != "OPTIONS" {
			return protocolError(stream, "asterisk target for non-OPTIONS request")
		}
		req.Path, req.RawPath = "*", "*"
		return nil
	}
	if target == "" || target[0] != '/' {
		return protocolError(stream, "invalid request target")
	}
	for i := 0; i < len(target); i++ {
		if b := target[i]; b <= 0x20 || b == 0x7f {
			return protocolError(stream, "invalid character in request target")
		}
	}
	rawPath, query, _ := strings.Cut(target, "?")
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return protocolError(stream, "invalid percent encoding in path")
	}
	req.Path, req.RawPath, req.Query = path, rawPath, query
	return nil
}

func isWebSocketUpgrade(req *RequestStart) bool {
	h := req.Headers
	return req.Method == "GET" &&
		h.Contains("upgrade", "websocket") &&
		h.Contains("connection", "upgrade") &&
		h.Get("sec-websocket-version") == "13" &&
		h.Get("sec-websocket-key") != ""
}

// responseFields validates an application's response head and returns the fields to send.
func responseFields(stream uint64, ev *ResponseStart, info *connInfo) (Headers, error) {
	if ev.Status < 100 || ev.Status > 599 {
		return nil, applicationError(stream, "invalid status "+strconv.Itoa(ev.Status))
	}
	multiplexed := info.protocol != ProtoHTTP1
	if multiplexed && ev.Status == http.StatusSwitchingProtocols {
		return nil, applicationError(stream, "status 101 is not allowed in "+info.protocol.String())
	}
	fields := make(Headers, 0, len(ev.Headers)+2)
	hasDate, hasServer := false, false
	for _, f := range ev.Headers {
		name := strings.ToLower(f.Name)
		if !isToken(name) {
			return nil, applicationError(stream, "invalid response field name "+strconv.Quote(f.Name))
		}
		if !isFieldValue(f.Value) {
			return nil, applicationError(stream, "invalid value for response field "+name)
		}
		if multiplexed && hopFields[name] {
			continue
		}
		switch name {
		case "date":
			hasDate = true
		case "server":
			hasServer = true
		}
		fields = append(fields, Header{Name: name, Value: f.Value})
	}
	if !hasDate {
		fields = append(fields, Header{Name: "date", Value: httpDate()})
	}
	if !hasServer && info.serverHeader != "" {
		fields = append(fields, Header{Name: "server", Value: info.serverHeader})
	}
	return fields, nil
}

// trailerFields validates trailing fields sent by the application.
func trailerFields(stream uint64, headers Headers) (Headers, error) {
	fields := make(Headers, 0, len(headers))
	for _, f := range headers {
		name := strings.ToLower(f.Name)
		if !isToken(name) || !isFieldValue(f.Value) {
			return nil, applicationError(stream, "invalid trailer field "+strconv.Quote(f.Name))
		}
		fields = append(fields, Header{Name: name, Value: f.Value})
	}
	return fields, nil
}

// bodyless reports whether a response with status to method carries no content.
func bodyless(method string, status int) bool {
	return method == "HEAD" || status < 200 || status == http.StatusNoContent || status == http.StatusNotModified
}

func httpDate() string { return time.Now().UTC().Format(http.TimeFormat) }

// isToken reports whether s is a non-empty RFC 9110 token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !tchar[s[i]] {
			return false
		}
	}
	return true
}

// isFieldValue reports whether s has no CR, LF, NUL or other control characters except HTAB.
func isFieldValue(s string) bool {
	for i := 0; i < len(s); i++ {
		if b := s[i]; (b < 0x20 && b != '\t') || b == 0x7f {
			return false
		}
	}
	return true
}

var tchar = func() (table [256]bool) { // tchar = "!" / "#" / "$" / "%" / "&" / "'" / "*" / "+" / "-" / "." / "^" / "_" / "`" / "|" / "~" / DIGIT / ALPHA
	for c := '0'; c <= '9'; c++ {
		table[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		table[c] = true
		table[c-'a'+'A'] = true
	}
	for _, c := range "!#$%&'*+-.^_`|~" {
		table[c] = true
	}
	return
}()
