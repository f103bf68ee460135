// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

// Package remotestore implements a substituter client for the HTTP Binary
// Cache Protocol described in spec §4.H.4: a store object's .narinfo is
// fetched from "<base>/<digest>.narinfo" and its NAR is fetched from the
// (possibly relative) URL named inside that .narinfo.
package remotestore

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dsnet/compress/brotli"
	"zombiezen.com/go/log"

	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

// HTTPSubstituter fetches store objects from a binary cache served over HTTP,
// the substituter backend described in spec §4.H.4.
type HTTPSubstituter struct {
	// BaseURL is the root of the binary cache.
	// This must be non-nil or the substituter's methods will return errors.
	BaseURL *url.URL
	// HTTPClient makes requests. It is recommended to use a client that
	// performs caching. If nil, [http.DefaultClient] is used.
	HTTPClient *http.Client
}

func (s *HTTPSubstituter) client() *http.Client {
	if s.HTTPClient == nil {
		return http.DefaultClient
	}
	return s.HTTPClient
}

// ErrNotFound is returned by [HTTPSubstituter.Info] when the cache has no
// information about the requested store path.
var ErrNotFound = errors.New("remotestore: not found")

// Info fetches the .narinfo resource for the store object at the given path.
func (s *HTTPSubstituter) Info(ctx context.Context, path storepath.Path) (*store.NARInfo, error) {
	if s.BaseURL == nil {
		return nil, fmt.Errorf("stat %s: base url missing", path)
	}
	u := s.BaseURL.JoinPath(path.Digest() + store.NARInfoExtension)
	data, err := fetch(ctx, s.client(), u, "text/x-nix-narinfo,text/*;q=0.9,*/*;q=0.8")
	if err != nil {
		if statusCode, ok := errorStatusCode(err); ok && statusCode == http.StatusNotFound {
			log.Debugf(ctx, "narinfo not found: %v", err)
			return nil, fmt.Errorf("stat %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %v", path, err)
	}
	info := new(store.NARInfo)
	if err := info.UnmarshalText(data); err != nil {
		return nil, fmt.Errorf("stat %s: %v", path, err)
	}
	if info.StorePath != path {
		return nil, fmt.Errorf("stat %s: narinfo names a different store path %s", path, info.StorePath)
	}
	return info, nil
}

// WriteNAR downloads the (possibly compressed) NAR file described by info
// and writes its decompressed bytes to dst.
func (s *HTTPSubstituter) WriteNAR(ctx context.Context, info *store.NARInfo, dst io.Writer) error {
	if s.BaseURL == nil {
		return fmt.Errorf("download %s: base url missing", info.StorePath)
	}
	ref, err := url.Parse(info.URL)
	if err != nil {
		return fmt.Errorf("download %s: invalid nar url: %v", info.StorePath, err)
	}
	narFileURL := s.BaseURL.ResolveReference(ref)

	req := (&http.Request{
		Method: http.MethodGet,
		URL:    narFileURL,
		Header: http.Header{
			"Accept":          {"*/*"},
			"Accept-Encoding": {acceptEncoding},
		},
	}).WithContext(ctx)
	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("download %s: get %s: %v", info.StorePath, narFileURL.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: get %s: %v", info.StorePath, narFileURL.Redacted(), &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		})
	}
	decodedBody, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return fmt.Errorf("download %s: get %s: %v", info.StorePath, narFileURL.Redacted(), err)
	}
	defer decodedBody.Close()
	if _, err := io.Copy(dst, decodedBody); err != nil {
		return fmt.Errorf("download %s: get %s: %v", info.StorePath, narFileURL.Redacted(), err)
	}
	return nil
}

func fetch(ctx context.Context, client *http.Client, u *url.URL, accept string) ([]byte, error) {
	req := (&http.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{
			"Accept":          {accept},
			"Accept-Encoding": {acceptEncoding},
		},
	}).WithContext(ctx)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %v: %w", u.Redacted(), &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		})
	}
	const mebibyte = 1 << 20
	const maxSize = 4 * mebibyte
	if resp.ContentLength > maxSize {
		return nil, fmt.Errorf("fetch %v: response too large (%.1f MiB)", u.Redacted(), float64(resp.ContentLength)/mebibyte)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize))
	if err != nil {
		return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
	}
	if resp.ContentLength == -1 && len(data) == maxSize {
		if n, _ := resp.Body.Read(make([]byte, 1)); n > 0 {
			return nil, fmt.Errorf("fetch %v: response too large", u.Redacted())
		}
	}
	if e := resp.Header.Get("Content-Encoding"); e != "" {
		dec, err := decodeBody(bytes.NewReader(data), e)
		if err != nil {
			return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
		}
		defer dec.Close()
		data, err = io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("fetch %v: %v", u.Redacted(), err)
		}
	}
	return data, nil
}

// acceptEncoding is the value of an Accept-Encoding header that advertises
// the algorithms [decodeBody] supports.
const acceptEncoding = "br,gzip,deflate"

func decodeBody(r io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch contentEncoding {
	case "":
		return io.NopCloser(r), nil
	case "br":
		return brotli.NewReader(r, nil)
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding %s", contentEncoding)
	}
}

type httpError struct {
	statusCode int
	status     string
}

func (e *httpError) Error() string {
	status := e.status
	if status == "" {
		status = http.StatusText(e.statusCode)
		if status == "" {
			status = strconv.Itoa(e.statusCode)
		}
	}
	return "http " + status
}

func errorStatusCode(err error) (statusCode int, ok bool) {
	var h *httpError
	if !errors.As(err, &h) {
		return 0, false
	}
	return h.statusCode, true
}
