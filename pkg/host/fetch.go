package host

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fetcher transfers a file's raw bytes over a text-only command channel.
// Every fetcher decodes to the same bytes for the same file.
type Fetcher interface {
	Name() string
	// Tool is the executable the fetcher depends on.
	Tool() string
	Command(path string) string
	Decode(out string) ([]byte, error)
}

// DefaultFetchers is the priority order tried on a remote host.
var DefaultFetchers = []Fetcher{
	Base64Fetcher{},
	XxdFetcher{},
	OdFetcher{},
}

// Base64Fetcher uses base64(1); busybox and coreutils both wrap output lines.
type Base64Fetcher struct{}

func (Base64Fetcher) Name() string { return "base64" }
func (Base64Fetcher) Tool() string { return "base64" }

func (Base64Fetcher) Command(path string) string {
	return "base64 < " + Quote(path)
}

func (Base64Fetcher) Decode(out string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(stripSpace(out))
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return data, nil
}

// XxdFetcher uses a plain hex dump from xxd -p.
type XxdFetcher struct{}

func (XxdFetcher) Name() string { return "xxd" }
func (XxdFetcher) Tool() string { return "xxd" }

func (XxdFetcher) Command(path string) string {
	return "xxd -p " + Quote(path)
}

func (XxdFetcher) Decode(out string) ([]byte, error) {
	return decodeHexDump(out)
}

// OdFetcher uses od with one hex byte per column and no address column.
type OdFetcher struct{}

func (OdFetcher) Name() string { return "od" }
func (OdFetcher) Tool() string { return "od" }

func (OdFetcher) Command(path string) string {
	return "od -An -v -tx1 " + Quote(path)
}

func (OdFetcher) Decode(out string) ([]byte, error) {
	return decodeHexDump(out)
}

func decodeHexDump(out string) ([]byte, error) {
	data, err := hex.DecodeString(stripSpace(out))
	if err != nil {
		return nil, fmt.Errorf("hex decode: %w", err)
	}
	return data, nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}
