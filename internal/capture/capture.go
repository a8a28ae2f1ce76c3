// Package capture turns raw input (typed or dictated text, uploaded files,
// web pages) into thought text ready for synthesis.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	defaultMaxBytes  = 5 << 20
	maxContentRunes  = 20000
	titleRunes       = 60
	defaultUserAgent = "scatterbrain/1.0 (+https://scatterbrain.app)"
)

var (
	ErrEmpty       = errors.New("nothing to capture")
	ErrUnsupported = errors.New("unsupported content type")
	ErrTooLarge    = errors.New("content too large")
	ErrInvalidURL  = errors.New("invalid url")
	ErrFetch       = errors.New("could not fetch that page")
	// ErrBlockedAddress is returned for URLs that resolve to loopback,
	// private or link-local addresses.
	ErrBlockedAddress = errors.New("address not allowed")
)

// Input methods.
const (
	MethodText  = "text"
	MethodVoice = "voice"
	MethodFile  = "file"
	MethodURL   = "url"
)

// Capture is extracted thought text plus where it came from.
type Capture struct {
	Title       string
	Content     string
	InputMethod string
	Source      string
}

type Capturer struct {
	httpClient   *http.Client
	maxBytes     int64
	userAgent    string
	allowPrivate bool
}

type Option func(*Capturer)

// AllowPrivateNetworks lets FromURL fetch loopback and private addresses.
func AllowPrivateNetworks() Option { return func(c *Capturer) { c.allowPrivate = true } }

func New(opts ...Option) *Capturer {
	c := &Capturer{
		maxBytes:  defaultMaxBytes,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !c.allowPrivate {
		dialer.Control = refusePrivate
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	if !c.allowPrivate {
		// A proxy would dial on our behalf and skip the address check.
		transport.Proxy = nil
	}
	c.httpClient = &http.Client{Timeout: 20 * time.Second, Transport: transport}
	return c
}

// refusePrivate runs after name resolution, so it sees the address actually
// dialed, redirects included.
func refusePrivate(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	if blockedAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ap.Addr())
	}
	return nil
}

func blockedAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() || a.IsPrivate() || a.IsUnspecified() ||
		a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsInterfaceLocalMulticast() || a.IsMulticast()
}

// FromText captures typed text or a voice transcript.
func (c *Capturer) FromText(text, method string) (Capture, error) {
	if method == "" {
		method = MethodText
	}
	if method != MethodText && method != MethodVoice {
		return Capture{}, fmt.Errorf("unknown input method %q", method)
	}
	content := normalize(text)
	if content == "" {
		return Capture{}, ErrEmpty
	}
	return Capture{Title: title(content), Content: content, InputMethod: method}, nil
}

// FromFile captures an uploaded file. PDFs are converted to text; other
// files must be valid UTF-8 text.
func (c *Capturer) FromFile(name string, r io.Reader) (Capture, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return Capture{}, fmt.Errorf("reading %s: %w", name, err)
	}
	if int64(len(data)) > c.maxBytes {
		return Capture{}, ErrTooLarge
	}

	var text string
	switch {
	case strings.EqualFold(filepath.Ext(name), ".pdf") || bytes.HasPrefix(data, []byte("%PDF-")):
		text, err = pdfText(data)
		if err != nil {
			return Capture{}, fmt.Errorf("extracting text from %s: %w", name, err)
		}
	case utf8.Valid(data):
		text = string(data)
	default:
		return Capture{}, ErrUnsupported
	}

	content := normalize(text)
	if content == "" {
		return Capture{}, ErrEmpty
	}
	t := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if t == "" || t == "." {
		t = title(content)
	}
	return Capture{Title: t, Content: content, InputMethod: MethodFile, Source: filepath.Base(name)}, nil
}

func pdfText(data []byte) (text string, err error) {
	// The pdf package panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FromURL fetches a web page or plain-text document and captures its text.
func (c *Capturer) FromURL(ctx context.Context, rawURL string) (Capture, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Capture{}, ErrInvalidURL
	}
	if ip, err := netip.ParseAddr(u.Hostname()); err == nil && !c.allowPrivate && blockedAddr(ip) {
		return Capture{}, ErrBlockedAddress
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Capture{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html, text/plain;q=0.9")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) {
			return Capture{}, ErrBlockedAddress
		}
		return Capture{}, fmt.Errorf("%w: %s: %w", ErrFetch, u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Capture{}, fmt.Errorf("%w: %s: status %d", ErrFetch, u.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return Capture{}, fmt.Errorf("%w: reading %s: %w", ErrFetch, u.Host, err)
	}
	if int64(len(body)) > c.maxBytes {
		return Capture{}, ErrTooLarge
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	var pageTitle, text string
	switch {
	case strings.Contains(ct, "html"):
		pageTitle, text, err = htmlText(body)
		if err != nil {
			return Capture{}, fmt.Errorf("parsing %s: %w", u.Host, err)
		}
	case strings.HasPrefix(ct, "text/") || ct == "":
		text = string(body)
	default:
		return Capture{}, fmt.Errorf("%w: %s", ErrUnsupported, ct)
	}

	content := normalize(text)
	if content == "" {
		return Capture{}, ErrEmpty
	}
	if pageTitle == "" {
		pageTitle = title(content)
	}
	return Capture{Title: pageTitle, Content: content, InputMethod: MethodURL, Source: u.String()}, nil
}

// normalize trims, collapses runs of blank lines and caps the length.
func normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimRightFunc(l, func(r rune) bool { return r == ' ' || r == '\t' })
		if strings.TrimSpace(l) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	content := strings.TrimSpace(strings.Join(out, "\n"))
	if r := []rune(content); len(r) > maxContentRunes {
		content = string(r[:maxContentRunes])
	}
	return content
}

func title(content string) string {
	first, _, _ := strings.Cut(content, "\n")
	first = strings.Join(strings.Fields(first), " ")
	if r := []rune(first); len(r) > titleRunes {
		return string(r[:titleRunes-1]) + "…"
	}
	return first
}
