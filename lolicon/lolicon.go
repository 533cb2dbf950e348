package lolicon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"telegram-random-image-bot/imagestore"
)

const (
	DefaultAPIURL  = "https://api.lolicon.app/setu/v2"
	DefaultTimeout = 10 * time.Second

	maxNum  = 20
	maxUIDs = 20
)

var (
	ErrRequestFailed     = errors.New("image source request failed")
	ErrAPI               = errors.New("image source returned an error")
	ErrMalformedResponse = errors.New("image source response is malformed")
	ErrNoImage           = errors.New("image source returned no images")
	ErrRateLimited       = errors.New("image source rate limit reached")
)

// Request mirrors the body accepted by the Lolicon v2 API.
type Request struct {
	R18         int      `json:"r18"`
	Num         int      `json:"num"`
	Tags        []string `json:"tag,omitempty"`
	Size        []string `json:"size,omitempty"`
	UID         []int64  `json:"uid,omitempty"`
	Keyword     string   `json:"keyword,omitempty"`
	Proxy       string   `json:"proxy,omitempty"`
	ExcludeAI   bool     `json:"excludeAI"`
	AspectRatio string   `json:"aspectRatio,omitempty"`
}

// normalized returns a copy with num clamped to 1..20 and at most 20 uids.
func (r Request) normalized() Request {
	r.Num = max(1, min(maxNum, r.Num))
	if len(r.UID) > maxUIDs {
		r.UID = r.UID[:maxUIDs]
	}

	return r
}

type Image struct {
	PID        int64             `json:"pid"`
	P          int               `json:"p"`
	UID        int64             `json:"uid"`
	Title      string            `json:"title"`
	Author     string            `json:"author"`
	R18        bool              `json:"r18"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Tags       []string          `json:"tags"`
	Ext        string            `json:"ext"`
	AIType     int               `json:"aiType"`
	UploadDate int64             `json:"uploadDate"`
	URLs       map[string]string `json:"urls"`
}

type response struct {
	Error string  `json:"error"`
	Data  []Image `json:"data"`
}

// Descriptor is everything needed to download one image and describe it.
type Descriptor struct {
	URL      string
	Filename string
	PID      int64
	Page     int
	Title    string
	Author   string
}

// Filename follows the {pid}_p{page}.{ext} convention.
func (i Image) Filename() string {
	return fmt.Sprintf("%d_p%d.%s", i.PID, i.P, strings.ToLower(strings.TrimPrefix(i.Ext, ".")))
}

// Descriptor picks the "original" URL, falling back to the sizes in the
// order they were requested. Resized variants are re-encoded upstream
// (e.g. "_master1200.jpg" for a png original), so the stored extension
// follows the chosen URL when it is a supported one.
func (i Image) Descriptor(sizes []string) (Descriptor, error) {
	if i.PID == 0 || i.Ext == "" {
		return Descriptor{}, fmt.Errorf("%w: image without pid or extension", ErrMalformedResponse)
	}

	src := i.URLs["original"]
	for _, size := range sizes {
		if src != "" {
			break
		}
		src = i.URLs[size]
	}
	if src == "" {
		return Descriptor{}, fmt.Errorf("%w: no usable url for pid %d", ErrMalformedResponse, i.PID)
	}

	filename := i.Filename()
	if u, err := url.Parse(src); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if imagestore.IsSupported("x" + ext) {
			filename = fmt.Sprintf("%d_p%d%s", i.PID, i.P, ext)
		}
	}

	return Descriptor{
		URL:      src,
		Filename: filename,
		PID:      i.PID,
		Page:     i.P,
		Title:    i.Title,
		Author:   i.Author,
	}, nil
}

type Client struct {
	http     *resty.Client
	apiURL   string
	defaults Request
	limiter  *rate.Limiter
}

type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http.SetTimeout(timeout)
		}
	}
}

// WithRatePerMinute limits upstream calls. Zero or negative disables limiting.
func WithRatePerMinute(n int) Option {
	return func(c *Client) {
		if n <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)

			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
}

func WithDefaultRequest(req Request) Option {
	return func(c *Client) {
		c.defaults = req
	}
}

func NewClient(apiURL string, opts ...Option) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	c := &Client{
		http:     resty.New().SetTimeout(DefaultTimeout),
		apiURL:   apiURL,
		defaults: Request{Num: 1, ExcludeAI: true, AspectRatio: "gt1"},
		limiter:  rate.NewLimiter(rate.Inf, 0),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Fetch(ctx context.Context, req Request) ([]Image, error) {
	req = req.normalized()

	if err := c.limiter.Wait(ctx); err != nil {
		slog.Warn("lolicon: Request refused by rate limiter", "error", err)

		return nil, errors.Join(ErrRateLimited, err)
	}

	slog.Debug("lolicon: Requesting images", "request", req)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(c.apiURL)
	if err != nil {
		slog.Error("lolicon: HTTP request failed", "error", err)

		return nil, errors.Join(ErrRequestFailed, err)
	}

	if !resp.IsSuccess() {
		slog.Error("lolicon: Unexpected response status", "status", resp.StatusCode())

		return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode())
	}

	var data response
	if err := json.Unmarshal(resp.Body(), &data); err != nil {
		slog.Error("lolicon: Cannot decode response", "error", err)
		sentry.CaptureException(err)

		return nil, errors.Join(ErrMalformedResponse, err)
	}

	if data.Error != "" {
		slog.Warn("lolicon: API error", "error", data.Error)

		return nil, fmt.Errorf("%w: %s", ErrAPI, data.Error)
	}

	slog.Debug("lolicon: Received images", "count", len(data.Data))

	return data.Data, nil
}

// RandomImage asks for a single image using the client's default request.
func (c *Client) RandomImage(ctx context.Context) (Descriptor, error) {
	req := c.defaults
	req.Num = 1

	images, err := c.Fetch(ctx, req)
	if err != nil {
		if errors.Is(err, ErrAPI) {
			return Descriptor{}, errors.Join(ErrNoImage, err)
		}

		return Descriptor{}, err
	}

	if len(images) == 0 {
		slog.Info("lolicon: No images matched the request")

		return Descriptor{}, ErrNoImage
	}

	return images[0].Descriptor(req.Size)
}
