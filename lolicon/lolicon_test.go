package lolicon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func apiServer(t *testing.T, status int, body string, seen *Request) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

const oneImage = `{"error":"","data":[{"pid":123,"p":0,"uid":9,"title":"T","author":"A","r18":false,` +
	`"width":10,"height":5,"tags":["x"],"ext":"jpg","aiType":1,"uploadDate":1700000000000,` +
	`"urls":{"original":"http://x/123.jpg"}}]}`

func TestRandomImage_Descriptor(t *testing.T) {
	srv := apiServer(t, http.StatusOK, oneImage, nil)
	c := NewClient(srv.URL)

	d, err := c.RandomImage(context.Background())
	require.NoError(t, err)
	require.Equal(t, Descriptor{
		URL:      "http://x/123.jpg",
		Filename: "123_p0.jpg",
		PID:      123,
		Page:     0,
		Title:    "T",
		Author:   "A",
	}, d)
}

func TestRandomImage_APIErrorMeansNoImage(t *testing.T) {
	srv := apiServer(t, http.StatusOK, `{"error":"bad tag","data":[]}`, nil)
	c := NewClient(srv.URL)

	_, err := c.RandomImage(context.Background())
	require.ErrorIs(t, err, ErrNoImage)
	require.ErrorIs(t, err, ErrAPI)
}

func TestRandomImage_EmptyData(t *testing.T) {
	srv := apiServer(t, http.StatusOK, `{"error":"","data":[]}`, nil)
	c := NewClient(srv.URL)

	_, err := c.RandomImage(context.Background())
	require.ErrorIs(t, err, ErrNoImage)
}

func TestRandomImage_MissingURL(t *testing.T) {
	srv := apiServer(t, http.StatusOK, `{"error":"","data":[{"pid":1,"p":2,"ext":"png","urls":{}}]}`, nil)
	c := NewClient(srv.URL)

	_, err := c.RandomImage(context.Background())
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestFetch_Failures(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := apiServer(t, http.StatusBadGateway, `oops`, nil)
		_, err := NewClient(srv.URL).Fetch(context.Background(), Request{})
		require.ErrorIs(t, err, ErrRequestFailed)
	})

	t.Run("garbage", func(t *testing.T) {
		srv := apiServer(t, http.StatusOK, `<html>`, nil)
		_, err := NewClient(srv.URL).Fetch(context.Background(), Request{})
		require.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, WithTimeout(20*time.Millisecond)).Fetch(context.Background(), Request{})
		require.ErrorIs(t, err, ErrRequestFailed)
	})
}

func TestFetch_NormalizesRequest(t *testing.T) {
	var seen Request
	srv := apiServer(t, http.StatusOK, `{"error":"","data":[]}`, &seen)

	uids := make([]int64, 30)
	for i := range uids {
		uids[i] = int64(i + 1)
	}

	_, err := NewClient(srv.URL).Fetch(context.Background(), Request{
		R18:         2,
		Num:         50,
		Tags:        []string{"a|b", "c"},
		Size:        []string{"original", "regular"},
		UID:         uids,
		ExcludeAI:   true,
		AspectRatio: "gt1",
	})
	require.NoError(t, err)

	require.Equal(t, 2, seen.R18)
	require.Equal(t, 20, seen.Num)
	require.Len(t, seen.UID, 20)
	require.Equal(t, []string{"a|b", "c"}, seen.Tags)
	require.True(t, seen.ExcludeAI)
	require.Equal(t, "gt1", seen.AspectRatio)

	require.Equal(t, 1, Request{Num: -3}.normalized().Num)
}

func TestFetch_RateLimited(t *testing.T) {
	srv := apiServer(t, http.StatusOK, `{"error":"","data":[]}`, nil)
	c := NewClient(srv.URL, WithRatePerMinute(1))

	_, err := c.Fetch(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Fetch(ctx, Request{})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestImage_DescriptorFallsBackToRequestedSize(t *testing.T) {
	img := Image{PID: 5, P: 1, Ext: "PNG", URLs: map[string]string{"regular": "http://x/r.png"}}

	d, err := img.Descriptor([]string{"small", "regular"})
	require.NoError(t, err)
	require.Equal(t, "http://x/r.png", d.URL)
	require.Equal(t, "5_p1.png", d.Filename)
}

func TestImage_DescriptorTakesExtensionFromResizedURL(t *testing.T) {
	img := Image{PID: 5, P: 0, Ext: "png", URLs: map[string]string{
		"regular": "https://i.pixiv.re/img-master/img/2024/01/01/00/00/00/5_p0_master1200.jpg",
	}}

	d, err := img.Descriptor([]string{"regular"})
	require.NoError(t, err)
	require.Equal(t, "5_p0.jpg", d.Filename)
}

func TestImage_DescriptorKeepsExtForUnsupportedURL(t *testing.T) {
	img := Image{PID: 5, P: 2, Ext: "png", URLs: map[string]string{
		"mini":  "https://i.pixiv.re/c/48x48/img-master/5_p2_square1200.gif?x=1",
		"thumb": "https://i.pixiv.re/thumb/5",
	}}

	d, err := img.Descriptor([]string{"mini"})
	require.NoError(t, err)
	require.Equal(t, "5_p2.png", d.Filename)

	d, err = img.Descriptor([]string{"thumb"})
	require.NoError(t, err)
	require.Equal(t, "5_p2.png", d.Filename)
}
