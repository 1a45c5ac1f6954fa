//go:build unit

package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func expiredAccount(email string) *Account {
	acc := testAccount(email)
	acc.AccessTokenExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	return acc
}

func TestTokenProvider_CachedTokenNoRPC(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	pool := newTestPool(t, testAccount("a@x.com"))
	provider := NewTokenProvider(pool, time.Second)
	provider.tokenURL = srv.URL

	acc, err := pool.Get("a@x.com")
	require.NoError(t, err)
	token, err := provider.GetAccessToken(context.Background(), acc)
	require.NoError(t, err)
	require.Equal(t, "tok-a@x.com", token)
	require.Zero(t, calls.Load())
}

func TestTokenProvider_ConcurrentRefreshSingleRPC(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("unexpected grant_type: %s", got)
		}
		if got := r.Form.Get("refresh_token"); got != "ref-a@x.com" {
			t.Errorf("unexpected refresh_token: %s", got)
		}
		time.Sleep(50 * time.Millisecond) // 拉长在途时间，确保并发者搭上同一次刷新
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600}`))
	}))
	defer srv.Close()

	pool := newTestPool(t, expiredAccount("a@x.com"))
	provider := NewTokenProvider(pool, 5*time.Second)
	provider.tokenURL = srv.URL

	const workers = 10
	var wg sync.WaitGroup
	tokens := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc, err := pool.Get("a@x.com")
			if err != nil {
				errs[i] = err
				return
			}
			tokens[i], errs[i] = provider.GetAccessToken(context.Background(), acc)
		}(i)
	}
	wg.Wait()

	// 并发刷新合并为恰好一次上游 RPC，所有调用者拿到同一结果
	require.Equal(t, int64(1), calls.Load())
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "fresh-token", tokens[i])
	}

	acc, err := pool.Get("a@x.com")
	require.NoError(t, err)
	require.Equal(t, "fresh-token", acc.AccessToken)
	require.Greater(t, acc.AccessTokenExpiresAt, time.Now().UnixMilli())
}

func TestTokenProvider_RefreshRejectedMarksInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	pool := newTestPool(t, expiredAccount("a@x.com"))
	provider := NewTokenProvider(pool, time.Second)
	provider.tokenURL = srv.URL

	acc, err := pool.Get("a@x.com")
	require.NoError(t, err)
	_, err = provider.GetAccessToken(context.Background(), acc)

	var rfe *RefreshFailedError
	require.ErrorAs(t, err, &rfe)
	require.Equal(t, http.StatusUnauthorized, rfe.StatusCode)

	acc, err = pool.Get("a@x.com")
	require.NoError(t, err)
	require.True(t, acc.IsInvalid)
	require.Equal(t, "refresh failed", acc.InvalidReason)
}

func TestTokenProvider_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pool := newTestPool(t, expiredAccount("a@x.com"))
	provider := NewTokenProvider(pool, time.Second)
	provider.tokenURL = srv.URL

	acc, err := pool.Get("a@x.com")
	require.NoError(t, err)
	_, err = provider.GetAccessToken(context.Background(), acc)
	require.Error(t, err)

	// 5xx 不碰账号状态
	acc, err = pool.Get("a@x.com")
	require.NoError(t, err)
	require.False(t, acc.IsInvalid)
}

func TestTokenProvider_NoRefreshToken(t *testing.T) {
	pool := newTestPool(t)
	acc := expiredAccount("a@x.com")
	acc.RefreshToken = ""
	require.NoError(t, pool.AddOrReplace(acc))

	provider := NewTokenProvider(pool, time.Second)
	got, err := pool.Get("a@x.com")
	require.NoError(t, err)
	_, err = provider.GetAccessToken(context.Background(), got)

	var rfe *RefreshFailedError
	require.ErrorAs(t, err, &rfe)

	got, err = pool.Get("a@x.com")
	require.NoError(t, err)
	require.True(t, got.IsInvalid)
}

func TestTokenProvider_Revalidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"revalidated","expires_in":3600}`))
	}))
	defer srv.Close()

	pool := newTestPool(t)
	acc := expiredAccount("a@x.com")
	acc.Source = AccountSourceOAuth
	require.NoError(t, pool.AddOrReplace(acc))
	pool.MarkInvalid("a@x.com", "auth failed")

	provider := NewTokenProvider(pool, time.Second)
	provider.tokenURL = srv.URL

	require.NoError(t, provider.Revalidate(context.Background(), "a@x.com"))

	got, err := pool.Get("a@x.com")
	require.NoError(t, err)
	require.False(t, got.IsInvalid)
	require.Equal(t, "revalidated", got.AccessToken)
}
