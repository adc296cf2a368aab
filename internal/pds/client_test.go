package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSleeps replaces the client's sleeper so tests can observe
// backoff durations without actually waiting.
func recordSleeps(c *Client) *[]time.Duration {
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return &slept
}

func TestRetry_RetryAfterHintWithJitter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "RateLimitExceeded"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"did": "did:plc:abc"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	slept := recordSleeps(c)

	_, err := c.DescribeRepo(context.Background(), "did:plc:abc")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	require.Len(t, *slept, 1)
	wait := (*slept)[0]
	assert.GreaterOrEqual(t, wait, 5*time.Second)
	assert.LessOrEqual(t, wait, 6250*time.Millisecond) // 5s + up to 25% jitter
}

func TestRetry_ExhaustsAfterFiveAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "RateLimitExceeded"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	recordSleeps(c)

	_, err := c.DescribeRepo(context.Background(), "did:plc:abc")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls), "1 initial + 4 retries")
}

func TestRetry_ExponentialBackoffWithoutHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "RateLimitExceeded"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	slept := recordSleeps(c)

	_, err := c.DescribeRepo(context.Background(), "did:plc:abc")
	require.Error(t, err)

	require.Len(t, *slept, 4)
	for i, d := range *slept {
		base := baseRetryDelay << uint(i)
		assert.GreaterOrEqual(t, d, base, "delay %d below exponential base", i)
		assert.LessOrEqual(t, d, base+base/4, "delay %d above base plus 25%% jitter", i)
	}
}

func TestRetry_RequestBodyResentInFull(t *testing.T) {
	payload := []byte("blob payload bytes")
	var (
		mu     sync.Mutex
		bodies [][]byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, data)
		first := len(bodies) == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "RateLimitExceeded"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAuth(StaticToken("tok")))
	recordSleeps(c)

	err := c.UploadBlob(context.Background(), bytes.NewReader(payload), "application/octet-stream")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, payload, bodies[0])
	assert.Equal(t, payload, bodies[1], "the retried attempt must carry the full payload again")
}

func TestRetry_NonRateLimitErrorsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "InvalidRequest", "message": "nope"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.DescribeRepo(context.Background(), "did:plc:abc")
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, "InvalidRequest", pe.Code)
	assert.Equal(t, "nope", pe.Message)
}

func TestCreateSession_SecondFactorSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		if body["authFactorToken"] == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "AuthFactorTokenRequired",
				"message": "check your email",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(Session{
			DID:        "did:plc:abc",
			AccessJwt:  "access",
			RefreshJwt: "refresh",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	_, err := c.CreateSession(context.Background(), "alice.test", "pw", "")
	require.Error(t, err)
	assert.True(t, IsAuthFactorRequired(err), "second-factor demand must stay distinguishable")
	assert.False(t, IsExpiredToken(err))

	session, err := c.CreateSession(context.Background(), "alice.test", "pw", "123456")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:abc", session.DID)
}

func TestCreateAccount_IdentityMismatchFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Session{DID: "did:plc:other", AccessJwt: "a", RefreshJwt: "r"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.CreateAccount(context.Background(), CreateAccountParams{
		DID:      "did:plc:wanted",
		Handle:   "alice.test",
		Email:    "a@example.com",
		Password: "pw",
	})
	require.Error(t, err)
	assert.True(t, Fatal(err))

	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeIdentityMismatch, pe.Code)
	assert.Contains(t, pe.Message, "did:plc:wanted")
	assert.Contains(t, pe.Message, "did:plc:other")
}

func TestCreateAccount_MissingIdentityFieldPasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"accessJwt": "a", "refreshJwt": "r"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	session, err := c.CreateAccount(context.Background(), CreateAccountParams{
		DID:      "did:plc:wanted",
		Handle:   "alice.test",
		Email:    "a@example.com",
		Password: "pw",
	})
	require.NoError(t, err)
	assert.Empty(t, session.DID)
}

func TestListBlobs_CursorPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"cursor": "page2",
				"cids":   []string{"cid1", "cid2"},
			})
		case "page2":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"cids": []string{"cid3"},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAuth(StaticToken("tok")))

	ids, cursor, err := c.ListBlobs(context.Background(), "did:plc:abc", "", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"cid1", "cid2"}, ids)
	assert.Equal(t, "page2", cursor)

	ids, cursor, err = c.ListBlobs(context.Background(), "did:plc:abc", cursor, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"cid3"}, ids)
	assert.Empty(t, cursor)
}

func TestBearerAuthAttached(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(AccountStatus{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAuth(StaticToken("my-token")))
	_, err := c.CheckAccountStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer my-token", gotAuth)
}

func TestRetryAfter_HeaderParsedOn429WithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetries(0))
	_, err := c.DescribeRepo(context.Background(), "did:plc:abc")
	require.Error(t, err)

	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeRateLimitExceeded, pe.Code)
	assert.Equal(t, 7*time.Second, pe.RetryAfter)
}
