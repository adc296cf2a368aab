//go:build integration
// +build integration

package integration

import (
	"net/http"
	"sync"

	"github.com/skymigrate/pds-migrator/pkg/types"
)

// TestRateLimitedSourceRecovers exercises the client-side backoff: the
// source server throttles the first request to each endpoint and the
// migration still completes.
func (s *TestSuite) TestRateLimitedSourceRecovers() {
	var mu sync.Mutex
	throttled := make(map[string]bool)

	s.src.mu.Lock()
	s.src.intercept = func(nsid string, w http.ResponseWriter, r *http.Request) bool {
		mu.Lock()
		defer mu.Unlock()
		if nsid == "com.atproto.server.createSession" || throttled[nsid] {
			return false
		}
		throttled[nsid] = true
		w.Header().Set("Retry-After", "1")
		s.src.writeError(w, http.StatusTooManyRequests, "RateLimitExceeded", "slow down")
		return true
	}
	s.src.mu.Unlock()

	resp, status, err := s.client.Submit(s.migrationRequest())
	s.Require().NoError(err)
	s.Require().Equal(http.StatusAccepted, status)

	s.waitForStatus(resp.AccessToken, types.StatusPendingPLC)

	code, err := s.client.SubmitPLCToken(resp.AccessToken, plcToken)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusAccepted, code)

	final := s.waitForStatus(resp.AccessToken, types.StatusCompleted)
	s.Equal(3, final.Progress.CompletedBlobs)
	s.Empty(final.Progress.FailedBlobs)

	mu.Lock()
	s.NotEmpty(throttled, "no endpoint was ever throttled")
	mu.Unlock()
}

// TestUnfetchableBlobRecordedNotFatal: one blob listed by the source
// can never be fetched. The migration still completes, with the lost
// blob in the failure set.
func (s *TestSuite) TestUnfetchableBlobRecordedNotFatal() {
	s.src.mu.Lock()
	s.src.blobs["bafylost"] = []byte("will never transfer")
	s.src.intercept = func(nsid string, w http.ResponseWriter, r *http.Request) bool {
		if nsid == "com.atproto.sync.getBlob" && r.URL.Query().Get("cid") == "bafylost" {
			s.src.writeError(w, http.StatusNotFound, "BlobNotFound", "gone")
			return true
		}
		return false
	}
	s.src.mu.Unlock()

	resp, status, err := s.client.Submit(s.migrationRequest())
	s.Require().NoError(err)
	s.Require().Equal(http.StatusAccepted, status)

	s.waitForStatus(resp.AccessToken, types.StatusPendingPLC)

	code, err := s.client.SubmitPLCToken(resp.AccessToken, plcToken)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusAccepted, code)

	final := s.waitForStatus(resp.AccessToken, types.StatusCompleted)
	s.Equal(4, final.Progress.TotalBlobs)
	s.Equal(3, final.Progress.CompletedBlobs)
	s.Equal([]string{"bafylost"}, final.Progress.FailedBlobs)
}

// TestDestinationOutageRetriesThenFails: the destination refusing all
// account creations exhausts stage retries and surfaces a classified
// failure through the status API.
func (s *TestSuite) TestDestinationOutageRetriesThenFails() {
	s.dst.mu.Lock()
	s.dst.intercept = func(nsid string, w http.ResponseWriter, r *http.Request) bool {
		if nsid == "com.atproto.server.createAccount" {
			s.dst.writeError(w, http.StatusBadRequest, "InvalidInviteCode", "invite not valid")
			return true
		}
		return false
	}
	s.dst.mu.Unlock()

	resp, status, err := s.client.Submit(s.migrationRequest())
	s.Require().NoError(err)
	s.Require().Equal(http.StatusAccepted, status)

	final := s.waitForStatus(resp.AccessToken, types.StatusFailed)
	s.Equal("invalid_invite", final.ErrorCode)
	s.Require().NotNil(final.Advisory)
	s.Equal("error", final.Advisory.Severity)
	s.False(final.Advisory.Retryable)
	s.Contains(final.Advisory.Actions, "contact_support")
}
