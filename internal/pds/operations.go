package pds

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Session holds the tokens returned by session creation or refresh.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// CreateSession performs a password login. authFactorToken carries the
// one-time second-factor code when the server demanded one on a prior
// attempt; callers detect that demand via IsAuthFactorRequired.
func (c *Client) CreateSession(ctx context.Context, identifier, password, authFactorToken string) (*Session, error) {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}
	if authFactorToken != "" {
		body["authFactorToken"] = authFactorToken
	}

	var session Session
	err := c.do(ctx, request{
		method:   http.MethodPost,
		nsid:     "com.atproto.server.createSession",
		jsonBody: body,
		noAuth:   true,
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// RefreshSession exchanges a refresh token for a fresh token pair. The
// refresh token is single-use: a racing second exchange with the same
// token is rejected by the server and surfaces as a retryable error.
func (c *Client) RefreshSession(ctx context.Context, refreshJwt string) (*Session, error) {
	var session Session
	err := c.do(ctx, request{
		method:       http.MethodPost,
		nsid:         "com.atproto.server.refreshSession",
		authOverride: StaticToken(refreshJwt),
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// RepoDescription is the existence/deactivation probe result.
type RepoDescription struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// DescribeRepo probes whether the server hosts a repository for the
// identity.
func (c *Client) DescribeRepo(ctx context.Context, did string) (*RepoDescription, error) {
	params := url.Values{"repo": {did}}
	var desc RepoDescription
	err := c.do(ctx, request{
		method: http.MethodGet,
		nsid:   "com.atproto.repo.describeRepo",
		params: params,
		noAuth: true,
	}, &desc)
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

// ExportRepo streams the full repository as a bulk binary payload. The
// caller must close the returned reader.
func (c *Client) ExportRepo(ctx context.Context, did string) (io.ReadCloser, int64, error) {
	return c.stream(ctx, request{
		method: http.MethodGet,
		nsid:   "com.atproto.sync.getRepo",
		params: url.Values{"did": {did}},
	})
}

// ImportRepo uploads a repository payload to the server. The payload
// must be seekable so a rate-limited attempt can be resent in full.
func (c *Client) ImportRepo(ctx context.Context, repo io.ReadSeeker) error {
	return c.do(ctx, request{
		method:      http.MethodPost,
		nsid:        "com.atproto.repo.importRepo",
		body:        repo,
		contentType: "application/vnd.ipld.car",
	}, nil)
}

// ListBlobs returns one page of blob IDs for the identity. Cursors are
// opaque; an empty returned cursor means the listing is exhausted. No
// per-page ordering is guaranteed.
func (c *Client) ListBlobs(ctx context.Context, did, cursor string, limit int) ([]string, string, error) {
	params := url.Values{"did": {did}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Cursor string   `json:"cursor"`
		CIDs   []string `json:"cids"`
	}
	err := c.do(ctx, request{
		method: http.MethodGet,
		nsid:   "com.atproto.sync.listBlobs",
		params: params,
	}, &out)
	if err != nil {
		return nil, "", err
	}
	return out.CIDs, out.Cursor, nil
}

// GetBlob streams one blob. The caller must close the returned reader.
func (c *Client) GetBlob(ctx context.Context, did, cid string) (io.ReadCloser, int64, error) {
	return c.stream(ctx, request{
		method: http.MethodGet,
		nsid:   "com.atproto.sync.getBlob",
		params: url.Values{"did": {did}, "cid": {cid}},
	})
}

// UploadBlob uploads one blob to the server. The blob must be seekable
// so a rate-limited attempt can be resent in full.
func (c *Client) UploadBlob(ctx context.Context, blob io.ReadSeeker, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.do(ctx, request{
		method:      http.MethodPost,
		nsid:        "com.atproto.repo.uploadBlob",
		body:        blob,
		contentType: contentType,
	}, nil)
}

// GetPreferences fetches the account's preference set as an opaque
// document.
func (c *Client) GetPreferences(ctx context.Context) (json.RawMessage, error) {
	var out struct {
		Preferences json.RawMessage `json:"preferences"`
	}
	err := c.do(ctx, request{
		method: http.MethodGet,
		nsid:   "app.bsky.actor.getPreferences",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Preferences, nil
}

// ImportPreferences writes a preference set previously read with
// GetPreferences.
func (c *Client) ImportPreferences(ctx context.Context, prefs json.RawMessage) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		nsid:     "app.bsky.actor.putPreferences",
		jsonBody: map[string]json.RawMessage{"preferences": prefs},
	}, nil)
}

// RequestPLCOperationSignature asks the server to email the user a
// single-use confirmation token for the identity-directory update.
func (c *Client) RequestPLCOperationSignature(ctx context.Context) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		nsid:   "com.atproto.identity.requestPlcOperationSignature",
	}, nil)
}

// GetRecommendedCredentials returns the credential set the server
// recommends writing into the identity-directory record.
func (c *Client) GetRecommendedCredentials(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		nsid:   "com.atproto.identity.getRecommendedDidCredentials",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SignPLCOperation has the server sign a directory operation. The
// single-use confirmation token authorizes the signature; the signed
// operation is opaque to this system.
func (c *Client) SignPLCOperation(ctx context.Context, token string, op map[string]json.RawMessage) (json.RawMessage, error) {
	body := make(map[string]interface{}, len(op)+1)
	for k, v := range op {
		body[k] = v
	}
	body["token"] = token

	var out struct {
		Operation json.RawMessage `json:"operation"`
	}
	err := c.do(ctx, request{
		method:   http.MethodPost,
		nsid:     "com.atproto.identity.signPlcOperation",
		jsonBody: body,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Operation, nil
}

// SubmitPLCOperation publishes a signed operation to the identity
// directory. This is irreversible from the system's point of view.
func (c *Client) SubmitPLCOperation(ctx context.Context, op json.RawMessage) error {
	return c.do(ctx, request{
		method:   http.MethodPost,
		nsid:     "com.atproto.identity.submitPlcOperation",
		jsonBody: map[string]json.RawMessage{"operation": op},
	}, nil)
}

// GetServiceAuth obtains a short-lived inter-service token scoped to
// the audience and method, used to create the destination account
// under an existing identity.
func (c *Client) GetServiceAuth(ctx context.Context, audience, lxm string) (string, error) {
	params := url.Values{"aud": {audience}}
	if lxm != "" {
		params.Set("lxm", lxm)
	}
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, request{
		method: http.MethodGet,
		nsid:   "com.atproto.server.getServiceAuth",
		params: params,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

// CreateAccountParams describes the account to create on the
// destination server.
type CreateAccountParams struct {
	DID        string
	Handle     string
	Email      string
	Password   string
	InviteCode string

	// ServiceAuth is the inter-service token authorizing reuse of an
	// existing identity; empty for a brand-new identity.
	ServiceAuth string
}

// CreateAccount creates the destination account. When the response
// carries an identity reference it must match the requested one; a
// mismatch means the wrong account may exist and is fatal. A response
// omitting the field passes validation.
func (c *Client) CreateAccount(ctx context.Context, p CreateAccountParams) (*Session, error) {
	body := map[string]string{
		"handle":   p.Handle,
		"email":    p.Email,
		"password": p.Password,
	}
	if p.DID != "" {
		body["did"] = p.DID
	}
	if p.InviteCode != "" {
		body["inviteCode"] = p.InviteCode
	}

	req := request{
		method:   http.MethodPost,
		nsid:     "com.atproto.server.createAccount",
		jsonBody: body,
		noAuth:   p.ServiceAuth == "",
	}
	if p.ServiceAuth != "" {
		req.authOverride = StaticToken(p.ServiceAuth)
	}

	var session Session
	if err := c.do(ctx, req, &session); err != nil {
		return nil, err
	}

	if p.DID != "" && session.DID != "" && session.DID != p.DID {
		return nil, &Error{
			Code:    CodeIdentityMismatch,
			Message: "server created " + session.DID + ", requested " + p.DID,
		}
	}
	return &session, nil
}

// ActivateAccount marks the account live on this server.
func (c *Client) ActivateAccount(ctx context.Context) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		nsid:   "com.atproto.server.activateAccount",
	}, nil)
}

// DeactivateAccount marks the account dormant on this server.
func (c *Client) DeactivateAccount(ctx context.Context) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		nsid:   "com.atproto.server.deactivateAccount",
	}, nil)
}

// AccountStatus is the server's self-reported migration bookkeeping,
// used by the reconciliation pass.
type AccountStatus struct {
	Activated          bool   `json:"activated"`
	ValidDid           bool   `json:"validDid"`
	RepoCommit         string `json:"repoCommit"`
	ExpectedBlobs      int    `json:"expectedBlobs"`
	ImportedBlobs      int    `json:"importedBlobs"`
	IndexedRecords     int    `json:"indexedRecords"`
	PrivateStateValues int    `json:"privateStateValues"`
}

// CheckAccountStatus queries the server's expected-vs-imported counts.
func (c *Client) CheckAccountStatus(ctx context.Context) (*AccountStatus, error) {
	var status AccountStatus
	err := c.do(ctx, request{
		method: http.MethodGet,
		nsid:   "com.atproto.server.checkAccountStatus",
	}, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// ListMissingBlobs returns blob IDs the server knows it is missing.
func (c *Client) ListMissingBlobs(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Cursor string `json:"cursor"`
		Blobs  []struct {
			CID string `json:"cid"`
		} `json:"blobs"`
	}
	err := c.do(ctx, request{
		method: http.MethodGet,
		nsid:   "com.atproto.repo.listMissingBlobs",
		params: params,
	}, &out)
	if err != nil {
		return nil, "", err
	}

	cids := make([]string, 0, len(out.Blobs))
	for _, b := range out.Blobs {
		cids = append(cids, b.CID)
	}
	return cids, out.Cursor, nil
}
